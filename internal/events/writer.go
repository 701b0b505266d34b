package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TaskCreated     = "task.created"
	TaskUpdated     = "task.updated"
	TaskDeleted     = "task.deleted"
	TasksBulkUpdate = "tasks.bulk_updated"
	TasksBulkDelete = "tasks.bulk_deleted"
)

type requestIDKey struct{}

// WithRequestID tags ctx so events appended under it carry the id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one task_events row inside tx. taskID may be nil for batch events.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, taskID *int64, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var task any
	if taskID != nil {
		task = *taskID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO task_events(ts,type,task_id,request_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, task, nullable(RequestID(ctx)), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
