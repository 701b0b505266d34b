package server

import (
	"time"

	"tasktrack/internal/domain"
	"tasktrack/internal/validate"
)

// Request payloads

type CreateTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty" nullable:"true"`
	Status      string  `json:"status,omitempty" example:"pending"`
	Priority    string  `json:"priority,omitempty" example:"medium"`
	DueDate     *string `json:"due_date,omitempty" nullable:"true" example:"2030-01-31T17:00:00Z"`
	AssignedTo  *string `json:"assigned_to,omitempty" nullable:"true"`
	Author      *string `json:"author,omitempty" nullable:"true"`
}

// UpdateTaskRequest documents the partial update body. Presence is read from
// the raw JSON so omitted and null fields stay distinct.
type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty" nullable:"true"`
	Status      *string `json:"status,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	DueDate     *string `json:"due_date,omitempty" nullable:"true"`
	AssignedTo  *string `json:"assigned_to,omitempty" nullable:"true"`
	Author      *string `json:"author,omitempty" nullable:"true"`
}

type BulkUpdateItem struct {
	ID          *int64  `json:"id,omitempty" nullable:"true"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty" nullable:"true"`
	Status      *string `json:"status,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	DueDate     *string `json:"due_date,omitempty" nullable:"true"`
	AssignedTo  *string `json:"assigned_to,omitempty" nullable:"true"`
	Author      *string `json:"author,omitempty" nullable:"true"`
}

type BulkUpdateRequest struct {
	Items []BulkUpdateItem `json:"items"`
}

type BulkDeleteRequest struct {
	IDs []int64 `json:"ids"`
}

// Response payloads

type TaskResponse struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	Status      string     `json:"status" enum:"pending,in_progress,completed,cancelled"`
	Priority    string     `json:"priority" enum:"low,medium,high,urgent"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
	DueDate     *time.Time `json:"due_date"`
	AssignedTo  *string    `json:"assigned_to"`
	Author      *string    `json:"author"`
}

type AffectedResponse struct {
	Affected int64 `json:"affected"`
}

type EventResponse struct {
	ID        int64     `json:"id"`
	TS        time.Time `json:"ts"`
	Type      string    `json:"type"`
	TaskID    *int64    `json:"task_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Payload   string    `json:"payload_json"`
}

type RootResponse struct {
	Name      string   `json:"name"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		DueDate:     t.DueDate,
		AssignedTo:  t.AssignedTo,
		Author:      t.Author,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		TaskID:    e.TaskID,
		RequestID: e.RequestID,
		Payload:   e.Payload,
	}
}

func taskInput(req CreateTaskRequest) validate.TaskInput {
	return validate.TaskInput{
		Title:       req.Title,
		Description: req.Description,
		Status:      req.Status,
		Priority:    req.Priority,
		DueDate:     req.DueDate,
		AssignedTo:  req.AssignedTo,
		Author:      req.Author,
	}
}
