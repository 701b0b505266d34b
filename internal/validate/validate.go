// Package validate normalizes and rejects task payloads before they reach the engine.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"tasktrack/internal/domain"
)

const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 1000
	MaxAssignedToLen  = 100
	MaxAuthorLen      = 100
)

// zoneless layouts are read as UTC.
var dueDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

type Validator struct {
	Now func() time.Time
}

func New() Validator {
	return Validator{Now: time.Now}
}

func (v Validator) now() time.Time {
	if v.Now == nil {
		return time.Now().UTC()
	}
	return v.Now().UTC()
}

// TaskInput is a creation payload as received from a caller.
type TaskInput struct {
	Title       string
	Description *string
	Status      string
	Priority    string
	DueDate     *string
	AssignedTo  *string
	Author      *string
}

func (v Validator) NewTask(in TaskInput) (domain.NewTask, error) {
	verr := &Error{}
	out := domain.NewTask{
		Title:       v.title("title", in.Title, verr),
		Description: optionalText("description", in.Description, MaxDescriptionLen, verr),
		AssignedTo:  optionalText("assigned_to", in.AssignedTo, MaxAssignedToLen, verr),
		Author:      optionalText("author", in.Author, MaxAuthorLen, verr),
		Status:      domain.StatusPending,
		Priority:    domain.PriorityMedium,
	}
	if strings.TrimSpace(in.Status) != "" {
		if s, err := domain.ParseStatus(in.Status); err != nil {
			verr.invalid("status", enumReason(domain.Statuses()))
		} else {
			out.Status = s
		}
	}
	if strings.TrimSpace(in.Priority) != "" {
		if p, err := domain.ParsePriority(in.Priority); err != nil {
			verr.invalid("priority", enumReason(domain.Priorities()))
		} else {
			out.Priority = p
		}
	}
	if in.DueDate != nil {
		out.DueDate = v.dueDate("due_date", *in.DueDate, verr)
	}
	return out, verr.orNil()
}

func (v Validator) title(field, raw string, verr *Error) string {
	t := strings.TrimSpace(raw)
	if t == "" {
		verr.required(field)
		return ""
	}
	if utf8.RuneCountInString(t) > MaxTitleLen {
		verr.length(field, 1, MaxTitleLen)
	}
	return t
}

func optionalText(field string, raw *string, max int, verr *Error) *string {
	if raw == nil {
		return nil
	}
	if utf8.RuneCountInString(*raw) > max {
		verr.length(field, 0, max)
	}
	s := *raw
	return &s
}

func (v Validator) dueDate(field, raw string, verr *Error) *time.Time {
	t, err := ParseDueDate(raw)
	if err != nil {
		verr.add(field, ErrorTypeInvalidFormat, "must be an ISO 8601 timestamp")
		return nil
	}
	if !t.After(v.now()) {
		verr.add(field, ErrorTypeInvalidRange, "must be in the future")
		return nil
	}
	return &t
}

// ParseDueDate accepts RFC 3339 and zoneless ISO 8601 timestamps; the latter are UTC.
func ParseDueDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dueDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}

func enumReason[T ~string](values []T) string {
	names := make([]string, len(values))
	for i, v := range values {
		names[i] = string(v)
	}
	return "must be one of " + strings.Join(names, ", ")
}

// Patch builds a partial update from a raw JSON object. Only keys present in
// raw are set; null clears a nullable field.
func (v Validator) Patch(raw map[string]json.RawMessage) (domain.TaskPatch, error) {
	verr := &Error{}
	p := v.patch("", raw, verr)
	return p, verr.orNil()
}

func (v Validator) patch(prefix string, raw map[string]json.RawMessage, verr *Error) domain.TaskPatch {
	var p domain.TaskPatch
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		val := raw[key]
		name := prefix + key
		if key == "id" {
			if prefix == "" {
				verr.invalid(name, "is immutable")
			}
			continue
		}
		f, err := domain.ParseField(key)
		if err != nil {
			verr.invalid(name, "unknown field")
			continue
		}
		if IsNull(val) {
			if !f.Nullable() {
				verr.invalid(name, "cannot be null")
				continue
			}
			switch f {
			case domain.FieldDescription:
				p.SetDescription(nil)
			case domain.FieldDueDate:
				p.SetDueDate(nil)
			case domain.FieldAssignedTo:
				p.SetAssignedTo(nil)
			case domain.FieldAuthor:
				p.SetAuthor(nil)
			}
			continue
		}
		var s string
		if err := json.Unmarshal(val, &s); err != nil {
			verr.add(name, ErrorTypeInvalidFormat, "must be a string")
			continue
		}
		switch f {
		case domain.FieldTitle:
			if t := v.title(name, s, verr); t != "" {
				p.SetTitle(t)
			}
		case domain.FieldDescription:
			p.SetDescription(optionalText(name, &s, MaxDescriptionLen, verr))
		case domain.FieldAssignedTo:
			p.SetAssignedTo(optionalText(name, &s, MaxAssignedToLen, verr))
		case domain.FieldAuthor:
			p.SetAuthor(optionalText(name, &s, MaxAuthorLen, verr))
		case domain.FieldStatus:
			st, err := domain.ParseStatus(s)
			if err != nil {
				verr.invalid(name, enumReason(domain.Statuses()))
				continue
			}
			p.SetStatus(st)
		case domain.FieldPriority:
			pr, err := domain.ParsePriority(s)
			if err != nil {
				verr.invalid(name, enumReason(domain.Priorities()))
				continue
			}
			p.SetPriority(pr)
		case domain.FieldDueDate:
			if t := v.dueDate(name, s, verr); t != nil {
				p.SetDueDate(t)
			}
		}
	}
	return p
}

// BulkItems validates bulk update entries. A missing id is left nil for the
// engine to reject.
func (v Validator) BulkItems(items []map[string]json.RawMessage) ([]domain.BulkPatch, error) {
	verr := &Error{}
	out := make([]domain.BulkPatch, 0, len(items))
	for i, raw := range items {
		prefix := fmt.Sprintf("items[%d].", i)
		var bp domain.BulkPatch
		if idRaw, ok := raw["id"]; ok && !IsNull(idRaw) {
			var id int64
			if err := json.Unmarshal(idRaw, &id); err != nil || id < 1 {
				verr.invalid(prefix+"id", "must be a positive integer")
			} else {
				bp.ID = &id
			}
		}
		bp.Patch = v.patch(prefix, raw, verr)
		out = append(out, bp)
	}
	return out, verr.orNil()
}

// Page normalizes skip/limit: limit 0 takes def and anything above max is capped.
func Page(skip, limit, def, max int) (int, int, error) {
	verr := &Error{}
	if skip < 0 {
		verr.add("skip", ErrorTypeInvalidRange, "must be >= 0")
	}
	if limit < 0 {
		verr.add("limit", ErrorTypeInvalidRange, "must be >= 1")
	}
	if err := verr.orNil(); err != nil {
		return 0, 0, err
	}
	if limit == 0 {
		limit = def
	}
	if max > 0 && limit > max {
		limit = max
	}
	return skip, limit, nil
}

// StatusFilter parses an optional status query value; empty means no filter.
func StatusFilter(raw string) (*domain.Status, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	s, err := domain.ParseStatus(raw)
	if err != nil {
		verr := &Error{}
		verr.invalid("status", enumReason(domain.Statuses()))
		return nil, verr
	}
	return &s, nil
}

// PriorityFilter parses an optional priority query value; empty means no filter.
func PriorityFilter(raw string) (*domain.Priority, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	p, err := domain.ParsePriority(raw)
	if err != nil {
		verr := &Error{}
		verr.invalid("priority", enumReason(domain.Priorities()))
		return nil, verr
	}
	return &p, nil
}

func IsNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
