package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Field names a mutable task column.
type Field string

const (
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
	FieldStatus      Field = "status"
	FieldPriority    Field = "priority"
	FieldDueDate     Field = "due_date"
	FieldAssignedTo  Field = "assigned_to"
	FieldAuthor      Field = "author"
)

var mutableFields = map[Field]bool{
	FieldTitle:       true,
	FieldDescription: true,
	FieldStatus:      true,
	FieldPriority:    true,
	FieldDueDate:     true,
	FieldAssignedTo:  true,
	FieldAuthor:      true,
}

// Nullable reports whether the column accepts NULL.
func (f Field) Nullable() bool {
	switch f {
	case FieldDescription, FieldDueDate, FieldAssignedTo, FieldAuthor:
		return true
	}
	return false
}

func ParseField(v string) (Field, error) {
	f := Field(strings.ToLower(strings.TrimSpace(v)))
	if !mutableFields[f] {
		return "", fmt.Errorf("unknown field %q", v)
	}
	return f, nil
}

// SortKey names a column tasks can be ordered by.
type SortKey string

const (
	SortTitle     SortKey = "title"
	SortCreatedAt SortKey = "created_at"
	SortDueDate   SortKey = "due_date"
	SortPriority  SortKey = "priority"
	SortStatus    SortKey = "status"
)

func SortKeys() []SortKey {
	return []SortKey{SortTitle, SortCreatedAt, SortDueDate, SortPriority, SortStatus}
}

// ParseSortKey matches case-insensitively; ok is false for unknown names.
func ParseSortKey(v string) (SortKey, bool) {
	k := SortKey(strings.ToLower(strings.TrimSpace(v)))
	for _, known := range SortKeys() {
		if k == known {
			return k, true
		}
	}
	return "", false
}

// TaskPatch holds only the fields a caller explicitly set. A nil value on a
// nullable field clears it.
type TaskPatch struct {
	values map[Field]any
}

func (p *TaskPatch) set(f Field, v any) {
	if p.values == nil {
		p.values = map[Field]any{}
	}
	p.values[f] = v
}

func (p *TaskPatch) SetTitle(v string)        { p.set(FieldTitle, v) }
func (p *TaskPatch) SetDescription(v *string) { p.set(FieldDescription, v) }
func (p *TaskPatch) SetStatus(v Status)       { p.set(FieldStatus, v) }
func (p *TaskPatch) SetPriority(v Priority)   { p.set(FieldPriority, v) }
func (p *TaskPatch) SetDueDate(v *time.Time)  { p.set(FieldDueDate, v) }
func (p *TaskPatch) SetAssignedTo(v *string)  { p.set(FieldAssignedTo, v) }
func (p *TaskPatch) SetAuthor(v *string)      { p.set(FieldAuthor, v) }

func (p TaskPatch) Has(f Field) bool {
	_, ok := p.values[f]
	return ok
}

func (p TaskPatch) Get(f Field) (any, bool) {
	v, ok := p.values[f]
	return v, ok
}

func (p TaskPatch) Empty() bool { return len(p.values) == 0 }

// Fields returns the set fields in a stable order.
func (p TaskPatch) Fields() []Field {
	out := make([]Field, 0, len(p.values))
	for f := range p.values {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Apply copies the set fields onto t.
func (p TaskPatch) Apply(t *Task) {
	for f, v := range p.values {
		switch f {
		case FieldTitle:
			t.Title = v.(string)
		case FieldDescription:
			t.Description = v.(*string)
		case FieldStatus:
			t.Status = v.(Status)
		case FieldPriority:
			t.Priority = v.(Priority)
		case FieldDueDate:
			t.DueDate = v.(*time.Time)
		case FieldAssignedTo:
			t.AssignedTo = v.(*string)
		case FieldAuthor:
			t.Author = v.(*string)
		}
	}
}

// BulkPatch targets one task in a bulk update.
type BulkPatch struct {
	ID    *int64
	Patch TaskPatch
}
