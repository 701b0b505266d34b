package domain

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every status in workflow order.
func Statuses() []Status {
	return []Status{StatusPending, StatusInProgress, StatusCompleted, StatusCancelled}
}

// Rank is the sort precedence of a status: pending first, cancelled last.
// Unknown values rank after every known one.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusInProgress:
		return 2
	case StatusCompleted:
		return 3
	case StatusCancelled:
		return 4
	default:
		return 5
	}
}

func (s Status) Valid() bool { return s.Rank() <= len(Statuses()) }

func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", v)
	}
	return s, nil
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists every priority, most urgent first.
func Priorities() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow}
}

// Rank is the sort precedence of a priority: urgent first, low last.
// Unknown values rank after every known one.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 1
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 3
	case PriorityLow:
		return 4
	default:
		return 5
	}
}

func (p Priority) Valid() bool { return p.Rank() <= len(Priorities()) }

func ParsePriority(v string) (Priority, error) {
	p := Priority(strings.ToLower(strings.TrimSpace(v)))
	if !p.Valid() {
		return "", fmt.Errorf("invalid priority %q", v)
	}
	return p, nil
}

type Task struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	Status      Status     `json:"status" enum:"pending,in_progress,completed,cancelled"`
	Priority    Priority   `json:"priority" enum:"low,medium,high,urgent"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
	DueDate     *time.Time `json:"due_date"`
	AssignedTo  *string    `json:"assigned_to"`
	Author      *string    `json:"author"`
}

// NewTask is a validated creation payload. Zero Status/Priority take the defaults.
type NewTask struct {
	Title       string
	Description *string
	Status      Status
	Priority    Priority
	DueDate     *time.Time
	AssignedTo  *string
	Author      *string
}

type Event struct {
	ID        int64     `json:"id"`
	TS        time.Time `json:"ts"`
	Type      string    `json:"type"`
	TaskID    *int64    `json:"task_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Payload   string    `json:"payload_json"`
}
