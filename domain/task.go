package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidTask  = errors.New("invalid task")
)

// ColumnID identifies one of the fixed board lanes.
type ColumnID string

const (
	ColumnTodo       ColumnID = "todo"
	ColumnInProgress ColumnID = "in_progress"
	ColumnDone       ColumnID = "done"
)

// Status is the progress label shown on a task card.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInResearch Status = "in_research"
	StatusOnTrack    Status = "on_track"
	StatusComplete   Status = "complete"
)

// StatusLabels maps a status to its display label.
var StatusLabels = map[Status]string{
	StatusNotStarted: "Not Started",
	StatusInResearch: "In Research",
	StatusOnTrack:    "On Track",
	StatusComplete:   "Complete",
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Column is static board configuration; it is never persisted.
type Column struct {
	ID    ColumnID `json:"id"`
	Title string   `json:"title"`
	Color string   `json:"color"`
}

// Columns lists the board lanes in display order.
var Columns = []Column{
	{ID: ColumnTodo, Title: "To Do", Color: "hsl(var(--kanban-todo))"},
	{ID: ColumnInProgress, Title: "In Progress", Color: "hsl(var(--kanban-progress))"},
	{ID: ColumnDone, Title: "Done", Color: "hsl(var(--kanban-done))"},
}

// StatusForColumn returns the status a task takes when dragged into col.
func StatusForColumn(col ColumnID) Status {
	switch col {
	case ColumnInProgress:
		return StatusOnTrack
	case ColumnDone:
		return StatusComplete
	default:
		return StatusNotStarted
	}
}

func ParseColumn(s string) (ColumnID, error) {
	switch c := ColumnID(s); c {
	case ColumnTodo, ColumnInProgress, ColumnDone:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown column %q", ErrInvalidTask, s)
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusNotStarted, StatusInResearch, StatusOnTrack, StatusComplete:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTask, s)
}

func ParsePriority(s string) (Priority, error) {
	switch p := Priority(s); p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidTask, s)
}

// Task represents a single board item.
type Task struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Status        Status    `json:"status"`
	Column        ColumnID  `json:"column"`
	Priority      Priority  `json:"priority"`
	DueDate       *Date     `json:"dueDate"`
	Assignees     []string  `json:"assignees"`
	CommentsCount int       `json:"commentsCount"`
	LinksCount    int       `json:"linksCount"`
	SubtasksDone  int       `json:"subtasksDone"`
	SubtasksTotal int       `json:"subtasksTotal"`
	Position      int       `json:"position"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// NewTask carries the fields accepted when a task is created.
type NewTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Column      ColumnID `json:"column"`
	Priority    Priority `json:"priority"`
	Status      Status   `json:"status"`
	DueDate     *Date    `json:"dueDate"`
}

// Validate checks required fields and fills defaults for omitted enums.
func (n *NewTask) Validate() error {
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	if n.Column == "" {
		n.Column = ColumnTodo
	}
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	if n.Status == "" {
		n.Status = StatusNotStarted
	}
	if _, err := ParseColumn(string(n.Column)); err != nil {
		return err
	}
	if _, err := ParsePriority(string(n.Priority)); err != nil {
		return err
	}
	if _, err := ParseStatus(string(n.Status)); err != nil {
		return err
	}
	return nil
}
