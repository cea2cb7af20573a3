package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"github.com/VibeCode-Max/bright-flow-mind/domain"
)

const (
	edmInt32 = "Edm.Int32"
	edmInt64 = "Edm.Int64"
)

// Storage is the task store client backed by an Azure table. Each board is
// one partition; row keys are task ids.
type Storage struct {
	taskTable *aztables.Client
	now       func() time.Time
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{taskTable: svc.NewClient(tasksTable), now: time.Now}, nil
}

// EnsureTable creates the tasks table when it does not exist yet.
func (s *Storage) EnsureTable(ctx context.Context) error {
	_, err := s.taskTable.CreateTable(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			return nil
		}
		return err
	}
	return nil
}

type taskEntity struct {
	PartitionKey  string `json:"PartitionKey"`
	RowKey        string `json:"RowKey"`
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	Status        string `json:"Status"`
	Column        string `json:"Column"`
	Priority      string `json:"Priority"`
	DueDate       string `json:"DueDate"`
	Assignees     string `json:"Assignees"`
	CommentsCount int    `json:"CommentsCount"`
	LinksCount    int    `json:"LinksCount"`
	SubtasksDone  int    `json:"SubtasksDone"`
	SubtasksTotal int    `json:"SubtasksTotal"`
	Position      int    `json:"Position"`
	PositionType  string `json:"Position@odata.type,omitempty"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type,omitempty"`
	UpdatedAt     int64  `json:"UpdatedAt,string"`
	UpdatedAtType string `json:"UpdatedAt@odata.type,omitempty"`
}

// taskUpdate carries a merge update; nil fields are left untouched.
type taskUpdate struct {
	PartitionKey  string  `json:"PartitionKey"`
	RowKey        string  `json:"RowKey"`
	Title         *string `json:"Title,omitempty"`
	Description   *string `json:"Description,omitempty"`
	Status        *string `json:"Status,omitempty"`
	Column        *string `json:"Column,omitempty"`
	Priority      *string `json:"Priority,omitempty"`
	DueDate       *string `json:"DueDate,omitempty"`
	Assignees     *string `json:"Assignees,omitempty"`
	Position      *int    `json:"Position,omitempty"`
	PositionType  *string `json:"Position@odata.type,omitempty"`
	UpdatedAt     int64   `json:"UpdatedAt,string"`
	UpdatedAtType string  `json:"UpdatedAt@odata.type"`
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	task := domain.Task{
		ID:            ent.RowKey,
		Title:         ent.Title,
		Description:   ent.Description,
		Status:        domain.Status(ent.Status),
		Column:        domain.ColumnID(ent.Column),
		Priority:      domain.Priority(ent.Priority),
		Assignees:     []string{},
		CommentsCount: ent.CommentsCount,
		LinksCount:    ent.LinksCount,
		SubtasksDone:  ent.SubtasksDone,
		SubtasksTotal: ent.SubtasksTotal,
		Position:      ent.Position,
		CreatedAt:     time.UnixMilli(ent.CreatedAt).UTC(),
		UpdatedAt:     time.UnixMilli(ent.UpdatedAt).UTC(),
	}
	if ent.DueDate != "" {
		due, err := domain.ParseDate(ent.DueDate)
		if err != nil {
			return domain.Task{}, err
		}
		task.DueDate = &due
	}
	if ent.Assignees != "" {
		if err := json.Unmarshal([]byte(ent.Assignees), &task.Assignees); err != nil {
			return domain.Task{}, fmt.Errorf("decode assignees of %s: %w", ent.RowKey, err)
		}
	}
	return task, nil
}

func encodeTaskEntity(boardID string, t domain.Task) ([]byte, error) {
	assignees, err := json.Marshal(nonNil(t.Assignees))
	if err != nil {
		return nil, err
	}
	ent := taskEntity{
		PartitionKey:  boardID,
		RowKey:        t.ID,
		Title:         t.Title,
		Description:   t.Description,
		Status:        string(t.Status),
		Column:        string(t.Column),
		Priority:      string(t.Priority),
		Assignees:     string(assignees),
		CommentsCount: t.CommentsCount,
		LinksCount:    t.LinksCount,
		SubtasksDone:  t.SubtasksDone,
		SubtasksTotal: t.SubtasksTotal,
		Position:      t.Position,
		PositionType:  edmInt32,
		CreatedAt:     t.CreatedAt.UnixMilli(),
		CreatedAtType: edmInt64,
		UpdatedAt:     t.UpdatedAt.UnixMilli(),
		UpdatedAtType: edmInt64,
	}
	if t.DueDate != nil {
		ent.DueDate = t.DueDate.String()
	}
	return json.Marshal(ent)
}

func encodeTaskUpdate(boardID, id string, c domain.Changes, now time.Time) ([]byte, error) {
	upd := taskUpdate{
		PartitionKey:  boardID,
		RowKey:        id,
		Title:         c.Title,
		Description:   c.Description,
		UpdatedAt:     now.UnixMilli(),
		UpdatedAtType: edmInt64,
	}
	if c.Status != nil {
		v := string(*c.Status)
		upd.Status = &v
	}
	if c.Column != nil {
		v := string(*c.Column)
		upd.Column = &v
	}
	if c.Priority != nil {
		v := string(*c.Priority)
		upd.Priority = &v
	}
	if c.DueDate != nil {
		v := c.DueDate.String()
		upd.DueDate = &v
	} else if c.ClearDueDate {
		v := ""
		upd.DueDate = &v
	}
	if c.SetAssignees {
		raw, err := json.Marshal(nonNil(c.Assignees))
		if err != nil {
			return nil, err
		}
		v := string(raw)
		upd.Assignees = &v
	}
	if c.Position != nil {
		t := edmInt32
		upd.Position = c.Position
		upd.PositionType = &t
	}
	return json.Marshal(upd)
}

// ListTasks retrieves every task of the board ordered by position.
func (s *Storage) ListTasks(ctx context.Context, boardID string) ([]domain.Task, error) {
	return s.listTasks(ctx, "PartitionKey eq "+odataQuote(boardID))
}

func (s *Storage) listTasks(ctx context.Context, filter string) ([]domain.Task, error) {
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			task, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
	}
	SortByPosition(tasks)
	return tasks, nil
}

// InsertTask stores a new task at the end of its column.
func (s *Storage) InsertTask(ctx context.Context, boardID string, n domain.NewTask) (domain.Task, error) {
	if err := n.Validate(); err != nil {
		return domain.Task{}, err
	}
	filter := "PartitionKey eq " + odataQuote(boardID) + " and Column eq " + odataQuote(string(n.Column))
	existing, err := s.listTasks(ctx, filter)
	if err != nil {
		return domain.Task{}, err
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	task := domain.Task{
		ID:          uuid.NewString(),
		Title:       n.Title,
		Description: n.Description,
		Status:      n.Status,
		Column:      n.Column,
		Priority:    n.Priority,
		DueDate:     n.DueDate,
		Assignees:   []string{},
		Position:    NextPosition(existing, n.Column),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	payload, err := encodeTaskEntity(boardID, task)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := s.taskTable.AddEntity(ctx, payload, nil); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// UpdateTask merges the patches into the stored task in one write.
func (s *Storage) UpdateTask(ctx context.Context, boardID, id string, patches ...domain.Patch) error {
	changes, err := domain.Merge(patches...)
	if err != nil {
		return err
	}
	payload, err := encodeTaskUpdate(boardID, id, changes, s.now())
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return translateErr(err, id)
}

// MoveTask reassigns column, position and the mapped status atomically.
func (s *Storage) MoveTask(ctx context.Context, boardID, id string, col domain.ColumnID, position int) error {
	return s.UpdateTask(ctx, boardID, id, domain.Move{Column: col, Position: position})
}

func (s *Storage) DeleteTask(ctx context.Context, boardID, id string) error {
	_, err := s.taskTable.DeleteEntity(ctx, boardID, id, nil)
	return translateErr(err, id)
}

func translateErr(err error, id string) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return err
}

// NextPosition returns one past the highest position in col, or 0 when the
// column has no tasks.
func NextPosition(tasks []domain.Task, col domain.ColumnID) int {
	maxPos := -1
	for _, t := range tasks {
		if t.Column == col && t.Position > maxPos {
			maxPos = t.Position
		}
	}
	return maxPos + 1
}

// SortByPosition orders tasks by position; equal positions keep creation order.
func SortByPosition(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Position != tasks[j].Position {
			return tasks[i].Position < tasks[j].Position
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func odataQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
