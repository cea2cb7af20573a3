package board

import (
	"context"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/VibeCode-Max/bright-flow-mind/celebration"
	"github.com/VibeCode-Max/bright-flow-mind/domain"
)

// Store is the task store the controller reads from and mutates.
type Store interface {
	ListTasks(ctx context.Context, boardID string) ([]domain.Task, error)
	InsertTask(ctx context.Context, boardID string, n domain.NewTask) (domain.Task, error)
	UpdateTask(ctx context.Context, boardID, id string, patches ...domain.Patch) error
	MoveTask(ctx context.Context, boardID, id string, col domain.ColumnID, position int) error
	DeleteTask(ctx context.Context, boardID, id string) error
}

// Runner executes mutations without the caller waiting on them.
type Runner interface {
	Dispatch(board, op string, fn func(ctx context.Context) error)
}

// ColumnView is a column together with its ordered tasks.
type ColumnView struct {
	domain.Column
	Tasks []domain.Task `json:"tasks"`
}

// Drop describes the mutation issued for a finished drag.
type Drop struct {
	TaskID        string          `json:"taskId"`
	From          domain.ColumnID `json:"from"`
	To            domain.ColumnID `json:"to"`
	Position      int             `json:"position"`
	ColumnChanged bool            `json:"columnChanged"`
}

// Controller holds one board's task list and drag state.
type Controller struct {
	board  string
	store  Store
	runner Runner
	effect celebration.Effect
	logger *log.Logger

	mu     sync.RWMutex
	tasks  []domain.Task
	active string
}

func NewController(board string, store Store, runner Runner, effect celebration.Effect, logger *log.Logger) *Controller {
	if effect == nil {
		effect = celebration.Nop
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Controller{board: board, store: store, runner: runner, effect: effect, logger: logger}
}

func (c *Controller) Board() string { return c.board }

// Refresh replaces the in-memory list with the store's current contents.
func (c *Controller) Refresh(ctx context.Context) error {
	tasks, err := c.store.ListTasks(ctx, c.board)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tasks = tasks
	c.mu.Unlock()
	return nil
}

// Tasks returns a copy of the board's tasks in store order.
func (c *Controller) Tasks() []domain.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Task(nil), c.tasks...)
}

// ColumnTasks returns the tasks of col sorted by position.
func (c *Controller) ColumnTasks(col domain.ColumnID) []domain.Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return columnTasks(c.tasks, col)
}

// Columns returns every column with its sorted tasks.
func (c *Controller) Columns() []ColumnView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	views := make([]ColumnView, 0, len(domain.Columns))
	for _, col := range domain.Columns {
		views = append(views, ColumnView{Column: col, Tasks: columnTasks(c.tasks, col.ID)})
	}
	return views
}

func columnTasks(tasks []domain.Task, col domain.ColumnID) []domain.Task {
	out := []domain.Task{}
	for _, t := range tasks {
		if t.Column == col {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// DragStart records the task being dragged. It reports false for unknown ids.
func (c *Controller) DragStart(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := findTask(c.tasks, taskID); !ok {
		return false
	}
	c.active = taskID
	return true
}

// Active returns the id of the task currently being dragged.
func (c *Controller) Active() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// DragEnd resolves the drop target of activeID and dispatches the mutation.
// overID is either a column id (append to that column) or a task id (insert
// before that task). The result is false when nothing was dispatched.
func (c *Controller) DragEnd(ctx context.Context, activeID, overID string) (Drop, bool) {
	c.mu.Lock()
	c.active = ""
	drop, task, ok := resolveDrop(c.tasks, activeID, overID)
	c.mu.Unlock()
	if !ok {
		return Drop{}, false
	}

	if drop.ColumnChanged {
		c.runner.Dispatch(c.board, "move", func(ctx context.Context) error {
			if err := c.store.MoveTask(ctx, c.board, drop.TaskID, drop.To, drop.Position); err != nil {
				return err
			}
			return c.Refresh(ctx)
		})
		c.effect.Celebrate(ctx, celebration.NewEvent(c.board, task, drop.To))
	} else {
		c.runner.Dispatch(c.board, "reorder", func(ctx context.Context) error {
			if err := c.store.UpdateTask(ctx, c.board, drop.TaskID, domain.Reorder{Position: drop.Position}); err != nil {
				return err
			}
			return c.Refresh(ctx)
		})
	}
	c.logger.WithFields(log.Fields{
		"board":    c.board,
		"task":     drop.TaskID,
		"from":     drop.From,
		"to":       drop.To,
		"position": drop.Position,
	}).Debug("task dropped")
	return drop, true
}

func resolveDrop(tasks []domain.Task, activeID, overID string) (Drop, domain.Task, bool) {
	if overID == "" || overID == activeID {
		return Drop{}, domain.Task{}, false
	}
	task, ok := findTask(tasks, activeID)
	if !ok {
		return Drop{}, domain.Task{}, false
	}

	var target domain.ColumnID
	overTask, overIsTask := findTask(tasks, overID)
	if col, err := domain.ParseColumn(overID); err == nil {
		target = col
		overIsTask = false
	} else if overIsTask {
		target = overTask.Column
	} else {
		return Drop{}, domain.Task{}, false
	}

	colTasks := columnTasks(tasks, target)
	position := len(colTasks)
	if overIsTask {
		for i, t := range colTasks {
			if t.ID == overID {
				position = i
				break
			}
		}
	}

	return Drop{
		TaskID:        task.ID,
		From:          task.Column,
		To:            target,
		Position:      position,
		ColumnChanged: task.Column != target,
	}, task, true
}

func findTask(tasks []domain.Task, id string) (domain.Task, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}

// AddTask inserts a task and reloads the board.
func (c *Controller) AddTask(ctx context.Context, n domain.NewTask) (domain.Task, error) {
	task, err := c.store.InsertTask(ctx, c.board, n)
	if err != nil {
		return domain.Task{}, err
	}
	return task, c.Refresh(ctx)
}

// UpdateTask applies patches to id and reloads the board.
func (c *Controller) UpdateTask(ctx context.Context, id string, patches ...domain.Patch) error {
	if err := c.store.UpdateTask(ctx, c.board, id, patches...); err != nil {
		return err
	}
	return c.Refresh(ctx)
}

// DeleteTask removes id and reloads the board.
func (c *Controller) DeleteTask(ctx context.Context, id string) error {
	if err := c.store.DeleteTask(ctx, c.board, id); err != nil {
		return err
	}
	return c.Refresh(ctx)
}
