package main

import (
	"context"
	"fmt"
	"io"

	"github.com/bytedance/sonic"

	"github.com/VibeCode-Max/bright-flow-mind/domain"
)

type seeder interface {
	ListTasks(ctx context.Context, boardID string) ([]domain.Task, error)
	InsertTask(ctx context.Context, boardID string, n domain.NewTask) (domain.Task, error)
}

// seedBoard inserts the JSON array of tasks read from r into an empty board.
// Boards that already hold tasks are left alone.
func seedBoard(ctx context.Context, store seeder, boardID string, r io.Reader) (int, error) {
	var tasks []domain.NewTask
	if err := sonic.ConfigStd.NewDecoder(r).Decode(&tasks); err != nil {
		return 0, fmt.Errorf("decode seed file: %w", err)
	}
	for i := range tasks {
		if err := tasks[i].Validate(); err != nil {
			return 0, fmt.Errorf("seed task %d: %w", i, err)
		}
	}

	existing, err := store.ListTasks(ctx, boardID)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}

	for i, n := range tasks {
		if _, err := store.InsertTask(ctx, boardID, n); err != nil {
			return i, fmt.Errorf("insert seed task %q: %w", n.Title, err)
		}
	}
	return len(tasks), nil
}
