package board

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/VibeCode-Max/bright-flow-mind/celebration"
)

// Registry keeps one controller per board.
type Registry struct {
	store  Store
	runner Runner
	effect celebration.Effect
	logger *log.Logger

	mu          sync.Mutex
	controllers map[string]*Controller
}

func NewRegistry(store Store, runner Runner, effect celebration.Effect, logger *log.Logger) *Registry {
	return &Registry{
		store:       store,
		runner:      runner,
		effect:      effect,
		logger:      logger,
		controllers: make(map[string]*Controller),
	}
}

// Get returns the controller of board, loading its tasks the first time the
// board is seen. A failed first load is not cached.
func (r *Registry) Get(ctx context.Context, board string) (*Controller, error) {
	r.mu.Lock()
	c, ok := r.controllers[board]
	r.mu.Unlock()
	if ok {
		return c, nil
	}

	c = NewController(board, r.store, r.runner, r.effect, r.logger)
	if err := c.Refresh(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.controllers[board]; ok {
		return existing, nil
	}
	r.controllers[board] = c
	return c, nil
}
