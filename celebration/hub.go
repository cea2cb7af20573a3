package celebration

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const subscriberBuffer = 8

// Hub fans celebration events out to the open streams of each board.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a stream for board. The returned func must be called
// once the stream ends.
func (h *Hub) Subscribe(board string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	set, ok := h.subs[board]
	if !ok {
		set = make(map[chan Event]struct{})
		h.subs[board] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[board], ch)
			if len(h.subs[board]) == 0 {
				delete(h.subs, board)
			}
			h.mu.Unlock()
		})
	}
}

// Celebrate delivers ev to every subscriber of its board. Slow subscribers
// miss events instead of stalling the sender.
func (h *Hub) Celebrate(_ context.Context, ev Event) {
	h.mu.Lock()
	for ch := range h.subs[ev.Board] {
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribers reports how many streams are open for board.
func (h *Hub) Subscribers(board string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[board])
}

// Subscribe consumes celebration events from a Redis channel and hands them
// to effect until ctx is done, resubscribing whenever the channel drops.
func Subscribe(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, effect Effect) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev Event
				if err := sonic.UnmarshalString(msg.Payload, &ev); err != nil {
					logger.WithError(err).Error("unable to parse celebration")
					continue
				}
				effect.Celebrate(ctx, ev)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("celebration channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
