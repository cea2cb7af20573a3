package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/VibeCode-Max/bright-flow-mind/domain"
)

// FallbackMessage is appended as an assistant turn when an exchange fails.
const FallbackMessage = "Sorry, something went wrong. Please try again."

const (
	tracerName     = "github.com/VibeCode-Max/bright-flow-mind/chat"
	readBufferSize = 4 << 10
)

var (
	ErrBusy         = errors.New("chat exchange already in progress")
	ErrEmptyMessage = errors.New("message is empty")
)

// State is the lifecycle of the session's current exchange.
type State int32

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session owns one conversation with the assistant. At most one exchange
// runs at a time. Every transcript handed out is a fresh slice that is
// never modified afterwards.
type Session struct {
	client *Client
	logger *log.Logger

	state atomic.Int32

	mu        sync.RWMutex
	messages  []domain.Message
	observers map[uint64]func([]domain.Message)
	nextObs   uint64
}

func NewSession(client *Client, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Session{
		client:    client,
		logger:    logger,
		messages:  []domain.Message{},
		observers: make(map[uint64]func([]domain.Message)),
	}
}

// State returns the current exchange state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Busy reports whether an exchange is in flight.
func (s *Session) Busy() bool {
	return s.State() != StateIdle
}

// Messages returns the current transcript. Callers must not modify it.
func (s *Session) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messages
}

// Observe registers fn to receive every new transcript. The returned func
// removes it.
func (s *Session) Observe(fn func([]domain.Message)) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Reset clears the transcript. It fails with ErrBusy during an exchange.
func (s *Session) Reset() error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateSending)) {
		return ErrBusy
	}
	defer s.state.Store(int32(StateIdle))
	s.commit(nil, func([]domain.Message) []domain.Message { return []domain.Message{} })
	return nil
}

// Send runs one exchange; see Stream.
func (s *Session) Send(ctx context.Context, input, boardContext string) error {
	return s.Stream(ctx, input, boardContext, nil)
}

// Stream appends input as a user turn, posts the conversation with
// boardContext and grows a trailing assistant turn as deltas arrive.
// onUpdate, when set, sees every transcript produced by this exchange.
//
// Transport and protocol failures are not returned: they end the exchange
// with FallbackMessage and are logged. Cancelling ctx aborts the read, keeps
// any partial reply and returns the context error.
func (s *Session) Stream(ctx context.Context, input, boardContext string, onUpdate func([]domain.Message)) error {
	if strings.TrimSpace(input) == "" {
		return ErrEmptyMessage
	}
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateSending)) {
		return ErrBusy
	}
	defer s.state.Store(int32(StateIdle))

	ctx, span := otel.Tracer(tracerName).Start(ctx, "chat.exchange")
	defer span.End()
	start := time.Now()

	history := s.commit(onUpdate, func(prev []domain.Message) []domain.Message {
		return appendMessage(prev, domain.Message{Role: domain.RoleUser, Content: input})
	})
	span.SetAttributes(
		attribute.Int("chat.history_length", len(history)),
		attribute.Int("chat.board_context_bytes", len(boardContext)),
	)

	deltas, err := s.exchange(ctx, history, boardContext, onUpdate)
	exchangeDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("chat.deltas", deltas))

	switch {
	case err == nil:
		exchangesTotal.WithLabelValues(outcomeOK).Inc()
		span.SetStatus(codes.Ok, "")
		return nil
	case ctx.Err() != nil:
		exchangesTotal.WithLabelValues(outcomeCanceled).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "canceled")
		return ctx.Err()
	default:
		s.state.Store(int32(StateFailed))
		exchangesTotal.WithLabelValues(outcomeFailed).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.WithError(err).WithFields(log.Fields{
			"endpoint": s.client.Endpoint(),
			"deltas":   deltas,
		}).Error("assistant exchange failed")
		s.commit(onUpdate, func(prev []domain.Message) []domain.Message {
			return appendMessage(prev, domain.Message{Role: domain.RoleAssistant, Content: FallbackMessage})
		})
		return nil
	}
}

func (s *Session) exchange(ctx context.Context, history []domain.Message, boardContext string, onUpdate func([]domain.Message)) (int, error) {
	body, err := s.client.open(ctx, history, boardContext)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	s.state.Store(int32(StateStreaming))

	var (
		dec   Decoder
		reply strings.Builder
		n     int
	)
	buf := make([]byte, readBufferSize)
	for {
		read, rerr := body.Read(buf)
		if read > 0 {
			for _, delta := range dec.Feed(buf[:read]) {
				n++
				deltasTotal.Inc()
				reply.WriteString(delta)
				text := reply.String()
				s.commit(onUpdate, func(prev []domain.Message) []domain.Message {
					return applyDelta(prev, text)
				})
			}
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, rerr
		}
	}
}

// commit installs the transcript produced by fn and notifies observers
// outside the lock.
func (s *Session) commit(onUpdate func([]domain.Message), fn func([]domain.Message) []domain.Message) []domain.Message {
	s.mu.Lock()
	next := fn(s.messages)
	s.messages = next
	observers := make([]func([]domain.Message), 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	s.mu.Unlock()

	for _, o := range observers {
		o(next)
	}
	if onUpdate != nil {
		onUpdate(next)
	}
	return next
}

func appendMessage(prev []domain.Message, m domain.Message) []domain.Message {
	next := make([]domain.Message, len(prev), len(prev)+1)
	copy(next, prev)
	return append(next, m)
}

// applyDelta sets the trailing assistant turn to text, or starts one when
// the transcript does not end with an assistant turn.
func applyDelta(prev []domain.Message, text string) []domain.Message {
	n := len(prev)
	if n == 0 || prev[n-1].Role != domain.RoleAssistant {
		return appendMessage(prev, domain.Message{Role: domain.RoleAssistant, Content: text})
	}
	next := make([]domain.Message, n)
	copy(next, prev)
	next[n-1] = domain.Message{Role: domain.RoleAssistant, Content: text}
	return next
}

// Registry keeps one session per board, all sharing one client.
type Registry struct {
	client *Client
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(client *Client, logger *log.Logger) *Registry {
	return &Registry{client: client, logger: logger, sessions: make(map[string]*Session)}
}

func (r *Registry) Get(board string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[board]
	if !ok {
		s = NewSession(r.client, r.logger)
		r.sessions[board] = s
	}
	return s
}
