package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/VibeCode-Max/bright-flow-mind/board"
	"github.com/VibeCode-Max/bright-flow-mind/chat"
	"github.com/VibeCode-Max/bright-flow-mind/domain"
)

const (
	maxBodySize       = 64 * 1024
	maxChatBodySize   = 16 * 1024
	defaultKeepAlive  = 20 * time.Second
	streamUnsupported = "stream unsupported"
)

// Deps carries what the routes need.
type Deps struct {
	Boards       Boards
	Chats        Chats
	Celebrations Celebrations
	Auth         Authenticator
	// Deduper enables Idempotency-Key handling on task creation when set.
	Deduper Deduper
	Logger  *log.Logger
	// KeepAlive is the comment-frame interval on idle event streams.
	KeepAlive time.Duration
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, d Deps) {
	if d.Logger == nil {
		d.Logger = log.StandardLogger()
	}
	if d.KeepAlive <= 0 {
		d.KeepAlive = defaultKeepAlive
	}

	e.GET("/healthz", healthz())

	g := e.Group("/api", RequestMetrics(d.Logger), requireBoard(d.Auth))
	g.GET("/board", getBoard(d.Boards))
	g.POST("/tasks", postTask(d.Boards, d.Deduper, d.Logger))
	g.PATCH("/tasks/:id", patchTask(d.Boards))
	g.DELETE("/tasks/:id", deleteTask(d.Boards))
	g.POST("/drag", postDrag(d.Boards))
	g.GET("/chat", getChat(d.Chats))
	g.POST("/chat", postChat(d.Boards, d.Chats))
	g.DELETE("/chat", deleteChat(d.Chats))
	g.GET("/stream", streamCelebrations(d.Celebrations, d.KeepAlive))
}

type boardResponse struct {
	Columns []board.ColumnView `json:"columns"`
}

type dragRequest struct {
	Active string `json:"active"`
	Over   string `json:"over"`
}

type chatRequest struct {
	Message string `json:"message"`
}

type transcriptResponse struct {
	Messages []domain.Message `json:"messages"`
	State    string           `json:"state,omitempty"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// controller resolves the caller's board, answering 500 itself on failure.
func controller(c echo.Context, boards Boards) (*board.Controller, bool, error) {
	m := metricsFrom(c)
	start := time.Now()
	ctrl, err := boards.Get(c.Request().Context(), boardID(c))
	m.ObserveStore(time.Since(start))
	if err != nil {
		m.SetErrorStage("load_board")
		c.Logger().Error(err)
		return nil, false, c.String(http.StatusInternalServerError, err.Error())
	}
	return ctrl, true, nil
}

func decodeBody(c echo.Context, limit int64, v any) error {
	lr := io.LimitReader(c.Request().Body, limit)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func getBoard(boards Boards) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctrl, ok, err := controller(c, boards)
		if !ok {
			return err
		}
		m := metricsFrom(c)
		start := time.Now()
		err = ctrl.Refresh(c.Request().Context())
		m.ObserveStore(time.Since(start))
		if err != nil {
			m.SetErrorStage("storage")
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		m.SetItems(len(ctrl.Tasks()))
		return c.JSON(http.StatusOK, boardResponse{Columns: ctrl.Columns()})
	}
}

func postTask(boards Boards, dedup Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var n domain.NewTask
		if err := decodeBody(c, maxBodySize, &n); err != nil {
			metricsFrom(c).SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		key := strings.TrimSpace(c.Request().Header.Get(HeaderIdempotencyKey))
		if len(key) > maxIdempotencyKeyLen {
			return c.String(http.StatusBadRequest, "idempotency key too long")
		}
		ctrl, ok, err := controller(c, boards)
		if !ok {
			return err
		}
		ctx := c.Request().Context()
		bid := boardID(c)

		claimed := false
		if key != "" && dedup != nil {
			fresh, err := dedup.Claim(ctx, bid, key)
			switch {
			case err != nil:
				logger.WithError(err).WithField("board", bid).Warn("idempotency claim failed; creating without it")
			case !fresh:
				return replayCreate(c, dedup, bid, key)
			default:
				claimed = true
			}
		}

		task, err := ctrl.AddTask(ctx, n)
		if err != nil {
			if claimed {
				if rerr := dedup.Release(context.WithoutCancel(ctx), bid, key); rerr != nil {
					logger.WithError(rerr).WithField("board", bid).Warn("release idempotency key")
				}
			}
			return storeError(c, err)
		}
		if claimed {
			if err := dedup.Remember(context.WithoutCancel(ctx), bid, key, task); err != nil {
				logger.WithError(err).WithField("board", bid).Warn("remember idempotent create")
			}
		}
		return c.JSON(http.StatusCreated, task)
	}
}

func replayCreate(c echo.Context, dedup Deduper, bid, key string) error {
	m := metricsFrom(c)
	task, ok, err := dedup.Lookup(c.Request().Context(), bid, key)
	if err != nil {
		m.SetErrorStage("idempotency")
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		m.SetErrorStage("idempotency")
		return c.String(http.StatusConflict, errCreateInFlight.Error())
	}
	c.Response().Header().Set("Idempotent-Replayed", "true")
	return c.JSON(http.StatusCreated, task)
}

func patchTask(boards Boards) echo.HandlerFunc {
	return func(c echo.Context) error {
		raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize))
		if err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		patches, err := domain.DecodePatches(raw)
		if err != nil {
			metricsFrom(c).SetErrorStage("decode")
			return c.String(http.StatusBadRequest, err.Error())
		}
		ctrl, ok, err := controller(c, boards)
		if !ok {
			return err
		}
		if err := ctrl.UpdateTask(c.Request().Context(), c.Param("id"), patches...); err != nil {
			return storeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func deleteTask(boards Boards) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctrl, ok, err := controller(c, boards)
		if !ok {
			return err
		}
		if err := ctrl.DeleteTask(c.Request().Context(), c.Param("id")); err != nil {
			return storeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func storeError(c echo.Context, err error) error {
	m := metricsFrom(c)
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		m.SetErrorStage("not_found")
		return c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTask), errors.Is(err, domain.ErrInvalidPatch):
		m.SetErrorStage("validate")
		return c.String(http.StatusBadRequest, err.Error())
	default:
		m.SetErrorStage("storage")
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, err.Error())
	}
}

func postDrag(boards Boards) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req dragRequest
		if err := decodeBody(c, maxBodySize, &req); err != nil || req.Active == "" {
			metricsFrom(c).SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		ctrl, ok, err := controller(c, boards)
		if !ok {
			return err
		}
		ctrl.DragStart(req.Active)
		drop, moved := ctrl.DragEnd(c.Request().Context(), req.Active, req.Over)
		if !moved {
			return c.NoContent(http.StatusNoContent)
		}
		return c.JSON(http.StatusAccepted, drop)
	}
}

func getChat(chats Chats) echo.HandlerFunc {
	return func(c echo.Context) error {
		s := chats.Get(boardID(c))
		msgs := s.Messages()
		metricsFrom(c).SetItems(len(msgs))
		return c.JSON(http.StatusOK, transcriptResponse{Messages: msgs, State: s.State().String()})
	}
}

// postChat runs one exchange and streams every transcript it produces.
func postChat(boards Boards, chats Chats) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req chatRequest
		if err := decodeBody(c, maxChatBodySize, &req); err != nil {
			metricsFrom(c).SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if strings.TrimSpace(req.Message) == "" {
			return c.String(http.StatusBadRequest, chat.ErrEmptyMessage.Error())
		}
		session := chats.Get(boardID(c))
		if session.Busy() {
			metricsFrom(c).SetErrorStage("busy")
			return c.String(http.StatusConflict, chat.ErrBusy.Error())
		}
		ctrl, ok, err := controller(c, boards)
		if !ok {
			return err
		}
		sse, err := newSSEWriter(c)
		if err != nil {
			return c.String(http.StatusInternalServerError, streamUnsupported)
		}

		var writeErr error
		err = session.Stream(c.Request().Context(), req.Message, ctrl.Snapshot(), func(msgs []domain.Message) {
			if writeErr != nil {
				return
			}
			writeErr = sse.Event(transcriptResponse{Messages: msgs})
		})
		switch {
		case errors.Is(err, chat.ErrBusy) && !sse.Started():
			metricsFrom(c).SetErrorStage("busy")
			return c.String(http.StatusConflict, err.Error())
		case errors.Is(err, chat.ErrEmptyMessage) && !sse.Started():
			return c.String(http.StatusBadRequest, err.Error())
		case err != nil:
			// client went away; the partial reply stays in the transcript
			metricsFrom(c).SetErrorStage("canceled")
			return nil
		}
		if writeErr != nil {
			metricsFrom(c).SetErrorStage("write")
			return nil
		}
		metricsFrom(c).SetItems(len(session.Messages()))
		return sse.Done()
	}
}

func deleteChat(chats Chats) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := chats.Get(boardID(c)).Reset(); err != nil {
			metricsFrom(c).SetErrorStage("busy")
			return c.String(http.StatusConflict, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// streamCelebrations relays the celebration events of the caller's board.
func streamCelebrations(hub Celebrations, keepAlive time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		sse, err := newSSEWriter(c)
		if err != nil {
			return c.String(http.StatusInternalServerError, streamUnsupported)
		}
		events, unsubscribe := hub.Subscribe(boardID(c))
		defer unsubscribe()

		if err := sse.Ping(); err != nil {
			return nil
		}
		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		ctx := c.Request().Context()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if err := sse.Event(ev); err != nil {
					c.Logger().Error(err)
					return nil
				}
			case <-ticker.C:
				if err := sse.Ping(); err != nil {
					return nil
				}
			}
		}
	}
}
