package api

import (
	"errors"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
)

var errStreamUnsupported = errors.New("stream unsupported")

var (
	ssePrefix = []byte("data: ")
	sseSuffix = []byte("\n\n")
	sseDone   = []byte("data: [DONE]\n\n")
	ssePing   = []byte(": ping\n\n")
)

// sseWriter writes server-sent event frames. Headers are committed on the
// first frame so handlers can still answer with a plain status before that.
type sseWriter struct {
	res     *echo.Response
	flusher http.Flusher
	started bool
}

func newSSEWriter(c echo.Context) (*sseWriter, error) {
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return nil, errStreamUnsupported
	}
	return &sseWriter{res: c.Response(), flusher: flusher}, nil
}

func (w *sseWriter) start() {
	if w.started {
		return
	}
	h := w.res.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.res.WriteHeader(http.StatusOK)
	w.started = true
}

// Started reports whether headers went out.
func (w *sseWriter) Started() bool { return w.started }

// Event writes v as one JSON data frame.
func (w *sseWriter) Event(v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	w.start()
	if _, err := w.res.Write(ssePrefix); err != nil {
		return err
	}
	if _, err := w.res.Write(data); err != nil {
		return err
	}
	if _, err := w.res.Write(sseSuffix); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) Done() error {
	return w.raw(sseDone)
}

func (w *sseWriter) Ping() error {
	return w.raw(ssePing)
}

func (w *sseWriter) raw(b []byte) error {
	w.start()
	if _, err := w.res.Write(b); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}
