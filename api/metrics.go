package api

import (
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	metricsContextKey = "board.request.metrics"
	tracerName        = "github.com/VibeCode-Max/bright-flow-mind/api"
)

type requestMetrics struct {
	logger       *log.Logger
	start        time.Time
	authDuration time.Duration
	storeTime    time.Duration
	board        string
	items        int
	errorStage   string
	traceID      string
}

func newRequestMetrics(logger *log.Logger) *requestMetrics {
	return &requestMetrics{
		logger: logger,
		start:  time.Now(),
		items:  -1,
	}
}

func metricsFrom(c echo.Context) *requestMetrics {
	m, _ := c.Get(metricsContextKey).(*requestMetrics)
	return m
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.authDuration = d
}

func (m *requestMetrics) ObserveStore(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.storeTime += d
}

func (m *requestMetrics) SetBoard(board string) {
	if m == nil {
		return
	}
	m.board = board
}

func (m *requestMetrics) SetItems(n int) {
	if m == nil || n < 0 {
		return
	}
	m.items = n
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if m == nil || stage == "" {
		return
	}
	m.errorStage = stage
}

func (m *requestMetrics) Log(route, method string, status int, err error) {
	if m == nil || m.logger == nil {
		return
	}

	fields := log.Fields{
		"route":    route,
		"method":   method,
		"status":   status,
		"total_ms": durationToMillis(time.Since(m.start)),
	}
	if m.board != "" {
		fields["board"] = m.board
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.storeTime > 0 {
		fields["store_ms"] = durationToMillis(m.storeTime)
	}
	if m.items >= 0 {
		fields["items"] = m.items
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if m.traceID != "" {
		fields["trace_id"] = m.traceID
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	m.logger.WithFields(fields).Info("board.request.metrics")
}

// RequestMetrics traces each request and logs one structured entry for it.
func RequestMetrics(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx, span := otel.Tracer(tracerName).Start(req.Context(), "board.request",
				trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			m := newRequestMetrics(logger)
			if sc := span.SpanContext(); sc.HasTraceID() {
				m.traceID = sc.TraceID().String()
			}
			c.Set(metricsContextKey, m)

			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}

			span.SetAttributes(
				attribute.String("http.route", c.Path()),
				attribute.String("http.method", req.Method),
				attribute.Int("http.status_code", status),
				attribute.String("board.id", m.board),
			)
			if m.errorStage != "" {
				span.SetAttributes(attribute.String("board.error_stage", m.errorStage))
			}
			if err != nil || status >= 500 {
				span.SetStatus(codes.Error, m.errorStage)
			}

			m.Log(c.Path(), req.Method, status, err)
			return err
		}
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
