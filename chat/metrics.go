package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK       = "ok"
	outcomeFailed   = "failed"
	outcomeCanceled = "canceled"
)

var (
	// exchangesTotal counts finished exchanges.
	// Labels: outcome (ok, failed, canceled)
	exchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_exchanges_total",
		Help: "Assistant exchanges by outcome",
	}, []string{"outcome"})

	exchangeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_exchange_duration_seconds",
		Help:    "Time from request to end of the assistant stream",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	})

	deltasTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_stream_deltas_total",
		Help: "Content deltas decoded from assistant streams",
	})
)
