package main

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const maxBackoff = 5 * time.Second

type loadStats struct {
	attempts atomic.Uint64
	failures atomic.Uint64
	events   atomic.Uint64
	pings    atomic.Uint64
}

type statsSnapshot struct {
	attempts, failures, events, pings uint64
}

func (s *loadStats) snapshot() statsSnapshot {
	return statsSnapshot{
		attempts: s.attempts.Load(),
		failures: s.failures.Load(),
		events:   s.events.Load(),
		pings:    s.pings.Load(),
	}
}

func (s statsSnapshot) failureRate() float64 {
	if s.attempts == 0 {
		return 0
	}
	return float64(s.failures) / float64(s.attempts)
}

// follow keeps one stream open until ctx ends, reconnecting with backoff.
func follow(ctx context.Context, client *http.Client, target string, stats *loadStats) {
	backoff := time.Second
	retry := func() bool {
		stats.failures.Add(1)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
		return true
	}

	for ctx.Err() == nil {
		stats.attempts.Add(1)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			if !retry() {
				return
			}
			continue
		}
		resp, err := client.Do(req)
		if err != nil || resp.StatusCode != http.StatusOK {
			if resp != nil {
				resp.Body.Close()
			}
			if ctx.Err() != nil || !retry() {
				return
			}
			continue
		}
		backoff = time.Second
		consume(ctx, resp.Body, stats)
		resp.Body.Close()
		if ctx.Err() != nil || !retry() {
			return
		}
	}
}

// consume counts data frames and keepalive comments until the body ends.
func consume(ctx context.Context, body io.Reader, stats *loadStats) {
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			stats.events.Add(1)
		case strings.HasPrefix(line, ":"):
			stats.pings.Add(1)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
