package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	i, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return i
}

func loadTokens() ([]string, error) {
	if path := os.Getenv("TOKENS_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		var tokens []string
		if err := sonic.Unmarshal(raw, &tokens); err != nil {
			return nil, err
		}
		return tokens, nil
	}
	if tok := os.Getenv("TEST_BEARER"); tok != "" {
		return []string{tok}, nil
	}
	return nil, nil
}

func main() {
	streamURL := getenv("STREAM_URL", "http://localhost:8080/api/stream")
	conns := getenvInt("SSE_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second

	tokens, err := loadTokens()
	if err != nil {
		log.Fatalf("tokens: %v", err)
	}
	if len(tokens) == 0 {
		log.Fatal("set TOKENS_FILE or TEST_BEARER")
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var stats loadStats
	client := &http.Client{}
	var wg sync.WaitGroup
	wg.Add(conns)
	for i := range conns {
		target := streamURL + "?token=" + url.QueryEscape(tokens[i%len(tokens)])
		go func() {
			defer wg.Done()
			follow(ctx, client, target, &stats)
		}()
	}

	wg.Wait()
	s := stats.snapshot()
	log.WithFields(log.Fields{
		"connections":         conns,
		"duration_sec":        int(duration.Seconds()),
		"events_received":     s.events,
		"pings_received":      s.pings,
		"connection_failures": s.failures,
		"failure_rate":        s.failureRate(),
	}).Info("sse load finished")
	if s.pings == 0 || s.failureRate() > 0.01 {
		os.Exit(1)
	}
}
