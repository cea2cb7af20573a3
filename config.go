package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/VibeCode-Max/bright-flow-mind/board"
)

type config struct {
	StorageConnStr string
	TasksTable     string
	RedisConn      string
	TasksCacheTTL  time.Duration
	DeduperTTL     time.Duration

	CelebrationChannel string

	AssistantBaseURL string
	AssistantAPIKey  string

	AuthDomain   string
	AuthAudience string
	LocalSecret  string

	Dispatch board.DispatcherConfig

	ListenAddr string
	Debug      bool
}

func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		StorageConnStr:     getenv("STORAGE_CONNECTION_STRING"),
		TasksTable:         getenv("TASKS_TABLE"),
		RedisConn:          getenv("REDIS_CONNECTION_STRING"),
		TasksCacheTTL:      time.Minute,
		DeduperTTL:         24 * time.Hour,
		CelebrationChannel: "celebrations",
		AssistantBaseURL:   getenv("ASSISTANT_BASE_URL"),
		AssistantAPIKey:    getenv("ASSISTANT_API_KEY"),
		AuthDomain:         getenv("AUTH0_DOMAIN"),
		AuthAudience:       getenv("AUTH0_AUDIENCE"),
		Dispatch:           board.DefaultDispatcherConfig(),
		ListenAddr:         ":8080",
	}
	if cfg.StorageConnStr == "" || cfg.TasksTable == "" {
		return config{}, errors.New("missing storage config")
	}
	if cfg.RedisConn == "" {
		return config{}, errors.New("missing redis config")
	}
	if cfg.AssistantBaseURL == "" {
		return config{}, errors.New("missing assistant config")
	}

	if v := getenv("CELEBRATION_CHANNEL"); v != "" {
		cfg.CelebrationChannel = v
	}
	if dbg, err := strconv.ParseBool(getenv("DEBUG")); err == nil {
		cfg.Debug = dbg
	}
	if v := getenv("PORT"); v != "" {
		cfg.ListenAddr = ":" + v
	}

	switch mode := strings.ToLower(getenv("LOCAL_AUTH_MODE")); mode {
	case "":
		if cfg.AuthDomain == "" || cfg.AuthAudience == "" {
			return config{}, errors.New("missing Auth0 config")
		}
	case "hs256":
		cfg.LocalSecret = getenv("LOCAL_AUTH_SHARED_SECRET")
		if cfg.LocalSecret == "" {
			return config{}, errors.New("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
		}
	default:
		return config{}, fmt.Errorf("unsupported LOCAL_AUTH_MODE %q", mode)
	}

	var err error
	if cfg.TasksCacheTTL, err = envDuration(getenv, "TASKS_CACHE_TTL", cfg.TasksCacheTTL, true); err != nil {
		return config{}, err
	}
	if cfg.DeduperTTL, err = envDuration(getenv, "DEDUPER_TTL", cfg.DeduperTTL, false); err != nil {
		return config{}, err
	}
	if cfg.Dispatch.Workers, err = envInt(getenv, "DISPATCH_WORKERS", cfg.Dispatch.Workers); err != nil {
		return config{}, err
	}
	if cfg.Dispatch.Buffer, err = envInt(getenv, "DISPATCH_BUFFER", cfg.Dispatch.Buffer); err != nil {
		return config{}, err
	}
	if cfg.Dispatch.Timeout, err = envDuration(getenv, "DISPATCH_TIMEOUT", cfg.Dispatch.Timeout, false); err != nil {
		return config{}, err
	}
	if cfg.Dispatch.HandoffTimeout, err = envDuration(getenv, "DISPATCH_HANDOFF_TIMEOUT", cfg.Dispatch.HandoffTimeout, true); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func envInt(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", key)
	}
	return n, nil
}

func envDuration(getenv func(string) string, key string, def time.Duration, allowZero bool) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s: %s", key, v)
	}
	return d, nil
}

// redisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=true" connection string.
func redisOptions(conn string) (*redis.Options, error) {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if strings.TrimSpace(parts[0]) == "" {
		return nil, errors.New("invalid redis connection string")
	}
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
