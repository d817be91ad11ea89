package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"prism-board/notify"
	"prism-board/reorder"
	"prism-board/watch"
)

const (
	backendREST  = "rest"
	backendAzure = "azure"
)

type config struct {
	Debug      bool
	ListenAddr string

	Backend       string
	TaskAPIURL    string
	TaskAPIBearer string

	StorageConnStr string
	TasksTable     string
	StatusesTable  string
	CommandQueue   string

	Redis         *redis.Options
	TasksCacheTTL time.Duration
	DeduperTTL    time.Duration
	NotifyChannel string

	CompletionMarkers []string
	PersistNoopMoves  bool
	MaxInFlight       int
	BoardStaleTime    time.Duration
	WatchInterval     time.Duration
	InboxSize         int
}

func loadConfig(getenv func(string) string) (config, error) {
	cfg := config{
		ListenAddr:        ":8080",
		Backend:           backendREST,
		TaskAPIURL:        getenv("TASK_API_URL"),
		TaskAPIBearer:     getenv("TASK_API_TOKEN"),
		StorageConnStr:    getenv("STORAGE_CONNECTION_STRING"),
		TasksTable:        getenv("TASKS_TABLE"),
		StatusesTable:     getenv("STATUSES_TABLE"),
		CommandQueue:      getenv("COMMAND_QUEUE"),
		TasksCacheTTL:     10 * time.Minute,
		DeduperTTL:        24 * time.Hour,
		NotifyChannel:     notify.DefaultChannel,
		CompletionMarkers: reorder.DefaultCompletionMarkers,
		WatchInterval:     watch.DefaultInterval,
		InboxSize:         notify.DefaultInboxSize,
	}
	if dbg, err := strconv.ParseBool(getenv("DEBUG")); err == nil && dbg {
		cfg.Debug = true
	}
	if v := getenv("FUNCTIONS_CUSTOMHANDLER_PORT"); v != "" {
		cfg.ListenAddr = ":" + v
	}
	if v := getenv("TASK_BACKEND"); v != "" {
		cfg.Backend = strings.ToLower(v)
	}
	switch cfg.Backend {
	case backendREST:
	case backendAzure:
		if cfg.StorageConnStr == "" || cfg.TasksTable == "" || cfg.StatusesTable == "" || cfg.CommandQueue == "" {
			return cfg, errors.New("missing storage config")
		}
	default:
		return cfg, fmt.Errorf("invalid TASK_BACKEND %q", cfg.Backend)
	}
	// Executions are always polled through the task API.
	if cfg.TaskAPIURL == "" {
		return cfg, errors.New("missing TASK_API_URL")
	}

	if v := getenv("REDIS_CONNECTION_STRING"); v != "" {
		cfg.Redis = parseRedisOptions(v)
	}
	if v := getenv("NOTIFY_CHANNEL"); v != "" {
		cfg.NotifyChannel = v
	}
	if v := getenv("COMPLETION_MARKERS"); v != "" {
		var markers []string
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				markers = append(markers, m)
			}
		}
		if len(markers) == 0 {
			return cfg, errors.New("invalid COMPLETION_MARKERS: empty")
		}
		cfg.CompletionMarkers = markers
	}
	if v := getenv("PERSIST_NOOP_MOVES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid PERSIST_NOOP_MOVES: %w", err)
		}
		cfg.PersistNoopMoves = b
	}

	var err error
	if cfg.TasksCacheTTL, err = durationEnv(getenv, "TASKS_CACHE_TTL", cfg.TasksCacheTTL); err != nil {
		return cfg, err
	}
	if cfg.DeduperTTL, err = durationEnv(getenv, "DEDUPER_TTL", cfg.DeduperTTL); err != nil {
		return cfg, err
	}
	if cfg.WatchInterval, err = durationEnv(getenv, "WATCH_INTERVAL", cfg.WatchInterval); err != nil {
		return cfg, err
	}
	if cfg.BoardStaleTime, err = durationEnv(getenv, "BOARD_STALE_TIME", 0); err != nil {
		return cfg, err
	}
	if cfg.MaxInFlight, err = intEnv(getenv, "MAX_INFLIGHT_UPDATES", 0); err != nil {
		return cfg, err
	}
	if cfg.InboxSize, err = intEnv(getenv, "INBOX_SIZE", cfg.InboxSize); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func durationEnv(getenv func(string) string, name string, def time.Duration) (time.Duration, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", name)
	}
	return d, nil
}

func intEnv(getenv func(string) string, name string, def int) (int, error) {
	v := getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", name)
	}
	return n, nil
}

// parseRedisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=True" connection string.
func parseRedisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
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
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
