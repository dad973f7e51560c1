package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type StorageKind string

const (
	StorageAuto     StorageKind = "auto"
	StorageMemory   StorageKind = "memory"
	StorageRedis    StorageKind = "redis"
	StoragePostgres StorageKind = "postgres"
)

type AppConfig struct {
	IrisBaseURL string
	IrisWSURL   string
	EgressMode  string

	BotPrefix string

	XUserID    string
	XUserEmail string
	XSessionID string

	Storage     StorageKind
	RedisURL    string
	DatabaseURL string

	AllowedRooms []string
	AdminIDs     []string

	DefaultStones int
	MaxStones     int
	MoveTimeout   time.Duration
	RoundDuration time.Duration
	MovePause     time.Duration

	WorkerPoolSize int

	AgentAPIAddr  string
	AgentAPIToken string

	MsgTemplateDir   string
	ExportDir        string
	RenderFieldImage bool
}

// Load reads the bot configuration. The Iris endpoints and prefix are required.
func Load() (*AppConfig, error) {
	cfg := read()
	if cfg.IrisBaseURL == "" {
		return nil, errors.New("IRIS_BASE_URL is required")
	}
	if cfg.IrisWSURL == "" {
		return nil, errors.New("IRIS_WS_URL is required")
	}
	if cfg.BotPrefix == "" {
		return nil, errors.New("BOT_PREFIX is required")
	}
	if err := cfg.validateStorage(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadStorage reads only what the ops tool needs; chat settings may be absent.
func LoadStorage() (*AppConfig, error) {
	cfg := read()
	if err := cfg.validateStorage(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func read() *AppConfig {
	cfg := &AppConfig{
		EgressMode:       "http",
		Storage:          StorageAuto,
		DefaultStones:    10,
		MaxStones:        99,
		MoveTimeout:      60 * time.Second,
		RoundDuration:    10 * time.Minute,
		MovePause:        5 * time.Second,
		WorkerPoolSize:   64,
		ExportDir:        os.TempDir(),
		RenderFieldImage: true,
	}

	cfg.IrisBaseURL = env("IRIS_BASE_URL")
	cfg.IrisWSURL = env("IRIS_WS_URL")
	cfg.BotPrefix = env("BOT_PREFIX")
	if v := strings.ToLower(env("EGRESS_MODE")); v == "http" || v == "ws" || v == "auto" {
		cfg.EgressMode = v
	}

	cfg.XUserID = env("X_USER_ID")
	cfg.XUserEmail = env("X_USER_EMAIL")
	cfg.XSessionID = env("X_SESSION_ID")

	if v := strings.ToLower(env("STORAGE")); v != "" {
		cfg.Storage = StorageKind(v)
	}
	cfg.RedisURL = env("REDIS_URL")
	cfg.DatabaseURL = env("DATABASE_URL")

	cfg.AllowedRooms = splitList(env("ALLOWED_ROOMS"))
	cfg.AdminIDs = splitList(env("ADMIN_IDS"))

	if n, ok := positiveInt("STONES_DEFAULT_COUNT"); ok {
		cfg.DefaultStones = n
	}
	if n, ok := positiveInt("STONES_MAX_COUNT"); ok {
		cfg.MaxStones = n
	}
	if d, ok := duration("STONES_MOVE_TIMEOUT"); ok && d > 0 {
		cfg.MoveTimeout = d
	}
	if d, ok := duration("STONES_ROUND_DURATION"); ok {
		cfg.RoundDuration = d
	}
	if d, ok := duration("STONES_MOVE_PAUSE"); ok {
		cfg.MovePause = d
	}
	if n, ok := positiveInt("WORKER_POOL_SIZE"); ok {
		cfg.WorkerPoolSize = n
	}

	cfg.AgentAPIAddr = env("AGENT_API_ADDR")
	cfg.AgentAPIToken = env("AGENT_API_TOKEN")

	cfg.MsgTemplateDir = env("MSG_TEMPLATE_DIR")
	if v := env("EXPORT_DIR"); v != "" {
		cfg.ExportDir = v
	}
	if v := env("RENDER_FIELD_IMAGE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RenderFieldImage = b
		}
	}
	return cfg
}

// ResolvedStorage turns auto into a concrete backend.
func (c *AppConfig) ResolvedStorage() StorageKind {
	if c.Storage != StorageAuto {
		return c.Storage
	}
	switch {
	case c.DatabaseURL != "":
		return StoragePostgres
	case c.RedisURL != "":
		return StorageRedis
	default:
		return StorageMemory
	}
}

func (c *AppConfig) validateStorage() error {
	switch c.Storage {
	case StorageAuto, StorageMemory:
	case StorageRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for STORAGE=redis")
		}
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for STORAGE=postgres")
		}
	default:
		return fmt.Errorf("unknown STORAGE %q", c.Storage)
	}
	return nil
}

func env(k string) string { return strings.TrimSpace(os.Getenv(k)) }

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func positiveInt(k string) (int, bool) {
	v := env(k)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// duration accepts Go durations ("90s") or plain seconds ("90").
func duration(k string) (time.Duration, bool) {
	v := env(k)
	if v == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		return time.Duration(n) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}
