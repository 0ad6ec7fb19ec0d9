package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrMissingPublicURL   = errors.New("PUBLIC_BASE_URL is required")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
	ErrInvalidAdminIDs    = errors.New("ADMIN_USER_IDS must be a comma-separated list of numeric ids")
)

type Config struct {
	// PublicBaseURL is the externally reachable origin used to build
	// webhook URLs handed out to users, without a trailing slash.
	PublicBaseURL string
	AdminUserIDs  []string

	HTTP        HTTPConfig
	Redis       RedisConfig
	DB          DBConfig
	Telegram    TelegramConfig
	Commands    CommandsConfig
	DeliveryLog DeliveryLogConfig
	Crypto      CryptoConfig
	Telemetry   TelemetryConfig
	Log         LogConfig
}

type HTTPConfig struct {
	ListenAddr     string
	HealthPath     string
	MetricsPath    string
	MaxWebhookBody int64
	ReadTimeout    time.Duration
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	UpdateTTL time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type TelegramConfig struct {
	APIURL       string
	Timeout      time.Duration
	ShortTimeout time.Duration
}

type CommandsConfig struct {
	PendingTTL    time.Duration
	RatePerHour   int64
	BotNameCache  int
	SetWebhookURL bool
}

type DeliveryLogConfig struct {
	Enabled       bool
	Retention     time.Duration
	PruneSchedule string
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type TelemetryConfig struct {
	Endpoint    string
	ServiceName string
}

func (t TelemetryConfig) Enabled() bool {
	return t.Endpoint != ""
}

type LogConfig struct {
	Level string
}

// Load reads the process environment, after merging a local .env file if
// one exists. Variables already set in the environment take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		PublicBaseURL: strings.TrimRight(mustEnv("PUBLIC_BASE_URL", ""), "/"),
		HTTP: HTTPConfig{
			ListenAddr:     mustEnv("LISTEN_ADDR", ":8080"),
			HealthPath:     mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:    mustEnv("METRICS_PATH", "/metrics"),
			MaxWebhookBody: mustInt64("MAX_WEBHOOK_BODY", 25<<20),
			ReadTimeout:    mustDuration("HTTP_READ_TIMEOUT", 20*time.Second),
		},
		Redis: RedisConfig{
			Addr:      mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:  mustEnv("REDIS_PASSWORD", ""),
			DB:        mustInt("REDIS_DB", 0),
			UpdateTTL: mustDuration("UPDATE_DEDUPE_TTL", 6*time.Hour),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "file:hookgram.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Telegram: TelegramConfig{
			APIURL:       strings.TrimRight(mustEnv("TELEGRAM_API_URL", "https://api.telegram.org"), "/"),
			Timeout:      mustDuration("TELEGRAM_TIMEOUT", 15*time.Second),
			ShortTimeout: mustDuration("TELEGRAM_SHORT_TIMEOUT", 10*time.Second),
		},
		Commands: CommandsConfig{
			PendingTTL:    mustDuration("PENDING_TTL", 5*time.Minute),
			RatePerHour:   mustInt64("COMMAND_RATE_LIMIT_PER_HOUR", 120),
			BotNameCache:  mustInt("BOT_NAME_CACHE_SIZE", 512),
			SetWebhookURL: mustBool("CONNECTBOT_SET_WEBHOOK", true),
		},
		DeliveryLog: DeliveryLogConfig{
			Enabled:       mustBool("DELIVERY_LOG_ENABLED", true),
			Retention:     mustDuration("DELIVERY_LOG_RETENTION", 30*24*time.Hour),
			PruneSchedule: mustEnv("DELIVERY_LOG_PRUNE_SCHEDULE", "0 3 * * *"),
		},
		Telemetry: TelemetryConfig{
			Endpoint:    mustEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName: mustEnv("OTEL_SERVICE_NAME", "hookgram"),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.PublicBaseURL == "" {
		return nil, ErrMissingPublicURL
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}

	admins, err := ParseAdminIDs(mustEnv("ADMIN_USER_IDS", ""))
	if err != nil {
		return nil, err
	}
	cfg.AdminUserIDs = admins

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

// ParseAdminIDs splits a comma-separated list of Telegram user ids.
// Blank entries are skipped.
func ParseAdminIDs(raw string) ([]string, error) {
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return nil, ErrInvalidAdminIDs
		}
		out = append(out, id)
	}
	return out, nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	encoded := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			id, val = strings.TrimSpace(id), strings.TrimSpace(val)
			if id != "" && val != "" {
				encoded[id] = val
			}
		}
	}

	for _, kv := range os.Environ() {
		name, val, ok := strings.Cut(kv, "=")
		if !ok || name == "MASTER_KEY_B64" {
			continue
		}
		if !strings.HasPrefix(name, "MASTER_KEY_") || !strings.HasSuffix(name, "_B64") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "MASTER_KEY_"), "_B64")
		if id != "" && val != "" {
			encoded[id] = val
		}
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if single := mustEnv("MASTER_KEY_B64", ""); single != "" {
		if current == "" {
			current = "default"
		}
		encoded[current] = single
	}

	if len(encoded) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(encoded))
	for id, b64 := range encoded {
		key, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(key) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must decode to 32 bytes", id)
		}
		keys[id] = key
	}

	if current == "" {
		// Deterministic pick when several keys exist and none is marked current.
		ids := make([]string, 0, len(keys))
		for id := range keys {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		current = ids[len(ids)-1]
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{CurrentKeyID: current, Keys: keys}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	n, err := strconv.Atoi(mustEnv(key, ""))
	if err != nil {
		return def
	}
	return n
}

func mustInt64(key string, def int64) int64 {
	n, err := strconv.ParseInt(mustEnv(key, ""), 10, 64)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	b, err := strconv.ParseBool(mustEnv(key, ""))
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(mustEnv(key, ""))
	if err != nil {
		return def
	}
	return d
}
