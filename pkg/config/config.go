package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// EnvFileVar names the variable pointing at an optional env file. Values in
// the real environment always win over the file.
const EnvFileVar = "GOFTEGU_ENV_FILE"

type Config struct {
	APIBaseURL       string        `validate:"required,url"`
	WebSocketURL     string        `validate:"omitempty,url"`
	Environment      string        `validate:"oneof=development production"`
	DatabasePath     string        `validate:"required"`
	LogLevel         string        `validate:"oneof=debug info warn error"`
	Locale           string        `validate:"oneof=en fa"`
	RequestTimeout   time.Duration `validate:"gt=0"`
	SearchDebounce   time.Duration `validate:"gte=0"`
	RecommendedLimit int           `validate:"gt=0"`
	CompactLimit     int           `validate:"gt=0"`
	MaxUploadSize    int64         `validate:"gt=0"`

	// sandbox server only
	SandboxPort string `validate:"required,numeric"`
	JWTSecret   string `validate:"required"`
}

var validate = validator.New()

func Load() *Config {
	file := readEnvFile(os.Getenv(EnvFileVar))
	get := func(key, defaultValue string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		if value, exists := file[key]; exists {
			return value
		}
		return defaultValue
	}

	apiBase := strings.TrimRight(get("API_BASE_URL", "http://localhost:8080/api"), "/")

	return &Config{
		APIBaseURL:       apiBase,
		WebSocketURL:     get("WS_URL", deriveWebSocketURL(apiBase)),
		Environment:      get("ENVIRONMENT", "development"),
		DatabasePath:     get("DATABASE_PATH", "./data/goftegu.db"),
		LogLevel:         get("LOG_LEVEL", "info"),
		Locale:           get("LOCALE", "en"),
		RequestTimeout:   parseDuration(get("REQUEST_TIMEOUT", "15s"), 15*time.Second),
		SearchDebounce:   parseDuration(get("SEARCH_DEBOUNCE", "300ms"), 300*time.Millisecond),
		RecommendedLimit: parseInt(get("RECOMMENDED_LIMIT", "20"), 20),
		CompactLimit:     parseInt(get("COMPACT_LIMIT", "8"), 8),
		MaxUploadSize:    parseInt64(get("MAX_UPLOAD_SIZE", "10485760"), 10485760), // 10MB default
		SandboxPort:      get("PORT", "8080"),
		JWTSecret:        get("JWT_SECRET", "your-secret-key-change-in-production"),
	}
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

func readEnvFile(path string) map[string]string {
	if path == "" {
		return nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		return nil
	}
	return values
}

// deriveWebSocketURL maps http://host/api onto ws://host/ws.
func deriveWebSocketURL(apiBase string) string {
	u := strings.TrimSuffix(apiBase, "/api")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return ""
	}
	return u + "/ws"
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	val, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return val
}

func parseInt64(s string, fallback int64) int64 {
	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return val
}
