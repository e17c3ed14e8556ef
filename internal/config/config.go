package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel string `env:"CHATSYNC_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	// LogFormat is "console" for humans or "json".
	LogFormat string `env:"CHATSYNC_LOG_FORMAT" envDefault:"console" validate:"oneof=console json"`

	Client Client
	Server Server
}

// Client configures the chat client side.
type Client struct {
	APIURL         string        `env:"CHATSYNC_API_URL" envDefault:"http://localhost:8080/api" validate:"required,url"`
	WSURL          string        `env:"CHATSYNC_WS_URL" envDefault:"ws://localhost:8080/api/ws" validate:"required,url"`
	Token          string        `env:"CHATSYNC_TOKEN"`
	PageSize       int           `env:"CHATSYNC_PAGE_SIZE" envDefault:"30" validate:"gt=0,lte=200"`
	RequestTimeout time.Duration `env:"CHATSYNC_REQUEST_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	TypingTTL      time.Duration `env:"CHATSYNC_TYPING_TTL" envDefault:"2s" validate:"gt=0"`
	ReconnectMin   time.Duration `env:"CHATSYNC_RECONNECT_MIN" envDefault:"500ms" validate:"gt=0"`
	ReconnectMax   time.Duration `env:"CHATSYNC_RECONNECT_MAX" envDefault:"30s" validate:"gtefield=ReconnectMin"`
	MaxUploadBytes int64         `env:"CHATSYNC_MAX_UPLOAD_BYTES" envDefault:"10485760" validate:"gt=0"`
}

// Server configures the development backend.
type Server struct {
	Addr          string `env:"CHATSYNC_HTTP_ADDR" envDefault:":8080" validate:"required"`
	JWTSecret     string `env:"CHATSYNC_JWT_SECRET" envDefault:"dev-only-secret-change-me" validate:"min=8"`
	JWTTTLMin     int    `env:"CHATSYNC_JWT_TTL_MIN" envDefault:"1440" validate:"gt=0"`
	SQLiteDSN     string `env:"CHATSYNC_SQLITE_DSN" envDefault:"file:chatsync.db?_pragma=foreign_keys(ON)" validate:"required"`
	PublicBaseURL string `env:"CHATSYNC_PUBLIC_BASE_URL" envDefault:"http://localhost:8080" validate:"required,url"`
}

var validate = validator.New()

// Load reads .env files (missing files are skipped), then the process
// environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, check(cfg)
}

// FromMap builds a Config from environ alone, ignoring the process
// environment.
func FromMap(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, check(cfg)
}

func check(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func MustLoad(files ...string) Config {
	cfg, err := Load(files...)
	if err != nil {
		panic(err)
	}
	return cfg
}
