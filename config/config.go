package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/crypto/bcrypt"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "MESSENGER_"

const (
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3
	DriverSQLite  = "sqlite"  // modernc.org/sqlite
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	DBPath   string `env:"DB_PATH" envDefault:"messenger.db"`
	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite3"`

	IdleTimeout  time.Duration `env:"IDLE_TIMEOUT" envDefault:"0s"` // 0 disables
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	KeepAlive    time.Duration `env:"KEEPALIVE" envDefault:"30s"`
	MaxFrameSize int           `env:"MAX_FRAME_SIZE" envDefault:"1048576"`

	BcryptCost int  `env:"BCRYPT_COST" envDefault:"10"`
	StrictAuth bool `env:"STRICT_AUTH" envDefault:"false"`

	AdminAddr     string `env:"ADMIN_ADDR"`
	WSAddr        string `env:"WS_ADDR"`
	ControlSocket string `env:"CONTROL_SOCKET"` // unix socket path, empty disables

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load reads the configuration from MESSENGER_* environment variables,
// falling back to the defaults above.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("database path is empty"))
	}
	switch c.DBDriver {
	case DriverSQLite3, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.DBDriver))
	}
	if c.MaxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("max frame size must be positive, got %d", c.MaxFrameSize))
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", c.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost))
	}
	if c.IdleTimeout < 0 || c.WriteTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	return errors.Join(errs...)
}
