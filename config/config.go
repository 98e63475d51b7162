package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/nonsonwune/callers_db/migrations"
	"github.com/nonsonwune/callers_db/store"
)

// Config holds settings read from the environment.
type Config struct {
	DB     DBConfig
	Import ImportConfig
}

// DBConfig locates the callers database.
type DBConfig struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
	// Path is the database file when Driver is sqlite3.
	Path string
}

// ImportConfig holds defaults for import runs; command-line flags override them.
type ImportConfig struct {
	BatchSize    int
	MaxRetries   int
	RetryBackoff time.Duration
	Dir          string
	FailedDir    string
}

// LoadEnv reads .env files into the environment. A missing file is not an error.
func LoadEnv(files ...string) error {
	err := godotenv.Load(files...)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error loading .env file: %w", err)
	}
	return nil
}

// FromEnv builds a Config from environment variables.
// The result is not validated; call DBConfig.Validate once overrides are applied.
func FromEnv() (Config, error) {
	cfg := Config{
		DB: DBConfig{
			Driver:   getenv("DB_DRIVER", migrations.DriverPostgres),
			Host:     getenv("DB_HOST", "localhost"),
			Port:     getenv("DB_PORT", "5432"),
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     getenv("DB_NAME", "callers"),
			SSLMode:  getenv("DB_SSLMODE", "disable"),
			Path:     getenv("DB_PATH", "callers.db"),
		},
		Import: ImportConfig{
			Dir:       getenv("IMPORT_DIR", "imports"),
			FailedDir: getenv("IMPORT_FAILED_DIR", "failed_imports"),
		},
	}

	var err error
	if cfg.Import.BatchSize, err = getint("IMPORT_BATCH_SIZE", 500); err != nil {
		return cfg, err
	}
	if cfg.Import.MaxRetries, err = getint("IMPORT_MAX_RETRIES", 3); err != nil {
		return cfg, err
	}
	backoffMS, err := getint("IMPORT_RETRY_BACKOFF_MS", 100)
	if err != nil {
		return cfg, err
	}
	cfg.Import.RetryBackoff = time.Duration(backoffMS) * time.Millisecond

	return cfg, nil
}

// Validate checks that the driver is supported.
func (c DBConfig) Validate() error {
	switch c.Driver {
	case migrations.DriverPostgres, migrations.DriverSQLite:
		return nil
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q (want %s or %s)",
			c.Driver, migrations.DriverPostgres, migrations.DriverSQLite)
	}
}

// DSN returns the connection string for the configured driver.
func (c DBConfig) DSN() string {
	if c.Driver == migrations.DriverSQLite {
		return c.Path
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// Store returns the store configuration.
func (c DBConfig) Store() store.Config {
	return store.Config{Driver: c.Driver, DSN: c.DSN()}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a non-negative integer", key, v)
	}
	return n, nil
}
