// Package dibsconfig resolves the connection string and per-run
// timeouts dibs needs from a dibs.toml file plus environment-specific
// .env overrides, the same layered resolution the wider ecosystem uses
// for database tooling: a checked-in TOML file for defaults, and a
// gitignored .env.<environment> for secrets.
package dibsconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	configFileName       = "dibs.toml"
	defaultEnvironment   = "development"
	defaultStatementWait = 30 * time.Second
)

// EnvironmentConfig is one named entry in dibs.toml's [environments]
// table.
type EnvironmentConfig struct {
	DatabaseURL      string `toml:"database_url"`
	StatementTimeout string `toml:"statement_timeout"`
}

// Config is the parsed contents of dibs.toml.
type Config struct {
	DefaultEnvironment string                       `toml:"default_environment"`
	Environments       map[string]EnvironmentConfig `toml:"environments"`
	MigrationsDir      string                       `toml:"migrations_dir"`

	path string `toml:"-"`
}

// Load searches the current directory and its ancestors for
// dibs.toml and parses it. A missing file is not an error: Load
// returns a zero-value Config so Resolve can still fall through to
// .env and environment-variable defaults.
func Load() (*Config, error) {
	path, err := findConfigFile()
	if err != nil {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.path = path
	return &cfg, nil
}

func findConfigFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, configFileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found", configFileName)
		}
		dir = parent
	}
}

// ConfigDir returns the directory dibs.toml was loaded from, or the
// working directory if no file was found.
func (c *Config) ConfigDir() string {
	if c.path == "" {
		wd, _ := os.Getwd()
		return wd
	}
	return filepath.Dir(c.path)
}

// Resolved is a fully resolved set of connection parameters for one
// environment.
type Resolved struct {
	Environment      string
	DatabaseURL      string
	StatementTimeout time.Duration
	MigrationsDir    string
}

// Resolve layers dibs.toml's [environments.<name>] entry under a
// .env.<name> file in the config directory, then DATABASE_URL /
// DIBS_STATEMENT_TIMEOUT from the process environment, in ascending
// precedence (process environment wins, since it's what a CI runner
// or operator override sets last).
func Resolve(cfg *Config, environment string) (*Resolved, error) {
	if environment == "" {
		environment = cfg.DefaultEnvironment
	}
	if environment == "" {
		environment = defaultEnvironment
	}

	var envCfg EnvironmentConfig
	if cfg.Environments != nil {
		envCfg = cfg.Environments[environment]
	}

	resolved := &Resolved{
		Environment:      environment,
		DatabaseURL:      envCfg.DatabaseURL,
		StatementTimeout: defaultStatementWait,
		MigrationsDir:    cfg.MigrationsDir,
	}
	if raw := envCfg.StatementTimeout; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("environment %q: invalid statement_timeout %q: %w", environment, raw, err)
		}
		resolved.StatementTimeout = d
	}

	dotenvPath := filepath.Join(cfg.ConfigDir(), ".env."+environment)
	if info, err := os.Stat(dotenvPath); err == nil && !info.IsDir() {
		values, err := godotenv.Read(dotenvPath)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", dotenvPath, err)
		}
		if v := values["DATABASE_URL"]; v != "" {
			resolved.DatabaseURL = v
		}
		if v := values["DIBS_STATEMENT_TIMEOUT"]; v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("%s: invalid DIBS_STATEMENT_TIMEOUT %q: %w", dotenvPath, v, err)
			}
			resolved.StatementTimeout = d
		}
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		resolved.DatabaseURL = v
	}
	if v := os.Getenv("DIBS_STATEMENT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DIBS_STATEMENT_TIMEOUT %q: %w", v, err)
		}
		resolved.StatementTimeout = d
	}

	if resolved.DatabaseURL == "" {
		return nil, fmt.Errorf("no database URL configured for environment %q: set [environments.%s].database_url in %s, DATABASE_URL in .env.%s, or the DATABASE_URL environment variable",
			environment, environment, configFileName, environment)
	}
	if resolved.MigrationsDir == "" {
		resolved.MigrationsDir = "migrations"
	}

	return resolved, nil
}
