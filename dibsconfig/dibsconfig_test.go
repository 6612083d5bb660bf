package dibsconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	orig, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(orig) })
}

func TestLoadReturnsZeroValueConfigWhenNoFileFound(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load should not error on a missing dibs.toml, got %v", err)
	}
	if cfg.DefaultEnvironment != "" || cfg.MigrationsDir != "" {
		t.Fatalf("expected a zero-value config, got %+v", cfg)
	}
}

func TestLoadFindsConfigFileInAncestorDirectory(t *testing.T) {
	root := t.TempDir()
	toml := "default_environment = \"staging\"\nmigrations_dir = \"db/migrations\"\n"
	if err := os.WriteFile(filepath.Join(root, configFileName), []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	chdir(t, nested)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DefaultEnvironment != "staging" {
		t.Fatalf("expected dibs.toml to be found in an ancestor directory, got %+v", cfg)
	}
	if cfg.MigrationsDir != "db/migrations" {
		t.Fatalf("expected migrations_dir to be parsed, got %q", cfg.MigrationsDir)
	}
}

func TestResolveFallsBackToDefaultEnvironmentName(t *testing.T) {
	cfg := &Config{
		Environments: map[string]EnvironmentConfig{
			"development": {DatabaseURL: "postgres://localhost/dev"},
		},
	}
	resolved, err := Resolve(cfg, "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Environment != "development" {
		t.Fatalf("expected the hardcoded development default, got %q", resolved.Environment)
	}
	if resolved.DatabaseURL != "postgres://localhost/dev" {
		t.Fatalf("expected database_url from toml, got %q", resolved.DatabaseURL)
	}
	if resolved.StatementTimeout != defaultStatementWait {
		t.Fatalf("expected the default statement wait, got %v", resolved.StatementTimeout)
	}
	if resolved.MigrationsDir != "migrations" {
		t.Fatalf("expected migrations dir to default to \"migrations\", got %q", resolved.MigrationsDir)
	}
}

func TestResolveUsesConfigDefaultEnvironmentWhenNoneRequested(t *testing.T) {
	cfg := &Config{
		DefaultEnvironment: "staging",
		Environments: map[string]EnvironmentConfig{
			"staging": {DatabaseURL: "postgres://localhost/staging"},
		},
	}
	resolved, err := Resolve(cfg, "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.Environment != "staging" {
		t.Fatalf("expected the config's default_environment to be honored, got %q", resolved.Environment)
	}
}

func TestResolveLayersDotenvOverTomlAndProcessEnvOverBoth(t *testing.T) {
	dir := t.TempDir()
	toml := "[environments.production]\ndatabase_url = \"postgres://toml/prod\"\n"
	if err := os.WriteFile(filepath.Join(dir, configFileName), []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env.production"), []byte("DATABASE_URL=postgres://dotenv/prod\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	resolved, err := Resolve(cfg, "production")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.DatabaseURL != "postgres://dotenv/prod" {
		t.Fatalf("expected .env.production to override dibs.toml, got %q", resolved.DatabaseURL)
	}

	t.Setenv("DATABASE_URL", "postgres://processenv/prod")
	resolved, err = Resolve(cfg, "production")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.DatabaseURL != "postgres://processenv/prod" {
		t.Fatalf("expected the process environment to win over .env, got %q", resolved.DatabaseURL)
	}
}

func TestResolveParsesStatementTimeoutFromProcessEnv(t *testing.T) {
	cfg := &Config{Environments: map[string]EnvironmentConfig{
		"development": {DatabaseURL: "postgres://localhost/dev"},
	}}
	t.Setenv("DIBS_STATEMENT_TIMEOUT", "5s")

	resolved, err := Resolve(cfg, "development")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if resolved.StatementTimeout != 5*time.Second {
		t.Fatalf("expected a 5s statement timeout, got %v", resolved.StatementTimeout)
	}
}

func TestResolveErrorsOnInvalidStatementTimeout(t *testing.T) {
	cfg := &Config{Environments: map[string]EnvironmentConfig{
		"development": {DatabaseURL: "postgres://localhost/dev", StatementTimeout: "not-a-duration"},
	}}
	if _, err := Resolve(cfg, "development"); err == nil {
		t.Fatal("expected an error for an unparseable statement_timeout")
	}
}

func TestResolveErrorsWhenNoDatabaseURLIsConfiguredAnywhere(t *testing.T) {
	cfg := &Config{}
	if _, err := Resolve(cfg, "development"); err == nil {
		t.Fatal("expected an error when no database URL is configured")
	}
}
