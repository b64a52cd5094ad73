package config

import "testing"

func TestLoadReadsCriticalEnvKeys(t *testing.T) {
	t.Setenv("STARTLINE_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("STARTLINE_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("STARTLINE_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBDSN == "" {
		t.Fatal("expected DB DSN to be set")
	}
	if cfg.JWTSigningKey != "supersecret" {
		t.Fatalf("unexpected jwt signing key: %q", cfg.JWTSigningKey)
	}
}

func TestLoadRejectsMissingDSN(t *testing.T) {
	t.Setenv("STARTLINE_DB_DSN", "")
	t.Setenv("STARTLINE_JWT_SIGNING_KEY", "supersecret")

	if _, err := Load(); err == nil {
		t.Fatal("expected config load to fail without a DSN")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STARTLINE_DB_DSN", "file::memory:?cache=shared")
	t.Setenv("STARTLINE_JWT_SIGNING_KEY", "supersecret")
	t.Setenv("STARTLINE_DB_BACKEND", "oracle")

	if _, err := Load(); err == nil {
		t.Fatal("expected config load to fail for an unsupported backend")
	}
}

func TestLoadProductionRequiresStrongSigningKey(t *testing.T) {
	t.Setenv("STARTLINE_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("STARTLINE_ENV", "production")
	t.Setenv("STARTLINE_JWT_SIGNING_KEY", "short")

	if _, err := Load(); err == nil {
		t.Fatal("expected production config load to fail with a short signing key")
	}

	t.Setenv("STARTLINE_JWT_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	if _, err := Load(); err != nil {
		t.Fatalf("expected production config load with a strong key to succeed: %v", err)
	}
}
