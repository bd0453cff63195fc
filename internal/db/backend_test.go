package db

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nukemymac/nukemymac-server/internal/config"
)

func TestOpenBackend_SQLite(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.URL = "sqlite://" + filepath.Join(t.TempDir(), "data", "licenses.db")

	store, closeFn, err := OpenBackend(t.Context(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenBackend() error: %v", err)
	}
	defer closeFn()

	if err := store.Ping(t.Context()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	if got := store.Health()["backend"]; got != "sqlite" {
		t.Errorf("expected sqlite backend, got %v", got)
	}
}

func TestOpenBackend_SQLiteRejectedInProduction(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Environment = config.EnvProduction
	cfg.Database.URL = "sqlite://" + filepath.Join(t.TempDir(), "licenses.db")

	_, _, err := OpenBackend(t.Context(), cfg, zerolog.Nop())
	if !errors.Is(err, ErrSQLiteInProduction) {
		t.Fatalf("expected ErrSQLiteInProduction, got %v", err)
	}
}

func TestOpenBackend_UnsupportedURL(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Database.URL = "mysql://localhost/nukemymac"

	if _, _, err := OpenBackend(t.Context(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unsupported URL")
	}
}
