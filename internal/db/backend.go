package db

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/nukemymac/nukemymac-server/internal/config"
	"github.com/nukemymac/nukemymac-server/internal/db/sqlite"
	"github.com/nukemymac/nukemymac-server/internal/feedback"
	"github.com/nukemymac/nukemymac-server/internal/license"
)

// Backend is a license and feedback store of either kind.
type Backend interface {
	license.Store
	feedback.Store
	Ping(ctx context.Context) error
	Health() map[string]any
}

var (
	_ Backend = (*DB)(nil)
	_ Backend = (*sqlite.Store)(nil)
)

// ErrSQLiteInProduction is returned when production is configured with a
// SQLite database.
var ErrSQLiteInProduction = errors.New("sqlite backend is not supported in production")

// OpenBackend connects to the store selected by cfg.Database.URL and brings
// its schema up to date. The returned func closes the store.
func OpenBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Backend, func(), error) {
	switch cfg.DatabaseBackend() {
	case config.BackendPostgres:
		dbCfg := DefaultConfig(cfg.Database.URL)
		if cfg.Database.MaxConns > 0 {
			dbCfg.MaxConns = cfg.Database.MaxConns
		}
		database, err := New(ctx, dbCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		if _, err := database.Migrate(ctx); err != nil {
			database.Close()
			return nil, nil, err
		}
		return database, database.Close, nil

	case config.BackendSQLite:
		if cfg.IsProduction() {
			return nil, nil, ErrSQLiteInProduction
		}
		logger.Warn().Str("path", cfg.SQLitePath()).Msg("using SQLite license store")

		s, err := sqlite.Open(ctx, cfg.SQLitePath(), logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close SQLite store")
			}
		}, nil
	}
	return nil, nil, errors.New("unsupported database URL")
}
