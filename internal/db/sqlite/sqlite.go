// Package sqlite provides an embedded SQLite license and feedback store for
// local development and single-node installs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/nukemymac/nukemymac-server/internal/feedback"
	"github.com/nukemymac/nukemymac-server/internal/license"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements license.Store and feedback.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ license.Store = (*Store)(nil)

// Open opens (creating if needed) the database file at path.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps conditional updates serialized.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("sqlite license database initialized")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Health returns connection statistics for the health endpoint.
func (s *Store) Health() map[string]any {
	stats := s.db.Stats()
	return map[string]any{
		"backend":          "sqlite",
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"wait_count":       stats.WaitCount,
	}
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS licenses (
			key TEXT PRIMARY KEY,
			tier TEXT NOT NULL CHECK (tier IN ('yearly', 'lifetime')),
			email TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'expired', 'revoked')),
			payment_session_id TEXT NOT NULL UNIQUE,
			activation_count INTEGER NOT NULL DEFAULT 0,
			max_activations INTEGER NOT NULL DEFAULT 3,
			activated_machine_ids TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			expires_at TEXT,
			activated_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_licenses_status_expires ON licenses(status, expires_at);

		CREATE TABLE IF NOT EXISTS feedback (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL DEFAULT 'GENERAL',
			email TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
	`)
	return err
}

const licenseColumns = `key, tier, email, status, payment_session_id,
	activation_count, max_activations, activated_machine_ids,
	created_at, updated_at, expires_at, activated_at`

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanLicense(row *sql.Row) (*license.License, error) {
	var (
		lic                  license.License
		tier, status         string
		machines             string
		createdAt, updatedAt string
		expiresAt, activated sql.NullString
	)
	err := row.Scan(
		&lic.Key, &tier, &lic.Email, &status, &lic.PaymentSessionID,
		&lic.ActivationCount, &lic.MaxActivations, &machines,
		&createdAt, &updatedAt, &expiresAt, &activated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, license.ErrNotFound
		}
		return nil, err
	}

	lic.Tier = license.Tier(tier)
	lic.Status = license.Status(status)
	if err := json.Unmarshal([]byte(machines), &lic.ActivatedMachineIDs); err != nil {
		return nil, fmt.Errorf("decode machine ids: %w", err)
	}
	if lic.ActivatedMachineIDs == nil {
		lic.ActivatedMachineIDs = []string{}
	}
	if lic.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if lic.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if lic.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if lic.ActivatedAt, err = parseNullTime(activated); err != nil {
		return nil, fmt.Errorf("parse activated_at: %w", err)
	}
	return &lic, nil
}

// CreateIfAbsent inserts a license unless the payment session already has one.
func (s *Store) CreateIfAbsent(ctx context.Context, d license.Draft) (*license.License, bool, error) {
	for attempt := 0; attempt < license.MaxKeyAttempts; attempt++ {
		key, err := license.GenerateKey(d.Tier)
		if err != nil {
			return nil, false, err
		}

		lic, err := scanLicense(s.db.QueryRowContext(ctx, `
			INSERT INTO licenses (key, tier, email, status, payment_session_id,
				max_activations, created_at, updated_at, expires_at)
			VALUES (?, ?, ?, 'active', ?, ?, ?, ?, ?)
			ON CONFLICT(payment_session_id) DO NOTHING
			RETURNING `+licenseColumns,
			key, string(d.Tier), d.Email, d.PaymentSessionID, d.MaxActivations,
			formatTime(d.CreatedAt), formatTime(d.CreatedAt), nullTime(d.ExpiresAt),
		))
		switch {
		case err == nil:
			return lic, true, nil
		case errors.Is(err, license.ErrNotFound):
			existing, err := s.FindBySessionID(ctx, d.PaymentSessionID)
			if err != nil {
				return nil, false, fmt.Errorf("read back license for session: %w", err)
			}
			return existing, false, nil
		case strings.Contains(err.Error(), "licenses.key"):
			s.logger.Warn().Int("attempt", attempt+1).Msg("generated license key collided, retrying")
			continue
		default:
			return nil, false, fmt.Errorf("insert license: %w", err)
		}
	}
	return nil, false, fmt.Errorf("insert license: %w: key generation kept colliding", license.ErrConflict)
}

// FindByKey returns the license with the given key.
func (s *Store) FindByKey(ctx context.Context, key string) (*license.License, error) {
	lic, err := scanLicense(s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE key = ?`, key))
	if err != nil && !errors.Is(err, license.ErrNotFound) {
		return nil, fmt.Errorf("get license by key: %w", err)
	}
	return lic, err
}

// FindBySessionID returns the license issued for a payment session.
func (s *Store) FindBySessionID(ctx context.Context, sessionID string) (*license.License, error) {
	lic, err := scanLicense(s.db.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE payment_session_id = ?`, sessionID))
	if err != nil && !errors.Is(err, license.ErrNotFound) {
		return nil, fmt.Errorf("get license by session: %w", err)
	}
	return lic, err
}

// UpdateActivation registers a machine with one conditional UPDATE.
func (s *Store) UpdateActivation(ctx context.Context, u license.ActivationUpdate) (*license.License, error) {
	at := formatTime(u.At)
	lic, err := scanLicense(s.db.QueryRowContext(ctx, `
		UPDATE licenses SET
			activation_count = activation_count + 1,
			activated_machine_ids = CASE
				WHEN ?1 = '' THEN activated_machine_ids
				ELSE json_insert(activated_machine_ids, '$[#]', ?1)
			END,
			activated_at = COALESCE(activated_at, ?2),
			updated_at = ?2
		WHERE key = ?3
			AND status = 'active'
			AND (?1 = '' OR NOT EXISTS (
				SELECT 1 FROM json_each(licenses.activated_machine_ids) WHERE value = ?1))
			AND (?4 = 0 OR activation_count < ?4)
		RETURNING `+licenseColumns,
		u.MachineID, at, u.Key, u.Limit,
	))
	if err == nil {
		return lic, nil
	}
	if !errors.Is(err, license.ErrNotFound) {
		return nil, fmt.Errorf("update activation: %w", err)
	}

	current, err := s.FindByKey(ctx, u.Key)
	if err != nil {
		return nil, err
	}
	switch {
	case current.Status == license.StatusRevoked:
		return current, license.ErrRevoked
	case current.Status == license.StatusExpired:
		return current, license.ErrExpired
	case current.HasMachine(u.MachineID):
		return current, nil
	case u.Limit > 0 && current.ActivationCount >= u.Limit:
		return current, license.ErrActivationLimit
	}
	return current, fmt.Errorf("%w: activation update matched no row", license.ErrConflict)
}

// UpdateStatus moves the license to status if the transition is allowed.
func (s *Store) UpdateStatus(ctx context.Context, key string, status license.Status) (*license.License, error) {
	sources := license.TransitionSources(status)
	placeholders := make([]string, len(sources))
	args := []any{string(status), formatTime(time.Now()), key}
	for i, src := range sources {
		placeholders[i] = fmt.Sprintf("?%d", len(args)+1)
		args = append(args, string(src))
	}

	lic, err := scanLicense(s.db.QueryRowContext(ctx, `
		UPDATE licenses SET
			updated_at = CASE WHEN status = ?1 THEN updated_at ELSE ?2 END,
			status = ?1
		WHERE key = ?3 AND status IN (`+strings.Join(placeholders, ", ")+`)
		RETURNING `+licenseColumns,
		args...,
	))
	if err == nil {
		return lic, nil
	}
	if !errors.Is(err, license.ErrNotFound) {
		return nil, fmt.Errorf("update license status: %w", err)
	}

	if _, err := s.FindByKey(ctx, key); err != nil {
		return nil, err
	}
	return nil, license.ErrInvalidTransition
}

// ExpireDue moves active licenses whose term ended before now to expired.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET status = 'expired', updated_at = ?
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < ?
	`, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("expire due licenses: %w", err)
	}
	return res.RowsAffected()
}

// CreateFeedback stores a contact form submission.
func (s *Store) CreateFeedback(ctx context.Context, f *feedback.Feedback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, type, email, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, f.ID.String(), string(f.Type), f.Email, f.Message, formatTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("create feedback: %w", err)
	}
	return nil
}
