package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nukemymac/nukemymac-server/internal/license"
)

const pgUniqueViolation = "23505"

const licenseColumns = `
	key, tier, email, status, payment_session_id,
	activation_count, max_activations, activated_machine_ids,
	created_at, updated_at, expires_at, activated_at`

var _ license.Store = (*DB)(nil)

func scanLicense(row pgx.Row) (*license.License, error) {
	var lic license.License
	var tier, status string
	err := row.Scan(
		&lic.Key, &tier, &lic.Email, &status, &lic.PaymentSessionID,
		&lic.ActivationCount, &lic.MaxActivations, &lic.ActivatedMachineIDs,
		&lic.CreatedAt, &lic.UpdatedAt, &lic.ExpiresAt, &lic.ActivatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, license.ErrNotFound
		}
		return nil, err
	}
	lic.Tier = license.Tier(tier)
	lic.Status = license.Status(status)
	if lic.ActivatedMachineIDs == nil {
		lic.ActivatedMachineIDs = []string{}
	}
	return &lic, nil
}

// CreateIfAbsent inserts a license for the draft's payment session. The
// unique constraint on payment_session_id decides concurrent duplicates:
// the loser reads back the winner's row.
func (db *DB) CreateIfAbsent(ctx context.Context, d license.Draft) (*license.License, bool, error) {
	for attempt := 0; attempt < license.MaxKeyAttempts; attempt++ {
		key, err := license.GenerateKey(d.Tier)
		if err != nil {
			return nil, false, err
		}

		lic, err := scanLicense(db.Pool.QueryRow(ctx, `
			INSERT INTO licenses (key, tier, email, status, payment_session_id,
				max_activations, created_at, updated_at, expires_at)
			VALUES ($1, $2, $3, 'active', $4, $5, $6, $6, $7)
			ON CONFLICT (payment_session_id) DO NOTHING
			RETURNING `+licenseColumns,
			key, string(d.Tier), d.Email, d.PaymentSessionID,
			d.MaxActivations, d.CreatedAt, d.ExpiresAt,
		))
		switch {
		case err == nil:
			db.logger.Debug().Str("session_id", d.PaymentSessionID).Msg("license row inserted")
			return lic, true, nil
		case errors.Is(err, license.ErrNotFound):
			// Session already has a license.
			existing, err := db.FindBySessionID(ctx, d.PaymentSessionID)
			if err != nil {
				return nil, false, fmt.Errorf("read back license for session: %w", err)
			}
			return existing, false, nil
		case isKeyCollision(err):
			db.logger.Warn().Int("attempt", attempt+1).Msg("generated license key collided, retrying")
			continue
		default:
			return nil, false, fmt.Errorf("insert license: %w", err)
		}
	}
	return nil, false, fmt.Errorf("insert license: %w: key generation kept colliding", license.ErrConflict)
}

func isKeyCollision(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == pgUniqueViolation &&
		pgErr.ConstraintName == "licenses_pkey"
}

// FindByKey returns the license with the given key.
func (db *DB) FindByKey(ctx context.Context, key string) (*license.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE key = $1`, key))
	if err != nil && !errors.Is(err, license.ErrNotFound) {
		return nil, fmt.Errorf("get license by key: %w", err)
	}
	return lic, err
}

// FindBySessionID returns the license issued for a payment session.
func (db *DB) FindBySessionID(ctx context.Context, sessionID string) (*license.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE payment_session_id = $1`, sessionID))
	if err != nil && !errors.Is(err, license.ErrNotFound) {
		return nil, fmt.Errorf("get license by session: %w", err)
	}
	return lic, err
}

// UpdateActivation registers a machine with one conditional UPDATE. When the
// condition fails the row is re-read to report why.
func (db *DB) UpdateActivation(ctx context.Context, u license.ActivationUpdate) (*license.License, error) {
	lic, err := scanLicense(db.Pool.QueryRow(ctx, `
		UPDATE licenses SET
			activation_count = activation_count + 1,
			activated_machine_ids = CASE
				WHEN $2::text = '' THEN activated_machine_ids
				ELSE array_append(activated_machine_ids, $2::text)
			END,
			activated_at = COALESCE(activated_at, $3),
			updated_at = $3
		WHERE key = $1
			AND status = 'active'
			AND ($2::text = '' OR NOT ($2::text = ANY(activated_machine_ids)))
			AND ($4::int = 0 OR activation_count < $4::int)
		RETURNING `+licenseColumns,
		u.Key, u.MachineID, u.At, u.Limit,
	))
	if err == nil {
		return lic, nil
	}
	if !errors.Is(err, license.ErrNotFound) {
		return nil, fmt.Errorf("update activation: %w", err)
	}

	current, err := db.FindByKey(ctx, u.Key)
	if err != nil {
		return nil, err
	}
	return current, activationRejection(current, u)
}

// activationRejection explains why a conditional activation matched no row.
func activationRejection(current *license.License, u license.ActivationUpdate) error {
	switch {
	case current.Status == license.StatusRevoked:
		return license.ErrRevoked
	case current.Status == license.StatusExpired:
		return license.ErrExpired
	case current.HasMachine(u.MachineID):
		return nil
	case u.Limit > 0 && current.ActivationCount >= u.Limit:
		return license.ErrActivationLimit
	}
	return fmt.Errorf("%w: activation update matched no row", license.ErrConflict)
}

// UpdateStatus moves the license to status if the transition is allowed.
func (db *DB) UpdateStatus(ctx context.Context, key string, status license.Status) (*license.License, error) {
	var from []string
	for _, s := range license.TransitionSources(status) {
		from = append(from, string(s))
	}

	lic, err := scanLicense(db.Pool.QueryRow(ctx, `
		UPDATE licenses SET
			status = $2,
			updated_at = CASE WHEN status = $2 THEN updated_at ELSE NOW() END
		WHERE key = $1 AND status = ANY($3)
		RETURNING `+licenseColumns,
		key, string(status), from,
	))
	if err == nil {
		return lic, nil
	}
	if !errors.Is(err, license.ErrNotFound) {
		return nil, fmt.Errorf("update license status: %w", err)
	}

	if _, err := db.FindByKey(ctx, key); err != nil {
		return nil, err
	}
	return nil, license.ErrInvalidTransition
}

// ExpireDue moves active licenses whose term ended before now to expired.
func (db *DB) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE licenses SET status = 'expired', updated_at = $1
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire due licenses: %w", err)
	}
	return tag.RowsAffected(), nil
}
