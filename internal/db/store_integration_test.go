//go:build integration

package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nukemymac/nukemymac-server/internal/feedback"
	"github.com/nukemymac/nukemymac-server/internal/license"
)

var testDB *DB

func TestMain(m *testing.M) {
	if !dockerAvailable() {
		fmt.Println("Docker is not available, skipping integration tests")
		os.Exit(0)
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("nukemymac_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		log.Fatalf("failed to get connection string: %v", err)
	}

	cfg := DefaultConfig(connStr)
	cfg.MaxConns = 20
	cfg.MinConns = 1

	testDB, err = New(ctx, cfg, zerolog.New(zerolog.NewConsoleWriter()))
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		log.Fatalf("failed to connect to database: %v", err)
	}

	if _, err := testDB.Migrate(ctx); err != nil {
		testDB.Close()
		_ = pgContainer.Terminate(ctx)
		log.Fatalf("failed to run migrations: %v", err)
	}

	code := m.Run()

	testDB.Close()
	_ = pgContainer.Terminate(ctx)

	os.Exit(code)
}

// dockerAvailable returns true if a Docker daemon is reachable.
func dockerAvailable() bool {
	return exec.Command("docker", "info").Run() == nil
}

// setupTestDB returns the shared test database after cleaning all tables.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	_, err := testDB.Pool.Exec(context.Background(), `TRUNCATE TABLE licenses, feedback`)
	require.NoError(t, err)
	return testDB
}

func newDraft(session string, tier license.Tier, now time.Time) license.Draft {
	d := license.Draft{
		PaymentSessionID: session,
		Tier:             tier,
		Email:            "buyer@example.com",
		MaxActivations:   3,
		CreatedAt:        now,
	}
	if tier == license.TierYearly {
		exp := now.Add(license.DefaultYearlyTerm)
		d.ExpiresAt = &exp
	}
	return d
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()

	applied, err := testDB.Migrate(ctx)
	require.NoError(t, err)
	assert.Zero(t, applied)

	version, err := testDB.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, version, 1)
}

func TestCreateIfAbsent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	lic, created, err := db.CreateIfAbsent(ctx, newDraft("cs_pg_1", license.TierYearly, now))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, license.StatusActive, lic.Status)
	assert.Equal(t, license.TierYearly, license.ParseKey(lic.Key).Tier)
	assert.Empty(t, lic.ActivatedMachineIDs)
	require.NotNil(t, lic.ExpiresAt)

	again, created, err := db.CreateIfAbsent(ctx, newDraft("cs_pg_1", license.TierYearly, now.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, lic.Key, again.Key)
	assert.True(t, lic.CreatedAt.Equal(again.CreatedAt))
}

func TestCreateIfAbsent_ConcurrentDuplicates(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const workers = 10
	keys := make([]string, workers)
	createdCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lic, created, err := db.CreateIfAbsent(ctx, newDraft("cs_pg_race", license.TierLifetime, now))
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			keys[i] = lic.Key
			if created {
				createdCount++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	for _, k := range keys {
		assert.Equal(t, keys[0], k)
	}

	var rows int
	require.NoError(t, db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM licenses`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestFindLicense_NotFound(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.FindByKey(ctx, "NUKE-NONE-YNON-NONE-NONE")
	assert.ErrorIs(t, err, license.ErrNotFound)

	_, err = db.FindBySessionID(ctx, "cs_missing")
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestUpdateActivation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	lic, _, err := db.CreateIfAbsent(ctx, newDraft("cs_pg_act", license.TierLifetime, now))
	require.NoError(t, err)

	for _, m := range []string{"M1", "M2", "M3"} {
		got, err := db.UpdateActivation(ctx, license.ActivationUpdate{Key: lic.Key, MachineID: m, At: now, Limit: 3})
		require.NoError(t, err)
		assert.Contains(t, got.ActivatedMachineIDs, m)
	}

	same, err := db.UpdateActivation(ctx, license.ActivationUpdate{Key: lic.Key, MachineID: "M2", At: now, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, same.ActivationCount)

	_, err = db.UpdateActivation(ctx, license.ActivationUpdate{Key: lic.Key, MachineID: "M4", At: now, Limit: 3})
	assert.ErrorIs(t, err, license.ErrActivationLimit)

	// Anonymous activation without a limit still counts.
	anon, err := db.UpdateActivation(ctx, license.ActivationUpdate{Key: lic.Key, At: now})
	require.NoError(t, err)
	assert.Equal(t, 4, anon.ActivationCount)
	assert.Len(t, anon.ActivatedMachineIDs, 3)
	require.NotNil(t, anon.ActivatedAt)
}

func TestUpdateActivation_ConcurrentRespectsLimit(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	lic, _, err := db.CreateIfAbsent(ctx, newDraft("cs_pg_act_race", license.TierYearly, now))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := db.UpdateActivation(ctx, license.ActivationUpdate{
				Key: lic.Key, MachineID: fmt.Sprintf("machine-%d", i), At: now, Limit: 3,
			})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	stored, err := db.FindByKey(ctx, lic.Key)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.ActivationCount)
	assert.Len(t, stored.ActivatedMachineIDs, 3)
}

func TestUpdateStatus(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	lic, _, err := db.CreateIfAbsent(ctx, newDraft("cs_pg_status", license.TierYearly, now))
	require.NoError(t, err)

	got, err := db.UpdateStatus(ctx, lic.Key, license.StatusExpired)
	require.NoError(t, err)
	assert.Equal(t, license.StatusExpired, got.Status)

	_, err = db.UpdateActivation(ctx, license.ActivationUpdate{Key: lic.Key, MachineID: "M1", At: now, Limit: 3})
	assert.ErrorIs(t, err, license.ErrExpired)

	got, err = db.UpdateStatus(ctx, lic.Key, license.StatusRevoked)
	require.NoError(t, err)
	assert.Equal(t, license.StatusRevoked, got.Status)

	_, err = db.UpdateStatus(ctx, lic.Key, license.StatusRevoked)
	require.NoError(t, err)

	_, err = db.UpdateStatus(ctx, lic.Key, license.StatusActive)
	assert.ErrorIs(t, err, license.ErrInvalidTransition)

	_, err = db.UpdateStatus(ctx, "NUKE-NONE-YNON-NONE-NONE", license.StatusRevoked)
	assert.ErrorIs(t, err, license.ErrNotFound)
}

func TestExpireDue(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	created := time.Now().UTC().Add(-400 * 24 * time.Hour)

	old, _, err := db.CreateIfAbsent(ctx, newDraft("cs_pg_old", license.TierYearly, created))
	require.NoError(t, err)
	forever, _, err := db.CreateIfAbsent(ctx, newDraft("cs_pg_forever", license.TierLifetime, created))
	require.NoError(t, err)

	n, err := db.ExpireDue(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := db.FindByKey(ctx, old.Key)
	require.NoError(t, err)
	assert.Equal(t, license.StatusExpired, got.Status)

	got, err = db.FindByKey(ctx, forever.Key)
	require.NoError(t, err)
	assert.Equal(t, license.StatusActive, got.Status)
}

func TestCreateFeedback(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := db.CreateFeedback(ctx, &feedback.Feedback{
		ID:        uuid.New(),
		Type:      feedback.TypeSupport,
		Email:     "ada@example.com",
		Message:   "Subject: Hi\n\nFrom: Ada\n\nHello",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	n, err := db.CountFeedback(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
