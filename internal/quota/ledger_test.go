package quota

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/secureai/uploadhub/internal/common"
	"github.com/secureai/uploadhub/pkg/config"
	"github.com/secureai/uploadhub/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *common.Database {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&types.QuotaAccount{}, &types.QuotaReservation{})
	require.NoError(t, err)

	return &common.Database{DB: db}
}

func setupTestLedger(t *testing.T) (*Ledger, *common.Database) {
	db := setupTestDB(t)
	cfg := &config.UploadConfig{
		DefaultQuotaBytes: 1_000_000,
		QuotaResetPeriod:  30 * 24 * time.Hour,
	}
	return NewLedger(db, cfg), db
}

func assertInvariant(t *testing.T, ledger *Ledger, db *common.Database, identity uuid.UUID) {
	t.Helper()

	account, err := ledger.GetAccount(context.Background(), identity)
	require.NoError(t, err)

	var outstanding int64
	require.NoError(t, db.Model(&types.QuotaReservation{}).
		Where("identity = ?", identity).
		Select("COALESCE(SUM(bytes), 0)").
		Scan(&outstanding).Error)

	assert.Equal(t, account.LimitBytes, account.UsedBytes+account.RemainingBytes+outstanding,
		"used + remaining + outstanding reservations must equal limit")
	assert.GreaterOrEqual(t, account.UsedBytes, int64(0))
	assert.GreaterOrEqual(t, account.RemainingBytes, int64(0))
}

func TestGetAccount_CreatesDefault(t *testing.T) {
	ledger, _ := setupTestLedger(t)
	identity := uuid.New()

	account, err := ledger.GetAccount(context.Background(), identity)

	require.NoError(t, err)
	assert.Equal(t, identity, account.Identity)
	assert.Equal(t, int64(1_000_000), account.LimitBytes)
	assert.Equal(t, int64(0), account.UsedBytes)
	assert.Equal(t, int64(1_000_000), account.RemainingBytes)
	assert.True(t, account.ResetAt.After(time.Now()))
}

func TestGetAccount_ResetsExpiredWindow(t *testing.T) {
	ledger, db := setupTestLedger(t)
	identity := uuid.New()

	stale := &types.QuotaAccount{
		Identity:       identity,
		LimitBytes:     1_000_000,
		UsedBytes:      800_000,
		RemainingBytes: 200_000,
		ResetAt:        time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, db.Create(stale).Error)

	account, err := ledger.GetAccount(context.Background(), identity)

	require.NoError(t, err)
	assert.Equal(t, int64(0), account.UsedBytes)
	assert.Equal(t, int64(1_000_000), account.RemainingBytes)
	assert.True(t, account.ResetAt.After(time.Now()))
}

func TestReserve_Success(t *testing.T) {
	ledger, db := setupTestLedger(t)
	identity := uuid.New()
	sessionID := uuid.New()

	err := ledger.Reserve(context.Background(), identity, sessionID, 400_000)
	require.NoError(t, err)

	account, err := ledger.GetAccount(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, int64(600_000), account.RemainingBytes)
	assert.Equal(t, int64(0), account.UsedBytes)

	assertInvariant(t, ledger, db, identity)
}

func TestReserve_QuotaExceeded(t *testing.T) {
	ledger, db := setupTestLedger(t)
	identity := uuid.New()

	// Use up half the quota first
	require.NoError(t, ledger.Reserve(context.Background(), identity, uuid.New(), 500_000))

	// A 1MB request against 500KB remaining must be refused with quota unchanged
	err := ledger.Reserve(context.Background(), identity, uuid.New(), 1_000_000)

	assert.ErrorIs(t, err, ErrQuotaExceeded)

	account, getErr := ledger.GetAccount(context.Background(), identity)
	require.NoError(t, getErr)
	assert.Equal(t, int64(500_000), account.RemainingBytes)

	assertInvariant(t, ledger, db, identity)
}

func TestCommit_MovesReservationToUsed(t *testing.T) {
	ledger, db := setupTestLedger(t)
	identity := uuid.New()
	sessionID := uuid.New()

	require.NoError(t, ledger.Reserve(context.Background(), identity, sessionID, 400_000))
	require.NoError(t, ledger.Commit(context.Background(), identity, sessionID, 400_000))

	account, err := ledger.GetAccount(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, int64(400_000), account.UsedBytes)
	assert.Equal(t, int64(600_000), account.RemainingBytes)
	assert.Equal(t, account.LimitBytes, account.UsedBytes+account.RemainingBytes)

	assertInvariant(t, ledger, db, identity)
}

func TestCommit_ReconcilesSmallerActual(t *testing.T) {
	ledger, db := setupTestLedger(t)
	identity := uuid.New()
	sessionID := uuid.New()

	require.NoError(t, ledger.Reserve(context.Background(), identity, sessionID, 400_000))
	// Actual upload ended up smaller than the estimate
	require.NoError(t, ledger.Commit(context.Background(), identity, sessionID, 250_000))

	account, err := ledger.GetAccount(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, int64(250_000), account.UsedBytes)
	assert.Equal(t, int64(750_000), account.RemainingBytes)

	assertInvariant(t, ledger, db, identity)
}

func TestCommit_ReconcilesLargerActual(t *testing.T) {
	ledger, db := setupTestLedger(t)
	identity := uuid.New()
	sessionID := uuid.New()

	require.NoError(t, ledger.Reserve(context.Background(), identity, sessionID, 400_000))
	require.NoError(t, ledger.Commit(context.Background(), identity, sessionID, 500_000))

	account, err := ledger.GetAccount(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000), account.UsedBytes)
	assert.Equal(t, int64(500_000), account.RemainingBytes)

	assertInvariant(t, ledger, db, identity)
}

func TestCommit_NeverExceedsLimit(t *testing.T) {
	ledger, _ := setupTestLedger(t)
	identity := uuid.New()
	sessionID := uuid.New()

	require.NoError(t, ledger.Reserve(context.Background(), identity, sessionID, 900_000))
	// Actual far above both the estimate and the limit
	require.NoError(t, ledger.Commit(context.Background(), identity, sessionID, 2_000_000))

	account, err := ledger.GetAccount(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, account.LimitBytes, account.UsedBytes)
	assert.Equal(t, int64(0), account.RemainingBytes)
}

func TestRelease_ReturnsReservation(t *testing.T) {
	ledger, db := setupTestLedger(t)
	identity := uuid.New()
	sessionID := uuid.New()

	require.NoError(t, ledger.Reserve(context.Background(), identity, sessionID, 400_000))
	require.NoError(t, ledger.Release(context.Background(), identity, sessionID))

	account, err := ledger.GetAccount(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.UsedBytes)
	assert.Equal(t, int64(1_000_000), account.RemainingBytes)

	assertInvariant(t, ledger, db, identity)
}

func TestRelease_Idempotent(t *testing.T) {
	ledger, _ := setupTestLedger(t)
	identity := uuid.New()
	sessionID := uuid.New()

	require.NoError(t, ledger.Reserve(context.Background(), identity, sessionID, 400_000))
	require.NoError(t, ledger.Release(context.Background(), identity, sessionID))
	// Second release must be a no-op, not a double refund
	require.NoError(t, ledger.Release(context.Background(), identity, sessionID))

	account, err := ledger.GetAccount(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), account.RemainingBytes)
}

func TestCommitThenRelease_SettlesOnce(t *testing.T) {
	ledger, db := setupTestLedger(t)
	identity := uuid.New()
	sessionID := uuid.New()

	require.NoError(t, ledger.Reserve(context.Background(), identity, sessionID, 400_000))
	require.NoError(t, ledger.Commit(context.Background(), identity, sessionID, 400_000))
	// A racing sweep releasing after commit must not refund anything
	require.NoError(t, ledger.Release(context.Background(), identity, sessionID))

	account, err := ledger.GetAccount(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, int64(400_000), account.UsedBytes)
	assert.Equal(t, int64(600_000), account.RemainingBytes)

	assertInvariant(t, ledger, db, identity)
}

func TestUsage_Report(t *testing.T) {
	ledger, _ := setupTestLedger(t)
	identity := uuid.New()
	sessionID := uuid.New()

	require.NoError(t, ledger.Reserve(context.Background(), identity, sessionID, 250_000))
	require.NoError(t, ledger.Commit(context.Background(), identity, sessionID, 250_000))

	usage, err := ledger.Usage(context.Background(), identity)
	require.NoError(t, err)

	assert.Equal(t, int64(1_000_000), usage.QuotaLimit)
	assert.Equal(t, int64(250_000), usage.QuotaUsed)
	assert.Equal(t, int64(750_000), usage.QuotaRemaining)
	assert.Equal(t, 25.0, usage.UsagePercentage)
}
