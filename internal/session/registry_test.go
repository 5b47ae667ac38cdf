package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/secureai/uploadhub/internal/common"
	"github.com/secureai/uploadhub/internal/progress"
	"github.com/secureai/uploadhub/internal/quota"
	"github.com/secureai/uploadhub/pkg/config"
	"github.com/secureai/uploadhub/pkg/types"
)

// capturingPublisher records published events for assertions
type capturingPublisher struct {
	events []*types.Event
}

func (p *capturingPublisher) Publish(event *types.Event) int {
	p.events = append(p.events, event)
	return 1
}

func setupTestDB(t *testing.T) *common.Database {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&types.QuotaAccount{}, &types.QuotaReservation{}, &types.UploadSession{})
	require.NoError(t, err)

	return &common.Database{DB: db}
}

func setupTestRegistry(t *testing.T) (*Registry, *quota.Ledger, *progress.Store, *capturingPublisher) {
	db := setupTestDB(t)
	cfg := &config.UploadConfig{
		DefaultQuotaBytes:   10_000_000,
		QuotaResetPeriod:    30 * 24 * time.Hour,
		MaxFileSizeBytes:    5_000_000,
		AllowedFormats:      []string{"mp4", "mov", "webm"},
		SessionTTL:          time.Hour,
		ProgressTTL:         time.Hour,
		TerminalGracePeriod: 5 * time.Minute,
		UploadBaseURL:       "http://localhost:8080",
	}
	ledger := quota.NewLedger(db, cfg)
	store := progress.NewStore(nil, cfg)
	publisher := &capturingPublisher{}
	return NewRegistry(db, ledger, store, publisher, cfg), ledger, store, publisher
}

func createTestSession(t *testing.T, registry *Registry, identity uuid.UUID, bytes int64) *types.CreateSessionResponse {
	t.Helper()
	resp, err := registry.Create(context.Background(), identity, &types.CreateSessionRequest{
		ExpectedBytes: bytes,
		Format:        "mp4",
		Context:       types.JSONMap{"dashboard_id": "dash-1"},
	})
	require.NoError(t, err)
	return resp
}

func TestCreate_ReservesQuotaAndInitializesProgress(t *testing.T) {
	registry, ledger, store, _ := setupTestRegistry(t)
	ctx := context.Background()
	identity := uuid.New()

	resp := createTestSession(t, registry, identity, 1_000_000)

	assert.NotEqual(t, uuid.Nil, resp.SessionID)
	assert.Contains(t, resp.UploadTarget, resp.SessionID.String())
	assert.Equal(t, int64(9_000_000), resp.QuotaRemaining)
	assert.Equal(t, int64(10_000_000), resp.QuotaLimit)
	assert.ElementsMatch(t, []string{"mp4", "mov", "webm"}, resp.AllowedFormats)

	account, err := ledger.GetAccount(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, int64(9_000_000), account.RemainingBytes)

	snap, err := store.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.ProgressUploading, snap.Status)
	assert.Equal(t, int64(1_000_000), snap.BytesTotal)
}

func TestCreate_RejectsInvalidSize(t *testing.T) {
	registry, _, _, _ := setupTestRegistry(t)

	_, err := registry.Create(context.Background(), uuid.New(), &types.CreateSessionRequest{ExpectedBytes: 0, Format: "mp4"})
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = registry.Create(context.Background(), uuid.New(), &types.CreateSessionRequest{ExpectedBytes: -5, Format: "mp4"})
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestCreate_RejectsOversizedFile(t *testing.T) {
	registry, _, _, _ := setupTestRegistry(t)

	_, err := registry.Create(context.Background(), uuid.New(), &types.CreateSessionRequest{ExpectedBytes: 6_000_000, Format: "mp4"})
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestCreate_RejectsDisallowedFormat(t *testing.T) {
	registry, _, _, _ := setupTestRegistry(t)

	_, err := registry.Create(context.Background(), uuid.New(), &types.CreateSessionRequest{ExpectedBytes: 1000, Format: "exe"})
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestCreate_RejectsWhenQuotaExhausted(t *testing.T) {
	registry, ledger, _, _ := setupTestRegistry(t)
	ctx := context.Background()
	identity := uuid.New()

	createTestSession(t, registry, identity, 5_000_000)
	createTestSession(t, registry, identity, 4_000_000)

	_, err := registry.Create(ctx, identity, &types.CreateSessionRequest{ExpectedBytes: 2_000_000, Format: "mp4"})
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)

	// the failed attempt must not leak a reservation
	account, err := ledger.GetAccount(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), account.RemainingBytes)
}

func TestValidate_OwnedActiveSession(t *testing.T) {
	registry, _, _, _ := setupTestRegistry(t)
	identity := uuid.New()
	resp := createTestSession(t, registry, identity, 1000)

	validation, err := registry.Validate(context.Background(), resp.SessionID, identity)
	require.NoError(t, err)
	assert.True(t, validation.Valid)
	assert.True(t, validation.Owner)
	require.NotNil(t, validation.Record)
	assert.Equal(t, resp.SessionID, validation.Record.ID)
}

func TestValidate_UnknownSession(t *testing.T) {
	registry, _, _, _ := setupTestRegistry(t)

	validation, err := registry.Validate(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.False(t, validation.Valid)
	assert.Equal(t, "session not found", validation.Error)
}

func TestValidate_WrongOwner(t *testing.T) {
	registry, _, _, _ := setupTestRegistry(t)
	resp := createTestSession(t, registry, uuid.New(), 1000)

	validation, err := registry.Validate(context.Background(), resp.SessionID, uuid.New())
	require.NoError(t, err)
	assert.False(t, validation.Valid)
	assert.False(t, validation.Owner)
}

func TestValidate_FinalizedSession(t *testing.T) {
	registry, _, _, _ := setupTestRegistry(t)
	ctx := context.Background()
	identity := uuid.New()
	resp := createTestSession(t, registry, identity, 1000)

	_, err := registry.Complete(ctx, resp.SessionID, 1000, nil)
	require.NoError(t, err)

	validation, err := registry.Validate(ctx, resp.SessionID, identity)
	require.NoError(t, err)
	assert.False(t, validation.Valid)
	assert.True(t, validation.Owner)
	assert.Contains(t, validation.Error, "completed")
}

func TestComplete_CommitsQuotaAndPublishes(t *testing.T) {
	registry, ledger, store, publisher := setupTestRegistry(t)
	ctx := context.Background()
	identity := uuid.New()
	resp := createTestSession(t, registry, identity, 1_000_000)

	result := types.JSONMap{"video_id": "vid-42"}
	session, err := registry.Complete(ctx, resp.SessionID, 900_000, result)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, session.Status)
	assert.Equal(t, int64(900_000), session.ActualBytes)
	require.NotNil(t, session.FinalizedAt)

	account, err := ledger.GetAccount(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, int64(900_000), account.UsedBytes)
	assert.Equal(t, int64(9_100_000), account.RemainingBytes)

	snap, err := store.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.ProgressCompleted, snap.Status)
	assert.Equal(t, result, snap.Result)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, types.EventUploadComplete, publisher.events[0].Type)
	assert.Equal(t, resp.SessionID, publisher.events[0].SessionID)
}

func TestComplete_Idempotent(t *testing.T) {
	registry, ledger, _, publisher := setupTestRegistry(t)
	ctx := context.Background()
	identity := uuid.New()
	resp := createTestSession(t, registry, identity, 1_000_000)

	_, err := registry.Complete(ctx, resp.SessionID, 1_000_000, nil)
	require.NoError(t, err)
	session, err := registry.Complete(ctx, resp.SessionID, 1_000_000, nil)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, session.Status)

	// quota settled exactly once, one event published
	account, err := ledger.GetAccount(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), account.UsedBytes)
	assert.Equal(t, int64(9_000_000), account.RemainingBytes)
	assert.Len(t, publisher.events, 1)
}

func TestFail_ReleasesQuota(t *testing.T) {
	registry, ledger, store, publisher := setupTestRegistry(t)
	ctx := context.Background()
	identity := uuid.New()
	resp := createTestSession(t, registry, identity, 1_000_000)

	session, err := registry.Fail(ctx, resp.SessionID, "storage_error", "backend rejected the upload")
	require.NoError(t, err)
	assert.Equal(t, types.SessionFailed, session.Status)

	account, err := ledger.GetAccount(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, int64(0), account.UsedBytes)
	assert.Equal(t, int64(10_000_000), account.RemainingBytes)

	snap, err := store.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.ProgressError, snap.Status)
	assert.Equal(t, "storage_error", snap.ErrorCode)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, types.EventUploadError, publisher.events[0].Type)
}

func TestCancel_ReleasesQuota(t *testing.T) {
	registry, ledger, store, publisher := setupTestRegistry(t)
	ctx := context.Background()
	identity := uuid.New()
	resp := createTestSession(t, registry, identity, 1_000_000)

	session, err := registry.Cancel(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCancelled, session.Status)

	account, err := ledger.GetAccount(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), account.RemainingBytes)

	snap, err := store.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.ProgressCancelled, snap.Status)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, types.EventUploadCancelled, publisher.events[0].Type)
}

func TestFail_AfterCompleteIsNoOp(t *testing.T) {
	registry, ledger, _, _ := setupTestRegistry(t)
	ctx := context.Background()
	identity := uuid.New()
	resp := createTestSession(t, registry, identity, 1_000_000)

	_, err := registry.Complete(ctx, resp.SessionID, 1_000_000, nil)
	require.NoError(t, err)

	session, err := registry.Fail(ctx, resp.SessionID, "late_failure", "worker retried after success")
	require.NoError(t, err)
	assert.Equal(t, types.SessionCompleted, session.Status)

	// the committed bytes stay committed
	account, err := ledger.GetAccount(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), account.UsedBytes)
}

func TestListActive_ExcludesFinalized(t *testing.T) {
	registry, _, _, _ := setupTestRegistry(t)
	ctx := context.Background()
	identity := uuid.New()

	a := createTestSession(t, registry, identity, 1000)
	b := createTestSession(t, registry, identity, 2000)
	createTestSession(t, registry, uuid.New(), 3000)

	_, err := registry.Cancel(ctx, b.SessionID)
	require.NoError(t, err)

	sessions, err := registry.ListActive(ctx, identity)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, a.SessionID, sessions[0].ID)
}

func TestSweepExpired_FinalizesAndReleases(t *testing.T) {
	registry, ledger, _, publisher := setupTestRegistry(t)
	ctx := context.Background()
	identity := uuid.New()
	resp := createTestSession(t, registry, identity, 1_000_000)

	// push the session past its horizon
	err := registry.db.Model(&types.UploadSession{}).
		Where("id = ?", resp.SessionID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error
	require.NoError(t, err)

	swept, err := registry.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	session, err := registry.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionExpired, session.Status)

	account, err := ledger.GetAccount(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), account.RemainingBytes)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, types.EventUploadError, publisher.events[0].Type)

	// second sweep finds nothing
	swept, err = registry.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestValidate_ExpiredSessionIsFinalized(t *testing.T) {
	registry, ledger, store, _ := setupTestRegistry(t)
	ctx := context.Background()
	identity := uuid.New()
	resp := createTestSession(t, registry, identity, 1_000_000)

	err := registry.db.Model(&types.UploadSession{}).
		Where("id = ?", resp.SessionID).
		Update("expires_at", time.Now().UTC().Add(-time.Minute)).Error
	require.NoError(t, err)

	validation, err := registry.Validate(ctx, resp.SessionID, identity)
	require.NoError(t, err)
	assert.False(t, validation.Valid)
	assert.True(t, validation.Owner)
	assert.Equal(t, "session expired", validation.Error)
	require.NotNil(t, validation.Record)
	assert.Equal(t, types.SessionExpired, validation.Record.Status)

	// the reservation is returned immediately, not on the next sweep
	account, err := ledger.GetAccount(ctx, identity)
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), account.RemainingBytes)

	var reservations int64
	require.NoError(t, registry.db.Model(&types.QuotaReservation{}).
		Where("session_id = ?", resp.SessionID).
		Count(&reservations).Error)
	assert.Equal(t, int64(0), reservations)

	snap, err := store.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.ProgressError, snap.Status)

	// a later sweep finds nothing left to do
	swept, err := registry.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}

func TestFinalize_RejectsNonTerminalTarget(t *testing.T) {
	registry, _, _, _ := setupTestRegistry(t)
	identity := uuid.New()
	resp := createTestSession(t, registry, identity, 1000)

	_, _, err := registry.finalize(context.Background(), resp.SessionID, types.SessionActive, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal session transition")

	record, err := registry.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, record.Status)
}

func TestCreate_PreservesContextVerbatim(t *testing.T) {
	registry, _, _, _ := setupTestRegistry(t)
	ctx := context.Background()
	identity := uuid.New()

	payload := types.JSONMap{"dashboard_id": "dash-7", "nested": map[string]interface{}{"tab": "uploads"}}
	resp, err := registry.Create(ctx, identity, &types.CreateSessionRequest{
		ExpectedBytes: 1000,
		Format:        "webm",
		Context:       payload,
	})
	require.NoError(t, err)

	session, err := registry.Get(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "dash-7", session.Context["dashboard_id"])
	nested, ok := session.Context["nested"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "uploads", nested["tab"])
}
