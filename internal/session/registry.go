// Package session implements the upload session registry: admission,
// validation, idempotent finalization and expiry sweeping.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/secureai/uploadhub/internal/common"
	"github.com/secureai/uploadhub/internal/progress"
	"github.com/secureai/uploadhub/internal/quota"
	"github.com/secureai/uploadhub/internal/status"
	"github.com/secureai/uploadhub/pkg/config"
	"github.com/secureai/uploadhub/pkg/types"
)

var (
	// ErrSessionNotFound is returned when no session exists for an id
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidFormat is returned when the declared format is not allowed
	ErrInvalidFormat = errors.New("format not allowed")
	// ErrFileTooLarge is returned when the declared size exceeds the per-file cap
	ErrFileTooLarge = errors.New("file too large")
	// ErrInvalidSize is returned when the declared size is not positive
	ErrInvalidSize = errors.New("expected bytes must be positive")
)

// Publisher delivers an event to live subscribers without blocking.
// Satisfied by live.Broadcaster.
type Publisher interface {
	Publish(event *types.Event) int
}

// Registry coordinates upload sessions with the quota ledger, the
// progress store and the live channel.
type Registry struct {
	db        *common.Database
	ledger    *quota.Ledger
	progress  *progress.Store
	publisher Publisher
	cfg       *config.UploadConfig
}

// NewRegistry creates a session registry. publisher may be nil, in
// which case finalization events are not broadcast.
func NewRegistry(db *common.Database, ledger *quota.Ledger, store *progress.Store, publisher Publisher, cfg *config.UploadConfig) *Registry {
	return &Registry{
		db:        db,
		ledger:    ledger,
		progress:  store,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Create admits a new upload session: it validates the declared upload,
// reserves quota, persists the session record and initializes progress
// tracking. The reservation is released if persisting fails.
func (r *Registry) Create(ctx context.Context, identity uuid.UUID, req *types.CreateSessionRequest) (*types.CreateSessionResponse, error) {
	if req.ExpectedBytes <= 0 {
		return nil, ErrInvalidSize
	}
	if req.ExpectedBytes > r.cfg.MaxFileSizeBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrFileTooLarge, req.ExpectedBytes, r.cfg.MaxFileSizeBytes)
	}
	if req.Format != "" && !r.formatAllowed(req.Format) {
		return nil, fmt.Errorf("%w: %s (allowed: %s)", ErrInvalidFormat, req.Format, strings.Join(r.cfg.AllowedFormats, ", "))
	}

	sessionID := uuid.New()
	if err := r.ledger.Reserve(ctx, identity, sessionID, req.ExpectedBytes); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &types.UploadSession{
		ID:            sessionID,
		Identity:      identity,
		Status:        types.SessionActive,
		ExpectedBytes: req.ExpectedBytes,
		ReservedBytes: req.ExpectedBytes,
		Format:        strings.ToLower(req.Format),
		Context:       req.Context,
		UploadTarget:  fmt.Sprintf("%s/upload/%s", strings.TrimRight(r.cfg.UploadBaseURL, "/"), sessionID),
		CreatedAt:     now,
		ExpiresAt:     now.Add(r.cfg.SessionTTL),
	}
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		if releaseErr := r.ledger.Release(ctx, identity, sessionID); releaseErr != nil {
			log.Error().Err(releaseErr).Str("session_id", sessionID.String()).Msg("Failed to release reservation after create failure")
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if r.progress != nil {
		if _, err := r.progress.Init(ctx, sessionID, identity, req.ExpectedBytes); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to initialize progress tracking")
		}
	}

	account, err := r.ledger.GetAccount(ctx, identity)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Str("identity", identity.String()).
		Int64("expected_bytes", req.ExpectedBytes).
		Str("format", session.Format).
		Msg("Created upload session")

	return &types.CreateSessionResponse{
		SessionID:      sessionID,
		UploadTarget:   session.UploadTarget,
		MaxBytes:       r.cfg.MaxFileSizeBytes,
		AllowedFormats: r.cfg.AllowedFormats,
		QuotaRemaining: account.RemainingBytes,
		QuotaLimit:     account.LimitBytes,
		ExpiresAt:      session.ExpiresAt,
	}, nil
}

// Get returns the session record for an id
func (r *Registry) Get(ctx context.Context, sessionID uuid.UUID) (*types.UploadSession, error) {
	var session types.UploadSession
	err := r.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &session, nil
}

// Validate checks whether an identity may upload against a session.
// The result is always a report, never an error, except for storage
// failures.
func (r *Registry) Validate(ctx context.Context, sessionID, identity uuid.UUID) (*types.SessionValidation, error) {
	session, err := r.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return &types.SessionValidation{Valid: false, Error: "session not found"}, nil
	}
	if err != nil {
		return nil, err
	}

	owner := session.Identity == identity
	if !owner {
		return &types.SessionValidation{Valid: false, Owner: false, Error: "session belongs to another identity"}, nil
	}
	if session.IsTerminal() {
		return &types.SessionValidation{Valid: false, Owner: true, Record: session, Error: fmt.Sprintf("session is %s", session.Status)}, nil
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		// Lazily finalize rather than waiting for the sweeper, so the
		// reservation is returned the moment expiry is observed.
		if _, err := r.expire(ctx, sessionID); err != nil {
			log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Failed to expire session during validation")
		} else if settled, err := r.Get(ctx, sessionID); err == nil {
			session = settled
		}
		return &types.SessionValidation{Valid: false, Owner: true, Record: session, Error: "session expired"}, nil
	}
	return &types.SessionValidation{Valid: true, Owner: true, Record: session}, nil
}

// ListActive returns all active sessions owned by an identity
func (r *Registry) ListActive(ctx context.Context, identity uuid.UUID) ([]*types.UploadSession, error) {
	var sessions []*types.UploadSession
	err := r.db.WithContext(ctx).
		Where("identity = ? AND status = ?", identity, types.SessionActive).
		Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// Complete finalizes a session as successfully uploaded. actualBytes is
// the byte count the storage backend accepted; the quota reservation is
// committed against it. result is the terminal payload handed to
// subscribers. Repeated calls are no-ops returning the settled record.
func (r *Registry) Complete(ctx context.Context, sessionID uuid.UUID, actualBytes int64, result types.JSONMap) (*types.UploadSession, error) {
	session, won, err := r.finalize(ctx, sessionID, types.SessionCompleted, actualBytes)
	if err != nil {
		return nil, err
	}
	if !won {
		return session, nil
	}

	if err := r.ledger.Commit(ctx, session.Identity, sessionID, actualBytes); err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Failed to commit quota reservation")
	}
	if r.progress != nil {
		if _, err := r.progress.Complete(ctx, sessionID, result); err != nil && !errors.Is(err, progress.ErrNotFound) {
			log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to finalize progress")
		}
	}
	r.publish(types.EventUploadComplete, session, types.JSONMap{
		"actual_bytes": actualBytes,
		"result":       result,
	})

	log.Info().
		Str("session_id", sessionID.String()).
		Str("identity", session.Identity.String()).
		Int64("actual_bytes", actualBytes).
		Msg("Completed upload session")
	return session, nil
}

// Fail finalizes a session as failed and returns its reservation
func (r *Registry) Fail(ctx context.Context, sessionID uuid.UUID, errorCode, message string) (*types.UploadSession, error) {
	session, won, err := r.finalize(ctx, sessionID, types.SessionFailed, 0)
	if err != nil {
		return nil, err
	}
	if !won {
		return session, nil
	}

	r.releaseAndRecord(ctx, session, errorCode, message)
	r.publish(types.EventUploadError, session, types.JSONMap{
		"error_code": errorCode,
		"error":      message,
	})

	log.Info().
		Str("session_id", sessionID.String()).
		Str("error_code", errorCode).
		Msg("Failed upload session")
	return session, nil
}

// Cancel finalizes a session as cancelled by its owner
func (r *Registry) Cancel(ctx context.Context, sessionID uuid.UUID) (*types.UploadSession, error) {
	session, won, err := r.finalize(ctx, sessionID, types.SessionCancelled, 0)
	if err != nil {
		return nil, err
	}
	if !won {
		return session, nil
	}

	if err := r.ledger.Release(ctx, session.Identity, sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Failed to release quota reservation")
	}
	if r.progress != nil {
		if _, err := r.progress.Cancel(ctx, sessionID); err != nil && !errors.Is(err, progress.ErrNotFound) {
			log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to finalize progress")
		}
	}
	r.publish(types.EventUploadCancelled, session, nil)

	log.Info().Str("session_id", sessionID.String()).Msg("Cancelled upload session")
	return session, nil
}

// SweepExpired finalizes every active session past its expiry horizon
// and returns the number swept.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	var expired []*types.UploadSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", types.SessionActive, time.Now().UTC()).
		Find(&expired).Error
	if err != nil {
		return 0, fmt.Errorf("failed to query expired sessions: %w", err)
	}

	swept := 0
	for _, candidate := range expired {
		won, err := r.expire(ctx, candidate.ID)
		if err != nil {
			log.Error().Err(err).Str("session_id", candidate.ID.String()).Msg("Failed to expire session")
			continue
		}
		if won {
			swept++
		}
	}

	if swept > 0 {
		log.Info().Int("count", swept).Msg("Swept expired upload sessions")
	}
	return swept, nil
}

// expire finalizes a session past its horizon: the reservation is
// released, progress is marked errored and subscribers are notified.
// Safe to race with the sweeper and with worker finalization.
func (r *Registry) expire(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	session, won, err := r.finalize(ctx, sessionID, types.SessionExpired, 0)
	if err != nil || !won {
		return false, err
	}
	r.releaseAndRecord(ctx, session, "session_expired", "upload session expired before completion")
	r.publish(types.EventUploadError, session, types.JSONMap{
		"error_code": "session_expired",
		"error":      "upload session expired before completion",
	})
	return true, nil
}

// finalize flips an active session to a terminal status. Exactly one
// caller wins the guarded update; everyone else observes the already
// settled record with won == false.
func (r *Registry) finalize(ctx context.Context, sessionID uuid.UUID, to types.SessionStatus, actualBytes int64) (*types.UploadSession, bool, error) {
	if !status.IsValidSessionTransition(types.SessionActive, to) {
		return nil, false, fmt.Errorf("illegal session transition: %s -> %s", types.SessionActive, to)
	}

	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&types.UploadSession{}).
		Where("id = ? AND status = ?", sessionID, types.SessionActive).
		Updates(map[string]interface{}{
			"status":       to,
			"actual_bytes": actualBytes,
			"finalized_at": now,
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to finalize session: %w", res.Error)
	}

	session, err := r.Get(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}

	if res.RowsAffected == 0 {
		log.Debug().
			Str("session_id", sessionID.String()).
			Str("status", string(session.Status)).
			Str("requested", string(to)).
			Msg("Session already finalized")
		return session, false, nil
	}
	return session, true, nil
}

// releaseAndRecord returns the reservation and marks progress errored
func (r *Registry) releaseAndRecord(ctx context.Context, session *types.UploadSession, errorCode, message string) {
	if err := r.ledger.Release(ctx, session.Identity, session.ID); err != nil {
		log.Error().Err(err).Str("session_id", session.ID.String()).Msg("Failed to release quota reservation")
	}
	if r.progress != nil {
		if _, err := r.progress.Fail(ctx, session.ID, errorCode, message); err != nil && !errors.Is(err, progress.ErrNotFound) {
			log.Warn().Err(err).Str("session_id", session.ID.String()).Msg("Failed to finalize progress")
		}
	}
}

func (r *Registry) publish(eventType string, session *types.UploadSession, data types.JSONMap) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(types.NewEvent(eventType, session.ID, session.Identity, data))
}

func (r *Registry) formatAllowed(format string) bool {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	for _, allowed := range r.cfg.AllowedFormats {
		if format == allowed {
			return true
		}
	}
	return false
}
