// Package progress tracks ephemeral upload progress snapshots.
// The in-process map is the authoritative store; Redis, when configured,
// is a best-effort write-through so other processes can read snapshots.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/secureai/uploadhub/internal/common"
	"github.com/secureai/uploadhub/internal/status"
	"github.com/secureai/uploadhub/pkg/config"
	"github.com/secureai/uploadhub/pkg/types"
	"github.com/secureai/uploadhub/pkg/utils"
)

var (
	// ErrNotFound is returned when no snapshot exists for a session
	ErrNotFound = errors.New("progress not found")
	// ErrNotTerminal is returned when deleting a snapshot that is still uploading
	ErrNotTerminal = errors.New("progress is not terminal")
	// ErrAlreadyExists is returned when initializing a session that already has a snapshot
	ErrAlreadyExists = errors.New("progress already initialized")
)

const cacheKeyPrefix = "upload_progress"

type entry struct {
	snap      types.ProgressSnapshot
	expiresAt time.Time
}

// Store holds progress snapshots keyed by session id with a per-identity index
type Store struct {
	mu         sync.RWMutex
	entries    map[uuid.UUID]*entry
	byIdentity map[uuid.UUID]map[uuid.UUID]struct{}

	cache *common.Cache // optional, nil in tests
	cfg   *config.UploadConfig
}

// NewStore creates a progress store. cache may be nil, in which case
// snapshots are process-local only.
func NewStore(cache *common.Cache, cfg *config.UploadConfig) *Store {
	return &Store{
		entries:    make(map[uuid.UUID]*entry),
		byIdentity: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		cache:      cache,
		cfg:        cfg,
	}
}

// Init creates the snapshot for a new upload session
func (s *Store) Init(ctx context.Context, sessionID, identity uuid.UUID, bytesTotal int64) (*types.ProgressSnapshot, error) {
	if bytesTotal < 0 {
		return nil, fmt.Errorf("bytes total must not be negative: %d", bytesTotal)
	}

	now := time.Now().UTC()
	snap := types.ProgressSnapshot{
		SessionID:     sessionID,
		Identity:      identity,
		Status:        types.ProgressUploading,
		BytesUploaded: 0,
		BytesTotal:    bytesTotal,
		Percentage:    0,
		StartedAt:     now,
		LastUpdateAt:  now,
	}

	s.mu.Lock()
	if existing, ok := s.entries[sessionID]; ok && !s.expired(existing, now) {
		s.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	s.entries[sessionID] = &entry{snap: snap, expiresAt: now.Add(s.cfg.ProgressTTL)}
	if s.byIdentity[identity] == nil {
		s.byIdentity[identity] = make(map[uuid.UUID]struct{})
	}
	s.byIdentity[identity][sessionID] = struct{}{}
	s.mu.Unlock()

	s.writeThrough(ctx, &snap, s.cfg.ProgressTTL)

	log.Debug().
		Str("session_id", sessionID.String()).
		Str("identity", identity.String()).
		Int64("bytes_total", bytesTotal).
		Msg("Initialized upload progress")
	return &snap, nil
}

// Update applies a progress report. The percentage is always recomputed
// server-side. Updates against a terminal snapshot, and regressive byte
// counts, are discarded as no-ops with the prior state returned.
func (s *Store) Update(ctx context.Context, sessionID uuid.UUID, bytesUploaded int64, speed float64) (*types.ProgressSnapshot, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	e, ok := s.entries[sessionID]
	if !ok || s.expired(e, now) {
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	if e.snap.IsTerminal() {
		snap := e.snap
		s.mu.Unlock()
		log.Debug().
			Str("session_id", sessionID.String()).
			Str("status", string(snap.Status)).
			Msg("Discarded progress update for terminal snapshot")
		return &snap, nil
	}

	if bytesUploaded < e.snap.BytesUploaded {
		snap := e.snap
		s.mu.Unlock()
		log.Debug().
			Str("session_id", sessionID.String()).
			Int64("reported", bytesUploaded).
			Int64("recorded", snap.BytesUploaded).
			Msg("Discarded regressive progress update")
		return &snap, nil
	}

	if e.snap.BytesTotal > 0 && bytesUploaded > e.snap.BytesTotal {
		bytesUploaded = e.snap.BytesTotal
	}

	e.snap.BytesUploaded = bytesUploaded
	e.snap.Percentage = utils.RoundPercentage(bytesUploaded, e.snap.BytesTotal)
	e.snap.Speed = speed
	e.snap.LastUpdateAt = now
	e.expiresAt = now.Add(s.cfg.ProgressTTL)
	snap := e.snap
	s.mu.Unlock()

	s.writeThrough(ctx, &snap, s.cfg.ProgressTTL)
	return &snap, nil
}

// Complete marks the snapshot completed with its terminal payload.
// The transition is validator-gated; completing an already-terminal
// snapshot returns the existing state unchanged.
func (s *Store) Complete(ctx context.Context, sessionID uuid.UUID, payload types.JSONMap) (*types.ProgressSnapshot, error) {
	return s.finalize(ctx, sessionID, types.ProgressCompleted, func(snap *types.ProgressSnapshot) {
		snap.BytesUploaded = snap.BytesTotal
		snap.Percentage = 100
		snap.Result = payload
	})
}

// Fail marks the snapshot errored with an error code and message
func (s *Store) Fail(ctx context.Context, sessionID uuid.UUID, errorCode, message string) (*types.ProgressSnapshot, error) {
	return s.finalize(ctx, sessionID, types.ProgressError, func(snap *types.ProgressSnapshot) {
		snap.ErrorCode = errorCode
		snap.ErrorMessage = message
	})
}

// Cancel marks the snapshot cancelled
func (s *Store) Cancel(ctx context.Context, sessionID uuid.UUID) (*types.ProgressSnapshot, error) {
	return s.finalize(ctx, sessionID, types.ProgressCancelled, nil)
}

func (s *Store) finalize(ctx context.Context, sessionID uuid.UUID, to types.ProgressStatus, apply func(*types.ProgressSnapshot)) (*types.ProgressSnapshot, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	e, ok := s.entries[sessionID]
	if !ok || s.expired(e, now) {
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	if !status.IsValidProgressTransition(e.snap.Status, to) {
		snap := e.snap
		s.mu.Unlock()
		log.Debug().
			Str("session_id", sessionID.String()).
			Str("from", string(snap.Status)).
			Str("to", string(to)).
			Msg("Rejected illegal progress transition")
		return &snap, nil
	}

	e.snap.Status = to
	e.snap.LastUpdateAt = now
	e.snap.CompletedAt = &now
	if apply != nil {
		apply(&e.snap)
	}
	e.expiresAt = now.Add(s.cfg.TerminalGracePeriod)
	snap := e.snap
	s.mu.Unlock()

	s.writeThrough(ctx, &snap, s.cfg.TerminalGracePeriod)

	log.Info().
		Str("session_id", sessionID.String()).
		Str("status", string(to)).
		Msg("Finalized upload progress")
	return &snap, nil
}

// Get returns a copy of the snapshot for a session
func (s *Store) Get(ctx context.Context, sessionID uuid.UUID) (*types.ProgressSnapshot, error) {
	now := time.Now().UTC()

	s.mu.RLock()
	e, ok := s.entries[sessionID]
	if !ok || s.expired(e, now) {
		s.mu.RUnlock()
		return nil, ErrNotFound
	}
	snap := e.snap
	s.mu.RUnlock()

	return &snap, nil
}

// ListByIdentity returns copies of all live snapshots owned by an identity
func (s *Store) ListByIdentity(ctx context.Context, identity uuid.UUID) []*types.ProgressSnapshot {
	now := time.Now().UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.ProgressSnapshot
	for sessionID := range s.byIdentity[identity] {
		if e, ok := s.entries[sessionID]; ok && !s.expired(e, now) {
			snap := e.snap
			out = append(out, &snap)
		}
	}
	return out
}

// Delete removes a snapshot. Only terminal snapshots may be deleted.
func (s *Store) Delete(ctx context.Context, sessionID uuid.UUID) error {
	now := time.Now().UTC()

	s.mu.Lock()
	e, ok := s.entries[sessionID]
	if !ok || s.expired(e, now) {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !e.snap.IsTerminal() {
		s.mu.Unlock()
		return ErrNotTerminal
	}
	identity := e.snap.Identity
	s.removeLocked(sessionID, identity)
	s.mu.Unlock()

	s.dropFromCache(ctx, sessionID, identity)

	log.Debug().
		Str("session_id", sessionID.String()).
		Msg("Deleted upload progress")
	return nil
}

// SweepExpired removes snapshots past their TTL and returns the count removed
func (s *Store) SweepExpired(ctx context.Context) int {
	now := time.Now().UTC()

	type victim struct {
		sessionID uuid.UUID
		identity  uuid.UUID
	}
	var victims []victim

	s.mu.Lock()
	for sessionID, e := range s.entries {
		if s.expired(e, now) {
			victims = append(victims, victim{sessionID, e.snap.Identity})
			s.removeLocked(sessionID, e.snap.Identity)
		}
	}
	s.mu.Unlock()

	for _, v := range victims {
		s.dropFromCache(ctx, v.sessionID, v.identity)
	}

	if len(victims) > 0 {
		log.Info().Int("count", len(victims)).Msg("Swept expired progress snapshots")
	}
	return len(victims)
}

// Stats returns counters for observability
func (s *Store) Stats() types.ProgressStats {
	now := time.Now().UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := types.ProgressStats{Identities: len(s.byIdentity)}
	for _, e := range s.entries {
		if s.expired(e, now) {
			continue
		}
		stats.TotalSnapshots++
		if e.snap.Status == types.ProgressUploading {
			stats.ActiveUploads++
		}
	}
	return stats
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return now.After(e.expiresAt)
}

// removeLocked deletes the entry and its index membership. Caller holds s.mu.
func (s *Store) removeLocked(sessionID, identity uuid.UUID) {
	delete(s.entries, sessionID)
	if sessions := s.byIdentity[identity]; sessions != nil {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(s.byIdentity, identity)
		}
	}
}

// writeThrough mirrors the snapshot into Redis. Cache failures are
// logged and never fail the operation.
func (s *Store) writeThrough(ctx context.Context, snap *types.ProgressSnapshot, ttl time.Duration) {
	if s.cache == nil {
		return
	}

	key := fmt.Sprintf("%s:%s", cacheKeyPrefix, snap.SessionID)
	if err := s.cache.Set(ctx, key, snap, ttl); err != nil {
		log.Warn().Err(err).Str("session_id", snap.SessionID.String()).Msg("Failed to cache progress snapshot")
		return
	}

	indexKey := fmt.Sprintf("%s:identity:%s", cacheKeyPrefix, snap.Identity)
	if err := s.cache.SetAdd(ctx, indexKey, ttl, snap.SessionID.String()); err != nil {
		log.Warn().Err(err).Str("identity", snap.Identity.String()).Msg("Failed to index progress snapshot")
	}
}

func (s *Store) dropFromCache(ctx context.Context, sessionID, identity uuid.UUID) {
	if s.cache == nil {
		return
	}

	key := fmt.Sprintf("%s:%s", cacheKeyPrefix, sessionID)
	if err := s.cache.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to drop cached progress snapshot")
	}

	indexKey := fmt.Sprintf("%s:identity:%s", cacheKeyPrefix, identity)
	if err := s.cache.SetRemove(ctx, indexKey, sessionID.String()); err != nil {
		log.Warn().Err(err).Str("identity", identity.String()).Msg("Failed to unindex progress snapshot")
	}
}
