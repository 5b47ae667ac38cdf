// Package analysis tracks video analysis jobs through their stages.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/secureai/uploadhub/internal/common"
	"github.com/secureai/uploadhub/internal/status"
	"github.com/secureai/uploadhub/pkg/types"
)

var (
	// ErrAnalysisNotFound is returned when no record exists for an id
	ErrAnalysisNotFound = errors.New("analysis not found")
	// ErrIllegalTransition is returned when a status change violates the transition table
	ErrIllegalTransition = errors.New("illegal analysis transition")
	// ErrRetriesExhausted is returned when a failed analysis has no retries left
	ErrRetriesExhausted = errors.New("analysis retries exhausted")
)

// Tracker persists analysis status records and enforces lifecycle rules
type Tracker struct {
	db *common.Database
}

// NewTracker creates an analysis tracker
func NewTracker(db *common.Database) *Tracker {
	return &Tracker{db: db}
}

// Begin creates a queued analysis record. Beginning an id that already
// has a record returns the existing record unchanged.
func (t *Tracker) Begin(ctx context.Context, id uuid.UUID) (*types.AnalysisStatusRecord, error) {
	existing, err := t.Get(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrAnalysisNotFound) {
		return nil, err
	}

	record := &types.AnalysisStatusRecord{
		ID:           id,
		Status:       types.AnalysisQueued,
		CurrentStage: "queued",
		StageHistory: []types.StageEntry{{
			Stage:     "queued",
			Status:    string(types.AnalysisQueued),
			Timestamp: time.Now().UTC(),
		}},
	}
	if err := t.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to create analysis record: %w", err)
	}

	log.Info().Str("analysis_id", id.String()).Msg("Queued analysis")
	return record, nil
}

// Get returns the record for an analysis id
func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (*types.AnalysisStatusRecord, error) {
	var record types.AnalysisStatusRecord
	err := t.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAnalysisNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis record: %w", err)
	}
	return &record, nil
}

// Update applies a status report from a worker. A report may keep the
// current status and only advance progress or stage; a status change is
// checked against the transition table. Queued analyses may report only
// trivial progress; anything beyond that must move to processing first.
func (t *Tracker) Update(ctx context.Context, id uuid.UUID, to types.AnalysisStatus, progressPct float64, stage string) (*types.AnalysisStatusRecord, error) {
	record, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if to != record.Status && !status.IsValidAnalysisTransition(record.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, record.Status, to)
	}
	if to == types.AnalysisQueued && progressPct > status.MaxQueuedProgress {
		return nil, fmt.Errorf("%w: queued analysis cannot report %.1f%% progress", ErrIllegalTransition, progressPct)
	}

	if progressPct < 0 {
		progressPct = 0
	} else if progressPct > 100 {
		progressPct = 100
	}

	record.Status = to
	record.ProgressPercentage = progressPct
	if stage != "" && stage != record.CurrentStage {
		record.CurrentStage = stage
		record.StageHistory = append(record.StageHistory, types.StageEntry{
			Stage:     stage,
			Status:    string(to),
			Timestamp: time.Now().UTC(),
		})
	}

	if err := t.db.WithContext(ctx).Save(record).Error; err != nil {
		return nil, fmt.Errorf("failed to update analysis record: %w", err)
	}

	log.Debug().
		Str("analysis_id", id.String()).
		Str("status", string(to)).
		Float64("progress", progressPct).
		Str("stage", record.CurrentStage).
		Msg("Updated analysis status")
	return record, nil
}

// Complete marks the analysis finished
func (t *Tracker) Complete(ctx context.Context, id uuid.UUID) (*types.AnalysisStatusRecord, error) {
	return t.Update(ctx, id, types.AnalysisCompleted, 100, "completed")
}

// Fail marks the analysis failed at its current stage
func (t *Tracker) Fail(ctx context.Context, id uuid.UUID, stage string) (*types.AnalysisStatusRecord, error) {
	if stage == "" {
		stage = "failed"
	}
	return t.Update(ctx, id, types.AnalysisFailed, 0, stage)
}

// Retry requeues a failed analysis. The retry counter is capped; once
// exhausted the analysis stays failed.
func (t *Tracker) Retry(ctx context.Context, id uuid.UUID) (*types.AnalysisStatusRecord, error) {
	record, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !status.CanRetryAnalysis(record.Status) {
		return nil, fmt.Errorf("%w: cannot retry %s analysis", ErrIllegalTransition, record.Status)
	}
	if record.RetryCount >= status.MaxAnalysisRetries {
		return nil, fmt.Errorf("%w: %d attempts", ErrRetriesExhausted, record.RetryCount)
	}

	record.Status = types.AnalysisQueued
	record.ProgressPercentage = 0
	record.RetryCount++
	record.CurrentStage = "queued"
	record.StageHistory = append(record.StageHistory, types.StageEntry{
		Stage:     "queued",
		Status:    string(types.AnalysisQueued),
		Timestamp: time.Now().UTC(),
	})

	if err := t.db.WithContext(ctx).Save(record).Error; err != nil {
		return nil, fmt.Errorf("failed to requeue analysis: %w", err)
	}

	log.Info().
		Str("analysis_id", id.String()).
		Int("retry_count", record.RetryCount).
		Msg("Requeued failed analysis")
	return record, nil
}

// ListByStatus returns all records in a given status
func (t *Tracker) ListByStatus(ctx context.Context, s types.AnalysisStatus) ([]*types.AnalysisStatusRecord, error) {
	var records []*types.AnalysisStatusRecord
	err := t.db.WithContext(ctx).
		Where("status = ?", s).
		Order("updated_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis records: %w", err)
	}
	return records, nil
}
