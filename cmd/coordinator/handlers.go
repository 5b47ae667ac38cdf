package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/secureai/uploadhub/internal/analysis"
	"github.com/secureai/uploadhub/internal/live"
	"github.com/secureai/uploadhub/internal/progress"
	"github.com/secureai/uploadhub/internal/quota"
	"github.com/secureai/uploadhub/internal/session"
	"github.com/secureai/uploadhub/pkg/config"
	"github.com/secureai/uploadhub/pkg/types"
)

type handlers struct {
	registry    *session.Registry
	ledger      *quota.Ledger
	store       *progress.Store
	tracker     *analysis.Tracker
	manager     *live.Manager
	broadcaster *live.Broadcaster
	cfg         *config.Config
}

func newHandlers(registry *session.Registry, ledger *quota.Ledger, store *progress.Store, tracker *analysis.Tracker, manager *live.Manager, broadcaster *live.Broadcaster, cfg *config.Config) *handlers {
	return &handlers{
		registry:    registry,
		ledger:      ledger,
		store:       store,
		tracker:     tracker,
		manager:     manager,
		broadcaster: broadcaster,
		cfg:         cfg,
	}
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"live":     h.manager.Stats(),
		"progress": h.store.Stats(),
	})
}

// POST /api/v1/uploads/sessions
func (h *handlers) createSession(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req types.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	resp, err := h.registry.Create(c.Request.Context(), identity, &req)
	switch {
	case errors.Is(err, session.ErrInvalidSize),
		errors.Is(err, session.ErrInvalidFormat),
		errors.Is(err, session.ErrFileTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, quota.ErrQuotaExceeded):
		usage, usageErr := h.ledger.Usage(c.Request.Context(), identity)
		if usageErr != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error(), "quota": usage})
		return
	case err != nil:
		log.Error().Err(err).Msg("Failed to create upload session")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to create session"})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// GET /api/v1/uploads/sessions
func (h *handlers) listSessions(c *gin.Context) {
	identity, _ := identityFromContext(c)

	sessions, err := h.registry.ListActive(c.Request.Context(), identity)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list upload sessions")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

// GET /api/v1/uploads/sessions/:id/validate
func (h *handlers) validateSession(c *gin.Context) {
	identity, _ := identityFromContext(c)
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	validation, err := h.registry.Validate(c.Request.Context(), sessionID, identity)
	if err != nil {
		log.Error().Err(err).Msg("Failed to validate upload session")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to validate session"})
		return
	}
	c.JSON(http.StatusOK, validation)
}

// DELETE /api/v1/uploads/sessions/:id
func (h *handlers) cancelSession(c *gin.Context) {
	identity, _ := identityFromContext(c)
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	record, err := h.registry.Get(c.Request.Context(), sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to load session"})
		return
	}
	if record.Identity != identity {
		c.JSON(http.StatusForbidden, gin.H{"error": "session belongs to another identity"})
		return
	}

	cancelled, err := h.registry.Cancel(c.Request.Context(), sessionID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cancel upload session")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to cancel session"})
		return
	}
	c.JSON(http.StatusOK, cancelled)
}

// GET /api/v1/uploads/quota
func (h *handlers) quotaUsage(c *gin.Context) {
	identity, _ := identityFromContext(c)

	usage, err := h.ledger.Usage(c.Request.Context(), identity)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load quota usage")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to load quota"})
		return
	}
	c.JSON(http.StatusOK, usage)
}

// GET /api/v1/uploads/progress
func (h *handlers) listProgress(c *gin.Context) {
	identity, _ := identityFromContext(c)

	snapshots := h.store.ListByIdentity(c.Request.Context(), identity)
	c.JSON(http.StatusOK, gin.H{"uploads": snapshots, "count": len(snapshots)})
}

// GET /api/v1/uploads/:id/progress
func (h *handlers) getProgress(c *gin.Context) {
	identity, _ := identityFromContext(c)
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	snap, err := h.store.Get(c.Request.Context(), sessionID)
	if errors.Is(err, progress.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "progress not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to load progress"})
		return
	}
	if snap.Identity != identity {
		c.JSON(http.StatusForbidden, gin.H{"error": "progress belongs to another identity"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// DELETE /api/v1/uploads/:id/progress
func (h *handlers) deleteProgress(c *gin.Context) {
	identity, _ := identityFromContext(c)
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	snap, err := h.store.Get(c.Request.Context(), sessionID)
	if errors.Is(err, progress.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "progress not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to load progress"})
		return
	}
	if snap.Identity != identity {
		c.JSON(http.StatusForbidden, gin.H{"error": "progress belongs to another identity"})
		return
	}

	if err := h.store.Delete(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, progress.ErrNotTerminal) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "upload is still in progress"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to delete progress"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// progressReport is the worker's progress update payload
type progressReport struct {
	BytesUploaded int64   `json:"bytes_uploaded"`
	Speed         float64 `json:"speed,omitempty"`
}

// POST /internal/v1/progress/:id
func (h *handlers) reportProgress(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	var report progressReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if report.BytesUploaded < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bytes_uploaded must not be negative"})
		return
	}

	snap, err := h.store.Update(c.Request.Context(), sessionID, report.BytesUploaded, report.Speed)
	if errors.Is(err, progress.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "progress not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to update progress"})
		return
	}

	h.broadcaster.Publish(types.NewEvent(types.EventUploadProgress, snap.SessionID, snap.Identity, types.JSONMap{
		"bytes_uploaded": snap.BytesUploaded,
		"bytes_total":    snap.BytesTotal,
		"percentage":     snap.Percentage,
		"speed":          snap.Speed,
	}))
	c.JSON(http.StatusOK, snap)
}

// completeReport is the worker's upload completion payload
type completeReport struct {
	ActualBytes int64         `json:"actual_bytes"`
	Result      types.JSONMap `json:"result,omitempty"`
}

// POST /internal/v1/progress/:id/complete
func (h *handlers) completeUpload(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	var report completeReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if report.ActualBytes < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actual_bytes must not be negative"})
		return
	}

	record, err := h.registry.Complete(c.Request.Context(), sessionID, report.ActualBytes, report.Result)
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to complete upload")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to complete upload"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// failReport is the worker's upload failure payload
type failReport struct {
	ErrorCode string `json:"error_code"`
	Error     string `json:"error"`
}

// POST /internal/v1/progress/:id/fail
func (h *handlers) failUpload(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	var report failReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if report.ErrorCode == "" {
		report.ErrorCode = "upload_failed"
	}

	record, err := h.registry.Fail(c.Request.Context(), sessionID, report.ErrorCode, report.Error)
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to record upload failure")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to record failure"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// GET /api/v1/analysis/:id
func (h *handlers) getAnalysis(c *gin.Context) {
	analysisID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis id"})
		return
	}

	record, err := h.tracker.Get(c.Request.Context(), analysisID)
	if errors.Is(err, analysis.ErrAnalysisNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to load analysis"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// POST /internal/v1/analysis/:id
func (h *handlers) beginAnalysis(c *gin.Context) {
	analysisID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis id"})
		return
	}

	record, err := h.tracker.Begin(c.Request.Context(), analysisID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to begin analysis")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to begin analysis"})
		return
	}
	c.JSON(http.StatusCreated, record)
}

// analysisReport is the worker's analysis status payload
type analysisReport struct {
	Status   types.AnalysisStatus `json:"status"`
	Progress float64              `json:"progress"`
	Stage    string               `json:"stage,omitempty"`
}

// POST /internal/v1/analysis/:id/status
func (h *handlers) updateAnalysis(c *gin.Context) {
	analysisID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis id"})
		return
	}

	var report analysisReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	record, err := h.tracker.Update(c.Request.Context(), analysisID, report.Status, report.Progress, report.Stage)
	if errors.Is(err, analysis.ErrAnalysisNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
		return
	}
	if errors.Is(err, analysis.ErrIllegalTransition) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to update analysis"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// POST /internal/v1/analysis/:id/retry
func (h *handlers) retryAnalysis(c *gin.Context) {
	analysisID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid analysis id"})
		return
	}

	record, err := h.tracker.Retry(c.Request.Context(), analysisID)
	if errors.Is(err, analysis.ErrAnalysisNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
		return
	}
	if errors.Is(err, analysis.ErrRetriesExhausted) || errors.Is(err, analysis.ErrIllegalTransition) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to retry analysis"})
		return
	}
	c.JSON(http.StatusOK, record)
}
