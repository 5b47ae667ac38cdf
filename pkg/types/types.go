package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONMap is a custom type that can handle JSON serialization for both PostgreSQL and SQLite.
// It carries the opaque dashboard context blob: stored and returned verbatim, never interpreted.
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface for GORM
func (j JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface for GORM
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", value)
	}

	return json.Unmarshal(bytes, j)
}

// SessionStatus is the lifecycle status of an upload session
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionExpired   SessionStatus = "expired"
	SessionCancelled SessionStatus = "cancelled"
)

// ProgressStatus is the status of an in-flight upload's progress snapshot
type ProgressStatus string

const (
	ProgressUploading ProgressStatus = "uploading"
	ProgressCompleted ProgressStatus = "completed"
	ProgressError     ProgressStatus = "error"
	ProgressCancelled ProgressStatus = "cancelled"
)

// AnalysisStatus is the status of a video analysis job
type AnalysisStatus string

const (
	AnalysisQueued     AnalysisStatus = "queued"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
)

// QuotaAccount tracks per-identity byte quota.
// RemainingBytes is decremented by pending reservations, so
// UsedBytes + RemainingBytes + sum(outstanding reservations) == LimitBytes,
// and UsedBytes + RemainingBytes == LimitBytes once all reservations settle.
type QuotaAccount struct {
	Identity       uuid.UUID `json:"identity" gorm:"primaryKey"`
	LimitBytes     int64     `json:"limit_bytes" gorm:"not null"`
	UsedBytes      int64     `json:"used_bytes" gorm:"not null;default:0"`
	RemainingBytes int64     `json:"remaining_bytes" gorm:"not null"`
	ResetAt        time.Time `json:"reset_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// QuotaReservation is a pending byte reservation held by an upload session.
// Settlement (commit or release) deletes the row, which makes both idempotent.
type QuotaReservation struct {
	SessionID uuid.UUID `json:"session_id" gorm:"primaryKey"`
	Identity  uuid.UUID `json:"identity" gorm:"not null;index"`
	Bytes     int64     `json:"bytes" gorm:"not null"`
	CreatedAt time.Time `json:"created_at"`
}

// UploadSession is one upload attempt: a quota reservation plus metadata with an expiry horizon
type UploadSession struct {
	ID            uuid.UUID     `json:"session_id" gorm:"primaryKey"`
	Identity      uuid.UUID     `json:"identity" gorm:"not null;index"`
	Status        SessionStatus `json:"status" gorm:"not null;index"`
	ExpectedBytes int64         `json:"expected_bytes"`
	ReservedBytes int64         `json:"reserved_bytes"`
	ActualBytes   int64         `json:"actual_bytes"`
	Format        string        `json:"format,omitempty"`
	Context       JSONMap       `json:"context" gorm:"serializer:json"`
	UploadTarget  string        `json:"upload_target"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at" gorm:"index"`
	FinalizedAt   *time.Time    `json:"finalized_at,omitempty"`
}

// BeforeCreate generates a UUID for the session ID
func (s *UploadSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// IsTerminal reports whether the session has been finalized
func (s *UploadSession) IsTerminal() bool {
	return s.Status != SessionActive
}

// ProgressSnapshot is the ephemeral progress record for an upload session.
// Percentage is always derived server-side from the byte counters.
type ProgressSnapshot struct {
	SessionID     uuid.UUID      `json:"session_id"`
	Identity      uuid.UUID      `json:"identity"`
	Status        ProgressStatus `json:"status"`
	BytesUploaded int64          `json:"bytes_uploaded"`
	BytesTotal    int64          `json:"bytes_total"`
	Percentage    float64        `json:"percentage"`
	Speed         float64        `json:"speed"`
	StartedAt     time.Time      `json:"started_at"`
	LastUpdateAt  time.Time      `json:"last_update_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`

	// Terminal payload, present only once the snapshot reaches a terminal status
	Result       JSONMap `json:"result,omitempty"`
	ErrorCode    string  `json:"error_code,omitempty"`
	ErrorMessage string  `json:"error_message,omitempty"`
}

// IsTerminal reports whether the snapshot accepts no further updates
func (p *ProgressSnapshot) IsTerminal() bool {
	return p.Status != ProgressUploading
}

// StageEntry is one entry in an analysis stage history
type StageEntry struct {
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// AnalysisStatusRecord tracks a video analysis job through its stages
type AnalysisStatusRecord struct {
	ID                 uuid.UUID      `json:"analysis_id" gorm:"primaryKey"`
	Status             AnalysisStatus `json:"status" gorm:"not null;index"`
	ProgressPercentage float64        `json:"progress_percentage"`
	CurrentStage       string         `json:"current_stage"`
	RetryCount         int            `json:"retry_count"`
	StageHistory       []StageEntry   `json:"stage_history" gorm:"serializer:json"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// CreateSessionRequest initiates an upload session
type CreateSessionRequest struct {
	ExpectedBytes int64   `json:"expected_bytes"`
	Format        string  `json:"format,omitempty"`
	Context       JSONMap `json:"context,omitempty"`
}

// CreateSessionResponse returns the admitted session and its upload target
type CreateSessionResponse struct {
	SessionID      uuid.UUID `json:"session_id"`
	UploadTarget   string    `json:"upload_target"`
	MaxBytes       int64     `json:"max_bytes"`
	AllowedFormats []string  `json:"allowed_formats"`
	QuotaRemaining int64     `json:"quota_remaining"`
	QuotaLimit     int64     `json:"quota_limit"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// SessionValidation is the result of checking a session against an identity
type SessionValidation struct {
	Valid  bool           `json:"is_valid"`
	Owner  bool           `json:"is_owner"`
	Record *UploadSession `json:"record,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// QuotaUsage is the detailed quota report for an identity
type QuotaUsage struct {
	Identity          uuid.UUID `json:"identity"`
	QuotaLimit        int64     `json:"quota_limit"`
	QuotaUsed         int64     `json:"quota_used"`
	QuotaRemaining    int64     `json:"quota_remaining"`
	QuotaLimitGB      float64   `json:"quota_limit_gb"`
	QuotaUsedGB       float64   `json:"quota_used_gb"`
	QuotaRemainingGB  float64   `json:"quota_remaining_gb"`
	UsagePercentage   float64   `json:"usage_percentage"`
	ResetAt           time.Time `json:"reset_at"`
}

// Event types delivered over the live notification channel
const (
	EventConnectionEstablished = "connection_established"
	EventUploadProgress        = "upload_progress"
	EventUploadComplete        = "upload_complete"
	EventUploadError           = "upload_error"
	EventUploadCancelled       = "upload_cancelled"
	EventPong                  = "pong"
	EventStats                 = "stats"
	EventError                 = "error"
)

// Event is the envelope broadcast to subscribed live connections
type Event struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"session_id,omitempty"`
	Identity  uuid.UUID `json:"identity,omitempty"`
	Data      JSONMap   `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent builds an event envelope with the current timestamp
func NewEvent(eventType string, sessionID, identity uuid.UUID, data JSONMap) *Event {
	return &Event{
		Type:      eventType,
		SessionID: sessionID,
		Identity:  identity,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ClientMessage is a client-to-server frame on the live notification channel
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
}

// LiveStats reports connection manager counters
type LiveStats struct {
	TotalConnections int `json:"total_connections"`
	Identities       int `json:"identities"`
	Subscriptions    int `json:"subscriptions"`
}

// ProgressStats reports progress store counters
type ProgressStats struct {
	TotalSnapshots int `json:"total_snapshots"`
	ActiveUploads  int `json:"active_uploads"`
	Identities     int `json:"identities"`
}
