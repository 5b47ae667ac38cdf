// Package status is the single authority on status transition legality.
// Every status mutation in the session, progress and analysis services
// goes through these tables; nothing else decides what a legal edge is.
package status

import (
	"github.com/secureai/uploadhub/pkg/types"
)

// MaxQueuedProgress is the highest progress percentage a queued analysis
// may report before it must transition to processing.
const MaxQueuedProgress = 5.0

// MaxAnalysisRetries caps how many times a failed analysis can be requeued.
const MaxAnalysisRetries = 10

var sessionTransitions = map[types.SessionStatus][]types.SessionStatus{
	types.SessionActive:    {types.SessionCompleted, types.SessionFailed, types.SessionExpired, types.SessionCancelled},
	types.SessionCompleted: {},
	types.SessionFailed:    {},
	types.SessionExpired:   {},
	types.SessionCancelled: {},
}

var progressTransitions = map[types.ProgressStatus][]types.ProgressStatus{
	types.ProgressUploading: {types.ProgressCompleted, types.ProgressError, types.ProgressCancelled},
	types.ProgressCompleted: {},
	types.ProgressError:     {},
	types.ProgressCancelled: {},
}

var analysisTransitions = map[types.AnalysisStatus][]types.AnalysisStatus{
	types.AnalysisQueued:     {types.AnalysisProcessing, types.AnalysisFailed},
	types.AnalysisProcessing: {types.AnalysisCompleted, types.AnalysisFailed},
	types.AnalysisCompleted:  {},
	types.AnalysisFailed:     {types.AnalysisQueued, types.AnalysisProcessing},
}

// IsValidSessionTransition reports whether an upload session may move from one status to another
func IsValidSessionTransition(from, to types.SessionStatus) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SessionTransitions returns the legal next statuses for a session status
func SessionTransitions(from types.SessionStatus) []types.SessionStatus {
	return sessionTransitions[from]
}

// IsTerminalSession reports whether a session status has no outgoing transitions
func IsTerminalSession(s types.SessionStatus) bool {
	return len(sessionTransitions[s]) == 0
}

// IsValidProgressTransition reports whether a progress snapshot may move from one status to another
func IsValidProgressTransition(from, to types.ProgressStatus) bool {
	for _, next := range progressTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProgressTransitions returns the legal next statuses for a progress status
func ProgressTransitions(from types.ProgressStatus) []types.ProgressStatus {
	return progressTransitions[from]
}

// IsTerminalProgress reports whether a progress status has no outgoing transitions
func IsTerminalProgress(s types.ProgressStatus) bool {
	return len(progressTransitions[s]) == 0
}

// IsValidAnalysisTransition reports whether an analysis may move from one status to another
func IsValidAnalysisTransition(from, to types.AnalysisStatus) bool {
	for _, next := range analysisTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AnalysisTransitions returns the legal next statuses for an analysis status
func AnalysisTransitions(from types.AnalysisStatus) []types.AnalysisStatus {
	return analysisTransitions[from]
}

// IsTerminalAnalysis reports whether an analysis status has no outgoing transitions
func IsTerminalAnalysis(s types.AnalysisStatus) bool {
	return len(analysisTransitions[s]) == 0
}

// CanRetryAnalysis reports whether an analysis in the given status can be requeued
func CanRetryAnalysis(s types.AnalysisStatus) bool {
	return s == types.AnalysisFailed && IsValidAnalysisTransition(s, types.AnalysisQueued)
}
