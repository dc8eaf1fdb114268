package model

import "time"

// DispatchStatus is the lifecycle state of one service for one request.
type DispatchStatus string

const (
	DispatchQueued          DispatchStatus = "queued"
	DispatchInProgress      DispatchStatus = "in_progress"
	DispatchSuccessful      DispatchStatus = "successful"
	DispatchFailedTemporary DispatchStatus = "failed_temporary"
	DispatchFailedFatal     DispatchStatus = "failed_fatal"
)

// Valid reports whether s is one of the known statuses.
func (s DispatchStatus) Valid() bool {
	switch s {
	case DispatchQueued, DispatchInProgress, DispatchSuccessful,
		DispatchFailedTemporary, DispatchFailedFatal:
		return true
	}
	return false
}

// Terminal reports whether no further status change is expected.
func (s DispatchStatus) Terminal() bool {
	return s == DispatchSuccessful || s == DispatchFailedFatal
}

// Active reports whether the service is queued or running.
func (s DispatchStatus) Active() bool {
	return s == DispatchQueued || s == DispatchInProgress
}

// Failed reports whether the service ended in either failure state.
func (s DispatchStatus) Failed() bool {
	return s == DispatchFailedTemporary || s == DispatchFailedFatal
}

// DispatchRecord is the status of exactly one (request, service) pair.
type DispatchRecord struct {
	ID        string         `json:"id"`
	RequestID string         `json:"request_id"`
	ServiceID string         `json:"service_id"`
	Status    DispatchStatus `json:"status"`
	Detail    string         `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
