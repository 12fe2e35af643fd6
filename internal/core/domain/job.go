package domain

import (
	"fmt"
	"strings"
	"time"
)

// SyncStatus is the lifecycle state of a document sync job.
type SyncStatus string

const (
	StatusNew      SyncStatus = "NEW"
	StatusSplitOK  SyncStatus = "SPLIT_OK"
	StatusEmbedOK  SyncStatus = "EMBED_OK"
	StatusSynced   SyncStatus = "SYNCED"
	StatusFailed   SyncStatus = "FAILED"
	StatusRetrying SyncStatus = "RETRYING"
	StatusDead     SyncStatus = "DEAD"
)

// transitions is the only source of truth for legal status changes.
// SYNCED->FAILED covers post-sync integrity demotion; DEAD->RETRYING is
// manual recovery only.
var transitions = map[SyncStatus][]SyncStatus{
	StatusNew:      {StatusSplitOK, StatusFailed, StatusDead},
	StatusSplitOK:  {StatusEmbedOK, StatusFailed, StatusDead},
	StatusEmbedOK:  {StatusSynced, StatusFailed, StatusDead},
	StatusFailed:   {StatusRetrying, StatusDead},
	StatusRetrying: {StatusSplitOK, StatusEmbedOK, StatusFailed, StatusDead},
	StatusSynced:   {StatusFailed},
	StatusDead:     {StatusRetrying},
}

// AllowedTargets returns the statuses reachable from s.
func (s SyncStatus) AllowedTargets() []SyncStatus {
	targets := transitions[s]
	out := make([]SyncStatus, len(targets))
	copy(out, targets)
	return out
}

// CanTransitionTo reports whether s -> to is a legal transition.
func (s SyncStatus) CanTransitionTo(to SyncStatus) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether callers should treat s as final.
func (s SyncStatus) Terminal() bool {
	return s == StatusSynced || s == StatusDead
}

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	if s == StatusNew {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// InvalidTransitionError is returned when a status change is not in the
// transition table. It always lists the legal targets.
type InvalidTransitionError struct {
	From    SyncStatus
	To      SyncStatus
	Allowed []SyncStatus
}

func (e *InvalidTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}
	return fmt.Sprintf("invalid sync transition %s -> %s (allowed from %s: %s)",
		e.From, e.To, e.From, strings.Join(allowed, ", "))
}

// SyncJob tracks one document's progress through split -> embed -> upsert.
// Mutated exclusively by the state machine.
type SyncJob struct {
	ID                string     `json:"id" db:"id"`
	DocID             string     `json:"doc_id" db:"doc_id"`
	Status            SyncStatus `json:"status" db:"status"`
	Retries           int        `json:"retries" db:"retries"`
	LastAttemptAt     *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	Error             string     `json:"error,omitempty" db:"error"`
	ErrorCategory     string     `json:"error_category,omitempty" db:"error_category"`
	LastRetryStrategy string     `json:"last_retry_strategy,omitempty" db:"last_retry_strategy"`
	Progress          int        `json:"progress" db:"progress"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt         *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	DurationMs        *int64     `json:"duration_ms,omitempty" db:"duration_ms"`
}
