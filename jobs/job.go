// Package jobs runs analysis, extraction and upload work asynchronously with a
// persisted lifecycle (PENDING → PROCESSING → COMPLETED|FAILED), at most one
// in-flight job per resource, retry for transient failures and best-effort
// progress broadcast.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the closed set of job types.
type Kind string

const (
	KindAnalyzeVOD  Kind = "analyze_vod"
	KindExtractClip Kind = "extract_clip"
	KindUploadClip  Kind = "upload_clip"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindAnalyzeVOD, KindExtractClip, KindUploadClip:
		return true
	}
	return false
}

// ParseKind converts a stored string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown job kind %q", s)
	}
	return k, nil
}

// Status is the closed set of lifecycle states.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Active reports whether the job holds its resource key.
func (s Status) Active() bool { return s == StatusPending || s == StatusProcessing }

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

var (
	// ErrResourceBusy rejects an enqueue while another job holds the resource key.
	ErrResourceBusy = errors.New("resource already has an in-flight job")
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned by stores for a forbidden state change.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrUnknownKind is returned when no handler is registered for a kind.
	ErrUnknownKind = errors.New("no handler registered for job kind")
)

// Job is a persisted unit of asynchronous work.
type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Error       string          `json:"error,omitempty"`
	ResourceKey string          `json:"resource_key"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Snapshot is the externally visible state of a job.
type Snapshot struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// Snapshot returns the public view of j.
func (j Job) Snapshot() Snapshot {
	return Snapshot{ID: j.ID, Kind: j.Kind, Status: j.Status, Progress: j.Progress, Error: j.Error}
}

// ClampProgress bounds p to [0,100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
