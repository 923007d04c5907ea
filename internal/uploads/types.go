package uploads

import (
	"context"
	"errors"
	"slices"
	"time"

	"scormsync/internal/services/contenthost"
	"scormsync/internal/store"
)

// State is the lifecycle position of a submission.
type State string

const (
	StateQueued            State = "queued"
	StateRegistering       State = "registering"
	StateRetrying          State = "retrying"
	StateRegistered        State = "registered"
	StatePermanentlyFailed State = "permanently_failed"
)

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateRegistered || s == StatePermanentlyFailed
}

// ErrNotOwner is returned when another process holds the worker lock.
var ErrNotOwner = errors.New("upload worker is owned by another process")

// Registrar is the remote Package Registration Service.
type Registrar interface {
	Register(ctx context.Context, filePath, courseID, title string) (contenthost.Course, error)
	DeleteCourse(ctx context.Context, remoteID string) (bool, error)
}

// Catalog records content packages after a successful registration.
type Catalog interface {
	CreatePackage(ctx context.Context, pkg store.ContentPackage) (store.ContentPackage, error)
}

// Stager is the slice of the staging store the coordinator drives.
type Stager interface {
	MarkQueued(path string)
	MarkFailed(path string)
	Release(path string)
}

// Metadata accompanies an upload at enqueue time.
type Metadata struct {
	Title       string `json:"title"`
	SubmittedBy string `json:"submitted_by,omitempty"`
}

// Transition is one entry of a submission's state history.
type Transition struct {
	State   State     `json:"state"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// Submission is a queued package and everything known about its progress.
type Submission struct {
	ID               string       `json:"id"`
	CourseID         string       `json:"course_id"`
	Title            string       `json:"title"`
	OriginalFilename string       `json:"original_filename"`
	TempPath         string       `json:"temp_path"`
	SizeBytes        int64        `json:"size_bytes"`
	SubmittedBy      string       `json:"submitted_by,omitempty"`
	State            State        `json:"state"`
	AttemptCount     int          `json:"attempt_count"`
	MaxRetries       int          `json:"max_retries"`
	EnqueuedAt       time.Time    `json:"enqueued_at"`
	LastAttemptAt    time.Time    `json:"last_attempt_at,omitzero"`
	NextAttemptAt    time.Time    `json:"next_attempt_at,omitzero"`
	LastError        string       `json:"last_error,omitempty"`
	RemoteID         string       `json:"remote_id,omitempty"`
	EntryURL         string       `json:"entry_url,omitempty"`
	PackageID        int64        `json:"package_id,omitempty"`
	History          []Transition `json:"history"`
}

// Processing reports whether the initiator should still see the upload as
// in progress. Transient failures stay in this state until retries exhaust.
func (s Submission) Processing() bool {
	return !s.State.Terminal()
}

func (s Submission) clone() Submission {
	out := s
	out.History = slices.Clone(s.History)
	return out
}

// Status is an operational snapshot of the coordinator.
type Status struct {
	WorkerRunning  bool      `json:"worker_running"`
	WorkerAlive    bool      `json:"worker_alive"`
	QueueSize      int       `json:"queue_size"`
	RetryQueueSize int       `json:"retry_queue_size"`
	InFlight       string    `json:"in_flight,omitempty"`
	LastHeartbeat  time.Time `json:"last_heartbeat,omitzero"`
	Registered     int       `json:"registered"`
	Failed         int       `json:"failed"`
	LockHeld       bool      `json:"lock_held"`
}

// RestartResult reports what a forced restart did.
type RestartResult struct {
	// Joined is false when the previous worker did not exit within the join
	// timeout and was abandoned.
	Joined  bool `json:"joined"`
	Started bool `json:"started"`
}
