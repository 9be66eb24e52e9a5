// Package store implements the shared job store: a durable,
// linearizable-per-id mapping of job id to job record, with the
// compare-and-set primitive the whole lifecycle state machine depends on.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/psantana5/videoforge/internal/models"
)

var (
	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("store: job already exists")
	// ErrNotFound is returned by Get/Patch when the id is unknown.
	ErrNotFound = errors.New("store: job not found")
	// ErrConflict is returned by Patch when expectedStatus doesn't match
	// the current record — the CAS lost.
	ErrConflict = errors.New("store: status conflict")
	// ErrUnavailable wraps any underlying transport failure, surfaced
	// as HTTP 503 by the API.
	ErrUnavailable = errors.New("store: unavailable")
)

// ListFilter narrows List to jobs with a matching status. A zero value
// (empty string) matches every status.
type ListFilter struct {
	Status models.Status
}

// Page is one page of a stable listing, ordered submitted_at desc, id asc.
type Page struct {
	Jobs       []*models.Job
	Total      int
	Page       int
	TotalPages int
}

// PatchFields is the set of mutable fields a CAS write may update. Only
// non-nil / explicitly-set fields are applied; ClearX flags null out an
// optional field (e.g. returning replica_id to "" on a rollback).
type PatchFields struct {
	Status          *models.Status
	Progress        *float64
	ReplicaID       *string
	ClearReplicaID  bool
	StartedAt       *time.Time
	ClearStartedAt  bool
	CompletedAt     *time.Time
	LeaseExpiresAt  *time.Time
	ClearLease      bool
	ArtifactPath    *string
	ErrorKind       *models.ErrorKind
	ErrorDetail     *string
	CancelRequested *bool
	RetryCount      *int
}

// Store is the persistence contract every backend implements.
type Store interface {
	// Create persists a brand new record; first-write wins on ID.
	Create(ctx context.Context, job *models.Job) error
	// Get returns the current record for id.
	Get(ctx context.Context, id string) (*models.Job, error)
	// Patch atomically applies fields iff the record's current status
	// equals expectedStatus.
	Patch(ctx context.Context, id string, expectedStatus models.Status, fields PatchFields) (*models.Job, error)
	// List returns a stable page of jobs matching filter.
	List(ctx context.Context, filter ListFilter, page, pageSize int) (Page, error)
	// DeleteTerminalOlderThan removes terminal records whose
	// completed_at predates cutoff (retention sweep).
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Submission queue operations. They are exposed on the same
	// interface because the Redis implementation keeps the queue and
	// the job hashes consistent in the same keyspace.
	Enqueue(ctx context.Context, id string, priority int, submittedAt time.Time) error
	TryClaim(ctx context.Context) (string, error)
	Requeue(ctx context.Context, id string, priority int, submittedAt time.Time) error
	RemoveFromQueue(ctx context.Context, id string) error
	QueueLength(ctx context.Context) (int, error)

	// HealthCheck reports whether the store can currently be reached.
	HealthCheck(ctx context.Context) error
	// Close releases underlying connections.
	Close() error
}
