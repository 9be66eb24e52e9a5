// Package models defines the job record, generation parameters, and the
// closed set of lifecycle states shared by every other package.
package models

import (
	"encoding/json"
	"time"
)

// Status is the state-machine cursor of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ErrorKind classifies why a job ended in StatusFailed or StatusCancelled.
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindValidation      ErrorKind = "validation"
	ErrorKindGenerator       ErrorKind = "generator"
	ErrorKindOOM             ErrorKind = "oom"
	ErrorKindTimeout         ErrorKind = "timeout"
	ErrorKindLost            ErrorKind = "lost"
	ErrorKindCancelled       ErrorKind = "cancelled"
	ErrorKindStoreUnavailable ErrorKind = "store_unavailable"
)

// CurrentSchemaVersion is bumped whenever a field is added, removed, or
// changes meaning. Readers tolerate older and newer minor additions via
// Extra. The stores persist this value but do not check it on write or
// on Get.
const CurrentSchemaVersion = 1

// Job is the durable record a generation request lives as.
type Job struct {
	ID              string          `json:"id"`
	Status          Status          `json:"status"`
	Params          GenerationParams `json:"params"`
	Progress        *float64        `json:"progress,omitempty"`
	SubmittedAt     time.Time       `json:"submitted_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ReplicaID       string          `json:"replica_id,omitempty"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty"`
	ArtifactPath    string          `json:"artifact_path,omitempty"`
	ErrorKind       ErrorKind       `json:"error_kind,omitempty"`
	ErrorDetail     string          `json:"error_detail,omitempty"`
	Priority        int             `json:"priority"`
	CancelRequested bool            `json:"cancel_requested"`
	RetryCount      int             `json:"retry_count"`
	SchemaVersion   int             `json:"schema_version"`

	// Extra preserves fields this binary doesn't recognize so a rolling
	// upgrade never loses data written by a newer or older replica.
	Extra map[string]json.RawMessage `json:"-"`
}

// Clone returns a deep-enough copy for safe concurrent reads: every
// pointer field is copied rather than aliased.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	if j.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(j.Extra))
		for k, v := range j.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// CheckInvariants validates the per-status field predicates that must
// hold at every quiescent observation. It is used by tests; it is
// deliberately not called on every store write since intermediate CAS
// steps momentarily violate it.
func (j *Job) CheckInvariants() []string {
	var problems []string
	switch j.Status {
	case StatusPending:
		if j.ReplicaID != "" {
			problems = append(problems, "pending job has replica_id set")
		}
		if j.StartedAt != nil {
			problems = append(problems, "pending job has started_at set")
		}
		if j.ArtifactPath != "" {
			problems = append(problems, "pending job has artifact_path set")
		}
	case StatusProcessing:
		if j.ReplicaID == "" {
			problems = append(problems, "processing job missing replica_id")
		}
		if j.StartedAt == nil {
			problems = append(problems, "processing job missing started_at")
		}
		if j.LeaseExpiresAt == nil {
			problems = append(problems, "processing job missing lease_expires_at")
		}
	case StatusCompleted, StatusFailed, StatusCancelled:
		if j.CompletedAt == nil {
			problems = append(problems, "terminal job missing completed_at")
		}
		if j.LeaseExpiresAt != nil {
			problems = append(problems, "terminal job still has lease_expires_at")
		}
		if j.ReplicaID != "" {
			problems = append(problems, "terminal job still has replica_id")
		}
		if j.Status == StatusCompleted && j.ArtifactPath == "" {
			problems = append(problems, "completed job missing artifact_path")
		}
	}
	return problems
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
