package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckInvariants_Pending(t *testing.T) {
	j := &Job{Status: StatusPending}
	assert.Empty(t, j.CheckInvariants())

	replica := "r1"
	j.ReplicaID = replica
	assert.NotEmpty(t, j.CheckInvariants())
}

func TestCheckInvariants_Processing(t *testing.T) {
	now := time.Now()
	lease := now.Add(time.Minute)
	j := &Job{
		Status:         StatusProcessing,
		ReplicaID:      "r1",
		StartedAt:      &now,
		LeaseExpiresAt: &lease,
	}
	assert.Empty(t, j.CheckInvariants())

	j2 := &Job{Status: StatusProcessing}
	problems := j2.CheckInvariants()
	assert.Len(t, problems, 3)
}

func TestCheckInvariants_Terminal(t *testing.T) {
	now := time.Now()
	j := &Job{
		Status:       StatusCompleted,
		CompletedAt:  &now,
		ArtifactPath: "/out/x.mp4",
	}
	assert.Empty(t, j.CheckInvariants())

	j2 := &Job{Status: StatusCompleted, CompletedAt: &now}
	assert.Contains(t, j2.CheckInvariants(), "completed job missing artifact_path")

	j3 := &Job{Status: StatusFailed}
	assert.Contains(t, j3.CheckInvariants(), "terminal job missing completed_at")
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
}

func TestClone_DeepCopiesPointers(t *testing.T) {
	p := 0.5
	now := time.Now()
	j := &Job{
		ID:             "job-1",
		Progress:       &p,
		StartedAt:      &now,
		LeaseExpiresAt: &now,
		Extra:          map[string]json.RawMessage{"x": json.RawMessage(`1`)},
	}

	c := j.Clone()
	require.NotNil(t, c)
	*c.Progress = 0.9
	assert.Equal(t, 0.5, *j.Progress, "mutating the clone must not affect the original")

	c.Extra["x"] = json.RawMessage(`2`)
	assert.Equal(t, json.RawMessage(`1`), j.Extra["x"])
}

func TestClone_Nil(t *testing.T) {
	var j *Job
	assert.Nil(t, j.Clone())
}
