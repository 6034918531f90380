package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reconciliation-engine/reconciliation"
)

func TestSaveTimeline_StampsGivenTime(t *testing.T) {
	// GIVEN: A job and a timestamp far from the wall clock
	store, err := New(":memory:")
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	at := time.Date(2024, time.February, 3, 10, 30, 0, 0, time.UTC)
	job := reconciliation.Job{
		ID:            "job-1",
		DistrictID:    "42",
		TargetMonth:   "2024-01",
		Status:        reconciliation.StatusActive,
		StartDate:     at,
		MaxEndDate:    at.AddDate(0, 0, 15),
		NextCheckDate: at,
		Config:        reconciliation.DefaultConfig(),
	}
	require.NoError(t, store.CreateJob(ctx, job))

	// WHEN: Saving the timeline directly and inside a transaction
	require.NoError(t, store.SaveTimeline(ctx, reconciliation.Timeline{JobID: "job-1"}, at))

	// THEN: updated_at is the given time, not now
	assert.Equal(t, "2024-02-03T10:30:00Z", timelineUpdatedAt(t, store, "job-1"))

	later := at.Add(26 * time.Hour)
	require.NoError(t, store.WithTx(ctx, func(tx reconciliation.JobStore) error {
		return tx.SaveTimeline(ctx, reconciliation.Timeline{JobID: "job-1"}, later)
	}))
	assert.Equal(t, "2024-02-04T12:30:00Z", timelineUpdatedAt(t, store, "job-1"))
}

func timelineUpdatedAt(t *testing.T, s *Store, id string) string {
	t.Helper()
	var updatedAt string
	err := s.db.QueryRow(`SELECT updated_at FROM reconciliation_timelines WHERE job_id = ?`, id).Scan(&updatedAt)
	require.NoError(t, err)
	return updatedAt
}
