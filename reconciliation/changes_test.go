package reconciliation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reconciliation-engine/reconciliation"
)

func reading(membership, clubs, distinguished int) reconciliation.Reading {
	return reconciliation.Reading{
		Membership:    membership,
		ClubCount:     clubs,
		Distinguished: reconciliation.DistinguishedCounts{Total: distinguished},
	}
}

// =============================================================================
// DETECTION
// =============================================================================

func TestDetect_MembershipAtThreshold_Significant(t *testing.T) {
	// GIVEN: Membership moved from 1000 to 1010, threshold 1%
	// WHEN: Detecting changes
	// THEN: 1.0% change, flagged significant (>= threshold)

	at := time.Date(2024, time.February, 2, 0, 0, 0, 0, time.UTC)
	th := reconciliation.DefaultConfig().SignificantChangeThresholds

	changes, sig := reconciliation.Detect(reading(1000, 50, 10), reading(1010, 50, 10), th, at)

	assert.True(t, changes.HasChanges)
	assert.Equal(t, []string{reconciliation.FieldMembership}, changes.ChangedFields)
	require.NotNil(t, changes.MembershipChange)
	assert.Equal(t, 1.0, changes.MembershipChange.PercentChange)
	assert.Equal(t, at, changes.Timestamp)
	assert.True(t, sig.Membership)
	assert.True(t, sig.Significant())
	assert.Equal(t, []string{reconciliation.FieldMembership}, sig.Fields())
}

func TestDetect_BelowThreshold_MinorChange(t *testing.T) {
	th := reconciliation.DefaultConfig().SignificantChangeThresholds

	changes, sig := reconciliation.Detect(reading(1000, 50, 10), reading(1009, 50, 10), th, time.Time{})

	assert.True(t, changes.HasChanges)
	assert.InDelta(t, 0.9, changes.MembershipChange.PercentChange, 1e-9)
	assert.False(t, sig.Significant())
	assert.Empty(t, sig.Fields())
}

func TestDetect_JustBelowThreshold_NotSignificant(t *testing.T) {
	// GIVEN: Membership moved from 100000 to 100995 (0.995%), threshold 1%
	// WHEN: Detecting changes
	// THEN: The change is minor; it does not round up to the threshold

	th := reconciliation.DefaultConfig().SignificantChangeThresholds

	changes, sig := reconciliation.Detect(reading(100000, 50, 10), reading(100995, 50, 10), th, time.Time{})

	require.NotNil(t, changes.MembershipChange)
	assert.InDelta(t, 0.995, changes.MembershipChange.PercentChange, 1e-9)
	assert.False(t, sig.Membership)
	assert.False(t, sig.Significant())
}

func TestDetect_DistinguishedJustBelowThreshold_NotSignificant(t *testing.T) {
	th := reconciliation.Thresholds{MembershipPercent: 1, ClubCountAbsolute: 1, DistinguishedPercent: 2}

	// 50000 -> 50999 is 1.998%.
	_, sig := reconciliation.Detect(reading(1000, 50, 50000), reading(1000, 50, 50999), th, time.Time{})
	assert.False(t, sig.Distinguished)

	_, sig = reconciliation.Detect(reading(1000, 50, 50000), reading(1000, 50, 51000), th, time.Time{})
	assert.True(t, sig.Distinguished)
}

func TestDetect_NoChange(t *testing.T) {
	changes := reconciliation.DetectChanges(reading(1000, 50, 10), reading(1000, 50, 10), time.Time{})

	assert.False(t, changes.HasChanges)
	assert.NotNil(t, changes.ChangedFields)
	assert.Empty(t, changes.ChangedFields)
	assert.Nil(t, changes.MembershipChange)
	assert.Nil(t, changes.ClubCountChange)
	assert.Nil(t, changes.DistinguishedChange)
}

func TestDetect_DistinguishedComparedByTotal(t *testing.T) {
	// GIVEN: Tiers reshuffled but the total is unchanged
	// THEN: No distinguished change is reported

	prev := reconciliation.Reading{Distinguished: reconciliation.DistinguishedCounts{Select: 2, Distinguished: 3, President: 1, Total: 6}}
	cur := reconciliation.Reading{Distinguished: reconciliation.DistinguishedCounts{Select: 1, Distinguished: 4, President: 1, Total: 6}}

	changes := reconciliation.DetectChanges(prev, cur, time.Time{})
	assert.False(t, changes.HasChanges)

	cur.Distinguished.Total = 7
	changes = reconciliation.DetectChanges(prev, cur, time.Time{})
	require.NotNil(t, changes.DistinguishedChange)
	assert.InDelta(t, 100.0/6, changes.DistinguishedChange.PercentChange, 1e-9)
	assert.Equal(t, prev.Distinguished, changes.DistinguishedChange.Previous)
	assert.Equal(t, cur.Distinguished, changes.DistinguishedChange.Current)
}

func TestDetect_ClubCountAbsolute(t *testing.T) {
	th := reconciliation.Thresholds{MembershipPercent: 1, ClubCountAbsolute: 2, DistinguishedPercent: 2}

	changes, sig := reconciliation.Detect(reading(1000, 50, 10), reading(1000, 49, 10), th, time.Time{})
	require.NotNil(t, changes.ClubCountChange)
	assert.Equal(t, -1, changes.ClubCountChange.AbsoluteChange)
	assert.False(t, sig.ClubCount)

	_, sig = reconciliation.Detect(reading(1000, 50, 10), reading(1000, 48, 10), th, time.Time{})
	assert.True(t, sig.ClubCount, "a drop counts by magnitude")
}

func TestDetect_NegativeMembershipChange_Significant(t *testing.T) {
	th := reconciliation.DefaultConfig().SignificantChangeThresholds

	changes, sig := reconciliation.Detect(reading(1000, 50, 10), reading(985, 50, 10), th, time.Time{})

	assert.Equal(t, -1.5, changes.MembershipChange.PercentChange)
	assert.True(t, sig.Membership)
}

func TestDetect_Invariants(t *testing.T) {
	// For every pair: hasChanges <=> changedFields non-empty, and every
	// reported sub-change has previous != current.
	readings := []reconciliation.Reading{
		reading(0, 0, 0),
		reading(1000, 50, 10),
		reading(1010, 50, 10),
		reading(1010, 51, 10),
		reading(1010, 51, 12),
		reading(990, 49, 9),
	}

	for _, prev := range readings {
		for _, cur := range readings {
			c := reconciliation.DetectChanges(prev, cur, time.Time{})

			assert.Equal(t, c.HasChanges, len(c.ChangedFields) > 0)
			if c.MembershipChange != nil {
				assert.NotEqual(t, c.MembershipChange.Previous, c.MembershipChange.Current)
			}
			if c.ClubCountChange != nil {
				assert.NotEqual(t, c.ClubCountChange.Previous, c.ClubCountChange.Current)
			}
			if c.DistinguishedChange != nil {
				assert.NotEqual(t, c.DistinguishedChange.Previous.Total, c.DistinguishedChange.Current.Total)
			}
		}
	}
}

// =============================================================================
// PERCENT CHANGE
// =============================================================================

func TestPercentChange(t *testing.T) {
	tests := []struct {
		name      string
		prev, cur int
		want      float64
	}{
		{"no baseline", 0, 500, 0},
		{"one percent up", 1000, 1010, 1},
		{"one third up", 3, 4, 100.0 / 3},
		{"one third down", 3, 2, -100.0 / 3},
		{"halved", 200, 100, -50},
		{"unchanged", 42, 42, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, reconciliation.PercentChange(tt.prev, tt.cur), 1e-9)
		})
	}
}

func TestDetect_ZeroBaseline_ZeroPercent(t *testing.T) {
	th := reconciliation.DefaultConfig().SignificantChangeThresholds

	changes, sig := reconciliation.Detect(reading(0, 0, 0), reading(800, 0, 0), th, time.Time{})

	require.NotNil(t, changes.MembershipChange)
	assert.Equal(t, 0.0, changes.MembershipChange.PercentChange)
	assert.False(t, sig.Membership)
}
