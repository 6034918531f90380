/*
changes.go - Change detection between two readings

PURPOSE:
  Compares two successive readings and reports what moved. The significance
  verdict is a separate step so the same DataChanges can be judged against
  different thresholds.

PERCENT CHANGE:
  (current - previous) / previous * 100, unrounded. Significance is judged
  on the exact decimal value; rounding is a presentation concern.
  When previous is 0 there is no baseline and the change is reported as 0.

PURITY:
  No I/O, no shared state. The timestamp is passed in.
*/
package reconciliation

import (
	"time"

	"github.com/shopspring/decimal"
)

// Significance is the per-field verdict for one DataChanges.
type Significance struct {
	Membership    bool
	ClubCount     bool
	Distinguished bool
}

// Significant reports whether any field crossed its threshold.
func (s Significance) Significant() bool {
	return s.Membership || s.ClubCount || s.Distinguished
}

// Fields returns the names of the significant fields.
func (s Significance) Fields() []string {
	var fields []string
	if s.Membership {
		fields = append(fields, FieldMembership)
	}
	if s.ClubCount {
		fields = append(fields, FieldClubCount)
	}
	if s.Distinguished {
		fields = append(fields, FieldDistinguished)
	}
	return fields
}

// DetectChanges compares previous and current and reports every changed field.
func DetectChanges(previous, current Reading, at time.Time) DataChanges {
	changes := DataChanges{
		ChangedFields:  []string{},
		SourceDataDate: current.AsOfDate,
		Timestamp:      at,
	}

	if current.Membership != previous.Membership {
		changes.MembershipChange = &MembershipChange{
			Previous:      previous.Membership,
			Current:       current.Membership,
			PercentChange: PercentChange(previous.Membership, current.Membership),
		}
		changes.ChangedFields = append(changes.ChangedFields, FieldMembership)
	}

	if current.ClubCount != previous.ClubCount {
		changes.ClubCountChange = &ClubCountChange{
			Previous:       previous.ClubCount,
			Current:        current.ClubCount,
			AbsoluteChange: current.ClubCount - previous.ClubCount,
		}
		changes.ChangedFields = append(changes.ChangedFields, FieldClubCount)
	}

	if current.Distinguished.Total != previous.Distinguished.Total {
		changes.DistinguishedChange = &DistinguishedChange{
			Previous:      previous.Distinguished,
			Current:       current.Distinguished,
			PercentChange: PercentChange(previous.Distinguished.Total, current.Distinguished.Total),
		}
		changes.ChangedFields = append(changes.ChangedFields, FieldDistinguished)
	}

	changes.HasChanges = len(changes.ChangedFields) > 0
	return changes
}

// EvaluateSignificance judges each present sub-change against th.
func EvaluateSignificance(changes DataChanges, th Thresholds) Significance {
	var s Significance
	if c := changes.MembershipChange; c != nil {
		s.Membership = atLeast(percentChange(c.Previous, c.Current), th.MembershipPercent)
	}
	if c := changes.ClubCountChange; c != nil {
		abs := c.AbsoluteChange
		if abs < 0 {
			abs = -abs
		}
		s.ClubCount = abs >= th.ClubCountAbsolute
	}
	if c := changes.DistinguishedChange; c != nil {
		s.Distinguished = atLeast(percentChange(c.Previous.Total, c.Current.Total), th.DistinguishedPercent)
	}
	return s
}

// Detect runs DetectChanges and EvaluateSignificance in one call.
func Detect(previous, current Reading, th Thresholds, at time.Time) (DataChanges, Significance) {
	changes := DetectChanges(previous, current, at)
	return changes, EvaluateSignificance(changes, th)
}

// PercentChange returns the percent change from previous to current.
func PercentChange(previous, current int) float64 {
	f, _ := percentChange(previous, current).Float64()
	return f
}

func percentChange(previous, current int) decimal.Decimal {
	if previous <= 0 {
		return decimal.Zero
	}
	prev := decimal.NewFromInt(int64(previous))
	return decimal.NewFromInt(int64(current)).Sub(prev).
		Div(prev).
		Mul(decimal.NewFromInt(100))
}

// atLeast compares |value| against threshold without going through float.
func atLeast(value decimal.Decimal, threshold float64) bool {
	return value.Abs().GreaterThanOrEqual(decimal.NewFromFloat(threshold))
}
