/*
config.go - Reconciliation policy and its validation

PURPOSE:
  Config is the tunable policy of a job: how long to wait, how long the
  data must hold still, how often to look, what counts as significant and
  whether the deadline may be pushed out.

VALIDATION:
  Every write goes through Validate. Ranges live in struct tags and are
  checked with go-playground/validator; the cross-field rule
  stabilityPeriodDays <= maxReconciliationDays is the ltefield tag.
  Violations are returned as a full list of FieldError values, never
  clamped and never partially applied. NaN fails both min and max.

SNAPSHOTS:
  A job embeds the config in effect when it started. Updating the default
  config only affects jobs started afterwards.
*/
package reconciliation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// CONFIG
// =============================================================================

// Thresholds decide when a tick-over-tick delta is significant.
type Thresholds struct {
	MembershipPercent    float64 `json:"membershipPercent" mapstructure:"membership_percent" validate:"min=0,max=100"`
	ClubCountAbsolute    int     `json:"clubCountAbsolute" mapstructure:"club_count_absolute" validate:"min=0"`
	DistinguishedPercent float64 `json:"distinguishedPercent" mapstructure:"distinguished_percent" validate:"min=0,max=100"`
}

// Config is the reconciliation policy.
type Config struct {
	MaxReconciliationDays       int        `json:"maxReconciliationDays" mapstructure:"max_reconciliation_days" validate:"min=1,max=60"`
	StabilityPeriodDays         int        `json:"stabilityPeriodDays" mapstructure:"stability_period_days" validate:"min=1,max=60,ltefield=MaxReconciliationDays"`
	CheckFrequencyHours         int        `json:"checkFrequencyHours" mapstructure:"check_frequency_hours" validate:"min=1,max=168"`
	SignificantChangeThresholds Thresholds `json:"significantChangeThresholds" mapstructure:"significant_change_thresholds"`
	AutoExtensionEnabled        bool       `json:"autoExtensionEnabled" mapstructure:"auto_extension_enabled"`
	MaxExtensionDays            int        `json:"maxExtensionDays" mapstructure:"max_extension_days" validate:"min=0,max=30"`
}

// DefaultConfig returns the built-in policy.
func DefaultConfig() Config {
	return Config{
		MaxReconciliationDays: 15,
		StabilityPeriodDays:   3,
		CheckFrequencyHours:   24,
		SignificantChangeThresholds: Thresholds{
			MembershipPercent:    1,
			ClubCountAbsolute:    1,
			DistinguishedPercent: 2,
		},
		AutoExtensionEnabled: true,
		MaxExtensionDays:     5,
	}
}

// =============================================================================
// PARTIAL UPDATES
// =============================================================================

// ThresholdsUpdate is a partial Thresholds; nil fields are left unchanged.
type ThresholdsUpdate struct {
	MembershipPercent    *float64 `json:"membershipPercent,omitempty"`
	ClubCountAbsolute    *int     `json:"clubCountAbsolute,omitempty"`
	DistinguishedPercent *float64 `json:"distinguishedPercent,omitempty"`
}

// ConfigUpdate is a partial Config used for overrides and updates.
type ConfigUpdate struct {
	MaxReconciliationDays       *int              `json:"maxReconciliationDays,omitempty"`
	StabilityPeriodDays         *int              `json:"stabilityPeriodDays,omitempty"`
	CheckFrequencyHours         *int              `json:"checkFrequencyHours,omitempty"`
	SignificantChangeThresholds *ThresholdsUpdate `json:"significantChangeThresholds,omitempty"`
	AutoExtensionEnabled        *bool             `json:"autoExtensionEnabled,omitempty"`
	MaxExtensionDays            *int              `json:"maxExtensionDays,omitempty"`
}

// ApplyTo returns base with every non-nil field of u written over it.
func (u ConfigUpdate) ApplyTo(base Config) Config {
	c := base
	if u.MaxReconciliationDays != nil {
		c.MaxReconciliationDays = *u.MaxReconciliationDays
	}
	if u.StabilityPeriodDays != nil {
		c.StabilityPeriodDays = *u.StabilityPeriodDays
	}
	if u.CheckFrequencyHours != nil {
		c.CheckFrequencyHours = *u.CheckFrequencyHours
	}
	if u.AutoExtensionEnabled != nil {
		c.AutoExtensionEnabled = *u.AutoExtensionEnabled
	}
	if u.MaxExtensionDays != nil {
		c.MaxExtensionDays = *u.MaxExtensionDays
	}
	if t := u.SignificantChangeThresholds; t != nil {
		if t.MembershipPercent != nil {
			c.SignificantChangeThresholds.MembershipPercent = *t.MembershipPercent
		}
		if t.ClubCountAbsolute != nil {
			c.SignificantChangeThresholds.ClubCountAbsolute = *t.ClubCountAbsolute
		}
		if t.DistinguishedPercent != nil {
			c.SignificantChangeThresholds.DistinguishedPercent = *t.DistinguishedPercent
		}
	}
	return c
}

// IsEmpty reports whether the update changes nothing.
func (u ConfigUpdate) IsEmpty() bool {
	return u.MaxReconciliationDays == nil && u.StabilityPeriodDays == nil &&
		u.CheckFrequencyHours == nil && u.SignificantChangeThresholds == nil &&
		u.AutoExtensionEnabled == nil && u.MaxExtensionDays == nil
}

// =============================================================================
// VALIDATION
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report json names so violations match the wire format.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate returns every violation in c, or nil when c is valid.
func (c Config) Validate() []FieldError {
	var violations []FieldError

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return []FieldError{{Field: "config", Message: err.Error()}}
		}
		for _, fe := range verrs {
			violations = append(violations, FieldError{
				Field:   fieldPath(fe.Namespace()),
				Message: violationMessage(fe),
				Value:   fe.Value(),
			})
		}
	}

	return violations
}

// Check returns a *ValidationError when c is invalid.
func (c Config) Check() error {
	if v := c.Validate(); len(v) > 0 {
		return &ValidationError{Violations: v}
	}
	return nil
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func violationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "ltefield":
		return fmt.Sprintf("must be less than or equal to %s", lowerFirst(fe.Param()))
	case "required":
		return "is required"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToLower(r[0])
	return string(r)
}

// =============================================================================
// DISTRICT & MONTH
// =============================================================================

var (
	targetMonthPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)
	districtIDPattern  = regexp.MustCompile(`^[A-Za-z0-9]{1,10}$`)
)

const (
	minTargetYear = 2020
	maxTargetYear = 2030
)

// ValidateTargetMonth checks the YYYY-MM format and the supported year range.
func ValidateTargetMonth(month string) *FieldError {
	if !targetMonthPattern.MatchString(month) {
		return &FieldError{Field: "targetMonth", Message: "must match YYYY-MM", Value: month}
	}
	year, _ := strconv.Atoi(month[:4])
	m, _ := strconv.Atoi(month[5:])
	if year < minTargetYear || year > maxTargetYear {
		return &FieldError{
			Field:   "targetMonth",
			Message: fmt.Sprintf("year must be between %d and %d", minTargetYear, maxTargetYear),
			Value:   month,
		}
	}
	if m < 1 || m > 12 {
		return &FieldError{Field: "targetMonth", Message: "month must be between 01 and 12", Value: month}
	}
	return nil
}

// ValidateDistrictID checks that a district id is a short alphanumeric code.
func ValidateDistrictID(id string) *FieldError {
	if !districtIDPattern.MatchString(id) {
		return &FieldError{Field: "districtId", Message: "must be 1-10 alphanumeric characters", Value: id}
	}
	return nil
}
