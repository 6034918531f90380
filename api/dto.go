/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Jobs:
    JobDTO, StartJobRequest, ExtendRequest, ListJobsResponse

  Progress:
    StatusDTO, TimelineDTO, EntryDTO, EstimateDTO, StatisticsDTO, TickResponse

  Config:
    ConfigDTO, ConfigUpdateRequest, ValidateConfigResponse

DATES:
  Timestamps are RFC 3339 in UTC. A reading's as_of_date is accepted as a
  calendar date (YYYY-MM-DD) or RFC 3339.

SEE ALSO:
  - handlers.go: Uses these types
  - reconciliation/types.go: Engine model
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/reconciliation-engine/reconciliation"
)

// =============================================================================
// CONFIG
// =============================================================================

type ThresholdsDTO struct {
	MembershipPercent    float64 `json:"membership_percent"`
	ClubCountAbsolute    int     `json:"club_count_absolute"`
	DistinguishedPercent float64 `json:"distinguished_percent"`
}

// ConfigDTO represents a reconciliation config in API responses.
type ConfigDTO struct {
	MaxReconciliationDays       int           `json:"max_reconciliation_days"`
	StabilityPeriodDays         int           `json:"stability_period_days"`
	CheckFrequencyHours         int           `json:"check_frequency_hours"`
	SignificantChangeThresholds ThresholdsDTO `json:"significant_change_thresholds"`
	AutoExtensionEnabled        bool          `json:"auto_extension_enabled"`
	MaxExtensionDays            int           `json:"max_extension_days"`
}

type ThresholdsUpdateRequest struct {
	MembershipPercent    *float64 `json:"membership_percent,omitempty"`
	ClubCountAbsolute    *int     `json:"club_count_absolute,omitempty"`
	DistinguishedPercent *float64 `json:"distinguished_percent,omitempty"`
}

// ConfigUpdateRequest is a partial config. Omitted fields keep their value.
type ConfigUpdateRequest struct {
	MaxReconciliationDays       *int                     `json:"max_reconciliation_days,omitempty"`
	StabilityPeriodDays         *int                     `json:"stability_period_days,omitempty"`
	CheckFrequencyHours         *int                     `json:"check_frequency_hours,omitempty"`
	SignificantChangeThresholds *ThresholdsUpdateRequest `json:"significant_change_thresholds,omitempty"`
	AutoExtensionEnabled        *bool                    `json:"auto_extension_enabled,omitempty"`
	MaxExtensionDays            *int                     `json:"max_extension_days,omitempty"`
}

// ValidateConfigResponse is returned by POST /config/validate.
type ValidateConfigResponse struct {
	Valid      bool           `json:"valid"`
	Config     ConfigDTO      `json:"config"`
	Violations []ViolationDTO `json:"violations"`
}

// =============================================================================
// JOBS
// =============================================================================

type DistinguishedDTO struct {
	Select        int `json:"select"`
	Distinguished int `json:"distinguished"`
	President     int `json:"president"`
	Total         int `json:"total"`
}

// ReadingDTO is a data-source reading, used for baselines and timeline entries.
type ReadingDTO struct {
	Membership         int              `json:"membership"`
	ClubCount          int              `json:"club_count"`
	DistinguishedClubs DistinguishedDTO `json:"distinguished_clubs"`
	AsOfDate           string           `json:"as_of_date"`
}

// StartJobRequest is the request to start a reconciliation.
type StartJobRequest struct {
	DistrictID  string               `json:"district_id"`
	TargetMonth string               `json:"target_month"`
	Config      *ConfigUpdateRequest `json:"config,omitempty"`
	Baseline    *ReadingDTO          `json:"baseline,omitempty"`
	// TriggeredBy is "manual" (default) or "automatic".
	TriggeredBy string `json:"triggered_by,omitempty"`
}

// ExtendRequest is the request to extend a job's deadline.
type ExtendRequest struct {
	Days int `json:"days"`
}

// JobDTO represents a reconciliation job in API responses.
type JobDTO struct {
	ID                  string    `json:"id"`
	DistrictID          string    `json:"district_id"`
	TargetMonth         string    `json:"target_month"`
	Status              string    `json:"status"`
	StartDate           string    `json:"start_date"`
	MaxEndDate          string    `json:"max_end_date"`
	EndDate             string    `json:"end_date,omitempty"`
	FinalizedDate       string    `json:"finalized_date,omitempty"`
	CurrentDataDate     string    `json:"current_data_date,omitempty"`
	NextCheckDate       string    `json:"next_check_date"`
	ExtensionHours      int       `json:"extension_hours"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Message             string    `json:"message,omitempty"`
	Config              ConfigDTO `json:"config"`
	TriggeredBy         string    `json:"triggered_by"`
	CreatedAt           string    `json:"created_at"`
	UpdatedAt           string    `json:"updated_at"`
}

// ListJobsResponse wraps a job listing.
type ListJobsResponse struct {
	Jobs  []JobDTO `json:"jobs"`
	Count int      `json:"count"`
}

// =============================================================================
// PROGRESS
// =============================================================================

type StatusDTO struct {
	Phase          string `json:"phase"`
	DaysActive     int    `json:"days_active"`
	DaysStable     int    `json:"days_stable"`
	LastChangeDate string `json:"last_change_date,omitempty"`
	NextCheckDate  string `json:"next_check_date"`
	Message        string `json:"message"`
}

type MembershipChangeDTO struct {
	Previous      int     `json:"previous"`
	Current       int     `json:"current"`
	PercentChange float64 `json:"percent_change"`
}

type ClubCountChangeDTO struct {
	Previous       int `json:"previous"`
	Current        int `json:"current"`
	AbsoluteChange int `json:"absolute_change"`
}

type DistinguishedChangeDTO struct {
	Previous      DistinguishedDTO `json:"previous"`
	Current       DistinguishedDTO `json:"current"`
	PercentChange float64          `json:"percent_change"`
}

type ChangesDTO struct {
	HasChanges          bool                    `json:"has_changes"`
	ChangedFields       []string                `json:"changed_fields"`
	MembershipChange    *MembershipChangeDTO    `json:"membership_change,omitempty"`
	ClubCountChange     *ClubCountChangeDTO     `json:"club_count_change,omitempty"`
	DistinguishedChange *DistinguishedChangeDTO `json:"distinguished_change,omitempty"`
}

// EntryDTO is one timeline entry.
type EntryDTO struct {
	Date           string      `json:"date"`
	SourceDataDate string      `json:"source_data_date,omitempty"`
	IsSignificant  bool        `json:"is_significant"`
	CacheUpdated   bool        `json:"cache_updated"`
	Changes        ChangesDTO  `json:"changes"`
	Reading        *ReadingDTO `json:"reading,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	Error          string      `json:"error,omitempty"`
}

type TimelineDTO struct {
	JobID               string     `json:"job_id"`
	Entries             []EntryDTO `json:"entries"`
	Status              StatusDTO  `json:"status"`
	EstimatedCompletion string     `json:"estimated_completion,omitempty"`
}

type EstimateDTO struct {
	JobID               string `json:"job_id"`
	Available           bool   `json:"available"`
	EstimatedCompletion string `json:"estimated_completion,omitempty"`
}

type StabilityPeriodDTO struct {
	ConsecutiveStableDays     int     `json:"consecutive_stable_days"`
	StabilityStartDate        string  `json:"stability_start_date,omitempty"`
	LastSignificantChangeDate string  `json:"last_significant_change_date,omitempty"`
	IsInStabilityPeriod       bool    `json:"is_in_stability_period"`
	StabilityPeriodProgress   float64 `json:"stability_period_progress"`
	RequiredStabilityDays     int     `json:"required_stability_days"`
}

type StatisticsDTO struct {
	JobID              string             `json:"job_id"`
	TotalEntries       int                `json:"total_entries"`
	SignificantChanges int                `json:"significant_changes"`
	MinorChanges       int                `json:"minor_changes"`
	NoChangeEntries    int                `json:"no_change_entries"`
	FailedReadings     int                `json:"failed_readings"`
	ChangeFrequency    float64            `json:"change_frequency"`
	StabilityTrend     string             `json:"stability_trend"`
	StabilityPeriod    StabilityPeriodDTO `json:"stability_period"`
}

// TickResponse is the result of a manual tick.
type TickResponse struct {
	Outcome       string    `json:"outcome"`
	Job           JobDTO    `json:"job"`
	Status        StatusDTO `json:"status"`
	Entry         *EntryDTO `json:"entry,omitempty"`
	ExtendedHours int       `json:"extended_hours,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// CycleResponse is the result of a manually triggered scheduler cycle.
type CycleResponse struct {
	Due             int `json:"due"`
	Ticked          int `json:"ticked"`
	Completed       int `json:"completed"`
	ReadingFailures int `json:"reading_failures"`
	Skipped         int `json:"skipped"`
	Errors          int `json:"errors"`
	Cleaned         int `json:"cleaned"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ViolationDTO struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error         string         `json:"error"`
	Details       any            `json:"details,omitempty"`
	Violations    []ViolationDTO `json:"violations,omitempty"`
	ExistingJobID string         `json:"existing_job_id,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// parseAsOfDate accepts YYYY-MM-DD or RFC 3339.
func parseAsOfDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toConfigDTO(c reconciliation.Config) ConfigDTO {
	return ConfigDTO{
		MaxReconciliationDays: c.MaxReconciliationDays,
		StabilityPeriodDays:   c.StabilityPeriodDays,
		CheckFrequencyHours:   c.CheckFrequencyHours,
		SignificantChangeThresholds: ThresholdsDTO{
			MembershipPercent:    c.SignificantChangeThresholds.MembershipPercent,
			ClubCountAbsolute:    c.SignificantChangeThresholds.ClubCountAbsolute,
			DistinguishedPercent: c.SignificantChangeThresholds.DistinguishedPercent,
		},
		AutoExtensionEnabled: c.AutoExtensionEnabled,
		MaxExtensionDays:     c.MaxExtensionDays,
	}
}

func (r *ConfigUpdateRequest) toUpdate() reconciliation.ConfigUpdate {
	if r == nil {
		return reconciliation.ConfigUpdate{}
	}
	u := reconciliation.ConfigUpdate{
		MaxReconciliationDays: r.MaxReconciliationDays,
		StabilityPeriodDays:   r.StabilityPeriodDays,
		CheckFrequencyHours:   r.CheckFrequencyHours,
		AutoExtensionEnabled:  r.AutoExtensionEnabled,
		MaxExtensionDays:      r.MaxExtensionDays,
	}
	if t := r.SignificantChangeThresholds; t != nil {
		u.SignificantChangeThresholds = &reconciliation.ThresholdsUpdate{
			MembershipPercent:    t.MembershipPercent,
			ClubCountAbsolute:    t.ClubCountAbsolute,
			DistinguishedPercent: t.DistinguishedPercent,
		}
	}
	return u
}

func toDistinguishedDTO(d reconciliation.DistinguishedCounts) DistinguishedDTO {
	return DistinguishedDTO{
		Select:        d.Select,
		Distinguished: d.Distinguished,
		President:     d.President,
		Total:         d.Total,
	}
}

func toReadingDTO(r *reconciliation.Reading) *ReadingDTO {
	if r == nil {
		return nil
	}
	return &ReadingDTO{
		Membership:         r.Membership,
		ClubCount:          r.ClubCount,
		DistinguishedClubs: toDistinguishedDTO(r.Distinguished),
		AsOfDate:           formatTime(r.AsOfDate),
	}
}

func (r *ReadingDTO) toReading() (reconciliation.Reading, error) {
	asOf, err := parseAsOfDate(r.AsOfDate)
	if err != nil {
		return reconciliation.Reading{}, err
	}
	d := r.DistinguishedClubs
	return reconciliation.Reading{
		Membership: r.Membership,
		ClubCount:  r.ClubCount,
		Distinguished: reconciliation.DistinguishedCounts{
			Select:        d.Select,
			Distinguished: d.Distinguished,
			President:     d.President,
			Total:         d.Total,
		},
		AsOfDate: asOf,
	}, nil
}

func toJobDTO(j reconciliation.Job) JobDTO {
	return JobDTO{
		ID:                  string(j.ID),
		DistrictID:          j.DistrictID,
		TargetMonth:         j.TargetMonth,
		Status:              string(j.Status),
		StartDate:           formatTime(j.StartDate),
		MaxEndDate:          formatTime(j.MaxEndDate),
		EndDate:             formatTimePtr(j.EndDate),
		FinalizedDate:       formatTimePtr(j.FinalizedDate),
		CurrentDataDate:     formatTimePtr(j.CurrentDataDate),
		NextCheckDate:       formatTime(j.NextCheckDate),
		ExtensionHours:      j.ExtensionHours,
		ConsecutiveFailures: j.ConsecutiveFailures,
		Message:             j.Message,
		Config:              toConfigDTO(j.Config),
		TriggeredBy:         string(j.Metadata.TriggeredBy),
		CreatedAt:           formatTime(j.Metadata.CreatedAt),
		UpdatedAt:           formatTime(j.Metadata.UpdatedAt),
	}
}

func toStatusDTO(s reconciliation.Status) StatusDTO {
	return StatusDTO{
		Phase:          string(s.Phase),
		DaysActive:     s.DaysActive,
		DaysStable:     s.DaysStable,
		LastChangeDate: formatTimePtr(s.LastChangeDate),
		NextCheckDate:  formatTime(s.NextCheckDate),
		Message:        s.Message,
	}
}

func toChangesDTO(c reconciliation.DataChanges) ChangesDTO {
	dto := ChangesDTO{
		HasChanges:    c.HasChanges,
		ChangedFields: c.ChangedFields,
	}
	if dto.ChangedFields == nil {
		dto.ChangedFields = []string{}
	}
	if m := c.MembershipChange; m != nil {
		dto.MembershipChange = &MembershipChangeDTO{Previous: m.Previous, Current: m.Current, PercentChange: roundPercent(m.PercentChange)}
	}
	if cc := c.ClubCountChange; cc != nil {
		dto.ClubCountChange = &ClubCountChangeDTO{Previous: cc.Previous, Current: cc.Current, AbsoluteChange: cc.AbsoluteChange}
	}
	if d := c.DistinguishedChange; d != nil {
		dto.DistinguishedChange = &DistinguishedChangeDTO{
			Previous:      toDistinguishedDTO(d.Previous),
			Current:       toDistinguishedDTO(d.Current),
			PercentChange: roundPercent(d.PercentChange),
		}
	}
	return dto
}

// roundPercent rounds a percent change to 2 places for display.
func roundPercent(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}

func toEntryDTO(e reconciliation.Entry) EntryDTO {
	return EntryDTO{
		Date:           formatTime(e.Date),
		SourceDataDate: formatTime(e.SourceDataDate),
		IsSignificant:  e.IsSignificant,
		CacheUpdated:   e.CacheUpdated,
		Changes:        toChangesDTO(e.Changes),
		Reading:        toReadingDTO(e.Reading),
		Notes:          e.Notes,
		Error:          e.Error,
	}
}

func toTimelineDTO(t reconciliation.Timeline) TimelineDTO {
	entries := make([]EntryDTO, len(t.Entries))
	for i, e := range t.Entries {
		entries[i] = toEntryDTO(e)
	}
	return TimelineDTO{
		JobID:               string(t.JobID),
		Entries:             entries,
		Status:              toStatusDTO(t.Status),
		EstimatedCompletion: formatTimePtr(t.EstimatedCompletion),
	}
}

func toStatisticsDTO(id reconciliation.JobID, s reconciliation.ProgressStatistics) StatisticsDTO {
	p := s.StabilityPeriod
	return StatisticsDTO{
		JobID:              string(id),
		TotalEntries:       s.TotalEntries,
		SignificantChanges: s.SignificantChanges,
		MinorChanges:       s.MinorChanges,
		NoChangeEntries:    s.NoChangeEntries,
		FailedReadings:     s.FailedReadings,
		ChangeFrequency:    s.ChangeFrequency,
		StabilityTrend:     string(s.StabilityTrend),
		StabilityPeriod: StabilityPeriodDTO{
			ConsecutiveStableDays:     p.ConsecutiveStableDays,
			StabilityStartDate:        formatTimePtr(p.StabilityStartDate),
			LastSignificantChangeDate: formatTimePtr(p.LastSignificantChangeDate),
			IsInStabilityPeriod:       p.IsInStabilityPeriod,
			StabilityPeriodProgress:   p.StabilityPeriodProgress,
			RequiredStabilityDays:     p.RequiredStabilityDays,
		},
	}
}

func toTickResponse(r *reconciliation.TickResult) TickResponse {
	resp := TickResponse{
		Outcome:       string(r.Outcome),
		Status:        toStatusDTO(r.Status),
		ExtendedHours: r.ExtendedHours,
	}
	if r.Job != nil {
		resp.Job = toJobDTO(*r.Job)
	}
	if r.Entry != nil {
		e := toEntryDTO(*r.Entry)
		resp.Entry = &e
	}
	return resp
}

func toViolationDTOs(v []reconciliation.FieldError) []ViolationDTO {
	out := make([]ViolationDTO, len(v))
	for i, fe := range v {
		out[i] = ViolationDTO{Field: fe.Field, Message: fe.Message, Value: fe.Value}
	}
	return out
}
