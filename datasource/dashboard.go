/*
Package datasource adapts external district statistics to reconciliation.Reading.

PURPOSE:
  The engine only needs "give me the current figures for district X". The
  DashboardClient answers that by pulling the district summary from the
  statistics dashboard over HTTP.

ENDPOINT:
  GET {baseURL}/districts/{districtId}/summary

  {
    "district_id": "42",
    "as_of_date": "2024-01-09",
    "membership": 1010,
    "club_count": 50,
    "distinguished_clubs": {"select": 3, "distinguished": 4, "president": 2, "total": 9}
  }

  as_of_date is a calendar date or an RFC 3339 timestamp.

ERRORS:
  Transport failures and non-2xx responses are returned as errors; the
  orchestrator records them as failed readings and retries on the next tick.

SEE ALSO:
  - reconciliation/collaborators.go: DataSource interface
*/
package datasource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/warp/reconciliation-engine/reconciliation"
)

// DefaultTimeout bounds a single summary request.
const DefaultTimeout = 30 * time.Second

// DashboardConfig holds the connection settings for the dashboard API.
type DashboardConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DashboardClient implements reconciliation.DataSource.
type DashboardClient struct {
	client *resty.Client
}

// NewDashboardClient creates a client for the dashboard at cfg.BaseURL.
func NewDashboardClient(cfg DashboardConfig) *DashboardClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &DashboardClient{client: client}
}

type distinguishedDTO struct {
	Select        int `json:"select"`
	Distinguished int `json:"distinguished"`
	President     int `json:"president"`
	Total         int `json:"total"`
}

type summaryResponse struct {
	DistrictID         string           `json:"district_id"`
	AsOfDate           string           `json:"as_of_date"`
	Membership         int              `json:"membership"`
	ClubCount          int              `json:"club_count"`
	DistinguishedClubs distinguishedDTO `json:"distinguished_clubs"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// GetCurrentReading fetches the latest summary for districtID.
func (c *DashboardClient) GetCurrentReading(ctx context.Context, districtID string) (reconciliation.Reading, error) {
	var resp summaryResponse
	var apiErr errorResponse
	httpResp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("districtId", districtID).
		SetResult(&resp).
		SetError(&apiErr).
		Get("/districts/{districtId}/summary")
	if err != nil {
		return reconciliation.Reading{}, fmt.Errorf("failed to call dashboard API: %w", err)
	}

	if httpResp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error
		}
		if msg != "" {
			return reconciliation.Reading{}, fmt.Errorf("dashboard API error: status %d: %s", httpResp.StatusCode(), msg)
		}
		return reconciliation.Reading{}, fmt.Errorf("dashboard API error: status %d", httpResp.StatusCode())
	}

	asOf, err := parseAsOfDate(resp.AsOfDate)
	if err != nil {
		return reconciliation.Reading{}, fmt.Errorf("dashboard API returned invalid as_of_date %q: %w", resp.AsOfDate, err)
	}

	d := resp.DistinguishedClubs
	total := d.Total
	if total == 0 {
		total = d.Select + d.Distinguished + d.President
	}

	return reconciliation.Reading{
		Membership: resp.Membership,
		ClubCount:  resp.ClubCount,
		Distinguished: reconciliation.DistinguishedCounts{
			Select:        d.Select,
			Distinguished: d.Distinguished,
			President:     d.President,
			Total:         total,
		},
		AsOfDate: asOf,
	}, nil
}

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
