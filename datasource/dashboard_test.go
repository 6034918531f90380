package datasource_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reconciliation-engine/datasource"
	"github.com/warp/reconciliation-engine/reconciliation"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetCurrentReading_Success(t *testing.T) {
	// GIVEN: A dashboard returning a district summary
	var gotPath, gotAuth string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"district_id": "42",
			"as_of_date": "2024-01-09",
			"membership": 1010,
			"club_count": 50,
			"distinguished_clubs": {"select": 3, "distinguished": 4, "president": 2, "total": 9}
		}`))
	})
	client := datasource.NewDashboardClient(datasource.DashboardConfig{BaseURL: srv.URL + "/", APIKey: "secret"})

	// WHEN: Reading district 42
	reading, err := client.GetCurrentReading(context.Background(), "42")

	// THEN: The summary maps onto a Reading
	require.NoError(t, err)
	assert.Equal(t, "/districts/42/summary", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, reconciliation.Reading{
		Membership: 1010,
		ClubCount:  50,
		Distinguished: reconciliation.DistinguishedCounts{
			Select: 3, Distinguished: 4, President: 2, Total: 9,
		},
		AsOfDate: time.Date(2024, time.January, 9, 0, 0, 0, 0, time.UTC),
	}, reading)
}

func TestGetCurrentReading_DerivesDistinguishedTotal(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"as_of_date": "2024-01-09T06:30:00+02:00", "membership": 5, "club_count": 1,
			"distinguished_clubs": {"select": 1, "distinguished": 1, "president": 1}}`))
	})
	client := datasource.NewDashboardClient(datasource.DashboardConfig{BaseURL: srv.URL})

	reading, err := client.GetCurrentReading(context.Background(), "7")

	require.NoError(t, err)
	assert.Equal(t, 3, reading.Distinguished.Total)
	assert.Equal(t, time.Date(2024, time.January, 9, 4, 30, 0, 0, time.UTC), reading.AsOfDate)
}

func TestGetCurrentReading_ErrorStatus(t *testing.T) {
	// GIVEN: A dashboard that is temporarily down
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"message": "maintenance window"}`))
	})
	client := datasource.NewDashboardClient(datasource.DashboardConfig{BaseURL: srv.URL})

	// WHEN: Reading
	_, err := client.GetCurrentReading(context.Background(), "42")

	// THEN: The status and message surface in the error
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "maintenance window")
}

func TestGetCurrentReading_InvalidDate(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"as_of_date": "last tuesday", "membership": 5}`))
	})
	client := datasource.NewDashboardClient(datasource.DashboardConfig{BaseURL: srv.URL})

	_, err := client.GetCurrentReading(context.Background(), "42")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "as_of_date")
}

func TestGetCurrentReading_Timeout(t *testing.T) {
	// GIVEN: A dashboard slower than the client timeout
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	client := datasource.NewDashboardClient(datasource.DashboardConfig{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})

	// WHEN: Reading
	_, err := client.GetCurrentReading(context.Background(), "42")

	// THEN: The call fails instead of hanging
	assert.Error(t, err)
}
