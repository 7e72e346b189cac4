package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phivo/statsync/internal/aggregate"
	"github.com/phivo/statsync/internal/store"
	"github.com/phivo/statsync/internal/syncer"
	"github.com/phivo/statsync/internal/upstream"
)

type stubSource struct {
	gate chan struct{}
}

func (s *stubSource) FetchMetricDefinitions(ctx context.Context) ([]upstream.MetricDefinition, error) {
	if s.gate != nil {
		<-s.gate
	}
	return nil, nil
}

func (s *stubSource) FetchOccurrences(ctx context.Context, from, to time.Time) ([]upstream.Occurrence, error) {
	return nil, nil
}

func (s *stubSource) FetchSamplesForOccurrences(ctx context.Context, occurrenceIDs []int64, serial bool) (map[int64][]upstream.Sample, error) {
	return map[int64][]upstream.Sample{}, nil
}

func ptrF(v float64) *float64 { return &v }
func ptrS(v string) *string   { return &v }

func newTestServer(t *testing.T, source syncer.Source) *Server {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.UpsertMetrics(ctx, []store.Metric{
		{ID: 5, Name: "attendance", DisplayName: "Attendance", Kind: store.MetricKindNumeric, Unit: ptrS("people"), SortOrder: 1},
		{ID: 7, Name: "mood", DisplayName: "Mood", Kind: store.MetricKindCategorical, SortOrder: 2},
	}))
	require.NoError(t, st.UpsertOccurrences(ctx, []store.Occurrence{
		{ID: 100, Name: "January meetup", StartTime: time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC).UnixMilli(), Category: ptrS("X"), SyncedAt: time.Now().UnixMilli()},
		{ID: 101, Name: "February meetup", StartTime: time.Date(2024, time.February, 20, 0, 0, 0, 0, time.UTC).UnixMilli(), Category: ptrS("Y"), SyncedAt: time.Now().UnixMilli()},
	}))
	require.NoError(t, st.UpsertSamples(ctx, []store.Sample{
		{OccurrenceID: 100, MetricID: 5, NumericValue: ptrF(10), Category: ptrS("X")},
		{OccurrenceID: 101, MetricID: 5, NumericValue: ptrF(20), Category: ptrS("Y")},
	}))

	return NewServer(st, aggregate.New(st), syncer.New(source, st))
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	srv.ServeHTTP(recorder, req)
	return recorder
}

func queryBody(from, to string, targets ...queryTarget) queryRequest {
	fromTime, _ := time.Parse(time.RFC3339, from)
	toTime, _ := time.Parse(time.RFC3339, to)
	return queryRequest{
		Range:   queryRange{From: fromTime, To: toTime},
		Targets: targets,
	}
}

func TestSearchListsFourTargetsPerNumericMetric(t *testing.T) {
	srv := newTestServer(t, &stubSource{})
	recorder := doJSON(t, srv, http.MethodPost, "/search", map[string]string{"target": ""})
	require.Equal(t, http.StatusOK, recorder.Code)

	var entries []searchEntry
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &entries))
	require.Len(t, entries, 4, "one entry per aggregation kind, numeric metrics only")

	values := make([]string, 0, len(entries))
	for _, entry := range entries {
		values = append(values, entry.Value)
		require.Len(t, entry.Payloads, 1)
		require.Equal(t, "category filter", entry.Payloads[0].Name)
		require.Equal(t, []searchOption{{Label: "X", Value: "X"}, {Label: "Y", Value: "Y"}}, entry.Payloads[0].Options)
	}
	require.Equal(t, []string{"stat_5_raw", "stat_5_monthly", "stat_5_yearly_sum", "stat_5_yearly_mean"}, values)
	require.Equal(t, "Attendance monthly sum", entries[1].Label)
}

func TestQueryMonthlyScenario(t *testing.T) {
	srv := newTestServer(t, &stubSource{})
	recorder := doJSON(t, srv, http.MethodPost, "/query", queryBody(
		"2024-01-01T00:00:00Z", "2024-02-28T23:59:59Z",
		queryTarget{Target: "stat_5_monthly"},
	))
	require.Equal(t, http.StatusOK, recorder.Code)

	var results []queryResult
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &results))
	require.Len(t, results, 1)
	require.Equal(t, "Attendance monthly sum (people)", results[0].Target)
	require.Equal(t, "people", results[0].Unit)
	require.Equal(t, [][2]float64{
		{10, float64(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli())},
		{20, float64(time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC).UnixMilli())},
	}, results[0].Datapoints)
}

func TestQueryYearlyAndFiltered(t *testing.T) {
	srv := newTestServer(t, &stubSource{})
	recorder := doJSON(t, srv, http.MethodPost, "/query", queryBody(
		"2024-01-01T00:00:00Z", "2024-12-31T23:59:59Z",
		queryTarget{Target: "stat_5_yearly_sum"},
		queryTarget{Target: "stat_5_yearly_mean"},
		queryTarget{Target: "stat_5_monthly", Filter: []string{"X"}},
	))
	require.Equal(t, http.StatusOK, recorder.Code)

	var results []queryResult
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &results))
	require.Len(t, results, 3)
	require.Equal(t, 30.0, results[0].Datapoints[0][0])
	require.Equal(t, 15.0, results[1].Datapoints[0][0])
	require.Equal(t, "Attendance monthly sum (people) [X]", results[2].Target)
	require.Equal(t, [][2]float64{
		{10, float64(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli())},
	}, results[2].Datapoints)
}

func TestQuerySkipsMalformedAndEmptyTargets(t *testing.T) {
	srv := newTestServer(t, &stubSource{})
	recorder := doJSON(t, srv, http.MethodPost, "/query", queryBody(
		"2024-01-01T00:00:00Z", "2024-12-31T23:59:59Z",
		queryTarget{Target: "foo_bar"},
		queryTarget{Target: "stat_999_raw"},
		queryTarget{Target: "stat_5_weekly"},
		queryTarget{Target: "stat_5_raw", Filter: []string{"no such label"}},
	))
	require.Equal(t, http.StatusOK, recorder.Code)

	var results []queryResult
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &results))
	require.Empty(t, results, "malformed, unknown and empty targets all drop out silently")
}

func TestQueryRequiresRange(t *testing.T) {
	srv := newTestServer(t, &stubSource{})
	recorder := doJSON(t, srv, http.MethodPost, "/query", map[string]interface{}{
		"targets": []map[string]string{{"target": "stat_5_raw"}},
	})
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestHealthReportsSyncState(t *testing.T) {
	srv := newTestServer(t, &stubSource{})
	recorder := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	var body struct {
		Status      string     `json:"status"`
		SyncRunning bool       `json:"sync_running"`
		LastSync    *time.Time `json:"last_sync"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
	require.False(t, body.SyncRunning)
	require.NotNil(t, body.LastSync)
}

func TestSyncRunRejectsConcurrentTrigger(t *testing.T) {
	source := &stubSource{gate: make(chan struct{})}
	srv := newTestServer(t, source)

	recorder := doJSON(t, srv, http.MethodPost, "/v1/sync/run", nil)
	require.Equal(t, http.StatusAccepted, recorder.Code)

	// The single-flight slot is held until the gated pass finishes.
	recorder = doJSON(t, srv, http.MethodPost, "/v1/sync/run", nil)
	require.Equal(t, http.StatusConflict, recorder.Code)

	close(source.gate)
	require.Eventually(t, func() bool {
		status, err := srv.syncer.Status(context.Background())
		return err == nil && !status.Running
	}, time.Second, 5*time.Millisecond)
}

func TestBackfillValidatesYear(t *testing.T) {
	srv := newTestServer(t, &stubSource{})
	for _, year := range []string{"", "abc", "1900", fmt.Sprint(time.Now().Year() + 5)} {
		recorder := doJSON(t, srv, http.MethodPost, "/v1/sync/backfill?year="+year, nil)
		require.Equal(t, http.StatusBadRequest, recorder.Code, "year %q", year)
	}

	recorder := doJSON(t, srv, http.MethodPost, "/v1/sync/backfill?year=2024", nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	var result syncer.BackfillResult
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &result))
	require.Equal(t, 2024, result.Year)
	require.Equal(t, 0, result.Occurrences)
}
