package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func ptrF(v float64) *float64 { return &v }
func ptrS(v string) *string   { return &v }

func ms(year int, month time.Month, day int) int64 {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).UnixMilli()
}

func seedScenario(t *testing.T, st *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertMetrics(ctx, []Metric{
		{ID: 5, Name: "attendance", DisplayName: "Attendance", Kind: MetricKindNumeric, Unit: ptrS("people"), SortOrder: 1},
		{ID: 7, Name: "mood", DisplayName: "Mood", Kind: MetricKindCategorical, SortOrder: 2},
	}))
	require.NoError(t, st.UpsertOccurrences(ctx, []Occurrence{
		{ID: 100, Name: "January meetup", StartTime: ms(2024, time.January, 15), Category: ptrS("X"), SyncedAt: ms(2024, time.March, 1)},
		{ID: 101, Name: "February meetup", StartTime: ms(2024, time.February, 20), Category: ptrS("Y"), SyncedAt: ms(2024, time.March, 1)},
	}))
	require.NoError(t, st.UpsertSamples(ctx, []Sample{
		{OccurrenceID: 100, MetricID: 5, NumericValue: ptrF(10), Category: ptrS("X")},
		{OccurrenceID: 101, MetricID: 5, NumericValue: ptrF(20), Category: ptrS("Y")},
		{OccurrenceID: 100, MetricID: 7, TextValue: ptrS("great"), Category: ptrS("X")},
	}))
}

func TestUpsertIdempotence(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	seedScenario(t, st)
	before, err := st.SamplesInRange(ctx, 5, ms(2024, time.January, 1), ms(2024, time.December, 31), nil)
	require.NoError(t, err)

	// Applying the identical payload again must not change stored state.
	seedScenario(t, st)
	after, err := st.SamplesInRange(ctx, 5, ms(2024, time.January, 1), ms(2024, time.December, 31), nil)
	require.NoError(t, err)
	require.Equal(t, before, after)

	var count int
	require.NoError(t, st.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM samples`))
	require.Equal(t, 3, count)
}

func TestSampleUniquenessLastWriteWins(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedScenario(t, st)

	require.NoError(t, st.UpsertSamples(ctx, []Sample{
		{OccurrenceID: 100, MetricID: 5, NumericValue: ptrF(42), Category: ptrS("X")},
	}))

	var count int
	require.NoError(t, st.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM samples WHERE occurrence_id = 100 AND metric_id = 5`))
	require.Equal(t, 1, count)

	points, err := st.SamplesInRange(ctx, 5, ms(2024, time.January, 1), ms(2024, time.January, 31), nil)
	require.NoError(t, err)
	require.Len(t, points, 1)
	require.Equal(t, 42.0, points[0].Value)
}

func TestNumericMetricsSorted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertMetrics(ctx, []Metric{
		{ID: 1, Name: "b", DisplayName: "B", Kind: MetricKindNumeric, SortOrder: 2},
		{ID: 2, Name: "a", DisplayName: "A", Kind: MetricKindNumeric, SortOrder: 1},
		{ID: 3, Name: "c", DisplayName: "C", Kind: MetricKindCategorical, SortOrder: 0},
	}))
	numeric, err := st.NumericMetrics(ctx)
	require.NoError(t, err)
	require.Len(t, numeric, 2)
	require.Equal(t, int64(2), numeric[0].ID)
	require.Equal(t, int64(1), numeric[1].ID)
}

func TestCategoryLabels(t *testing.T) {
	st := openTestStore(t)
	seedScenario(t, st)
	labels, err := st.CategoryLabels(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"X", "Y"}, labels)
}

func TestSamplesInRangeFiltersAndOrder(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedScenario(t, st)

	all, err := st.SamplesInRange(ctx, 5, ms(2024, time.January, 1), ms(2024, time.February, 28), nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.True(t, all[0].StartTime <= all[1].StartTime)

	filtered, err := st.SamplesInRange(ctx, 5, ms(2024, time.January, 1), ms(2024, time.February, 28), []string{"X"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, 10.0, filtered[0].Value)

	// Text-only samples never surface through numeric reads.
	textMetric, err := st.SamplesInRange(ctx, 7, ms(2024, time.January, 1), ms(2024, time.December, 31), nil)
	require.NoError(t, err)
	require.Empty(t, textMetric)
}

func TestMonthlySums(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedScenario(t, st)

	sums, err := st.MonthlySums(ctx, 5, ms(2024, time.January, 1), ms(2024, time.February, 28), nil)
	require.NoError(t, err)
	require.Equal(t, []MonthlySum{
		{Month: "2024-01", Total: 10},
		{Month: "2024-02", Total: 20},
	}, sums)

	filtered, err := st.MonthlySums(ctx, 5, ms(2024, time.January, 1), ms(2024, time.February, 28), []string{"X"})
	require.NoError(t, err)
	require.Equal(t, []MonthlySum{{Month: "2024-01", Total: 10}}, filtered)
}

func TestYearlyAggregate(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedScenario(t, st)

	sum, count, err := st.YearlyAggregate(ctx, 5, ms(2024, time.January, 1), ms(2024, time.December, 31), nil)
	require.NoError(t, err)
	require.Equal(t, 30.0, sum)
	require.Equal(t, int64(2), count)

	// An empty year reports a zero count, not a zero-valued datapoint.
	sum, count, err = st.YearlyAggregate(ctx, 5, ms(2023, time.January, 1), ms(2023, time.December, 31), nil)
	require.NoError(t, err)
	require.Equal(t, 0.0, sum)
	require.Equal(t, int64(0), count)
}

func TestSyncWatermark(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	watermark, err := st.SyncWatermark(ctx)
	require.NoError(t, err)
	require.True(t, watermark.IsZero())

	seedScenario(t, st)
	watermark, err = st.SyncWatermark(ctx)
	require.NoError(t, err)
	require.Equal(t, time.UnixMilli(ms(2024, time.March, 1)).UTC(), watermark)
}

func TestMarkOccurrencesSynced(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	seedScenario(t, st)

	// Re-upserting an occurrence keeps its existing synced_at; the
	// watermark only moves when the rows are explicitly marked.
	require.NoError(t, st.UpsertOccurrences(ctx, []Occurrence{
		{ID: 100, Name: "January meetup (renamed)", StartTime: ms(2024, time.January, 15), Category: ptrS("X")},
	}))
	watermark, err := st.SyncWatermark(ctx)
	require.NoError(t, err)
	require.Equal(t, time.UnixMilli(ms(2024, time.March, 1)).UTC(), watermark)

	later := ms(2024, time.April, 1)
	require.NoError(t, st.MarkOccurrencesSynced(ctx, []int64{100, 101}, later))
	watermark, err = st.SyncWatermark(ctx)
	require.NoError(t, err)
	require.Equal(t, time.UnixMilli(later).UTC(), watermark)

	// Marking nothing is a no-op.
	require.NoError(t, st.MarkOccurrencesSynced(ctx, nil, ms(2025, time.January, 1)))
	watermark, err = st.SyncWatermark(ctx)
	require.NoError(t, err)
	require.Equal(t, time.UnixMilli(later).UTC(), watermark)
}
