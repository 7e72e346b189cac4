// Package syncer coordinates refresh cycles that mirror the upstream
// system into the local store: a rolling three-month window sync for
// routine updates and a whole-year backfill for history. At most one sync
// runs at a time process-wide.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/phivo/statsync/internal/common"
	"github.com/phivo/statsync/internal/metrics"
	"github.com/phivo/statsync/internal/store"
	"github.com/phivo/statsync/internal/upstream"
)

// ErrSyncRunning is returned when a sync is requested while another one is
// still in flight. It is never retried automatically.
var ErrSyncRunning = errors.New("sync already running")

// freshnessThreshold is the watermark age above which a startup sync is
// triggered.
const freshnessThreshold = time.Hour

// Source is the upstream data dependency of the syncer, substitutable in
// tests.
type Source interface {
	FetchMetricDefinitions(ctx context.Context) ([]upstream.MetricDefinition, error)
	FetchOccurrences(ctx context.Context, from, to time.Time) ([]upstream.Occurrence, error)
	FetchSamplesForOccurrences(ctx context.Context, occurrenceIDs []int64, serial bool) (map[int64][]upstream.Sample, error)
}

// Syncer owns the single-flight state and runs sync passes against the
// store.
type Syncer struct {
	source Source
	store  *store.Store

	mu      sync.Mutex
	running bool
}

// Status describes the syncer for the health surface: the single-flight
// state and the last successful sync watermark.
type Status struct {
	Running  bool       `json:"running"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

// BackfillResult reports how much data a year backfill processed.
type BackfillResult struct {
	Year        int `json:"year"`
	Occurrences int `json:"occurrences"`
	Samples     int `json:"samples"`
}

// New constructs a Syncer over the given source and store.
func New(source Source, st *store.Store) *Syncer {
	return &Syncer{source: source, store: st}
}

// tryAcquire atomically flips the running flag. Two near-simultaneous
// callers can never both observe idle.
func (s *Syncer) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Syncer) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Running reports whether a sync pass is currently in flight.
func (s *Syncer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status returns the single-flight state together with the store's sync
// watermark.
func (s *Syncer) Status(ctx context.Context) (Status, error) {
	status := Status{Running: s.Running()}
	watermark, err := s.store.SyncWatermark(ctx)
	if err != nil {
		return Status{}, err
	}
	if !watermark.IsZero() {
		status.LastSync = &watermark
	}
	return status, nil
}

// RunWindow refreshes metric definitions and re-syncs occurrences and
// samples for the previous, current and next calendar month. Returns
// ErrSyncRunning when another sync is in flight.
func (s *Syncer) RunWindow(ctx context.Context) error {
	if !s.tryAcquire() {
		metrics.SyncRuns.WithLabelValues("window", "rejected").Inc()
		return ErrSyncRunning
	}
	defer s.release()
	return s.windowPass(ctx)
}

// StartWindow reserves the single-flight slot and runs a window sync in
// the background. The caller learns immediately when a sync is already in
// flight; a later failure is only logged.
func (s *Syncer) StartWindow(ctx context.Context) error {
	if !s.tryAcquire() {
		metrics.SyncRuns.WithLabelValues("window", "rejected").Inc()
		return ErrSyncRunning
	}
	go func() {
		defer s.release()
		if err := s.windowPass(ctx); err != nil {
			common.Logger().Error("sync: background window pass failed", "error", err)
		}
	}()
	return nil
}

func (s *Syncer) windowPass(ctx context.Context) error {
	logger := common.Logger()
	from, to := windowRange(time.Now().UTC())
	logger.Info("sync: window pass starting", "from", from, "to", to)
	started := time.Now()
	occurrences, samples, err := s.runPass(ctx, from, to, false)
	metrics.SyncDuration.WithLabelValues("window").Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.SyncRuns.WithLabelValues("window", "error").Inc()
		return fmt.Errorf("window sync: %w", err)
	}
	metrics.SyncRuns.WithLabelValues("window", "ok").Inc()
	metrics.LastSyncTimestamp.SetToCurrentTime()
	logger.Info("sync: window pass complete", "occurrences", occurrences, "samples", samples, "elapsed", time.Since(started))
	return nil
}

// RunBackfill re-syncs one explicit calendar year end-to-end using the
// serialized fetch path, and reports how much it processed.
func (s *Syncer) RunBackfill(ctx context.Context, year int) (BackfillResult, error) {
	if !s.tryAcquire() {
		metrics.SyncRuns.WithLabelValues("backfill", "rejected").Inc()
		return BackfillResult{}, ErrSyncRunning
	}
	defer s.release()

	logger := common.Logger()
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC).Add(-time.Millisecond)
	logger.Info("sync: backfill starting", "year", year)
	started := time.Now()
	occurrences, samples, err := s.runPass(ctx, from, to, true)
	metrics.SyncDuration.WithLabelValues("backfill").Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.SyncRuns.WithLabelValues("backfill", "error").Inc()
		return BackfillResult{}, fmt.Errorf("backfill %d: %w", year, err)
	}
	metrics.SyncRuns.WithLabelValues("backfill", "ok").Inc()
	metrics.LastSyncTimestamp.SetToCurrentTime()
	logger.Info("sync: backfill complete", "year", year, "occurrences", occurrences, "samples", samples, "elapsed", time.Since(started))
	return BackfillResult{Year: year, Occurrences: occurrences, Samples: samples}, nil
}

// StartupSync runs a window sync when the store has never been synced or
// the watermark is older than the freshness threshold.
func (s *Syncer) StartupSync(ctx context.Context) error {
	logger := common.Logger()
	watermark, err := s.store.SyncWatermark(ctx)
	if err != nil {
		return fmt.Errorf("read sync watermark: %w", err)
	}
	if !watermark.IsZero() && time.Since(watermark) < freshnessThreshold {
		logger.Info("sync: store fresh, skipping startup sync", "watermark", watermark)
		return nil
	}
	logger.Info("sync: startup sync required", "watermark", watermark)
	return s.RunWindow(ctx)
}

// runPass executes one sync pass over [from, to]. Write order is fixed:
// metric definitions, then occurrences, then samples, because samples
// reference both. The synced_at stamp comes last so a pass that aborts at
// any stage never claims the data is fresher than it is.
func (s *Syncer) runPass(ctx context.Context, from, to time.Time, serial bool) (int, int, error) {
	definitions, err := s.source.FetchMetricDefinitions(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch metric definitions: %w", err)
	}
	if err := s.store.UpsertMetrics(ctx, metricRows(definitions)); err != nil {
		return 0, 0, err
	}

	occurrences, err := s.source.FetchOccurrences(ctx, from, to)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch occurrences: %w", err)
	}
	if err := s.store.UpsertOccurrences(ctx, occurrenceRows(occurrences)); err != nil {
		return 0, 0, err
	}
	metrics.OccurrencesUpserted.Add(float64(len(occurrences)))

	ids := make([]int64, 0, len(occurrences))
	categories := make(map[int64]string, len(occurrences))
	for _, occ := range occurrences {
		ids = append(ids, occ.ID)
		if occ.Category != "" {
			categories[occ.ID] = occ.Category
		}
	}
	samplesByOccurrence, err := s.source.FetchSamplesForOccurrences(ctx, ids, serial)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch samples: %w", err)
	}
	rows := sampleRows(samplesByOccurrence, categories)
	if err := s.store.UpsertSamples(ctx, rows); err != nil {
		return 0, 0, err
	}
	metrics.SamplesUpserted.Add(float64(len(rows)))

	// Every write landed; only now does the watermark move. An aborted
	// pass leaves synced_at where the last complete pass put it.
	if err := s.store.MarkOccurrencesSynced(ctx, ids, time.Now().UTC().UnixMilli()); err != nil {
		return 0, 0, err
	}
	return len(occurrences), len(rows), nil
}

// windowRange spans the previous, current and next calendar month around
// the given instant. The upper bound is the last representable millisecond
// of the window, matching how the aggregation layer closes its year ranges.
func windowRange(now time.Time) (time.Time, time.Time) {
	from := time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(now.Year(), now.Month()+2, 1, 0, 0, 0, 0, time.UTC).Add(-time.Millisecond)
	return from, to
}

func metricRows(definitions []upstream.MetricDefinition) []store.Metric {
	rows := make([]store.Metric, 0, len(definitions))
	for _, def := range definitions {
		row := store.Metric{
			ID:          def.ID,
			Name:        def.Name,
			DisplayName: def.DisplayName,
			Kind:        def.Kind,
			SortOrder:   def.SortOrder,
		}
		if def.Unit != "" {
			unit := def.Unit
			row.Unit = &unit
		}
		rows = append(rows, row)
	}
	return rows
}

func occurrenceRows(occurrences []upstream.Occurrence) []store.Occurrence {
	rows := make([]store.Occurrence, 0, len(occurrences))
	for _, occ := range occurrences {
		row := store.Occurrence{
			ID:        occ.ID,
			Name:      occ.Name,
			StartTime: occ.Start.UnixMilli(),
		}
		if occ.End != nil {
			end := occ.End.UnixMilli()
			row.EndTime = &end
		}
		if occ.Category != "" {
			category := occ.Category
			row.Category = &category
		}
		rows = append(rows, row)
	}
	return rows
}

// sampleRows flattens fetched samples into store rows, caching the
// occurrence category on each row so filter queries never need a join.
func sampleRows(samplesByOccurrence map[int64][]upstream.Sample, categories map[int64]string) []store.Sample {
	var rows []store.Sample
	for occurrenceID, samples := range samplesByOccurrence {
		for _, sample := range samples {
			row := store.Sample{
				OccurrenceID: sample.OccurrenceID,
				MetricID:     sample.MetricID,
				NumericValue: sample.NumericValue,
				TextValue:    sample.TextValue,
			}
			if category, ok := categories[occurrenceID]; ok {
				c := category
				row.Category = &c
			}
			if sample.Modified != nil {
				modified := sample.Modified.UnixMilli()
				row.ModifiedAt = &modified
			}
			rows = append(rows, row)
		}
	}
	return rows
}
