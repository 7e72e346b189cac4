package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// NumericMetrics returns all numeric metric definitions sorted by their
// upstream sort order.
func (s *Store) NumericMetrics(ctx context.Context) ([]Metric, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialised")
	}
	metrics := []Metric{}
	if err := s.db.SelectContext(ctx, &metrics, `SELECT * FROM metrics WHERE kind = ? ORDER BY sort_order, id`, MetricKindNumeric); err != nil {
		return nil, fmt.Errorf("select numeric metrics: %w", err)
	}
	return metrics, nil
}

// MetricByID returns the metric definition with the given upstream id, or
// nil when no such metric is mirrored.
func (s *Store) MetricByID(ctx context.Context, id int64) (*Metric, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialised")
	}
	var metric Metric
	if err := s.db.GetContext(ctx, &metric, `SELECT * FROM metrics WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select metric %d: %w", id, err)
	}
	return &metric, nil
}

// CategoryLabels returns the distinct category labels observed across all
// stored samples, sorted alphabetically.
func (s *Store) CategoryLabels(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialised")
	}
	labels := []string{}
	if err := s.db.SelectContext(ctx, &labels, `SELECT DISTINCT category FROM samples
                WHERE category IS NOT NULL AND category != ''
                ORDER BY category`); err != nil {
		return nil, fmt.Errorf("select category labels: %w", err)
	}
	return labels, nil
}

// SamplesInRange returns the numeric samples for a metric whose occurrence
// starts within [from, to] (epoch milliseconds, inclusive), ordered
// ascending by occurrence start. A non-empty label set restricts the result
// to samples carrying one of those category labels.
func (s *Store) SamplesInRange(ctx context.Context, metricID, from, to int64, labels []string) ([]SamplePoint, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialised")
	}
	query := `SELECT s.numeric_value AS value, o.start_time AS start_time
                FROM samples s
                INNER JOIN occurrences o ON o.id = s.occurrence_id
                WHERE s.metric_id = ? AND s.numeric_value IS NOT NULL
                  AND o.start_time BETWEEN ? AND ?`
	args := []interface{}{metricID, from, to}
	query, args, err := appendLabelFilter(query, args, labels)
	if err != nil {
		return nil, err
	}
	query += ` ORDER BY o.start_time, s.occurrence_id`
	query = s.db.Rebind(query)
	points := []SamplePoint{}
	if err := s.db.SelectContext(ctx, &points, query, args...); err != nil {
		return nil, fmt.Errorf("select samples in range: %w", err)
	}
	return points, nil
}

// MonthlySums returns per-calendar-month sums for a metric over [from, to],
// one row per month that has at least one matching numeric sample. Months
// are keyed "YYYY-MM" in UTC.
func (s *Store) MonthlySums(ctx context.Context, metricID, from, to int64, labels []string) ([]MonthlySum, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialised")
	}
	query := `SELECT strftime('%Y-%m', o.start_time / 1000, 'unixepoch') AS month,
                       SUM(s.numeric_value) AS total
                FROM samples s
                INNER JOIN occurrences o ON o.id = s.occurrence_id
                WHERE s.metric_id = ? AND s.numeric_value IS NOT NULL
                  AND o.start_time BETWEEN ? AND ?`
	args := []interface{}{metricID, from, to}
	query, args, err := appendLabelFilter(query, args, labels)
	if err != nil {
		return nil, err
	}
	query += ` GROUP BY month ORDER BY month`
	query = s.db.Rebind(query)
	sums := []MonthlySum{}
	if err := s.db.SelectContext(ctx, &sums, query, args...); err != nil {
		return nil, fmt.Errorf("select monthly sums: %w", err)
	}
	return sums, nil
}

// YearlyAggregate returns the sum of matching numeric samples over
// [from, to] together with the number of samples that contributed. A zero
// count signals that the range holds no data at all, which is distinct
// from a zero-valued sum.
func (s *Store) YearlyAggregate(ctx context.Context, metricID, from, to int64, labels []string) (float64, int64, error) {
	if s == nil || s.db == nil {
		return 0, 0, errors.New("store not initialised")
	}
	query := `SELECT COALESCE(SUM(s.numeric_value), 0) AS total,
                       COUNT(s.numeric_value) AS n
                FROM samples s
                INNER JOIN occurrences o ON o.id = s.occurrence_id
                WHERE s.metric_id = ? AND s.numeric_value IS NOT NULL
                  AND o.start_time BETWEEN ? AND ?`
	args := []interface{}{metricID, from, to}
	query, args, err := appendLabelFilter(query, args, labels)
	if err != nil {
		return 0, 0, err
	}
	query = s.db.Rebind(query)
	var row struct {
		Total float64 `db:"total"`
		N     int64   `db:"n"`
	}
	if err := s.db.GetContext(ctx, &row, query, args...); err != nil {
		return 0, 0, fmt.Errorf("select yearly aggregate: %w", err)
	}
	return row.Total, row.N, nil
}

// SyncWatermark returns the most recent synced_at timestamp across all
// mirrored occurrences, or the zero time when nothing has been synced yet.
func (s *Store) SyncWatermark(ctx context.Context) (time.Time, error) {
	if s == nil || s.db == nil {
		return time.Time{}, errors.New("store not initialised")
	}
	var ms int64
	if err := s.db.GetContext(ctx, &ms, `SELECT COALESCE(MAX(synced_at), 0) FROM occurrences`); err != nil {
		return time.Time{}, fmt.Errorf("select sync watermark: %w", err)
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms).UTC(), nil
}

func appendLabelFilter(query string, args []interface{}, labels []string) (string, []interface{}, error) {
	if len(labels) == 0 {
		return query, args, nil
	}
	expanded, inArgs, err := sqlx.In(` AND s.category IN (?)`, labels)
	if err != nil {
		return "", nil, fmt.Errorf("build label filter: %w", err)
	}
	return query + expanded, append(args, inArgs...), nil
}
