// Package aggregate turns stored per-occurrence samples into raw, monthly
// and yearly time series. Only numeric samples participate; text-valued
// samples never reach these computations.
package aggregate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/phivo/statsync/internal/store"
)

// Kind selects one of the four supported aggregations.
type Kind string

const (
	KindRaw        Kind = "raw"
	KindMonthly    Kind = "monthly"
	KindYearlySum  Kind = "yearly_sum"
	KindYearlyMean Kind = "yearly_mean"
)

// Kinds lists the supported aggregation kinds in discovery order.
var Kinds = []Kind{KindRaw, KindMonthly, KindYearlySum, KindYearlyMean}

// ParseKind maps an aggregation-kind string onto a Kind.
func ParseKind(value string) (Kind, bool) {
	switch Kind(value) {
	case KindRaw, KindMonthly, KindYearlySum, KindYearlyMean:
		return Kind(value), true
	}
	return "", false
}

// Describe returns the human-readable name of the kind, as used in series
// labels and discovery entries.
func (k Kind) Describe() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindMonthly:
		return "monthly sum"
	case KindYearlySum:
		return "yearly sum"
	case KindYearlyMean:
		return "yearly mean"
	}
	return string(k)
}

// Point is one datapoint of a series, timestamped in epoch milliseconds
// UTC.
type Point struct {
	Value     float64
	Timestamp int64
}

// Series is the result of one aggregation request.
type Series struct {
	Label  string
	Unit   string
	Points []Point
}

// Engine computes series from the mirror store.
type Engine struct {
	store *store.Store
}

// New constructs an Engine over the given store.
func New(st *store.Store) *Engine {
	return &Engine{store: st}
}

// Series computes the requested aggregation for one metric over [from, to].
// A non-empty label set restricts the computation to samples whose cached
// occurrence category is in the set. The returned series label is
// deterministic for a given input.
func (e *Engine) Series(ctx context.Context, metric store.Metric, kind Kind, from, to time.Time, labels []string) (Series, error) {
	series := Series{Label: composeLabel(metric, kind, labels)}
	if metric.Unit != nil {
		series.Unit = *metric.Unit
	}
	fromMs := from.UTC().UnixMilli()
	toMs := to.UTC().UnixMilli()

	var err error
	switch kind {
	case KindRaw:
		series.Points, err = e.rawPoints(ctx, metric.ID, fromMs, toMs, labels)
	case KindMonthly:
		series.Points, err = e.monthlyPoints(ctx, metric.ID, fromMs, toMs, labels)
	case KindYearlySum:
		series.Points, err = e.yearlyPoints(ctx, metric.ID, from, to, labels, false)
	case KindYearlyMean:
		series.Points, err = e.yearlyPoints(ctx, metric.ID, from, to, labels, true)
	default:
		return Series{}, fmt.Errorf("unsupported aggregation kind %q", kind)
	}
	if err != nil {
		return Series{}, err
	}
	return series, nil
}

func (e *Engine) rawPoints(ctx context.Context, metricID, from, to int64, labels []string) ([]Point, error) {
	samples, err := e.store.SamplesInRange(ctx, metricID, from, to, labels)
	if err != nil {
		return nil, err
	}
	points := make([]Point, 0, len(samples))
	for _, sample := range samples {
		points = append(points, Point{Value: sample.Value, Timestamp: sample.StartTime})
	}
	return points, nil
}

func (e *Engine) monthlyPoints(ctx context.Context, metricID, from, to int64, labels []string) ([]Point, error) {
	sums, err := e.store.MonthlySums(ctx, metricID, from, to, labels)
	if err != nil {
		return nil, err
	}
	points := make([]Point, 0, len(sums))
	for _, sum := range sums {
		monthStart, err := time.Parse("2006-01", sum.Month)
		if err != nil {
			return nil, fmt.Errorf("parse month key %q: %w", sum.Month, err)
		}
		points = append(points, Point{Value: sum.Total, Timestamp: monthStart.UnixMilli()})
	}
	return points, nil
}

// yearlyPoints walks every calendar year overlapping [from, to] and emits
// one point per year that holds at least one matching sample. Years without
// samples contribute nothing rather than a zero-valued point.
func (e *Engine) yearlyPoints(ctx context.Context, metricID int64, from, to time.Time, labels []string, mean bool) ([]Point, error) {
	firstYear := from.UTC().Year()
	lastYear := to.UTC().Year()
	points := make([]Point, 0, lastYear-firstYear+1)
	for year := firstYear; year <= lastYear; year++ {
		yearStart := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		yearEnd := time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC).Add(-time.Millisecond)
		sum, count, err := e.store.YearlyAggregate(ctx, metricID, yearStart.UnixMilli(), yearEnd.UnixMilli(), labels)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			continue
		}
		value := sum
		if mean {
			value = sum / float64(count)
		}
		points = append(points, Point{Value: value, Timestamp: yearStart.UnixMilli()})
	}
	return points, nil
}

// composeLabel builds the human-readable series identifier: display name,
// aggregation kind, parenthesized unit when present, and the filter labels
// bracket-appended in request order when non-empty.
func composeLabel(metric store.Metric, kind Kind, labels []string) string {
	var builder strings.Builder
	builder.WriteString(metric.DisplayName)
	builder.WriteString(" ")
	builder.WriteString(kind.Describe())
	if metric.Unit != nil && strings.TrimSpace(*metric.Unit) != "" {
		builder.WriteString(" (")
		builder.WriteString(strings.TrimSpace(*metric.Unit))
		builder.WriteString(")")
	}
	if len(labels) > 0 {
		builder.WriteString(" [")
		builder.WriteString(strings.Join(labels, ", "))
		builder.WriteString("]")
	}
	return builder.String()
}
