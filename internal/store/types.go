package store

// MetricKind distinguishes numeric metrics from categorical ones. Only
// numeric metrics participate in aggregation.
const (
	MetricKindNumeric     = "numeric"
	MetricKindCategorical = "categorical"
)

// Metric is a mirrored metric definition row. The id is assigned upstream
// and stable across syncs.
type Metric struct {
	ID          int64   `db:"id"`
	Name        string  `db:"name"`
	DisplayName string  `db:"display_name"`
	Kind        string  `db:"kind"`
	Unit        *string `db:"unit"`
	SortOrder   int64   `db:"sort_order"`
}

// Occurrence is a mirrored upstream event row. Timestamps are epoch
// milliseconds UTC; SyncedAt records when the row was last written locally
// and backs the sync watermark.
type Occurrence struct {
	ID        int64   `db:"id"`
	Name      string  `db:"name"`
	StartTime int64   `db:"start_time"`
	EndTime   *int64  `db:"end_time"`
	Category  *string `db:"category"`
	SyncedAt  int64   `db:"synced_at"`
}

// Sample holds the value of one metric for one occurrence. Exactly one of
// NumericValue and TextValue is set. Category is denormalized from the
// occurrence at write time so label filters never need a join.
type Sample struct {
	OccurrenceID int64    `db:"occurrence_id"`
	MetricID     int64    `db:"metric_id"`
	NumericValue *float64 `db:"numeric_value"`
	TextValue    *string  `db:"text_value"`
	Category     *string  `db:"category"`
	ModifiedAt   *int64   `db:"modified_at"`
}

// SamplePoint is a numeric sample joined to its occurrence start time,
// as consumed by raw aggregation.
type SamplePoint struct {
	Value     float64 `db:"value"`
	StartTime int64   `db:"start_time"`
}

// MonthlySum is one calendar month's summed value for a metric.
type MonthlySum struct {
	Month string  `db:"month"`
	Total float64 `db:"total"`
}
