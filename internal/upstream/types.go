package upstream

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// MetricDefinition is a validated upstream metric definition record.
type MetricDefinition struct {
	ID          int64
	Name        string
	DisplayName string
	Kind        string
	Unit        string
	SortOrder   int64
}

// Occurrence is a validated upstream event record. Category carries the
// calendar/category label when the upstream record references one.
type Occurrence struct {
	ID       int64
	Name     string
	Start    time.Time
	End      *time.Time
	Category string
}

// Sample is a validated per-occurrence metric value. Exactly one of
// NumericValue and TextValue is set, depending on the type the upstream
// API delivered.
type Sample struct {
	OccurrenceID int64
	MetricID     int64
	NumericValue *float64
	TextValue    *string
	Modified     *time.Time
}

// Wire shapes. The upstream API is loosely typed: ids arrive as numbers or
// numeric strings and sample values as numbers or free text, so everything
// is decoded permissively here and validated before records leave this
// package.

type metricRecord struct {
	ID             json.Number `json:"id"`
	Name           string      `json:"name"`
	TranslatedName string      `json:"translatedName"`
	Kind           string      `json:"kind"`
	Unit           string      `json:"unit"`
	SortKey        json.Number `json:"sortKey"`
}

type occurrenceRecord struct {
	ID          json.Number `json:"id"`
	Name        string      `json:"name"`
	StartDate   string      `json:"startDate"`
	EndDate     string      `json:"endDate"`
	CategoryRef string      `json:"categoryRef"`
}

type sampleRecord struct {
	OccurrenceID json.Number     `json:"occurrenceId"`
	MetricID     json.Number     `json:"metricId"`
	Value        json.RawMessage `json:"value"`
	ModifiedDate string          `json:"modifiedDate"`
}

func (r metricRecord) toDefinition() (MetricDefinition, bool) {
	id, err := r.ID.Int64()
	if err != nil || id <= 0 {
		return MetricDefinition{}, false
	}
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return MetricDefinition{}, false
	}
	display := strings.TrimSpace(r.TranslatedName)
	if display == "" {
		display = name
	}
	kind := strings.ToLower(strings.TrimSpace(r.Kind))
	if kind != "numeric" && kind != "categorical" {
		return MetricDefinition{}, false
	}
	sortOrder, _ := r.SortKey.Int64()
	return MetricDefinition{
		ID:          id,
		Name:        name,
		DisplayName: display,
		Kind:        kind,
		Unit:        strings.TrimSpace(r.Unit),
		SortOrder:   sortOrder,
	}, true
}

func (r occurrenceRecord) toOccurrence() (Occurrence, bool) {
	id, err := r.ID.Int64()
	if err != nil || id <= 0 {
		return Occurrence{}, false
	}
	start, err := parseUpstreamTime(r.StartDate)
	if err != nil {
		return Occurrence{}, false
	}
	occ := Occurrence{
		ID:       id,
		Name:     strings.TrimSpace(r.Name),
		Start:    start,
		Category: strings.TrimSpace(r.CategoryRef),
	}
	if end, err := parseUpstreamTime(r.EndDate); err == nil {
		occ.End = &end
	}
	return occ, true
}

func (r sampleRecord) toSample() (Sample, bool) {
	occID, err := r.OccurrenceID.Int64()
	if err != nil || occID <= 0 {
		return Sample{}, false
	}
	metricID, err := r.MetricID.Int64()
	if err != nil || metricID <= 0 {
		return Sample{}, false
	}
	sample := Sample{OccurrenceID: occID, MetricID: metricID}
	if !decodeSampleValue(r.Value, &sample) {
		return Sample{}, false
	}
	if modified, err := parseUpstreamTime(r.ModifiedDate); err == nil {
		sample.Modified = &modified
	}
	return sample, true
}

// decodeSampleValue coerces the loosely typed value field. A JSON number
// becomes the numeric value; a JSON string becomes the text value unless it
// parses cleanly as a number, in which case the upstream stored a numeric
// metric as text and it is treated as numeric.
func decodeSampleValue(raw json.RawMessage, sample *Sample) bool {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return false
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		sample.NumericValue = &num
		return true
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if parsed, err := strconv.ParseFloat(text, 64); err == nil {
		sample.NumericValue = &parsed
		return true
	}
	sample.TextValue = &text
	return true
}

var upstreamTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseUpstreamTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var lastErr error
	for _, layout := range upstreamTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = &time.ParseError{Layout: time.RFC3339, Value: value}
	}
	return time.Time{}, lastErr
}
