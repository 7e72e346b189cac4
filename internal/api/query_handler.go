package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/phivo/statsync/internal/aggregate"
	"github.com/phivo/statsync/internal/common"
	"github.com/phivo/statsync/internal/metrics"
)

// targetKeyPrefix anchors the composite target keys handed out by the
// discovery endpoint: stat_<metricId>_<aggregationKind>.
const targetKeyPrefix = "stat"

var targetKeyPattern = regexp.MustCompile(`^` + targetKeyPrefix + `_(\d+)_(raw|monthly|yearly_sum|yearly_mean)$`)

type queryRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type queryTarget struct {
	Target string   `json:"target"`
	Filter []string `json:"filter,omitempty"`
}

type queryRequest struct {
	Range   queryRange    `json:"range"`
	Targets []queryTarget `json:"targets"`
}

type queryResult struct {
	Target     string       `json:"target"`
	Datapoints [][2]float64 `json:"datapoints"`
	Unit       string       `json:"unit,omitempty"`
}

type searchOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

type searchPayload struct {
	Name    string         `json:"name"`
	Options []searchOption `json:"options"`
}

type searchEntry struct {
	Label    string          `json:"label"`
	Value    string          `json:"value"`
	Payloads []searchPayload `json:"payloads"`
}

// handleSearch serves metric discovery: four composite target entries per
// numeric metric, each carrying the observed category labels as a
// multi-value filter payload.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	numericMetrics, err := s.store.NumericMetrics(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	labels, err := s.store.CategoryLabels(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	options := make([]searchOption, 0, len(labels))
	for _, label := range labels {
		options = append(options, searchOption{Label: label, Value: label})
	}
	entries := make([]searchEntry, 0, len(numericMetrics)*len(aggregate.Kinds))
	for _, metric := range numericMetrics {
		for _, kind := range aggregate.Kinds {
			entries = append(entries, searchEntry{
				Label: fmt.Sprintf("%s %s", metric.DisplayName, kind.Describe()),
				Value: fmt.Sprintf("%s_%d_%s", targetKeyPrefix, metric.ID, kind),
				Payloads: []searchPayload{
					{Name: "category filter", Options: options},
				},
			})
		}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleQuery resolves each valid composite target through the aggregation
// engine. Targets whose key does not match the composite pattern are
// silently skipped, and targets yielding no datapoints are omitted from
// the response.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.QueriesServed.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() {
		metrics.QueriesServed.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, fmt.Errorf("range with from and to required"))
		return
	}
	ctx := r.Context()
	logger := common.Logger()
	results := make([]queryResult, 0, len(req.Targets))
	for _, target := range req.Targets {
		metricID, kind, ok := parseTargetKey(target.Target)
		if !ok {
			logger.Debug("api: skipping malformed query target", "target", target.Target)
			continue
		}
		metric, err := s.store.MetricByID(ctx, metricID)
		if err != nil {
			metrics.QueriesServed.WithLabelValues("error").Inc()
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if metric == nil {
			logger.Debug("api: skipping query target for unknown metric", "target", target.Target)
			continue
		}
		series, err := s.engine.Series(ctx, *metric, kind, req.Range.From, req.Range.To, target.Filter)
		if err != nil {
			metrics.QueriesServed.WithLabelValues("error").Inc()
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if len(series.Points) == 0 {
			continue
		}
		datapoints := make([][2]float64, 0, len(series.Points))
		for _, point := range series.Points {
			datapoints = append(datapoints, [2]float64{point.Value, float64(point.Timestamp)})
		}
		results = append(results, queryResult{
			Target:     series.Label,
			Datapoints: datapoints,
			Unit:       series.Unit,
		})
	}
	metrics.QueriesServed.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, results)
}

func parseTargetKey(key string) (int64, aggregate.Kind, bool) {
	match := targetKeyPattern.FindStringSubmatch(key)
	if match == nil {
		return 0, "", false
	}
	metricID, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, "", false
	}
	kind, ok := aggregate.ParseKind(match[2])
	if !ok {
		return 0, "", false
	}
	return metricID, kind, true
}
