// Package upstream fetches metric definitions, occurrences and samples
// from the upstream event-management REST API. It performs no persistence
// and no aggregation.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phivo/statsync/internal/common"
)

// ErrAuthentication marks a failed login or a rejected session token.
// Callers treat it as fatal for the whole sync attempt.
var ErrAuthentication = errors.New("upstream authentication failed")

// Client talks to the upstream API. The session token lives on the client,
// established lazily on the first request and refreshed after a rejection.
type Client struct {
	cfg        Config
	httpClient *http.Client
	baseURL    string

	mu    sync.Mutex
	token string
}

// NewClient constructs a client from the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("upstream base URL required")
	}
	cfg.applyDefaults()
	transport := &http.Transport{
		MaxIdleConns:    cfg.HTTPMaxIdleConns,
		IdleConnTimeout: cfg.HTTPIdleConnTimeout,
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}, nil
}

// NewFromEnv loads configuration from the environment and constructs a
// client.
func NewFromEnv() (*Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewClient(cfg)
}

// BatchSize reports the configured occurrence batch size.
func (c *Client) BatchSize() int {
	return c.cfg.BatchSize
}

// Login authenticates against the upstream API and stores the session
// token on the client.
func (c *Client) Login(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("encode login payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/login", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: login returned status %d", ErrAuthentication, resp.StatusCode)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: decode login response: %v", ErrAuthentication, err)
	}
	if strings.TrimSpace(body.Token) == "" {
		return fmt.Errorf("%w: login returned empty token", ErrAuthentication)
	}
	c.mu.Lock()
	c.token = body.Token
	c.mu.Unlock()
	return nil
}

func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	if err := c.Login(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	token = c.token
	c.mu.Unlock()
	return token, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	token, err := c.sessionToken(ctx)
	if err != nil {
		return err
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return fmt.Errorf("%w: %s returned status %d", ErrAuthentication, path, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("fetch %s: unexpected status %d", path, resp.StatusCode)
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// FetchMetricDefinitions returns the full upstream metric definition
// snapshot. Malformed records are skipped with a warning.
func (c *Client) FetchMetricDefinitions(ctx context.Context) ([]MetricDefinition, error) {
	var envelope struct {
		Data []metricRecord `json:"data"`
	}
	if err := c.getJSON(ctx, "/api/metricdefinitions", nil, &envelope); err != nil {
		return nil, err
	}
	logger := common.Logger()
	definitions := make([]MetricDefinition, 0, len(envelope.Data))
	for _, record := range envelope.Data {
		def, ok := record.toDefinition()
		if !ok {
			logger.Warn("upstream: skipping malformed metric definition", "id", record.ID.String(), "name", record.Name)
			continue
		}
		definitions = append(definitions, def)
	}
	return definitions, nil
}

// FetchOccurrences returns the occurrences whose start falls in [from, to].
func (c *Client) FetchOccurrences(ctx context.Context, from, to time.Time) ([]Occurrence, error) {
	query := url.Values{}
	query.Set("from", from.UTC().Format(time.RFC3339))
	query.Set("to", to.UTC().Format(time.RFC3339))
	var envelope struct {
		Data []occurrenceRecord `json:"data"`
	}
	if err := c.getJSON(ctx, "/api/occurrences", query, &envelope); err != nil {
		return nil, err
	}
	logger := common.Logger()
	occurrences := make([]Occurrence, 0, len(envelope.Data))
	for _, record := range envelope.Data {
		occ, ok := record.toOccurrence()
		if !ok {
			logger.Warn("upstream: skipping malformed occurrence", "id", record.ID.String(), "start", record.StartDate)
			continue
		}
		occurrences = append(occurrences, occ)
	}
	return occurrences, nil
}

// FetchOccurrencesForYear returns the occurrences of one calendar year.
func (c *Client) FetchOccurrencesForYear(ctx context.Context, year int) ([]Occurrence, error) {
	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC).Add(-time.Second)
	return c.FetchOccurrences(ctx, from, to)
}

// FetchSamples returns the samples attached to one occurrence.
func (c *Client) FetchSamples(ctx context.Context, occurrenceID int64) ([]Sample, error) {
	var envelope struct {
		Data []sampleRecord `json:"data"`
	}
	path := fmt.Sprintf("/api/occurrences/%d/samples", occurrenceID)
	if err := c.getJSON(ctx, path, nil, &envelope); err != nil {
		return nil, err
	}
	logger := common.Logger()
	samples := make([]Sample, 0, len(envelope.Data))
	for _, record := range envelope.Data {
		sample, ok := record.toSample()
		if !ok {
			logger.Warn("upstream: skipping malformed sample", "occurrence", record.OccurrenceID.String(), "metric", record.MetricID.String())
			continue
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// FetchSamplesForOccurrences retrieves samples for many occurrences. In the
// default mode occurrences are processed in batches with bounded
// concurrency; in serial mode they are fetched one at a time with a fixed
// pause between requests, for rate-limit-friendly backfills. A failure for
// a single occurrence degrades to an empty sample list; authentication
// failures abort the whole call.
func (c *Client) FetchSamplesForOccurrences(ctx context.Context, occurrenceIDs []int64, serial bool) (map[int64][]Sample, error) {
	results := make(map[int64][]Sample, len(occurrenceIDs))
	if serial {
		for i, id := range occurrenceIDs {
			if i > 0 {
				time.Sleep(c.cfg.FetchDelay)
			}
			samples, err := c.fetchSamplesTolerant(ctx, id)
			if err != nil {
				return nil, err
			}
			results[id] = samples
		}
		return results, nil
	}
	for start := 0; start < len(occurrenceIDs); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(occurrenceIDs) {
			end = len(occurrenceIDs)
		}
		batch := occurrenceIDs[start:end]
		batchResults := make([][]Sample, len(batch))
		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(c.cfg.BatchSize)
		for i, id := range batch {
			i, id := i, id
			group.Go(func() error {
				samples, err := c.fetchSamplesTolerant(groupCtx, id)
				if err != nil {
					return err
				}
				batchResults[i] = samples
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
		for i, id := range batch {
			results[id] = batchResults[i]
		}
	}
	return results, nil
}

func (c *Client) fetchSamplesTolerant(ctx context.Context, occurrenceID int64) ([]Sample, error) {
	samples, err := c.FetchSamples(ctx, occurrenceID)
	if err != nil {
		if errors.Is(err, ErrAuthentication) {
			return nil, err
		}
		common.Logger().Warn("upstream: sample fetch failed, continuing with empty result", "occurrence", occurrenceID, "error", err)
		return nil, nil
	}
	return samples, nil
}
