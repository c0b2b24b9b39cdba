// Package matchupapi is the HTTP client for the matchup service. It fetches
// matchup contexts and uploads workouts and measurements.
//
// Reads are retried up to three times with jittered exponential backoff.
// Uploads are sent once; the sync orchestrator decides what a failed upload
// means. Every request passes through a client-side token bucket so bursts
// of triggers do not exceed the server's rate limit.
package matchupapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/njoerd114/healthrelay/internal/model"
)

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Retryable reports whether repeating the request may succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type decodeError struct {
	path string
	err  error
}

func (e *decodeError) Error() string { return fmt.Sprintf("decode %s response: %v", e.path, e.err) }
func (e *decodeError) Unwrap() error { return e.err }

// Options tunes a [Client]. The zero value is usable.
type Options struct {
	// RateLimit is the sustained requests per second. Zero disables limiting.
	RateLimit float64
	Burst     int

	// MaxAttempts bounds read retries. Defaults to 3.
	MaxAttempts int
	// RetryBaseDelay is the first backoff interval. Defaults to 500ms.
	RetryBaseDelay time.Duration

	HTTPClient *http.Client
}

// Client talks to the matchup service. Create one with [NewClient].
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
	limiter *rate.Limiter
	log     *slog.Logger

	maxAttempts int
	baseDelay   time.Duration
}

// NewClient validates baseURL and returns a client that authenticates with
// a bearer token.
func NewClient(baseURL, token string, opts Options, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid API URL %q", baseURL)
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	delay := opts.RetryBaseDelay
	if delay <= 0 {
		delay = defaultBaseDelay
	}

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		hc:          hc,
		limiter:     rate.NewLimiter(limit, burst),
		log:         logger,
		maxAttempts: attempts,
		baseDelay:   delay,
	}, nil
}

// GetMatchup fetches one matchup with the measurements the server holds.
func (c *Client) GetMatchup(ctx context.Context, matchupID string) (model.MatchupContext, error) {
	path := "/matchups/" + url.PathEscape(matchupID)
	mc, err := retry(ctx, c.maxAttempts, c.baseDelay, c.notify(path), func() (model.MatchupContext, error) {
		var out model.MatchupContext
		err := c.do(ctx, http.MethodGet, path, nil, &out)
		return out, err
	})
	if err != nil {
		return model.MatchupContext{}, fmt.Errorf("get matchup %s: %w", matchupID, err)
	}
	return mc, nil
}

// ListActiveMatchups returns the matchups userID currently participates in.
func (c *Client) ListActiveMatchups(ctx context.Context, userID string) ([]model.MatchupContext, error) {
	path := "/users/" + url.PathEscape(userID) + "/matchups?status=active"
	list, err := retry(ctx, c.maxAttempts, c.baseDelay, c.notify(path), func() ([]model.MatchupContext, error) {
		var out struct {
			Matchups []model.MatchupContext `json:"matchups"`
		}
		err := c.do(ctx, http.MethodGet, path, nil, &out)
		return out.Matchups, err
	})
	if err != nil {
		return nil, fmt.Errorf("list active matchups for %s: %w", userID, err)
	}
	return list, nil
}

// UploadWorkouts posts the batch in a single request.
func (c *Client) UploadWorkouts(ctx context.Context, workouts []model.WorkoutRecord) error {
	body := struct {
		Workouts []model.WorkoutRecord `json:"workouts"`
	}{workouts}
	if err := c.do(ctx, http.MethodPost, "/workouts", body, nil); err != nil {
		return fmt.Errorf("upload %d workouts: %w", len(workouts), err)
	}
	return nil
}

// UploadMeasurements replaces the caller's measurements for matchupID and
// returns the server's updated matchup context with recomputed points.
func (c *Client) UploadMeasurements(ctx context.Context, matchupID string, ms []model.Measurement) (model.MatchupContext, error) {
	body := struct {
		Measurements []model.Measurement `json:"measurements"`
	}{ms}
	var out model.MatchupContext
	path := "/matchups/" + url.PathEscape(matchupID) + "/user-measurements"
	if err := c.do(ctx, http.MethodPut, path, body, &out); err != nil {
		return model.MatchupContext{}, fmt.Errorf("upload %d measurements to %s: %w", len(ms), matchupID, err)
	}
	return out, nil
}

func (c *Client) notify(path string) func(error, time.Duration) {
	return func(err error, next time.Duration) {
		c.log.Warn("matchup API request failed, retrying", "path", path, "retry_in", next, "error", err)
	}
}

// do sends one request. in is JSON-encoded when non-nil; out receives the
// decoded response when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var eb struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		return &StatusError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: eb.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &decodeError{path: path, err: err}
	}
	return nil
}
