package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskweek/flowgate/internal/models"
)

// Webhook event discriminators understood by the n8n workflows.
const (
	eventDaySubmit  = "DAY_SUBMIT"
	eventWeekSubmit = "WEEK_SUBMIT"
)

// DefaultTimeout bounds each webhook call; the backend call is the only
// operation in the gateway expected to suspend on network I/O.
const DefaultTimeout = 10 * time.Second

// Opts holds configuration for the n8n client.
type Opts struct {
	DayURL       string
	WeekURL      string
	SharedSecret string
	APIKey       string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Option configures the n8n client.
type Option func(*Opts)

// WithDayURL sets the webhook URL for per-day submissions.
func WithDayURL(url string) Option {
	return func(o *Opts) { o.DayURL = url }
}

// WithWeekURL sets the webhook URL for aggregated week submissions.
func WithWeekURL(url string) Option {
	return func(o *Opts) { o.WeekURL = url }
}

// WithSharedSecret sets the x-shared-secret header value for mutual
// authentication with the backend.
func WithSharedSecret(secret string) Option {
	return func(o *Opts) { o.SharedSecret = secret }
}

// WithAPIKey sets the optional x-api-key header value.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithHTTPClient injects an HTTP client, used in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// N8NClient submits flow results to n8n webhook workflows.
type N8NClient struct {
	dayURL       string
	weekURL      string
	sharedSecret string
	apiKey       string
	timeout      time.Duration
	client       *http.Client
}

// NewN8NClient builds the webhook client. URLs may be set independently; a
// submission to an unconfigured URL fails with models.ErrAutomationBackend.
func NewN8NClient(opts ...Option) *N8NClient {
	cfg := Opts{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	slog.Debug("N8NClient configured",
		"day_url_set", cfg.DayURL != "",
		"week_url_set", cfg.WeekURL != "",
		"shared_secret_set", cfg.SharedSecret != "",
		"api_key_set", cfg.APIKey != "",
		"timeout", cfg.Timeout)
	return &N8NClient{
		dayURL:       cfg.DayURL,
		weekURL:      cfg.WeekURL,
		sharedSecret: cfg.SharedSecret,
		apiKey:       cfg.APIKey,
		timeout:      cfg.Timeout,
		client:       cfg.HTTPClient,
	}
}

// SubmitDay posts one day's completed selections.
func (c *N8NClient) SubmitDay(ctx context.Context, sub DaySubmission) error {
	payload := struct {
		Event string `json:"event"`
		DaySubmission
	}{Event: eventDaySubmit, DaySubmission: sub}
	return c.post(ctx, c.dayURL, payload, "day", sub.FlowToken)
}

// SubmitWeek posts the aggregated week.
func (c *N8NClient) SubmitWeek(ctx context.Context, sub WeekSubmission) error {
	payload := struct {
		Event string `json:"event"`
		WeekSubmission
	}{Event: eventWeekSubmit, WeekSubmission: sub}
	return c.post(ctx, c.weekURL, payload, "week", sub.FlowToken)
}

func (c *N8NClient) post(ctx context.Context, url string, payload any, kind, flowToken string) error {
	if url == "" {
		return fmt.Errorf("%w: no %s webhook URL configured", models.ErrAutomationBackend, kind)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal %s payload: %v", models.ErrAutomationBackend, kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrAutomationBackend, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.sharedSecret != "" {
		req.Header.Set("X-Shared-Secret", c.sharedSecret)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Warn("N8NClient: webhook call failed", "kind", kind, "flow_token", flowToken, "error", err)
		return fmt.Errorf("%w: %v", models.ErrAutomationBackend, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("N8NClient: webhook rejected submission", "kind", kind, "flow_token", flowToken, "status", resp.StatusCode)
		return fmt.Errorf("%w: %s webhook returned %d: %s", models.ErrAutomationBackend, kind, resp.StatusCode, snippet)
	}
	// Drain so the connection can be reused.
	io.Copy(io.Discard, resp.Body)
	slog.Debug("N8NClient: submission delivered", "kind", kind, "flow_token", flowToken)
	return nil
}
