package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/healer/internal/core/domain"
	"github.com/vietddude/healer/internal/healing/metrics"
)

// Notifier delivers alerts.
type Notifier interface {
	Emit(ctx context.Context, alert domain.Alert) error
}

// Config selects and tunes notifiers.
type Config struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`

	// PerMinute limits non-critical alerts per pipeline and kind (0 = unlimited)
	PerMinute float64 `yaml:"per_minute"`
	Burst     int     `yaml:"burst"`
}

// New builds the notifier chain described by cfg: always a log notifier,
// plus a webhook when configured, wrapped by the rate limiter.
func New(cfg Config, logger *slog.Logger) Notifier {
	var n Notifier = NewLogNotifier(logger)
	if cfg.WebhookURL != "" {
		n = Multi{n, NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout)}
	}
	if cfg.PerMinute > 0 {
		n = NewRateLimited(n, cfg.PerMinute, cfg.Burst, logger)
	}
	return n
}

// -----------------------------------------------------------------------------
// Log
// -----------------------------------------------------------------------------

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Emit(ctx context.Context, alert domain.Alert) error {
	level := slog.LevelWarn
	if alert.Severity == domain.AlertSeverityCritical {
		level = slog.LevelError
	}
	n.logger.Log(ctx, level, "Alert",
		"id", alert.ID,
		"pipeline", alert.PipelineID,
		"kind", alert.Kind,
		"message", alert.Message,
		"reason", alert.Reason,
	)
	metrics.AlertsTotal.WithLabelValues(string(alert.Kind)).Inc()
	return nil
}

// -----------------------------------------------------------------------------
// Webhook
// -----------------------------------------------------------------------------

// WebhookNotifier posts alerts as JSON.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (n *WebhookNotifier) Emit(ctx context.Context, alert domain.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook http %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Fan-out and rate limiting
// -----------------------------------------------------------------------------

// Multi emits to every notifier and joins the errors.
type Multi []Notifier

func (m Multi) Emit(ctx context.Context, alert domain.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Emit(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RateLimited drops non-critical alerts above the configured rate, keyed by
// pipeline and kind. Critical alerts always pass.
type RateLimited struct {
	next   Notifier
	limit  rate.Limit
	burst  int
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewRateLimited(next Notifier, perMinute float64, burst int, logger *slog.Logger) *RateLimited {
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		next:     next,
		limit:    rate.Limit(perMinute / 60.0),
		burst:    burst,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimited) Emit(ctx context.Context, alert domain.Alert) error {
	if alert.Severity != domain.AlertSeverityCritical && !r.allow(alert) {
		r.logger.Warn("Alert suppressed by rate limit",
			"pipeline", alert.PipelineID,
			"kind", alert.Kind,
		)
		return nil
	}
	return r.next.Emit(ctx, alert)
}

func (r *RateLimited) allow(alert domain.Alert) bool {
	key := alert.PipelineID + "/" + string(alert.Kind)
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	return l.Allow()
}
