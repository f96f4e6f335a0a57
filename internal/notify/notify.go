// Package notify sends operator alerts to a Discord-compatible webhook.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotscraper/internal/booking"
	"github.com/JakeFAU/slotscraper/internal/policy/ratelimit"
)

// Notifier reports conditions that need operator attention.
type Notifier interface {
	ProxyBlocked(ctx context.Context, report booking.BlockedEgressReport) error
	ScrapeFailed(ctx context.Context, remaining, attempts int) error
}

// Noop discards every notification.
type Noop struct{}

// ProxyBlocked does nothing.
func (Noop) ProxyBlocked(context.Context, booking.BlockedEgressReport) error { return nil }

// ScrapeFailed does nothing.
func (Noop) ScrapeFailed(context.Context, int, int) error { return nil }

const (
	embedColor  = 5814783
	mention     = "@everyone"
	requestTime = 15 * time.Second
)

type message struct {
	Content     *string `json:"content"`
	Embeds      []embed `json:"embeds"`
	Attachments []any   `json:"attachments"`
}

type embed struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Color       int     `json:"color"`
	Fields      []field `json:"fields"`
	Timestamp   string  `json:"timestamp"`
}

type field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Webhook posts embeds to a webhook URL. Sends are spaced at least
// minInterval apart so a burst of blocked proxies does not trip the
// receiver's rate limit.
type Webhook struct {
	client  *resty.Client
	url     string
	limiter *ratelimit.Limiter
	clock   booking.Clock
	logger  *zap.Logger
}

var _ Notifier = (*Webhook)(nil)

// NewWebhook creates a webhook notifier.
func NewWebhook(url string, minInterval time.Duration, clock booking.Clock, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New()
	client.SetTimeout(requestTime)
	client.SetHeader("Content-Type", "application/json")
	return &Webhook{
		client:  client,
		url:     url,
		limiter: ratelimit.New(ratelimit.Config{MinInterval: minInterval}),
		clock:   clock,
		logger:  logger,
	}
}

// ProxyBlocked announces an egress point the portal refused.
func (w *Webhook) ProxyBlocked(ctx context.Context, report booking.BlockedEgressReport) error {
	err := w.send(ctx, embed{
		Title:       "Proxy Block Detected",
		Description: mention,
		Color:       embedColor,
		Fields: []field{
			{Name: "Proxy Ip", Value: report.EgressPoint},
			{Name: "Response code", Value: strconv.Itoa(report.StatusCode)},
			{Name: "Response Dump", Value: report.ResponseExcerpt},
		},
	})
	if err != nil {
		return fmt.Errorf("notify proxy blocked: %w", err)
	}
	w.logger.Info("blocked proxy notification sent", zap.String("egress", report.EgressPoint))
	return nil
}

// ScrapeFailed announces that locations were still missing after every attempt.
func (w *Webhook) ScrapeFailed(ctx context.Context, remaining, attempts int) error {
	err := w.send(ctx, embed{
		Title:       "Scrape Failed",
		Description: mention,
		Color:       embedColor,
		Fields: []field{
			{Name: "Locations remaining", Value: strconv.Itoa(remaining)},
			{Name: "Attempts", Value: strconv.Itoa(attempts)},
		},
	})
	if err != nil {
		return fmt.Errorf("notify scrape failed: %w", err)
	}
	w.logger.Info("scrape failure notification sent", zap.Int("remaining", remaining))
	return nil
}

func (w *Webhook) send(ctx context.Context, e embed) error {
	if err := w.limiter.Wait(ctx, w.url); err != nil {
		return fmt.Errorf("wait for send budget: %w", err)
	}
	e.Timestamp = w.clock.Now().UTC().Format(time.RFC3339)
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(message{Embeds: []embed{e}, Attachments: []any{}}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned %s", resp.Status())
	}
	return nil
}
