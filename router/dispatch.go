package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/convolabai/langhook/errors"
	"github.com/convolabai/langhook/metric"
	"github.com/convolabai/langhook/pkg/retry"
)

// WebhookConfig is the channel_config shape for webhook channels.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Dispatcher posts matched events to subscriber webhooks with a fixed
// retry schedule. Responses in the 4xx range are terminal except 408
// and 429.
type Dispatcher struct {
	client   *http.Client
	schedule retry.Config
	metrics  *metric.Metrics
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher with the standard 1s/4s/16s
// backoff schedule.
func NewDispatcher(metrics *metric.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:   &http.Client{Timeout: 10 * time.Second},
		schedule: retry.FixedSchedule(time.Second, 4*time.Second, 16*time.Second),
		metrics:  metrics,
		logger:   logger,
	}
}

// Deliver posts the event to the webhook. It returns the last HTTP
// status received (0 when no response arrived) and an error when
// delivery ultimately failed.
func (d *Dispatcher) Deliver(ctx context.Context, rawCfg json.RawMessage, body []byte) (int, error) {
	var cfg WebhookConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return 0, errors.WrapKind(err, errors.KindChannelDeliveryFailed, errors.ErrorInvalid,
			"Dispatcher", "Deliver")
	}
	if cfg.URL == "" {
		return 0, errors.NewKind(errors.KindChannelDeliveryFailed, errors.ErrorInvalid,
			"Dispatcher", "Deliver", "channel config has no url")
	}

	var lastStatus int
	err := retry.Do(ctx, d.schedule, func() error {
		status, err := d.post(ctx, cfg, body)
		lastStatus = status
		return err
	})
	if err != nil {
		d.metrics.WebhookSends.WithLabelValues("failed").Inc()
		return lastStatus, errors.WrapKind(err, errors.KindChannelDeliveryFailed, errors.ErrorTransient,
			"Dispatcher", "Deliver")
	}
	d.metrics.WebhookSends.WithLabelValues("delivered").Inc()
	return lastStatus, nil
}

func (d *Dispatcher) post(ctx context.Context, cfg WebhookConfig, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, fmt.Errorf("webhook responded %d", resp.StatusCode)
	case resp.StatusCode < 500:
		// Other 4xx: the endpoint rejected the payload, retrying the
		// same body cannot help.
		return resp.StatusCode, retry.NonRetryable(fmt.Errorf("webhook responded %d", resp.StatusCode))
	default:
		return resp.StatusCode, fmt.Errorf("webhook responded %d", resp.StatusCode)
	}
}
