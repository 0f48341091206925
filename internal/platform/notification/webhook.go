package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// WebhookConfig configures the HTTP push gateway transport.
type WebhookConfig struct {
	URL    string
	Secret string
	// RPS caps outbound requests per second; burst is twice that.
	RPS     float64
	Timeout time.Duration
	// FailureThreshold consecutive failures open the breaker for OpenFor.
	FailureThreshold uint32
	OpenFor          time.Duration
}

// WebhookDispatcher POSTs signed JSON messages to a push gateway. A circuit
// breaker stops hammering a failing gateway and a limiter paces bursts.
type WebhookDispatcher struct {
	cfg     WebhookConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	limiter *rate.Limiter
}

func NewWebhookDispatcher(cfg WebhookConfig, logger zerolog.Logger) *WebhookDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 20
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}

	log := logger.With().Str("component", "webhook-dispatcher").Logger()
	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "notification-webhook",
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})

	return &WebhookDispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), int(cfg.RPS*2)+1),
	}
}

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookDispatcher) Send(ctx context.Context, msg Message) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %v", ErrDispatch, err)
	}

	_, err := d.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, d.post(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	return nil
}

func (d *WebhookDispatcher) post(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Notification-ID", msg.ID.String())
	req.Header.Set("X-Notification-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if d.cfg.Secret != "" {
		req.Header.Set("X-Notification-Signature", "sha256="+SignPayload(payload, d.cfg.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
