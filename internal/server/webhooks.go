package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"projectflow/internal/config"
	"projectflow/internal/domain"
	"projectflow/internal/repo"
)

const (
	webhookPollInterval = 2 * time.Second
	webhookTimeout      = 5 * time.Second
	webhookBatch        = 100
	webhookAttempts     = 3
)

var webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "projectflow_webhook_deliveries_total",
	Help: "Audit events posted to webhooks, by result.",
}, []string{"result"})

// EventSource is the part of the repo the webhook dispatcher reads.
type EventSource interface {
	EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

var _ EventSource = repo.Repo{}

// subscriber is one enabled webhook and its delivery cursor.
type subscriber struct {
	url    string
	secret string
	types  map[string]bool
	client *http.Client
	cursor int64
	primed bool
}

func (s *subscriber) wants(eventType string) bool {
	return len(s.types) == 0 || s.types[eventType]
}

type webhookDispatcher struct {
	source EventSource
	subs   []*subscriber
	logger *slog.Logger
	retry  func() backoff.BackOff
}

// StartWebhooks posts new audit events to each enabled webhook until ctx ends.
// Delivery starts after the newest event present at startup.
func StartWebhooks(ctx context.Context, source EventSource, hooks []config.WebhookConfig, logger *slog.Logger) {
	d := newWebhookDispatcher(source, hooks, logger)
	if len(d.subs) == 0 {
		return
	}
	go d.run(ctx)
}

func newWebhookDispatcher(source EventSource, hooks []config.WebhookConfig, logger *slog.Logger) *webhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &webhookDispatcher{
		source: source,
		logger: logger,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return backoff.WithMaxRetries(b, webhookAttempts-1)
		},
	}
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		target := strings.TrimSpace(hook.URL)
		if target == "" {
			continue
		}
		timeout := hook.Timeout
		if timeout <= 0 {
			timeout = webhookTimeout
		}
		sub := &subscriber{url: target, secret: hook.Secret, client: &http.Client{Timeout: timeout}}
		for _, t := range hook.Events {
			if t = strings.TrimSpace(t); t != "" {
				if sub.types == nil {
					sub.types = map[string]bool{}
				}
				sub.types[t] = true
			}
		}
		d.subs = append(d.subs, sub)
	}
	return d
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, sub := range d.subs {
		if err := d.deliver(ctx, sub); err != nil {
			d.logger.Warn("webhook delivery stalled", "url", sub.url, "cursor", sub.cursor, "error", err)
		}
	}
}

// deliver posts every wanted event after the subscriber cursor. A failed post
// leaves the cursor on the previous event so the next tick retries it.
func (d *webhookDispatcher) deliver(ctx context.Context, sub *subscriber) error {
	if !sub.primed {
		latest, err := d.source.LatestEventID(ctx)
		if err != nil {
			return fmt.Errorf("prime cursor: %w", err)
		}
		sub.cursor, sub.primed = latest, true
	}
	batch, err := d.source.EventsAfter(ctx, sub.cursor, webhookBatch)
	if err != nil {
		return fmt.Errorf("fetch events: %w", err)
	}
	for _, evt := range batch {
		if sub.wants(evt.Type) {
			body, err := encodeWebhookEvent(evt)
			if err != nil {
				return err
			}
			op := func() error { return d.post(ctx, sub, evt, body) }
			if err := backoff.Retry(op, backoff.WithContext(d.retry(), ctx)); err != nil {
				webhookDeliveries.WithLabelValues("failed").Inc()
				return fmt.Errorf("event %d: %w", evt.ID, err)
			}
			webhookDeliveries.WithLabelValues("delivered").Inc()
		}
		sub.cursor = evt.ID
	}
	return nil
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func encodeWebhookEvent(evt domain.Event) ([]byte, error) {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
}

// signBody returns the hex HMAC-SHA256 of body under secret.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *webhookDispatcher) post(ctx context.Context, sub *subscriber, evt domain.Event, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Projectflow-Event", evt.Type)
	req.Header.Set("X-Projectflow-Delivery", strconv.FormatInt(evt.ID, 10))
	if strings.TrimSpace(sub.secret) != "" {
		req.Header.Set("X-Projectflow-Signature", "sha256="+signBody(sub.secret, body))
	}
	res, err := sub.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
