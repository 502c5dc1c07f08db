package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"projectflow/internal/config"
	"projectflow/internal/domain"
)

type fakeEvents struct {
	items []domain.Event
}

func (f *fakeEvents) EventsAfter(_ context.Context, cursor int64, limit int) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range f.items {
		if e.ID > cursor && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEvents) LatestEventID(context.Context) (int64, error) {
	if len(f.items) == 0 {
		return 0, nil
	}
	return f.items[len(f.items)-1].ID, nil
}

func TestWebhookSignsBodyWithSecret(t *testing.T) {
	var sig, body atomic.Value
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body.Store(b)
		sig.Store(r.Header.Get("X-Projectflow-Signature"))
	}))
	defer sink.Close()

	src := &fakeEvents{}
	d := newWebhookDispatcher(src, []config.WebhookConfig{{URL: sink.URL, Secret: "s3cret"}}, nil)
	d.dispatchAll(context.Background())
	src.items = append(src.items, domain.Event{ID: 1, Type: "intake", Payload: `{"row":2}`})
	d.dispatchAll(context.Background())

	got, _ := sig.Load().(string)
	sent, _ := body.Load().([]byte)
	if got == "" || got != "sha256="+signBody("s3cret", sent) {
		t.Fatalf("signature %q does not match body %s", got, sent)
	}
}

func TestWebhookRetriesServerErrorsThenHolds(t *testing.T) {
	var calls atomic.Int32
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer sink.Close()

	src := &fakeEvents{}
	off := false
	hooks := []config.WebhookConfig{{URL: sink.URL}, {URL: "http://unused.invalid", Enabled: &off}}
	d := newWebhookDispatcher(src, hooks, nil)
	d.retry = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, webhookAttempts-1) }
	if len(d.subs) != 1 {
		t.Fatalf("disabled hook should be skipped, got %d subscribers", len(d.subs))
	}
	d.dispatchAll(context.Background())
	src.items = append(src.items, domain.Event{ID: 7, Type: "transition"})
	d.dispatchAll(context.Background())

	if calls.Load() != webhookAttempts {
		t.Fatalf("expected %d attempts, got %d", webhookAttempts, calls.Load())
	}
	if d.subs[0].cursor != 0 {
		t.Fatalf("cursor advanced past undelivered event: %d", d.subs[0].cursor)
	}
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer sink.Close()

	src := &fakeEvents{}
	d := newWebhookDispatcher(src, []config.WebhookConfig{{URL: sink.URL}}, nil)
	d.retry = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, webhookAttempts-1) }
	d.dispatchAll(context.Background())
	src.items = append(src.items, domain.Event{ID: 3, Type: "sweep"})
	d.dispatchAll(context.Background())
	if calls.Load() != 1 {
		t.Fatalf("client error retried: %d calls", calls.Load())
	}
}
