package provider_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"projectflow/internal/provider"
	"projectflow/internal/provider/memory"
)

func fastPolicy() provider.RetryPolicy {
	return provider.RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestIsRetryable(t *testing.T) {
	require.True(t, provider.IsRetryable(provider.ErrRateLimited))
	require.True(t, provider.IsRetryable(provider.ErrUnavailable))
	require.True(t, provider.IsRetryable(&provider.Error{Op: "x", Status: 503, Err: errors.New("busy")}))
	require.True(t, provider.IsRetryable(&provider.Error{Op: "x", Status: 429, Err: errors.New("slow down")}))
	require.False(t, provider.IsRetryable(&provider.Error{Op: "x", Status: 403, Err: errors.New("denied")}))
	require.False(t, provider.IsRetryable(errors.New("boom")))
	require.False(t, provider.IsRetryable(nil))
	require.True(t, provider.IsNotFound(&provider.Error{Op: "x", Status: 404, Err: errors.New("gone")}))
}

func TestIdempotentCallRetriesTransientFailures(t *testing.T) {
	fakes := memory.New("owner@district.org")
	fakes.Documents.AddTemplate("tpl")
	id, err := fakes.Documents.Copy(context.Background(), "tpl", "f", "")
	require.NoError(t, err)
	fakes.Documents.FailNext("write_fields", provider.ErrUnavailable, &provider.Error{Op: "write", Status: 502, Err: errors.New("bad gateway")})

	set := provider.WithRetry(fakes.Set(), fastPolicy())
	require.NoError(t, set.Documents.WriteFields(context.Background(), id, map[string]string{"a": "b"}))
	require.Equal(t, 3, fakes.Documents.Calls("write_fields"))
}

func TestCreateRetriesOnlyRateLimits(t *testing.T) {
	fakes := memory.New("owner@district.org")
	set := provider.WithRetry(fakes.Set(), fastPolicy())
	ctx := context.Background()

	fakes.Calendar.FailNext("create", provider.ErrRateLimited)
	_, err := set.Calendar.CreateAllDayEvent(ctx, "t", time.Now(), "", nil)
	require.NoError(t, err)
	require.Equal(t, 2, fakes.Calendar.Calls("create"))

	fakes.Calendar.FailNext("create", provider.ErrUnavailable)
	_, err = set.Calendar.CreateAllDayEvent(ctx, "t", time.Now(), "", nil)
	require.ErrorIs(t, err, provider.ErrUnavailable)
	require.Equal(t, 3, fakes.Calendar.Calls("create"))
	require.Equal(t, 1, fakes.Calendar.Count())
}

func TestRetryStopsAtCap(t *testing.T) {
	fakes := memory.New("owner@district.org")
	set := provider.WithRetry(fakes.Set(), fastPolicy())
	fakes.Mail.FailNext("send", provider.ErrRateLimited, provider.ErrRateLimited, provider.ErrRateLimited, provider.ErrRateLimited, provider.ErrRateLimited)
	err := set.Mail.Send(context.Background(), provider.Message{To: []string{"a@b.org"}, Subject: "s"})
	require.ErrorIs(t, err, provider.ErrRateLimited)
	require.Equal(t, 4, fakes.Mail.Calls("send"))
	require.Empty(t, fakes.Mail.Sent())
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	fakes := memory.New("owner@district.org")
	set := provider.WithRetry(fakes.Set(), fastPolicy())
	denied := &provider.Error{Op: "share", Status: 403, Err: errors.New("denied")}
	fakes.Folders.FailNext("share", denied)
	err := set.Folders.Share(context.Background(), "any", "a@b.org", "Editor", true)
	var pe *provider.Error
	require.True(t, errors.As(err, &pe))
	require.Equal(t, 403, pe.Status)
	require.Equal(t, 1, fakes.Folders.Calls("share"))
}
