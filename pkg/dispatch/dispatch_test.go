package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/outbound/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProviderDown = errors.New("provider down")

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
	}
}

func testMessage() Message {
	return Message{
		RunID:      "run-1",
		LeadID:     "lead-1",
		StepIndex:  0,
		Channel:    models.ChannelEmail,
		VariantID:  "a",
		TemplateID: "tpl-a",
		DedupKey:   models.DispatchDedupKey("run-1", 0, 0),
	}
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	sender := SenderFunc(func(_ context.Context, msg Message) (Receipt, error) {
		if calls.Add(1) < 3 {
			return Receipt{}, errProviderDown
		}

		return Receipt{Provider: "test", ProviderMessageID: msg.DedupKey}, nil
	})

	dispatcher := NewDispatcher(sender, time.Second, fastPolicy(3), slog.New(slog.DiscardHandler))

	result, err := dispatcher.Dispatch(t.Context(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, "run-1:0:0", result.Receipt.ProviderMessageID)
}

func TestDispatcher_StopsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	sender := SenderFunc(func(context.Context, Message) (Receipt, error) {
		calls.Add(1)

		return Receipt{}, errProviderDown
	})

	dispatcher := NewDispatcher(sender, time.Second, fastPolicy(3), slog.New(slog.DiscardHandler))

	result, err := dispatcher.Dispatch(t.Context(), testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.ErrorIs(t, err, errProviderDown)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, models.OutcomeRetryableFailure, OutcomeFor(err))
}

func TestDispatcher_PermanentErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	sender := SenderFunc(func(context.Context, Message) (Receipt, error) {
		calls.Add(1)

		return Receipt{}, Permanent(errors.New("recipient unsubscribed"))
	})

	dispatcher := NewDispatcher(sender, time.Second, fastPolicy(3), slog.New(slog.DiscardHandler))

	_, err := dispatcher.Dispatch(t.Context(), testMessage())
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, models.OutcomeTerminalFailure, OutcomeFor(err))
}

func TestDispatcher_TimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	sender := SenderFunc(func(ctx context.Context, _ Message) (Receipt, error) {
		<-ctx.Done()

		return Receipt{}, ctx.Err()
	})

	dispatcher := NewDispatcher(sender, 5*time.Millisecond, fastPolicy(2), slog.New(slog.DiscardHandler))

	result, err := dispatcher.Dispatch(t.Context(), testMessage())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDispatchTimeout)
	assert.True(t, IsTimeout(err))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 2, result.Attempts)
}

func TestRetryPolicy_Delay(t *testing.T) {
	t.Parallel()

	policy := RetryPolicy{MaxAttempts: 3, InitialInterval: time.Minute, MaxInterval: 10 * time.Minute, Multiplier: 2}

	assert.Equal(t, time.Minute, policy.Delay(0))
	assert.Equal(t, 2*time.Minute, policy.Delay(1))
	assert.Equal(t, 4*time.Minute, policy.Delay(2))
	assert.Equal(t, 10*time.Minute, policy.Delay(5))
}

func TestRouter(t *testing.T) {
	t.Parallel()

	router := NewRouter(nil)
	router.Register(models.ChannelEmail, SenderFunc(func(context.Context, Message) (Receipt, error) {
		return Receipt{Provider: "smtp"}, nil
	}))

	receipt, err := router.Send(t.Context(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "smtp", receipt.Provider)

	msg := testMessage()
	msg.Channel = models.ChannelSMS

	_, err = router.Send(t.Context(), msg)
	assert.ErrorIs(t, err, ErrNoSender)
	assert.True(t, IsPermanent(err))

	withFallback := NewRouter(NewLogSender(slog.New(slog.DiscardHandler)))
	receipt, err = withFallback.Send(t.Context(), msg)
	require.NoError(t, err)
	assert.Equal(t, "log", receipt.Provider)
}

func TestHTTPSender_StatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   bool
		permanent bool
		messageID string
	}{
		{name: "accepted", status: http.StatusAccepted, body: `{"message_id":"pm-1"}`, messageID: "pm-1"},
		{name: "accepted with id", status: http.StatusOK, body: `{"id":"pm-2"}`, messageID: "pm-2"},
		{name: "rejected", status: http.StatusUnprocessableEntity, body: `{"error":"bad template"}`, wantErr: true, permanent: true},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: true},
		{name: "server error", status: http.StatusBadGateway, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var msg Message

				assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
				assert.Equal(t, "run-1:0:0", r.Header.Get("Idempotency-Key"))
				assert.Equal(t, "secret", r.Header.Get("Authorization"))
				assert.Equal(t, "tpl-a", msg.TemplateID)

				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			sender, err := NewHTTPSender("acme-mail", server.URL, map[string]string{"Authorization": "secret"}, time.Second, slog.New(slog.DiscardHandler))
			require.NoError(t, err)

			receipt, err := sender.Send(t.Context(), testMessage())
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.permanent, IsPermanent(err))

				return
			}

			require.NoError(t, err)
			assert.Equal(t, "acme-mail", receipt.Provider)
			assert.Equal(t, tt.messageID, receipt.ProviderMessageID)
		})
	}
}

func TestNewHTTPSender_RequiresURL(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPSender("acme", "", nil, 0, slog.New(slog.DiscardHandler))
	assert.ErrorIs(t, err, ErrHTTPSenderURLInvalid)
}
