package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultHTTPTimeout = 30 * time.Second

// ErrHTTPSenderURLInvalid is returned when an HTTP sender has no endpoint.
var ErrHTTPSenderURLInvalid = errors.New("invalid HTTP sender URL")

// HTTPSender posts messages as JSON to a provider webhook. 4xx responses are
// permanent rejections; 5xx responses and transport errors are retryable.
type HTTPSender struct {
	Provider string
	URL      string
	Headers  map[string]string
	client   *http.Client
	logger   *slog.Logger
}

// NewHTTPSender creates a sender for one provider endpoint.
func NewHTTPSender(provider, url string, headers map[string]string, timeout time.Duration, logger *slog.Logger) (*HTTPSender, error) {
	if url == "" {
		return nil, ErrHTTPSenderURLInvalid
	}

	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	return &HTTPSender{
		Provider: provider,
		URL:      url,
		Headers:  headers,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With("module", "http_sender", "provider", provider),
	}, nil
}

type providerResponse struct {
	MessageID string `json:"message_id"`
	ID        string `json:"id"`
}

// Send posts msg and maps the response status to a receipt or error.
func (s *HTTPSender) Send(ctx context.Context, msg Message) (Receipt, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Receipt{}, Permanent(fmt.Errorf("failed to marshal message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, Permanent(fmt.Errorf("failed to build request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.DedupKey)

	for key, value := range s.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return Receipt{}, fmt.Errorf("provider %s returned status %d", s.Provider, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return Receipt{}, Permanent(fmt.Errorf("provider %s rejected message with status %d: %s", s.Provider, resp.StatusCode, body))
	}

	receipt := Receipt{Provider: s.Provider}

	var parsed providerResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		s.logger.WarnContext(ctx, "Failed to parse provider response as JSON", "error", err)
	} else {
		receipt.ProviderMessageID = parsed.MessageID
		if receipt.ProviderMessageID == "" {
			receipt.ProviderMessageID = parsed.ID
		}
	}

	s.logger.DebugContext(ctx, "message accepted",
		"run_id", msg.RunID,
		"step_index", msg.StepIndex,
		"status", resp.StatusCode,
		"provider_message_id", receipt.ProviderMessageID,
	)

	return receipt, nil
}
