package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/storefront-lab/orders/internal/platform/auth"
)

// StatusPath is the user-service endpoint receiving order status changes.
const StatusPath = "/users/notify/order-status"

// HTTPSink posts payloads to the user service, signing them when a signer is configured.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	signer   *auth.RequestSigner
}

type HTTPOption func(*HTTPSink)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *HTTPSink) {
		if client != nil {
			s.client = client
		}
	}
}

func WithSigner(signer *auth.RequestSigner) HTTPOption {
	return func(s *HTTPSink) {
		s.signer = signer
	}
}

// NewHTTPSink targets baseURL + StatusPath. An empty baseURL returns nil (sink disabled).
func NewHTTPSink(baseURL string, opts ...HTTPOption) *HTTPSink {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}
	sink := &HTTPSink{endpoint: baseURL + StatusPath, client: &http.Client{}}
	for _, opt := range opts {
		if opt != nil {
			opt(sink)
		}
	}
	return sink
}

func (s *HTTPSink) Name() string { return "http" }

func (s *HTTPSink) Deliver(ctx context.Context, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.signer != nil {
		if err := s.signer.Sign(req, body); err != nil {
			return err
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("user service responded %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
