package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// maxResponseBytes caps how much of a provider response is read.
	maxResponseBytes = 4 << 20
	// maxErrorSnippet caps the body excerpt included in non-2xx details.
	maxErrorSnippet = 256
)

// TransportRequest is one outbound POST.
type TransportRequest struct {
	Endpoint string
	Body     []byte
	Header   http.Header
	Timeout  time.Duration // zero means only ctx bounds the call
}

// Transport performs one HTTP POST and returns the raw 2xx response body.
// Failures are returned as *ProviderError with Kind ErrTransport.
type Transport interface {
	Send(ctx context.Context, req TransportRequest) ([]byte, error)
}

// HTTPTransport is the net/http Transport. It verifies TLS against the
// host's trusted roots and holds no per-request state.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport. Timeouts come from each request, so
// the client itself carries none.
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
	}
}

func (t *HTTPTransport) Send(ctx context.Context, req TransportRequest) ([]byte, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &ProviderError{Kind: ErrTransport, Detail: fmt.Sprintf("create request: %v", err), Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, "http request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(ctx, "read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{
			Kind:       ErrTransport,
			Detail:     fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet(body)),
			StatusCode: resp.StatusCode,
		}
	}
	return body, nil
}

// transportError classifies a client error, flagging deadline expiry.
func transportError(ctx context.Context, op string, err error) *ProviderError {
	pe := &ProviderError{Kind: ErrTransport, Detail: fmt.Sprintf("%s: %v", op, err), Err: err}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		pe.Timeout = true
		pe.Detail = fmt.Sprintf("%s: timed out: %v", op, err)
	}
	return pe
}

func snippet(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > maxErrorSnippet {
		return string(b[:maxErrorSnippet]) + "..."
	}
	return string(b)
}
