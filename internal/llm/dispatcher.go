package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single provider attempt when none is configured.
const DefaultTimeout = 30 * time.Second

// DispatcherConfig is passed into every dispatch. It is a plain value; there
// is no process-wide provider selection.
type DispatcherConfig struct {
	Primary         ProviderConfig
	Fallback        *ProviderConfig
	FallbackEnabled bool
	Timeout         time.Duration // per attempt
	MaxReplyLength  int           // runes; 0 disables trimming
}

// canFallback reports whether a failed primary attempt may be retried once
// against the fallback provider.
func (c DispatcherConfig) canFallback(primaryErr *ProviderError) bool {
	if primaryErr.Kind == ErrConfig {
		return false
	}
	if c.Primary.Kind != KindLocal || !c.FallbackEnabled || c.Fallback == nil {
		return false
	}
	return c.Fallback.Kind.Keyed() && c.Fallback.APIKey != ""
}

// Outcome is the result returned to the caller after optional fallback and
// trimming.
type Outcome struct {
	Text         string
	UsedFallback bool
	Provider     Kind
	Model        string
	Truncated    bool
}

// Dispatcher runs completion requests. It holds no per-request state and is
// safe for concurrent use.
type Dispatcher struct {
	transport Transport
}

// NewDispatcher creates a dispatcher sending through t.
func NewDispatcher(t Transport) *Dispatcher {
	return &Dispatcher{transport: t}
}

type dispatchState int

const (
	stateIdle dispatchState = iota
	stateAttemptingPrimary
	stateAttemptingFallback
	stateSucceeded
	stateFailed
)

// Dispatch obtains a completion for userText. At most two provider attempts
// are made: the primary, then the fallback once if the primary is local and
// failed on transport or parse. Failures are returned as *ProviderError.
func (d *Dispatcher) Dispatch(ctx context.Context, systemPrompt, userText string, cfg DispatcherConfig) (*Outcome, error) {
	var (
		out     Outcome
		lastErr *ProviderError
	)

	state := stateIdle
	for {
		switch state {
		case stateIdle:
			state = stateAttemptingPrimary

		case stateAttemptingPrimary:
			text, err := d.attempt(ctx, systemPrompt, userText, cfg.Primary, cfg.Timeout)
			if err == nil {
				out = Outcome{Text: text, Provider: cfg.Primary.Kind, Model: cfg.Primary.Model}
				state = stateSucceeded
				break
			}
			lastErr = err
			switch {
			case !cfg.canFallback(err):
				state = stateFailed
			case ctx.Err() != nil:
				slog.Info("dispatch abandoned by caller, skipping fallback", "error", ctx.Err())
				state = stateFailed
			default:
				slog.Warn("primary provider failed, falling back",
					"primary", cfg.Primary.Kind,
					"fallback", cfg.Fallback.Kind,
					"error", err,
				)
				state = stateAttemptingFallback
			}

		case stateAttemptingFallback:
			text, err := d.attempt(ctx, systemPrompt, userText, *cfg.Fallback, cfg.Timeout)
			if err == nil {
				out = Outcome{Text: text, UsedFallback: true, Provider: cfg.Fallback.Kind, Model: cfg.Fallback.Model}
				state = stateSucceeded
				break
			}
			err.Fallback = true
			lastErr = err
			state = stateFailed

		case stateSucceeded:
			out.Text, out.Truncated = truncateRunes(out.Text, cfg.MaxReplyLength)
			return &out, nil

		case stateFailed:
			return nil, lastErr
		}
	}
}

// attempt runs builder -> transport -> extractor against one provider.
func (d *Dispatcher) attempt(ctx context.Context, systemPrompt, userText string, pc ProviderConfig, timeout time.Duration) (string, *ProviderError) {
	if pe := pc.validate(); pe != nil {
		return "", pe
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	body, err := json.Marshal(BuildPayload(CompletionRequest{
		SystemPrompt: systemPrompt,
		UserText:     userText,
		Provider:     pc,
	}))
	if err != nil {
		return "", configError(pc.Kind, fmt.Sprintf("encode request: %v", err))
	}

	header := http.Header{}
	variants[pc.Kind].authorize(header, pc.APIKey)

	start := time.Now()
	raw, err := d.transport.Send(ctx, TransportRequest{
		Endpoint: pc.Endpoint,
		Body:     body,
		Header:   header,
		Timeout:  timeout,
	})
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		pe := asTransportError(err)
		pe.Provider = pc.Kind
		slog.Error("provider request failed",
			"provider", pc.Kind,
			"model", pc.Model,
			"elapsed", elapsed,
			"timeout", pe.Timeout,
			"status", pe.StatusCode,
			"error", pe.Detail,
		)
		return "", pe
	}

	text, err := ExtractReply(pc.Kind, raw)
	if err != nil {
		pe := asTransportError(err)
		slog.Error("provider response unusable",
			"provider", pc.Kind,
			"model", pc.Model,
			"elapsed", elapsed,
			"error", pe.Detail,
		)
		return "", pe
	}

	slog.Info("provider replied",
		"provider", pc.Kind,
		"model", pc.Model,
		"elapsed", elapsed,
		"len", len(text),
	)
	return text, nil
}

// asTransportError copies a *ProviderError and wraps anything else a
// Transport implementation returns as a transport failure. The copy is ours
// to annotate; a Transport may return the same error value repeatedly.
func asTransportError(err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		cp := *pe
		return &cp
	}
	return &ProviderError{Kind: ErrTransport, Detail: err.Error(), Err: err}
}

// truncateRunes trims s to at most n runes. n <= 0 leaves s unchanged.
func truncateRunes(s string, n int) (string, bool) {
	if n <= 0 {
		return s, false
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i], true
		}
		count++
	}
	return s, false
}
