// Package llm provides the completion-dispatch path used by cooperbot:
// provider payload builders, an HTTP transport, reply extractors and the
// dispatcher that ties them together with a one-shot local-to-cloud fallback.
package llm

import (
	"fmt"
	"strings"
)

// Kind identifies a provider backend.
type Kind int

const (
	KindLocal     Kind = iota // Ollama-style local model server
	KindCloud                 // OpenAI-compatible chat completions API
	KindAnthropic             // Anthropic Messages API
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindCloud:
		return "cloud"
	case KindAnthropic:
		return "anthropic"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a config name ("local", "ollama", "cloud", "openai", "anthropic")
// to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local", "ollama":
		return KindLocal, nil
	case "cloud", "openai":
		return KindCloud, nil
	case "anthropic", "claude":
		return KindAnthropic, nil
	}
	return 0, fmt.Errorf("unknown provider %q", s)
}

// Keyed reports whether the kind requires an API key.
func (k Kind) Keyed() bool {
	v, ok := variants[k]
	return ok && v.keyed()
}

// MaxTemperature is the highest sampling temperature the provider accepts.
func (k Kind) MaxTemperature() float64 {
	if v, ok := variants[k]; ok {
		return v.maxTemperature()
	}
	return 0
}

// ProviderConfig holds settings for a single provider. Values are read-only
// once loaded and may be shared across concurrent dispatches.
type ProviderConfig struct {
	Kind        Kind
	Endpoint    string
	Model       string
	APIKey      string
	Temperature float64 // 0 to Kind.MaxTemperature()
	MaxTokens   int
}

// validate checks preconditions that must hold before any network call.
func (c ProviderConfig) validate() *ProviderError {
	if _, ok := variants[c.Kind]; !ok {
		return configError(c.Kind, "unsupported provider kind")
	}
	if c.Endpoint == "" {
		return configError(c.Kind, "endpoint is empty")
	}
	if c.Model == "" {
		return configError(c.Kind, "model is empty")
	}
	if c.Kind.Keyed() && c.APIKey == "" {
		return configError(c.Kind, "api key is required")
	}
	if c.Temperature < 0 || c.Temperature > c.Kind.MaxTemperature() {
		return configError(c.Kind, fmt.Sprintf("temperature %v outside [0, %v]", c.Temperature, c.Kind.MaxTemperature()))
	}
	return nil
}

// CompletionRequest is one provider attempt's input. Built fresh per message.
type CompletionRequest struct {
	SystemPrompt string
	UserText     string
	Provider     ProviderConfig
}

// ErrorKind classifies dispatch failures.
type ErrorKind int

const (
	ErrConfig    ErrorKind = iota // missing/invalid credentials or parameters
	ErrTransport                  // network, timeout or non-2xx
	ErrParse                      // malformed provider response
)

func (k ErrorKind) String() string {
	switch k {
	case ErrConfig:
		return "config"
	case ErrTransport:
		return "transport"
	case ErrParse:
		return "parse"
	}
	return "unknown"
}

// ProviderError represents a failed provider attempt.
type ProviderError struct {
	Kind       ErrorKind
	Provider   Kind
	Detail     string
	StatusCode int  // non-2xx status, transport errors only
	Timeout    bool // deadline expired, transport errors only
	Fallback   bool // failure happened on the fallback attempt
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s error: %s", e.Provider, e.Kind, e.Detail)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func configError(p Kind, detail string) *ProviderError {
	return &ProviderError{Kind: ErrConfig, Provider: p, Detail: detail}
}

func parseError(p Kind, detail string, err error) *ProviderError {
	if err != nil {
		detail = detail + ": " + err.Error()
	}
	return &ProviderError{Kind: ErrParse, Provider: p, Detail: detail, Err: err}
}
