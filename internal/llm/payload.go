package llm

import (
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// anthropicVersion is the API version header the Messages endpoint requires.
const anthropicVersion = "2023-06-01"

// variant holds everything that differs between provider kinds. Adding a
// provider means adding one variant to the registry below.
type variant interface {
	build(req CompletionRequest) any
	extract(raw []byte) (string, error)
	authorize(h http.Header, apiKey string)
	keyed() bool
	maxTemperature() float64
}

var variants = map[Kind]variant{
	KindLocal:     ollamaVariant{},
	KindCloud:     openAIVariant{},
	KindAnthropic: anthropicVariant{},
}

// BuildPayload returns the JSON-encodable request body for req.Provider.Kind.
// It returns nil for an unknown kind; callers validate the config first.
func BuildPayload(req CompletionRequest) any {
	v, ok := variants[req.Provider.Kind]
	if !ok {
		return nil
	}
	return v.build(req)
}

// chatMessage is the role/content pair shared by the Ollama and OpenAI shapes.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func chatMessages(system, user string) []chatMessage {
	msgs := make([]chatMessage, 0, 2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
	}
	return append(msgs, chatMessage{Role: "user", Content: user})
}

// --- Local (Ollama /api/chat) ---

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Options  ollamaOptions `json:"options"`
	Stream   bool          `json:"stream"`
}

type ollamaVariant struct{}

func (ollamaVariant) build(req CompletionRequest) any {
	return ollamaChatRequest{
		Model:    req.Provider.Model,
		Messages: chatMessages(req.SystemPrompt, req.UserText),
		Options: ollamaOptions{
			Temperature: req.Provider.Temperature,
			NumPredict:  req.Provider.MaxTokens,
		},
		Stream: false,
	}
}

func (ollamaVariant) authorize(http.Header, string) {}

func (ollamaVariant) keyed() bool { return false }

func (ollamaVariant) maxTemperature() float64 { return 2 }

// --- Cloud (OpenAI chat completions) ---

type openAIChatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type openAIVariant struct{}

func (openAIVariant) build(req CompletionRequest) any {
	return openAIChatRequest{
		Model:       req.Provider.Model,
		Messages:    chatMessages(req.SystemPrompt, req.UserText),
		Temperature: req.Provider.Temperature,
		MaxTokens:   req.Provider.MaxTokens,
	}
}

func (openAIVariant) authorize(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

func (openAIVariant) keyed() bool { return true }

func (openAIVariant) maxTemperature() float64 { return 2 }

// --- Anthropic Messages API ---

type anthropicVariant struct{}

func (anthropicVariant) build(req CompletionRequest) any {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Provider.Model),
		MaxTokens: int64(req.Provider.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserText)),
		},
		Temperature: anthropic.Float(req.Provider.Temperature),
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	return params
}

func (anthropicVariant) authorize(h http.Header, apiKey string) {
	h.Set("X-Api-Key", apiKey)
	h.Set("Anthropic-Version", anthropicVersion)
}

func (anthropicVariant) keyed() bool { return true }

// The Messages API rejects temperatures above 1.0 with a 400.
func (anthropicVariant) maxTemperature() float64 { return 1 }
