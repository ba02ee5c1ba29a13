package llm

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// ExtractReply pulls the reply text out of a raw provider response body.
// The result is whitespace-trimmed; an empty reply is a parse failure.
func ExtractReply(kind Kind, raw []byte) (string, error) {
	v, ok := variants[kind]
	if !ok {
		return "", configError(kind, "unsupported provider kind")
	}
	text, err := v.extract(raw)
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) {
			pe.Provider = kind
			return "", pe
		}
		return "", parseError(kind, "decode response", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", parseError(kind, "reply content is empty", nil)
	}
	return text, nil
}

type ollamaChatResponse struct {
	Message *struct {
		Role    string  `json:"role"`
		Content *string `json:"content"`
	} `json:"message"`
	Error string `json:"error"`
}

func (ollamaVariant) extract(raw []byte) (string, error) {
	var resp ollamaChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", parseError(KindLocal, "provider returned error: "+resp.Error, nil)
	}
	if resp.Message == nil {
		return "", parseError(KindLocal, "response has no message", nil)
	}
	if resp.Message.Content == nil {
		return "", parseError(KindLocal, "message has no content", nil)
	}
	return *resp.Message.Content, nil
}

type openAIChatResponse struct {
	Choices *[]struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (openAIVariant) extract(raw []byte) (string, error) {
	var resp openAIChatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Choices == nil {
		return "", parseError(KindCloud, "response has no choices", nil)
	}
	if len(*resp.Choices) == 0 {
		return "", parseError(KindCloud, "choices is empty", nil)
	}
	first := (*resp.Choices)[0]
	if first.Message == nil {
		return "", parseError(KindCloud, "first choice has no message", nil)
	}
	if first.Message.Content == nil {
		return "", parseError(KindCloud, "message has no content", nil)
	}
	return *first.Message.Content, nil
}

func (anthropicVariant) extract(raw []byte) (string, error) {
	var msg anthropic.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", err
	}
	if len(msg.Content) == 0 {
		return "", parseError(KindAnthropic, "response has no content blocks", nil)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}
