package llm

import (
	"encoding/json"
	"testing"
)

// encode marshals the built payload and decodes it into a generic map, so the
// assertions check the wire shape rather than Go types.
func encode(t *testing.T, req CompletionRequest) map[string]any {
	t.Helper()
	b, err := json.Marshal(BuildPayload(req))
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal payload %s: %v", b, err)
	}
	return m
}

func TestBuildPayload_Local(t *testing.T) {
	m := encode(t, CompletionRequest{SystemPrompt: "You are terse.", UserText: "Hello", Provider: localConfig()})

	if m["model"] != "llama3.1:8b" {
		t.Errorf("model = %v", m["model"])
	}
	if m["stream"] != false {
		t.Errorf("stream = %v, want false", m["stream"])
	}
	msgs := m["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	sys := msgs[0].(map[string]any)
	if sys["role"] != "system" || sys["content"] != "You are terse." {
		t.Errorf("system message = %v", sys)
	}
	user := msgs[1].(map[string]any)
	if user["role"] != "user" || user["content"] != "Hello" {
		t.Errorf("user message = %v", user)
	}
	opts := m["options"].(map[string]any)
	if opts["temperature"] != 0.7 || opts["num_predict"] != float64(120) {
		t.Errorf("options = %v", opts)
	}
	if _, ok := m["max_tokens"]; ok {
		t.Error("local payload must not carry max_tokens")
	}
}

func TestBuildPayload_Cloud(t *testing.T) {
	m := encode(t, CompletionRequest{SystemPrompt: "You are terse.", UserText: "Hello", Provider: cloudConfig()})

	if m["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", m["model"])
	}
	if m["temperature"] != 0.7 || m["max_tokens"] != float64(120) {
		t.Errorf("temperature = %v, max_tokens = %v", m["temperature"], m["max_tokens"])
	}
	if _, ok := m["options"]; ok {
		t.Error("cloud payload must not carry options")
	}
	if len(m["messages"].([]any)) != 2 {
		t.Errorf("messages = %v", m["messages"])
	}
}

func TestBuildPayload_BlankSystemPrompt(t *testing.T) {
	for _, pc := range []ProviderConfig{localConfig(), cloudConfig()} {
		m := encode(t, CompletionRequest{SystemPrompt: "  \n", UserText: "Hello", Provider: pc})
		msgs := m["messages"].([]any)
		if len(msgs) != 1 || msgs[0].(map[string]any)["role"] != "user" {
			t.Errorf("%v: messages = %v, want user only", pc.Kind, msgs)
		}
	}
}

func TestBuildPayload_Anthropic(t *testing.T) {
	pc := ProviderConfig{Kind: KindAnthropic, Endpoint: "https://anthropic.test/v1/messages", Model: "claude-haiku-4-5", APIKey: "k", Temperature: 0.5, MaxTokens: 64}
	m := encode(t, CompletionRequest{SystemPrompt: "Be brief.", UserText: "Hello", Provider: pc})

	if m["model"] != "claude-haiku-4-5" || m["max_tokens"] != float64(64) {
		t.Errorf("model = %v, max_tokens = %v", m["model"], m["max_tokens"])
	}
	sys, ok := m["system"].([]any)
	if !ok || len(sys) != 1 || sys[0].(map[string]any)["text"] != "Be brief." {
		t.Errorf("system = %v", m["system"])
	}
	msgs := m["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["role"] != "user" {
		t.Errorf("messages = %v", msgs)
	}

	noSys := encode(t, CompletionRequest{UserText: "Hello", Provider: pc})
	if _, ok := noSys["system"]; ok {
		t.Errorf("system present for blank prompt: %v", noSys["system"])
	}
}

func TestBuildPayload_UnknownKind(t *testing.T) {
	if p := BuildPayload(CompletionRequest{Provider: ProviderConfig{Kind: Kind(99)}}); p != nil {
		t.Errorf("BuildPayload = %v, want nil", p)
	}
}

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{"local": KindLocal, "Ollama": KindLocal, "cloud": KindCloud, "openai": KindCloud, "anthropic": KindAnthropic}
	for in, want := range tests {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseKind("gemini"); err == nil {
		t.Error("ParseKind(gemini): expected error")
	}
}
