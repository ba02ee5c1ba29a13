package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nous-labs/cooperbot/internal/llm"
)

var configEnv = []string{
	"BOT_NAME", "MATRIX_ENABLED", "MATRIX_HOMESERVER", "MATRIX_BOT_USER", "MATRIX_BOT_PASSWORD",
	"MATRIX_SERVER_NAME", "ALLOWED_USERS", "TYPING_TIMEOUT", "LLM_PROVIDER", "OLLAMA_URL", "MODEL",
	"CLOUD_URL", "CLOUD_MODEL", "OPENAI_API_KEY", "ANTHROPIC_URL", "ANTHROPIC_MODEL",
	"ANTHROPIC_API_KEY", "TEMPERATURE", "MAX_TOKENS", "FALLBACK_ENABLED", "FALLBACK_PROVIDER",
	"FALLBACK_MODEL", "REQUEST_TIMEOUT", "MAX_RESPONSE_LENGTH", "SYSTEM_PROMPT_FILE",
	"COOPERBOT_DATA_DIR", "COOPERBOT_HTTP_ADDR",
}

// clearEnv unsets every config variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnv {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("", "")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "cooperbot" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.LLM.Provider != "local" || cfg.LLM.Local.URL != "http://localhost:11434/api/chat" || cfg.LLM.Local.Model != "llama3.1:8b" {
		t.Errorf("local defaults = %+v / %q", cfg.LLM.Local, cfg.LLM.Provider)
	}
	if cfg.LLM.Temperature != 0.7 || cfg.LLM.MaxTokens != 120 || cfg.LLM.MaxReplyLength != 400 {
		t.Errorf("generation defaults = %v %d %d", cfg.LLM.Temperature, cfg.LLM.MaxTokens, cfg.LLM.MaxReplyLength)
	}
	if cfg.LLM.Fallback.Enabled {
		t.Error("fallback enabled by default")
	}
	if cfg.TypingTimeout() != 30*time.Second {
		t.Errorf("TypingTimeout = %v", cfg.TypingTimeout())
	}
	if got := cfg.ErrorReply(); got != "⚠️ cooperbot had a hiccup, try again!" {
		t.Errorf("ErrorReply = %q", got)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("BOT_NAME", "Cooper")
	t.Setenv("LLM_PROVIDER", "cloud")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TEMPERATURE", "0.2")
	t.Setenv("MAX_TOKENS", "64")
	t.Setenv("FALLBACK_ENABLED", "true")
	t.Setenv("ALLOWED_USERS", "@a:x, @b:x ,")
	t.Setenv("TYPING_TIMEOUT", "15")

	cfg, err := LoadConfig("", "")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "Cooper" || cfg.LLM.Provider != "cloud" || cfg.LLM.Cloud.APIKey != "sk-test" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.LLM.Temperature != 0.2 || cfg.LLM.MaxTokens != 64 || !cfg.LLM.Fallback.Enabled {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if len(cfg.Matrix.AllowedUsers) != 2 || cfg.Matrix.AllowedUsers[1] != "@b:x" {
		t.Errorf("AllowedUsers = %q", cfg.Matrix.AllowedUsers)
	}
	if cfg.TypingTimeout() != 15*time.Second {
		t.Errorf("TypingTimeout = %v, want bare number read as seconds", cfg.TypingTimeout())
	}
}

func TestLoadConfigFileMergeAndEnvRefs(t *testing.T) {
	clearEnv(t)
	t.Setenv("COOPER_TEST_CLOUD_KEY", "sk-from-env")

	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{
		"name": "Coop",
		"llm": {
			"cloud": {"api_key": "$COOPER_TEST_CLOUD_KEY"},
			"fallback": {"enabled": true, "model": "gpt-4o"}
		}
	}`)

	cfg, err := LoadConfig(path, "")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "Coop" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.LLM.Cloud.APIKey != "sk-from-env" {
		t.Errorf("Cloud.APIKey = %q", cfg.LLM.Cloud.APIKey)
	}
	// Sibling keys in nested objects keep their defaults.
	if cfg.LLM.Cloud.Model != "gpt-4o-mini" || cfg.LLM.Local.Model != "llama3.1:8b" {
		t.Errorf("nested defaults lost: cloud=%+v local=%+v", cfg.LLM.Cloud, cfg.LLM.Local)
	}
	if cfg.LLM.Fallback.Provider != "cloud" || cfg.LLM.Fallback.Model != "gpt-4o" {
		t.Errorf("Fallback = %+v", cfg.LLM.Fallback)
	}
}

func TestLoadConfigEnvFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "BOT_NAME=FromDotenv\nMODEL=qwen2.5:7b\n")
	t.Cleanup(func() {
		os.Unsetenv("BOT_NAME")
		os.Unsetenv("MODEL")
	})

	cfg, err := LoadConfig("", envFile)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "FromDotenv" || cfg.LLM.Local.Model != "qwen2.5:7b" {
		t.Errorf("Name = %q, Model = %q", cfg.Name, cfg.LLM.Local.Model)
	}

	// A missing .env file is not an error.
	if _, err := LoadConfig("", filepath.Join(dir, "absent.env")); err != nil {
		t.Errorf("missing env file: %v", err)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	if _, err := LoadConfig(filepath.Join(dir, "nope.json"), ""); err == nil {
		t.Error("missing config file accepted")
	}
	bad := writeFile(t, dir, "bad.json", `{"name": `)
	if _, err := LoadConfig(bad, ""); err == nil {
		t.Error("malformed config accepted")
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	clearEnv(t)
	cfg, err := LoadConfig("", "")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	cfg.SystemPrompt = "You are Cooper."
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string // empty means valid
	}{
		{"defaults", func(c *Config) {}, ""},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "gemini" }, "llm.provider"},
		{"temperature too high", func(c *Config) { c.LLM.Temperature = 2.5 }, "llm.temperature"},
		{"zero max tokens", func(c *Config) { c.LLM.MaxTokens = 0 }, "llm.max_tokens"},
		{"zero reply length", func(c *Config) { c.LLM.MaxReplyLength = 0 }, "llm.max_reply_length"},
		{"bad timeout", func(c *Config) { c.LLM.Timeout = "soon" }, "llm.timeout"},
		{"negative typing timeout", func(c *Config) { c.Matrix.TypingTimeout = "-1s" }, "matrix.typing_timeout"},
		{"cloud primary without key", func(c *Config) { c.LLM.Provider = "cloud" }, "llm.cloud.api_key"},
		{"local primary without model", func(c *Config) { c.LLM.Local.Model = "" }, "llm.local.model"},
		{"local fallback target", func(c *Config) {
			c.LLM.Fallback.Enabled = true
			c.LLM.Fallback.Provider = "local"
		}, "llm.fallback.provider"},
		{"fallback without key is allowed", func(c *Config) { c.LLM.Fallback.Enabled = true }, ""},
		{"anthropic primary above its temperature limit", func(c *Config) {
			c.LLM.Provider = "anthropic"
			c.LLM.Anthropic.APIKey = "ak"
			c.LLM.Temperature = 1.5
		}, "llm.temperature"},
		{"anthropic primary at its temperature limit", func(c *Config) {
			c.LLM.Provider = "anthropic"
			c.LLM.Anthropic.APIKey = "ak"
			c.LLM.Temperature = 1.0
		}, ""},
		{"anthropic fallback above its temperature limit", func(c *Config) {
			c.LLM.Fallback.Enabled = true
			c.LLM.Fallback.Provider = "anthropic"
			c.LLM.Temperature = 1.2
		}, "llm.temperature"},
		{"local primary above anthropic limit", func(c *Config) { c.LLM.Temperature = 1.5 }, ""},
		{"no system prompt", func(c *Config) {
			c.SystemPrompt = ""
			c.SystemPromptFile = ""
		}, "system_prompt"},
		{"matrix without homeserver", func(c *Config) { c.Matrix.Homeserver = "" }, "matrix"},
		{"matrix disabled skips matrix checks", func(c *Config) {
			c.Matrix.Enabled = false
			c.Matrix.Homeserver = ""
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate = %v, want *ValidationError", err)
			}
			if !ve.Has(tt.field) {
				t.Errorf("errors %q do not mention %q", ve.Errors, tt.field)
			}
		})
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg := validConfig(t)
	cfg.LLM.Provider = "nope"
	cfg.LLM.MaxTokens = -1
	cfg.LLM.Temperature = -0.1

	var ve *ValidationError
	if !errors.As(cfg.Validate(), &ve) {
		t.Fatal("expected *ValidationError")
	}
	if len(ve.Errors) != 3 {
		t.Errorf("got %d errors, want 3: %q", len(ve.Errors), ve.Errors)
	}
}

func TestDispatcherConfig(t *testing.T) {
	cfg := validConfig(t)
	cfg.LLM.Cloud.APIKey = "sk-test"
	cfg.LLM.Fallback.Enabled = true
	cfg.LLM.Fallback.Model = "gpt-4o"
	cfg.LLM.Timeout = "12s"

	dc, err := cfg.DispatcherConfig()
	if err != nil {
		t.Fatalf("DispatcherConfig: %v", err)
	}
	if dc.Primary.Kind != llm.KindLocal || dc.Primary.Model != "llama3.1:8b" || dc.Primary.APIKey != "" {
		t.Errorf("Primary = %+v", dc.Primary)
	}
	if dc.Fallback == nil {
		t.Fatal("Fallback = nil")
	}
	if dc.Fallback.Kind != llm.KindCloud || dc.Fallback.Model != "gpt-4o" || dc.Fallback.APIKey != "sk-test" {
		t.Errorf("Fallback = %+v", dc.Fallback)
	}
	if dc.Fallback.Temperature != 0.7 || dc.Fallback.MaxTokens != 120 {
		t.Errorf("fallback generation settings = %v %d", dc.Fallback.Temperature, dc.Fallback.MaxTokens)
	}
	if !dc.FallbackEnabled || dc.Timeout != 12*time.Second || dc.MaxReplyLength != 400 {
		t.Errorf("dc = %+v", dc)
	}

	cfg.LLM.Fallback.Enabled = false
	dc, err = cfg.DispatcherConfig()
	if err != nil {
		t.Fatalf("DispatcherConfig: %v", err)
	}
	if dc.Fallback != nil || dc.FallbackEnabled {
		t.Errorf("fallback present while disabled: %+v", dc.Fallback)
	}
}

func TestLoadSystemPrompt(t *testing.T) {
	dir := t.TempDir()
	promptFile := writeFile(t, dir, "prompt.txt", "\n  You are Cooper, a helpful bot.  \n")
	blankFile := writeFile(t, dir, "blank.txt", " \n\t\n")

	tests := []struct {
		name    string
		inline  string
		file    string
		want    string
		wantErr bool
	}{
		{"inline wins over file", "Inline prompt", promptFile, "Inline prompt", false},
		{"file trimmed", "", promptFile, "You are Cooper, a helpful bot.", false},
		{"missing file", "", filepath.Join(dir, "missing.txt"), "", true},
		{"blank file", "", blankFile, "", true},
		{"neither set", "", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{SystemPrompt: tt.inline, SystemPromptFile: tt.file}
			got, err := cfg.LoadSystemPrompt()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("prompt = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorReply(t *testing.T) {
	cfg := &Config{Name: "Coop", Messages: MessagesConfig{Error: "%s broke"}}
	if got := cfg.ErrorReply(); got != "Coop broke" {
		t.Errorf("ErrorReply = %q", got)
	}
	cfg.Messages.Error = "Something broke"
	if got := cfg.ErrorReply(); got != "Something broke" {
		t.Errorf("ErrorReply = %q", got)
	}
}
