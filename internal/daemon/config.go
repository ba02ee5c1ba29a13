package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/subosito/gotenv"

	"github.com/nous-labs/cooperbot/internal/llm"
)

// Config holds the daemon configuration.
type Config struct {
	// Identity: used in mentions, greetings and error replies
	Name string `json:"name"`

	// Matrix channel
	Matrix MatrixConfig `json:"matrix"`

	// LLM providers and dispatch policy
	LLM LLMConfig `json:"llm"`

	// System prompt: inline text, or a file path read at startup
	SystemPrompt     string `json:"system_prompt,omitempty"`
	SystemPromptFile string `json:"system_prompt_file,omitempty"`

	// User-facing canned replies
	Messages MessagesConfig `json:"messages"`

	// DataDir holds the journal and Matrix credentials
	DataDir string `json:"data_dir"`

	// HTTPAddr is where /health and /v1/* listen; empty disables the API
	HTTPAddr string `json:"http_addr"`
}

// MatrixConfig holds Matrix connection settings.
type MatrixConfig struct {
	Enabled       bool     `json:"enabled"`
	Homeserver    string   `json:"homeserver"`     // e.g., http://synapse:8008
	UserID        string   `json:"user_id"`        // localpart, e.g. cooperbot
	Password      string   `json:"password"`       // can use "$MATRIX_BOT_PASSWORD"
	ServerName    string   `json:"server_name"`    // e.g., matrix.example.com
	AllowedUsers  []string `json:"allowed_users"`  // empty allows everyone
	TypingTimeout string   `json:"typing_timeout"` // e.g. "30s"
}

// LLMConfig holds provider endpoints and dispatch settings.
type LLMConfig struct {
	Provider       string         `json:"provider"` // local | cloud | anthropic
	Local          EndpointConfig `json:"local"`
	Cloud          EndpointConfig `json:"cloud"`
	Anthropic      EndpointConfig `json:"anthropic"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens"`
	Fallback       FallbackConfig `json:"fallback"`
	Timeout        string         `json:"timeout"`          // per attempt, e.g. "30s"
	MaxReplyLength int            `json:"max_reply_length"` // characters
}

// EndpointConfig holds one provider's address and credentials.
type EndpointConfig struct {
	URL    string `json:"url"`
	Model  string `json:"model"`
	APIKey string `json:"api_key,omitempty"` // can use env var reference: "$OPENAI_API_KEY"
}

// FallbackConfig controls the one-shot local-to-cloud fallback.
type FallbackConfig struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider"` // cloud | anthropic
	Model    string `json:"model,omitempty"`
}

// MessagesConfig holds canned replies. %s in Error is replaced by the bot name.
type MessagesConfig struct {
	Greeting string `json:"greeting"`
	Error    string `json:"error"`
}

// LoadConfig builds the config from, in increasing precedence: built-in
// defaults, environment (after loading envFile, if present), and the JSON file
// at path. $VAR references in the file are resolved afterwards.
func LoadConfig(path, envFile string) (*Config, error) {
	if envFile != "" {
		// gotenv.Load does not override variables already set.
		if err := gotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	base := defaultConfig()
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		merged, err = deepMergeJSON(merged, fileData)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Resolve env var references in all $-prefixed values
	cfg.Name = resolveEnv(cfg.Name)
	cfg.Matrix.Homeserver = resolveEnv(cfg.Matrix.Homeserver)
	cfg.Matrix.UserID = resolveEnv(cfg.Matrix.UserID)
	cfg.Matrix.Password = resolveEnv(cfg.Matrix.Password)
	cfg.Matrix.ServerName = resolveEnv(cfg.Matrix.ServerName)
	cfg.LLM.Local.URL = resolveEnv(cfg.LLM.Local.URL)
	cfg.LLM.Cloud.URL = resolveEnv(cfg.LLM.Cloud.URL)
	cfg.LLM.Cloud.APIKey = resolveEnv(cfg.LLM.Cloud.APIKey)
	cfg.LLM.Anthropic.URL = resolveEnv(cfg.LLM.Anthropic.URL)
	cfg.LLM.Anthropic.APIKey = resolveEnv(cfg.LLM.Anthropic.APIKey)
	cfg.SystemPromptFile = resolveEnv(cfg.SystemPromptFile)
	cfg.DataDir = resolveEnv(cfg.DataDir)

	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	primary, primaryErr := llm.ParseKind(c.LLM.Provider)
	if primaryErr != nil {
		errs = append(errs, "llm.provider: "+primaryErr.Error())
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, fmt.Sprintf("llm.temperature: %v outside [0, 2]", c.LLM.Temperature))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Sprintf("llm.max_tokens: must be positive, got %d", c.LLM.MaxTokens))
	}
	if c.LLM.MaxReplyLength <= 0 {
		errs = append(errs, fmt.Sprintf("llm.max_reply_length: must be positive, got %d", c.LLM.MaxReplyLength))
	}
	if _, err := parseDuration(c.LLM.Timeout, llm.DefaultTimeout); err != nil {
		errs = append(errs, "llm.timeout: "+err.Error())
	}
	if _, err := parseDuration(c.Matrix.TypingTimeout, 30*time.Second); err != nil {
		errs = append(errs, "matrix.typing_timeout: "+err.Error())
	}

	if primaryErr == nil {
		ep := c.endpoint(primary)
		if ep.URL == "" {
			errs = append(errs, fmt.Sprintf("llm.%s.url: required for the primary provider", primary))
		}
		if ep.Model == "" {
			errs = append(errs, fmt.Sprintf("llm.%s.model: required for the primary provider", primary))
		}
		if primary.Keyed() && ep.APIKey == "" {
			errs = append(errs, fmt.Sprintf("llm.%s.api_key: required for the primary provider", primary))
		}
		if limit := primary.MaxTemperature(); c.LLM.Temperature > limit {
			errs = append(errs, fmt.Sprintf("llm.temperature: %v above the %s maximum %v", c.LLM.Temperature, primary, limit))
		}
	}

	if c.LLM.Fallback.Enabled {
		fb, err := llm.ParseKind(c.LLM.Fallback.Provider)
		switch {
		case err != nil:
			errs = append(errs, "llm.fallback.provider: "+err.Error())
		case !fb.Keyed():
			errs = append(errs, fmt.Sprintf("llm.fallback.provider: %s cannot be a fallback target", fb))
		case c.endpoint(fb).URL == "":
			errs = append(errs, fmt.Sprintf("llm.%s.url: required for the fallback provider", fb))
		case c.LLM.Temperature > fb.MaxTemperature():
			errs = append(errs, fmt.Sprintf("llm.temperature: %v above the %s maximum %v", c.LLM.Temperature, fb, fb.MaxTemperature()))
		}
		// A missing fallback key is allowed: the dispatcher then skips fallback.
	}

	if strings.TrimSpace(c.SystemPrompt) == "" && c.SystemPromptFile == "" {
		errs = append(errs, "system_prompt: set system_prompt or system_prompt_file")
	}

	if c.Matrix.Enabled {
		if c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.ServerName == "" {
			errs = append(errs, "matrix: homeserver, user_id and server_name are required when enabled")
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// DispatcherConfig converts the LLM settings into the value passed to every
// dispatch. Call Validate first.
func (c *Config) DispatcherConfig() (llm.DispatcherConfig, error) {
	primaryKind, err := llm.ParseKind(c.LLM.Provider)
	if err != nil {
		return llm.DispatcherConfig{}, err
	}
	timeout, err := parseDuration(c.LLM.Timeout, llm.DefaultTimeout)
	if err != nil {
		return llm.DispatcherConfig{}, err
	}

	dc := llm.DispatcherConfig{
		Primary:         c.providerConfig(primaryKind, ""),
		FallbackEnabled: c.LLM.Fallback.Enabled,
		Timeout:         timeout,
		MaxReplyLength:  c.LLM.MaxReplyLength,
	}
	if c.LLM.Fallback.Enabled {
		fbKind, err := llm.ParseKind(c.LLM.Fallback.Provider)
		if err != nil {
			return llm.DispatcherConfig{}, fmt.Errorf("fallback: %w", err)
		}
		fb := c.providerConfig(fbKind, c.LLM.Fallback.Model)
		dc.Fallback = &fb
	}
	return dc, nil
}

// TypingTimeout returns the parsed typing indicator timeout.
func (c *Config) TypingTimeout() time.Duration {
	d, _ := parseDuration(c.Matrix.TypingTimeout, 30*time.Second)
	return d
}

func (c *Config) endpoint(k llm.Kind) EndpointConfig {
	switch k {
	case llm.KindCloud:
		return c.LLM.Cloud
	case llm.KindAnthropic:
		return c.LLM.Anthropic
	default:
		return c.LLM.Local
	}
}

func (c *Config) providerConfig(k llm.Kind, modelOverride string) llm.ProviderConfig {
	ep := c.endpoint(k)
	model := ep.Model
	if modelOverride != "" {
		model = modelOverride
	}
	return llm.ProviderConfig{
		Kind:        k,
		Endpoint:    ep.URL,
		Model:       model,
		APIKey:      ep.APIKey,
		Temperature: c.LLM.Temperature,
		MaxTokens:   c.LLM.MaxTokens,
	}
}

// LoadSystemPrompt returns the inline prompt if set, else the file contents.
// A file that is missing or blank is an error; there is no placeholder prompt.
func (c *Config) LoadSystemPrompt() (string, error) {
	if inline := strings.TrimSpace(c.SystemPrompt); inline != "" || c.SystemPromptFile == "" {
		return inline, nil
	}
	data, err := os.ReadFile(c.SystemPromptFile)
	if err != nil {
		return "", fmt.Errorf("read system prompt %s: %w", c.SystemPromptFile, err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("system prompt file %s is empty", c.SystemPromptFile)
	}
	return prompt, nil
}

// ErrorReply renders the user-facing failure message.
func (c *Config) ErrorReply() string {
	if strings.Contains(c.Messages.Error, "%s") {
		return fmt.Sprintf(c.Messages.Error, c.Name)
	}
	return c.Messages.Error
}

// ValidationError lists every invalid config field.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "invalid config: " + e.Errors[0]
	}
	return fmt.Sprintf("invalid config (%d errors):\n  - %s", len(e.Errors), strings.Join(e.Errors, "\n  - "))
}

// Has reports whether any error mentions field.
func (e *ValidationError) Has(field string) bool {
	for _, msg := range e.Errors {
		if strings.Contains(msg, field) {
			return true
		}
	}
	return false
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}

	var overlayMap map[string]interface{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		srcObj, srcIsObj := v.(map[string]interface{})
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

// resolveEnv replaces $ENV_VAR references with actual values.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		// Bare numbers are seconds.
		secs, convErr := strconv.Atoi(s)
		if convErr != nil {
			return 0, err
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

// defaultConfig returns defaults drawn from the environment.
func defaultConfig() *Config {
	return &Config{
		Name: envOr("BOT_NAME", "cooperbot"),
		Matrix: MatrixConfig{
			Enabled:       envBool("MATRIX_ENABLED", true),
			Homeserver:    envOr("MATRIX_HOMESERVER", "http://synapse:8008"),
			UserID:        envOr("MATRIX_BOT_USER", "cooperbot"),
			Password:      envOr("MATRIX_BOT_PASSWORD", ""),
			ServerName:    envOr("MATRIX_SERVER_NAME", "matrix.example.com"),
			AllowedUsers:  envList("ALLOWED_USERS"),
			TypingTimeout: envOr("TYPING_TIMEOUT", "30s"),
		},
		LLM: LLMConfig{
			Provider: envOr("LLM_PROVIDER", "local"),
			Local: EndpointConfig{
				URL:   envOr("OLLAMA_URL", "http://localhost:11434/api/chat"),
				Model: envOr("MODEL", "llama3.1:8b"),
			},
			Cloud: EndpointConfig{
				URL:    envOr("CLOUD_URL", "https://api.openai.com/v1/chat/completions"),
				Model:  envOr("CLOUD_MODEL", "gpt-4o-mini"),
				APIKey: os.Getenv("OPENAI_API_KEY"),
			},
			Anthropic: EndpointConfig{
				URL:    envOr("ANTHROPIC_URL", "https://api.anthropic.com/v1/messages"),
				Model:  envOr("ANTHROPIC_MODEL", "claude-haiku-4-5"),
				APIKey: os.Getenv("ANTHROPIC_API_KEY"),
			},
			Temperature: envFloat("TEMPERATURE", 0.7),
			MaxTokens:   envInt("MAX_TOKENS", 120),
			Fallback: FallbackConfig{
				Enabled:  envBool("FALLBACK_ENABLED", false),
				Provider: envOr("FALLBACK_PROVIDER", "cloud"),
				Model:    os.Getenv("FALLBACK_MODEL"),
			},
			Timeout:        envOr("REQUEST_TIMEOUT", "30s"),
			MaxReplyLength: envInt("MAX_RESPONSE_LENGTH", 400),
		},
		SystemPromptFile: envOr("SYSTEM_PROMPT_FILE", "system_prompt.txt"),
		Messages: MessagesConfig{
			Greeting: "Hey there! 🤖 What can I help you with?",
			Error:    "⚠️ %s had a hiccup, try again!",
		},
		DataDir:  envOr("COOPERBOT_DATA_DIR", "data"),
		HTTPAddr: envOr("COOPERBOT_HTTP_ADDR", ":8080"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return v
}

func envFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return v
}

func envList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
