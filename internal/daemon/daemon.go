// Package daemon wires the Matrix channel, the completion dispatcher, the
// dispatch journal and the HTTP API into one running bot.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nous-labs/cooperbot/internal/channel/matrix"
	"github.com/nous-labs/cooperbot/internal/llm"
	"github.com/nous-labs/cooperbot/pkg/channel"
	"github.com/nous-labs/cooperbot/pkg/events"
	"github.com/nous-labs/cooperbot/pkg/journal"
)

// Daemon is the running bot.
type Daemon struct {
	config      *Config
	prompt      string
	dispatchCfg llm.DispatcherConfig
	dispatcher  *llm.Dispatcher
	channel     channel.Channel // nil when Matrix is disabled
	journal     *journal.Journal
	events      *events.Bus
	startedAt   time.Time

	mu      sync.RWMutex
	healthy bool
}

// New validates cfg, loads the system prompt and builds the daemon. j may be
// nil, in which case dispatches are not journaled.
func New(cfg *Config, j *journal.Journal) (*Daemon, error) {
	var ch channel.Channel
	if cfg.Matrix.Enabled {
		ch = matrix.New(matrix.Config{
			Homeserver:    cfg.Matrix.Homeserver,
			UserID:        cfg.Matrix.UserID,
			Password:      cfg.Matrix.Password,
			ServerName:    cfg.Matrix.ServerName,
			DisplayName:   cfg.Name,
			AllowedUsers:  cfg.Matrix.AllowedUsers,
			DataDir:       cfg.DataDir,
			TypingTimeout: cfg.TypingTimeout(),
		})
	}
	return newDaemon(cfg, j, ch, llm.NewHTTPTransport())
}

func newDaemon(cfg *Config, j *journal.Journal, ch channel.Channel, t llm.Transport) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prompt, err := cfg.LoadSystemPrompt()
	if err != nil {
		return nil, err
	}
	dc, err := cfg.DispatcherConfig()
	if err != nil {
		return nil, fmt.Errorf("dispatcher config: %w", err)
	}

	slog.Info("LLM provider configured",
		"primary", dc.Primary.Kind,
		"model", dc.Primary.Model,
		"fallback_enabled", dc.FallbackEnabled,
		"timeout", dc.Timeout,
	)
	if dc.Fallback != nil {
		slog.Info("LLM fallback configured",
			"provider", dc.Fallback.Kind,
			"model", dc.Fallback.Model,
			"has_key", dc.Fallback.APIKey != "",
		)
	}

	return &Daemon{
		config:      cfg,
		prompt:      prompt,
		dispatchCfg: dc,
		dispatcher:  llm.NewDispatcher(t),
		channel:     ch,
		journal:     j,
		events:      events.NewBus(0),
		startedAt:   time.Now(),
	}, nil
}

// Run starts the channel and the HTTP API. Blocks until ctx is cancelled or
// the channel fails.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("cooperbot daemon running",
		"name", d.config.Name,
		"matrix", d.channel != nil,
		"http", d.config.HTTPAddr,
	)

	if d.config.HTTPAddr != "" {
		go d.serveHTTP(ctx)
	}

	errCh := make(chan error, 1)
	if d.channel != nil {
		go func() {
			slog.Info("starting channel", "channel", d.channel.Name())
			if err := d.channel.Start(ctx, d.onMessage); err != nil {
				errCh <- err
			}
		}()
	}

	d.setHealthy(true)
	d.events.Publish(events.Event{Type: events.TypeStatus, Message: "daemon started"})

	select {
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	case err := <-errCh:
		if ctx.Err() == nil {
			d.setHealthy(false)
			return fmt.Errorf("%s channel fatal error: %w", d.channel.Name(), err)
		}
	}

	d.setHealthy(false)
	if d.channel != nil {
		if err := d.channel.Stop(); err != nil {
			slog.Warn("channel stop failed", "error", err)
		}
	}
	slog.Info("cooperbot daemon shutting down")
	return nil
}

func (d *Daemon) setHealthy(v bool) {
	d.mu.Lock()
	d.healthy = v
	d.mu.Unlock()
}

func (d *Daemon) isHealthy() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.healthy
}

// onMessage handles a mention from the channel: greet on an empty mention,
// otherwise dispatch with the typing indicator shown and reply in-thread.
func (d *Daemon) onMessage(ctx context.Context, msg channel.Message) error {
	if !msg.Mentioned {
		return nil
	}
	d.events.Publish(events.Event{
		Type:    events.TypeMention,
		Source:  msg.Source,
		RoomID:  msg.RoomID,
		Message: fmt.Sprintf("%d chars", len([]rune(msg.Content))),
	})

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return d.reply(ctx, msg, d.config.Messages.Greeting)
	}

	if err := d.channel.Typing(ctx, msg.RoomID, true); err != nil {
		slog.Warn("typing indicator failed", "room", msg.RoomID, "error", err)
	}
	out, err := d.ask(ctx, msg.Source, msg.RoomID, text)
	// The request context may be gone by now; clearing typing should still go out.
	if err := d.channel.Typing(context.WithoutCancel(ctx), msg.RoomID, false); err != nil {
		slog.Debug("typing clear failed", "room", msg.RoomID, "error", err)
	}

	if err != nil {
		return d.reply(ctx, msg, d.config.ErrorReply())
	}
	return d.reply(ctx, msg, out.Text)
}

func (d *Daemon) reply(ctx context.Context, msg channel.Message, content string) error {
	err := d.channel.Send(ctx, channel.Response{
		Content: content,
		RoomID:  msg.RoomID,
		ReplyTo: msg.ID,
	})
	if err != nil {
		slog.Error("failed to send response", "room", msg.RoomID, "error", err)
		d.events.Publish(events.Event{Type: events.TypeError, Source: msg.Source, RoomID: msg.RoomID, Message: "send failed"})
		return fmt.Errorf("send response: %w", err)
	}
	return nil
}

// ask runs one dispatch and records it in the journal and on the event bus.
// It is the shared pipeline behind Matrix mentions and POST /v1/chat.
func (d *Daemon) ask(ctx context.Context, source, roomID, text string) (*llm.Outcome, error) {
	start := time.Now()
	out, err := d.dispatcher.Dispatch(ctx, d.prompt, text, d.dispatchCfg)
	elapsed := time.Since(start)

	entry := journal.Entry{
		Source:  source,
		RoomID:  roomID,
		Latency: elapsed,
	}

	if err != nil {
		var pe *llm.ProviderError
		if errors.As(err, &pe) {
			entry.Provider = pe.Provider.String()
			entry.ErrorKind = pe.Kind.String()
			entry.ErrorDetail = pe.Detail
			entry.UsedFallback = pe.Fallback
		} else {
			entry.ErrorKind = "unknown"
			entry.ErrorDetail = err.Error()
		}
		slog.Error("dispatch failed", "source", source, "room", roomID, "elapsed", elapsed, "error", err)
		d.events.Publish(events.Event{
			Type:     events.TypeError,
			Source:   source,
			RoomID:   roomID,
			Provider: entry.Provider,
			Message:  entry.ErrorKind + " error",
		})
		d.record(entry)
		return nil, err
	}

	entry.Provider = out.Provider.String()
	entry.Model = out.Model
	entry.UsedFallback = out.UsedFallback
	entry.Truncated = out.Truncated
	entry.ReplyLen = len([]rune(out.Text))
	d.record(entry)

	typ := events.TypeReply
	if out.UsedFallback {
		typ = events.TypeFallback
	}
	d.events.Publish(events.Event{
		Type:     typ,
		Source:   source,
		RoomID:   roomID,
		Provider: entry.Provider,
		Message:  fmt.Sprintf("%s replied in %s", out.Model, elapsed.Round(time.Millisecond)),
	})
	slog.Info("dispatch complete",
		"source", source,
		"provider", out.Provider,
		"model", out.Model,
		"fallback", out.UsedFallback,
		"truncated", out.Truncated,
		"elapsed", elapsed,
	)
	return out, nil
}

func (d *Daemon) record(e journal.Entry) {
	if d.journal == nil {
		return
	}
	if _, err := d.journal.Record(e); err != nil {
		slog.Warn("journal record failed", "error", err)
	}
}

// Handler returns the HTTP API.
//   - GET /health: health check
//   - POST /v1/chat: one dispatch outside any channel
//   - GET /v1/events: recent events, or an SSE stream with Accept: text/event-stream
//   - GET /v1/stats: journal aggregates, with ?recent=n the newest n dispatches
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("POST /v1/chat", d.handleChat)
	mux.HandleFunc("GET /v1/events", d.handleEvents)
	mux.HandleFunc("GET /v1/stats", d.handleStats)
	return mux
}

func (d *Daemon) serveHTTP(ctx context.Context) {
	srv := &http.Server{
		Addr:              d.config.HTTPAddr,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("API listening", "addr", d.config.HTTPAddr,
		"endpoints", []string{"/health", "/v1/chat", "/v1/events", "/v1/stats"})
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Warn("API server error", "error", err)
	}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !d.isHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(d.startedAt).Round(time.Second).String(),
	})
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply        string `json:"reply"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	UsedFallback bool   `json:"used_fallback"`
	Truncated    bool   `json:"truncated"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (d *Daemon) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	text := strings.TrimSpace(req.Message)
	if text == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}

	out, err := d.ask(r.Context(), "http", "", text)
	if err != nil {
		resp := errorResponse{Error: err.Error()}
		var pe *llm.ProviderError
		if errors.As(err, &pe) {
			resp.Kind = pe.Kind.String()
		}
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		Reply:        out.Text,
		Provider:     out.Provider.String(),
		Model:        out.Model,
		UsedFallback: out.UsedFallback,
		Truncated:    out.Truncated,
	})
}

func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	n := 50
	if s := r.URL.Query().Get("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "n must be a positive integer"})
			return
		}
		n = v
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		d.streamEvents(w, r, n)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": d.events.Recent(n)})
}

// streamEvents sends the newest n events, then new events as they are
// published, as server-sent events until the client disconnects.
func (d *Daemon) streamEvents(w http.ResponseWriter, r *http.Request, n int) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, unsubscribe := d.events.Subscribe()
	defer unsubscribe()
	slog.Debug("event stream connected", "subscribers", d.events.SubscriberCount())

	for _, e := range d.events.Recent(n) {
		writeSSE(w, e)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (d *Daemon) handleStats(w http.ResponseWriter, r *http.Request) {
	if d.journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "journal disabled"})
		return
	}
	resp := statsResponse{Stats: d.journal.Stats()}
	if s := r.URL.Query().Get("recent"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "recent must be an integer in [1, 500]"})
			return
		}
		entries, err := d.journal.Recent(n)
		if err != nil {
			slog.Error("journal recent failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "journal query failed"})
			return
		}
		resp.Recent = entries
	}
	writeJSON(w, http.StatusOK, resp)
}

// statsResponse is the /v1/stats body: journal aggregates, plus the newest
// dispatches when ?recent=n is given.
type statsResponse struct {
	journal.Stats
	Recent []journal.Entry `json:"recent,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}
