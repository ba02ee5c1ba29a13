// Package matrix implements the Matrix channel for cooperbot using mautrix-go.
// It listens in every joined room and hands over messages that mention the bot.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/cooperbot/pkg/channel"
)

// maxMessageLen is the split size for outgoing messages.
const maxMessageLen = 4000

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver    string
	UserID        string // localpart, e.g. "cooperbot"
	Password      string
	ServerName    string // e.g. "matrix.example.com"
	DisplayName   string // also accepted as a mention prefix
	AllowedUsers  []string
	DataDir       string
	TypingTimeout time.Duration
}

// Channel implements the channel.Channel interface for Matrix.
type Channel struct {
	config    Config
	client    *mautrix.Client
	handler   channel.MessageHandler
	mentions  mentionMatcher
	startTime int64
	runCtx    context.Context
	wg        sync.WaitGroup

	credFile string
}

// credentials holds saved Matrix login state.
type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// New creates a new Matrix channel.
func New(cfg Config) *Channel {
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = 30 * time.Second
	}
	return &Channel{
		config:   cfg,
		credFile: filepath.Join(cfg.DataDir, "matrix_credentials.json"),
	}
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "matrix" }

// FullUserID returns the bot's Matrix ID.
func (c *Channel) FullUserID() id.UserID {
	return id.NewUserID(c.config.UserID, c.config.ServerName)
}

// Start connects to Matrix and begins listening for messages.
// Retries login with exponential backoff on failure.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.handler = handler
	c.runCtx = ctx
	c.startTime = time.Now().UnixMilli()

	if err := os.MkdirAll(c.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	fullUserID := c.FullUserID()
	c.mentions = newMentionMatcher(fullUserID, c.config.UserID, c.config.DisplayName)

	client, err := mautrix.NewClient(c.config.Homeserver, fullUserID, "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	c.client = client

	// In-memory sync store; a restart resyncs and old events are skipped by timestamp.
	client.Store = mautrix.NewMemorySyncStore()

	if err := c.loginWithRetry(ctx, fullUserID); err != nil {
		return err
	}

	if c.config.DisplayName != "" {
		if err := client.SetDisplayName(ctx, c.config.DisplayName); err != nil {
			slog.Warn("failed to set display name", "name", c.config.DisplayName, "error", err)
		}
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		c.onMessage(evt)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		c.onMemberEvent(ctx, evt)
	})

	slog.Info("matrix channel ready, starting sync", "user", fullUserID)

	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting in 15s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(15 * time.Second):
			}
		}
	}
}

// loginWithRetry handles Matrix login with exponential backoff.
// Tries saved credentials first, then password login with retry.
func (c *Channel) loginWithRetry(ctx context.Context, fullUserID id.UserID) error {
	if err := c.loadCredentials(); err == nil {
		slog.Info("loaded saved Matrix credentials", "user", fullUserID)
		return nil
	}

	backoff := 2 * time.Second
	maxBackoff := 2 * time.Minute
	maxAttempts := 10

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		slog.Info("logging into Matrix",
			"user", fullUserID,
			"homeserver", c.config.Homeserver,
			"attempt", attempt,
		)

		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("logged into Matrix", "user", resp.UserID, "device", resp.DeviceID)
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}

		errStr := err.Error()
		if strings.Contains(errStr, "M_FORBIDDEN") ||
			strings.Contains(errStr, "M_UNKNOWN_TOKEN") ||
			strings.Contains(errStr, "M_INVALID_PARAM") {
			return fmt.Errorf("matrix login: %w (non-retryable)", err)
		}
		if attempt == maxAttempts {
			return fmt.Errorf("matrix login: %w (after %d attempts)", err, maxAttempts)
		}

		slog.Warn("matrix login failed, retrying",
			"error", err,
			"attempt", attempt,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return fmt.Errorf("matrix login: exhausted retries")
}

// Send sends a message to a Matrix room, splitting long messages. The first
// chunk is threaded as a reply when resp.ReplyTo is set.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	roomID := id.RoomID(resp.RoomID)
	chunks := splitMessage(resp.Content, maxMessageLen)

	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[%d/%d] %s", i+1, len(chunks), chunk)
		}
		content := &event.MessageEventContent{MsgType: event.MsgText, Body: chunk}
		if i == 0 && resp.ReplyTo != "" {
			content.RelatesTo = &event.RelatesTo{
				InReplyTo: &event.InReplyTo{EventID: id.EventID(resp.ReplyTo)},
			}
		}
		if _, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, content); err != nil {
			slog.Error("matrix send failed", "room", roomID, "chunk", i+1, "error", err)
			return err
		}
		if i < len(chunks)-1 {
			time.Sleep(500 * time.Millisecond)
		}
	}
	slog.Info("matrix message sent", "room", roomID, "chunks", len(chunks), "len", len(resp.Content))
	return nil
}

// Typing toggles the typing notification in a room. The server clears it
// on its own after the configured typing timeout.
func (c *Channel) Typing(ctx context.Context, roomID string, typing bool) error {
	var timeout time.Duration
	if typing {
		timeout = c.config.TypingTimeout
	}
	_, err := c.client.UserTyping(ctx, id.RoomID(roomID), typing, timeout)
	return err
}

// Stop stops syncing and waits for in-flight handlers to finish.
func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.StopSync()
	}
	c.wg.Wait()
	return nil
}

// --- Event Handlers ---

func (c *Channel) onMessage(evt *event.Event) {
	if evt.Sender == c.client.UserID {
		return
	}
	if evt.Timestamp < c.startTime {
		return
	}
	if !c.isAllowed(evt.Sender) {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil || content.Body == "" {
		return
	}
	if !c.mentions.Mentioned(content) {
		return
	}

	msg := channel.Message{
		Source:    "matrix",
		ID:        string(evt.ID),
		SenderID:  string(evt.Sender),
		RoomID:    string(evt.RoomID),
		Content:   c.mentions.Strip(content.Body),
		Mentioned: true,
		Timestamp: evt.Timestamp,
	}

	slog.Info("matrix mention received",
		"sender", evt.Sender,
		"room", evt.RoomID,
		"content", truncate(msg.Content, 100),
	)

	// Each mention runs on its own goroutine so a slow provider does not
	// hold up the sync loop or other rooms.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.handler(c.runCtx, msg); err != nil {
			slog.Error("message handler error", "room", msg.RoomID, "error", err)
		}
	}()
}

func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.client.UserID) {
		return
	}

	memberContent := evt.Content.AsMember()
	if memberContent == nil || memberContent.Membership != event.MembershipInvite {
		return
	}

	if !c.isAllowed(evt.Sender) {
		slog.Warn("rejecting invite from unauthorized user", "sender", evt.Sender)
		return
	}

	slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender)
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join room", "room", evt.RoomID, "error", err)
	}
}

// --- Credentials ---

func (c *Channel) loadCredentials() error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	c.client.AccessToken = creds.AccessToken
	c.client.UserID = id.UserID(creds.UserID)
	c.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	if err := os.WriteFile(c.credFile, data, 0o600); err != nil {
		slog.Warn("failed to save Matrix credentials", "path", c.credFile, "error", err)
	}
}

// --- Helpers ---

func (c *Channel) isAllowed(sender id.UserID) bool {
	if len(c.config.AllowedUsers) == 0 || c.config.AllowedUsers[0] == "" {
		return true
	}
	for _, allowed := range c.config.AllowedUsers {
		if string(sender) == allowed {
			return true
		}
	}
	return false
}

// splitMessage cuts s into chunks of at most maxLen runes.
func splitMessage(s string, maxLen int) []string {
	runes := []rune(s)
	var chunks []string
	for len(runes) > maxLen {
		chunks = append(chunks, string(runes[:maxLen]))
		runes = runes[maxLen:]
	}
	if len(runes) > 0 || len(chunks) == 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
