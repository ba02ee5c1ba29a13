// Package channel defines the interface for chat-platform channels.
// A channel delivers messages addressed to the bot and sends replies back.
package channel

import "context"

// Message represents an incoming message from any channel.
type Message struct {
	// Source identifies the channel (e.g., "matrix", "http")
	Source string

	// ID is the channel-specific message identifier, used for threading replies
	ID string

	// SenderID is the channel-specific sender identifier
	SenderID string

	// RoomID is the channel-specific room/conversation identifier
	RoomID string

	// Content is the message text with bot mention tokens already stripped
	Content string

	// Mentioned is true when the message addressed the bot
	Mentioned bool

	// Timestamp is the message timestamp in milliseconds
	Timestamp int64
}

// Response represents an outgoing message to a channel.
type Response struct {
	// Content is the text to send
	Content string

	// RoomID is the target room/conversation
	RoomID string

	// ReplyTo is the message ID this response answers, if any
	ReplyTo string
}

// Channel is the interface for a communication channel.
type Channel interface {
	// Name returns the channel identifier (e.g., "matrix").
	Name() string

	// Start begins listening for messages. Blocks until ctx is cancelled.
	// Received messages are sent to the handler function.
	Start(ctx context.Context, handler MessageHandler) error

	// Send sends a response to a specific room on this channel.
	Send(ctx context.Context, resp Response) error

	// Typing toggles the typing indicator in a room.
	Typing(ctx context.Context, roomID string, typing bool) error

	// Stop gracefully shuts down the channel.
	Stop() error
}

// MessageHandler is called when a message is received from any channel.
type MessageHandler func(ctx context.Context, msg Message) error
