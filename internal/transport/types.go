// Package transport defines the messenger capability the scheduler core
// talks through. Concrete adapters (Telegram) live in subpackages; the
// core never imports them.
package transport

import "context"

// Method is one delivery technique in a fallback chain.
type Method string

const (
	MethodVideo    Method = "video"
	MethodImage    Method = "image"
	MethodDocument Method = "document"
)

// MediaKind classifies incoming media. Values line up with the storage
// kinds on purpose; animations are folded into "image" by the adapter.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
)

// ChatTarget addresses a chat. Exactly one of ChatID/Username is set;
// Username carries the "@channel" form.
type ChatTarget struct {
	ChatID   int64
	Username string
}

// Messenger is the outbound capability. Ref arguments are opaque handles
// owned by the transport (Telegram file ids); callers never inspect them.
type Messenger interface {
	SendVideo(ctx context.Context, to ChatTarget, ref, caption string) error
	SendImage(ctx context.Context, to ChatTarget, ref, caption string) error
	SendDocument(ctx context.Context, to ChatTarget, ref, caption string) error
	SendText(ctx context.Context, to ChatTarget, text string) error

	// FetchBytes downloads the payload behind a ref; used only by the
	// preview re-upload fallback.
	FetchBytes(ctx context.Context, ref string) ([]byte, error)

	// Upload sends raw bytes with the given method (re-upload fallback).
	Upload(ctx context.Context, to ChatTarget, m Method, name string, data []byte, caption string) error
}

// Send dispatches one ref through a single method.
func Send(ctx context.Context, msgr Messenger, to ChatTarget, m Method, ref, caption string) error {
	switch m {
	case MethodVideo:
		return msgr.SendVideo(ctx, to, ref, caption)
	case MethodDocument:
		return msgr.SendDocument(ctx, to, ref, caption)
	default:
		return msgr.SendImage(ctx, to, ref, caption)
	}
}

// Update is one inbound event from the chat transport.
type Update struct {
	Message *Message
}

// Message is a normalized incoming message.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	Caption      string
	Media        *IncomingMedia
}

// IncomingMedia describes a media attachment on an incoming message.
type IncomingMedia struct {
	Kind MediaKind
	Ref  string
	// PreviewRef is a lower-fidelity handle when one exists; empty
	// otherwise.
	PreviewRef string
}
