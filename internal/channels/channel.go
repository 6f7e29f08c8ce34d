// Package channels defines the transport boundary: normalized inbound events
// and the outbound Sender that chat adapters implement.
package channels

import (
	"context"
	"strings"
	"time"
)

// Type identifies a chat transport.
type Type string

const (
	TypeWhatsApp Type = "whatsapp"
	TypeTelegram Type = "telegram"
)

// Input is the normalized content of an inbound message. It is either Text
// or MenuSelection.
type Input interface {
	isInput()
}

// Text is a typed message body.
type Text struct {
	Body string
}

// MenuSelection is a tap on a button, list row or template reply.
type MenuSelection struct {
	ID string
}

func (Text) isInput()          {}
func (MenuSelection) isInput() {}

// Event is one inbound message after normalization.
type Event struct {
	Channel     Type
	ChatKey     string
	Sender      string
	IsGroup     bool
	MentionsBot bool
	Input       Input
	ReceivedAt  time.Time
}

// Identity returns the conversation participant key. Group participants are
// scoped by chat so one person in two groups holds two sessions.
func (e Event) Identity() string {
	if e.IsGroup {
		return e.ChatKey + ":" + e.Sender
	}
	if e.Sender == "" {
		return e.ChatKey
	}
	return e.Sender
}

// Content returns the raw text of the input: the body for Text, the
// selection id for MenuSelection.
func (e Event) Content() string {
	switch in := e.Input.(type) {
	case Text:
		return strings.TrimSpace(in.Body)
	case MenuSelection:
		return strings.TrimSpace(in.ID)
	default:
		return ""
	}
}

// Media references a locally produced file to upload.
type Media struct {
	Path     string
	MIMEType string
	Caption  string
}

// Sender delivers messages to a chat.
type Sender interface {
	SendText(ctx context.Context, chatKey, text string) error
	SendMedia(ctx context.Context, chatKey string, media Media) error
	// SetComposing shows a typing indicator in chatKey.
	SetComposing(ctx context.Context, chatKey string) error
}

// Adapter is a running chat transport.
type Adapter interface {
	Sender

	// Start connects and begins emitting events.
	Start(ctx context.Context) error

	// Stop disconnects and closes the Events channel.
	Stop(ctx context.Context) error

	// Events returns normalized inbound messages.
	Events() <-chan Event

	// Type returns the transport type.
	Type() Type
}

// SenderLookup resolves the Sender for a transport.
type SenderLookup interface {
	Sender(t Type) (Sender, bool)
}

// SingleSender returns a lookup that answers every transport with s.
func SingleSender(s Sender) SenderLookup {
	return singleSender{s}
}

type singleSender struct{ s Sender }

func (l singleSender) Sender(Type) (Sender, bool) { return l.s, l.s != nil }
