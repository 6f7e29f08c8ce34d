package whatsapp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/haasonsaas/parley/internal/channels"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want channels.Input
		ok   bool
	}{
		{
			name: "nil",
			msg:  nil,
		},
		{
			name: "conversation",
			msg:  &waE2E.Message{Conversation: proto.String("halo")},
			want: channels.Text{Body: "halo"},
			ok:   true,
		},
		{
			name: "extended text",
			msg: &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String("https://example.com/v"),
			}},
			want: channels.Text{Body: "https://example.com/v"},
			ok:   true,
		},
		{
			name: "button reply",
			msg: &waE2E.Message{ButtonsResponseMessage: &waE2E.ButtonsResponseMessage{
				SelectedButtonID: proto.String("2"),
			}},
			want: channels.MenuSelection{ID: "2"},
			ok:   true,
		},
		{
			name: "list reply",
			msg: &waE2E.Message{ListResponseMessage: &waE2E.ListResponseMessage{
				SingleSelectReply: &waE2E.ListResponseMessage_SingleSelectReply{
					SelectedRowID: proto.String("menu"),
				},
			}},
			want: channels.MenuSelection{ID: "menu"},
			ok:   true,
		},
		{
			name: "template button reply",
			msg: &waE2E.Message{TemplateButtonReplyMessage: &waE2E.TemplateButtonReplyMessage{
				SelectedID: proto.String("1"),
			}},
			want: channels.MenuSelection{ID: "1"},
			ok:   true,
		},
		{
			name: "whitespace only",
			msg:  &waE2E.Message{Conversation: proto.String("   ")},
		},
		{
			name: "image without caption",
			msg:  &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalizeMessage(tt.msg)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("input = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestMentionsAny(t *testing.T) {
	msg := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text: proto.String("@bot tolong"),
		ContextInfo: &waE2E.ContextInfo{
			MentionedJID: []string{"628111@s.whatsapp.net", "98765@lid"},
		},
	}}

	if !mentionsAny(msg, []string{"98765"}) {
		t.Error("expected LID mention to match")
	}
	if !mentionsAny(msg, []string{"628111"}) {
		t.Error("expected phone mention to match")
	}
	if mentionsAny(msg, []string{"628999"}) {
		t.Error("unexpected mention match")
	}
	if mentionsAny(msg, nil) {
		t.Error("no users should never match")
	}
	if mentionsAny(&waE2E.Message{Conversation: proto.String("hi")}, []string{"628111"}) {
		t.Error("plain conversation carries no mentions")
	}
}

func TestRepliesToAny(t *testing.T) {
	msg := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text:        proto.String("yang tadi"),
		ContextInfo: &waE2E.ContextInfo{Participant: proto.String("628111@s.whatsapp.net")},
	}}
	if !repliesToAny(msg, []string{"628111"}) {
		t.Error("expected quoted reply to match")
	}
	if repliesToAny(msg, []string{"628222"}) {
		t.Error("unexpected reply match")
	}
}

func messageEvent(chat, sender types.JID, isGroup bool, msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:    chat,
				Sender:  sender,
				IsGroup: isGroup,
			},
			ID:        "ABC123",
			Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		},
		Message: msg,
	}
}

func TestHandleMessage_DirectChat(t *testing.T) {
	a := newAdapter(DefaultConfig(), testLogger(), nil)
	user := types.NewJID("628123", types.DefaultUserServer)

	a.handleMessage(messageEvent(user, user, false, &waE2E.Message{Conversation: proto.String("halo")}))

	select {
	case evt := <-a.Events():
		if evt.Channel != channels.TypeWhatsApp {
			t.Errorf("Channel = %q", evt.Channel)
		}
		if evt.ChatKey != "628123@s.whatsapp.net" {
			t.Errorf("ChatKey = %q", evt.ChatKey)
		}
		if evt.Identity() != "628123@s.whatsapp.net" {
			t.Errorf("Identity() = %q", evt.Identity())
		}
		if evt.Content() != "halo" {
			t.Errorf("Content() = %q", evt.Content())
		}
		if evt.ReceivedAt.IsZero() {
			t.Error("ReceivedAt should be set")
		}
	default:
		t.Fatal("expected an event")
	}
}

func TestHandleMessage_Skips(t *testing.T) {
	a := newAdapter(DefaultConfig(), testLogger(), nil)
	user := types.NewJID("628123", types.DefaultUserServer)
	text := &waE2E.Message{Conversation: proto.String("halo")}

	fromMe := messageEvent(user, user, false, text)
	fromMe.Info.IsFromMe = true
	a.handleMessage(fromMe)

	status := types.NewJID("status", types.BroadcastServer)
	a.handleMessage(messageEvent(status, user, false, text))

	a.handleMessage(messageEvent(user, user, false, &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}))

	select {
	case evt := <-a.Events():
		t.Fatalf("unexpected event %+v", evt)
	default:
	}
}

func TestHandleMessage_GroupWithoutClient(t *testing.T) {
	a := newAdapter(DefaultConfig(), testLogger(), nil)
	group := types.NewJID("120363", types.GroupServer)
	user := types.NewJID("628123", types.DefaultUserServer)

	msg := &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text:        proto.String("@bot halo"),
		ContextInfo: &waE2E.ContextInfo{MentionedJID: []string{"628000@s.whatsapp.net"}},
	}}
	a.handleMessage(messageEvent(group, user, true, msg))

	evt := <-a.Events()
	if !evt.IsGroup {
		t.Error("IsGroup should be true")
	}
	// Without a logged-in device there is no own address to match.
	if evt.MentionsBot {
		t.Error("MentionsBot should be false without a device")
	}
	if evt.Identity() != "120363@g.us:628123@s.whatsapp.net" {
		t.Errorf("Identity() = %q", evt.Identity())
	}
}

func TestEmit_DropsWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventBuffer = 1
	a := newAdapter(cfg, testLogger(), nil)

	a.emit(channels.Event{ChatKey: "a"})
	a.emit(channels.Event{ChatKey: "b"})

	if got := len(a.events); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
	if evt := <-a.events; evt.ChatKey != "a" {
		t.Errorf("kept %q, want the first event", evt.ChatKey)
	}
}

func TestSendText_NotConnected(t *testing.T) {
	a := newAdapter(DefaultConfig(), testLogger(), nil)
	err := a.SendText(context.Background(), "628123@s.whatsapp.net", "hi")
	if channels.GetErrorCode(err) != channels.ErrCodeConnection {
		t.Fatalf("error = %v, want connection error", err)
	}

	err = a.SendText(context.Background(), "not a jid@@", "hi")
	if err == nil {
		t.Fatal("expected error for invalid chat key")
	}
}

func TestSetComposing_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendPresence = false
	a := newAdapter(cfg, testLogger(), nil)
	if err := a.SetComposing(context.Background(), "628123@s.whatsapp.net"); err != nil {
		t.Errorf("SetComposing() with presence disabled = %v", err)
	}
}

func TestStop_WithoutStart(t *testing.T) {
	a := newAdapter(DefaultConfig(), testLogger(), nil)
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, ok := <-a.Events(); ok {
		t.Error("events channel should be closed")
	}
	// A second Stop must not panic on the closed channels.
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	// Late deliveries after Stop are dropped.
	a.emit(channels.Event{ChatKey: "late"})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "disabled skips checks", mutate: func(c *Config) { c.SessionPath = "" }},
		{name: "enabled defaults", mutate: func(c *Config) { c.Enabled = true }},
		{
			name:    "missing session path",
			mutate:  func(c *Config) { c.Enabled = true; c.SessionPath = "" },
			wantErr: "session_path",
		},
		{
			name:    "negative buffer",
			mutate:  func(c *Config) { c.Enabled = true; c.EventBuffer = -1 },
			wantErr: "event_buffer",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(&Config{Enabled: true}, testLogger(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var chErr *channels.Error
	if !errors.As(err, &chErr) || chErr.Code != channels.ErrCodeConfig {
		t.Errorf("error = %v, want config error", err)
	}
}

func TestNew_CreatesSessionDirectory(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.SessionPath = filepath.Join(dir, "nested", "session.db")

	a, err := New(cfg, testLogger(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Stop(context.Background())

	if _, err := os.Stat(filepath.Join(dir, "nested")); err != nil {
		t.Errorf("session directory not created: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/x/y.db"); got != filepath.Join(home, "x", "y.db") {
		t.Errorf("expandPath() = %q", got)
	}
	if got := expandPath("/abs/y.db"); got != "/abs/y.db" {
		t.Errorf("expandPath() = %q", got)
	}
}
