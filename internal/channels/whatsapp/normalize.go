package whatsapp

import (
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"

	"github.com/haasonsaas/parley/internal/channels"
)

// normalizeMessage extracts the input from the message shapes we accept.
// Interactive replies become selections; everything else must carry text.
func normalizeMessage(msg *waE2E.Message) (channels.Input, bool) {
	if msg == nil {
		return nil, false
	}

	if id := msg.GetButtonsResponseMessage().GetSelectedButtonID(); id != "" {
		return channels.MenuSelection{ID: id}, true
	}
	if id := msg.GetListResponseMessage().GetSingleSelectReply().GetSelectedRowID(); id != "" {
		return channels.MenuSelection{ID: id}, true
	}
	if id := msg.GetTemplateButtonReplyMessage().GetSelectedID(); id != "" {
		return channels.MenuSelection{ID: id}, true
	}

	text := msg.GetConversation()
	if text == "" {
		text = msg.GetExtendedTextMessage().GetText()
	}
	if strings.TrimSpace(text) == "" {
		return nil, false
	}
	return channels.Text{Body: text}, true
}

// mentionsAny reports whether msg mentions any of the given users.
func mentionsAny(msg *waE2E.Message, users []string) bool {
	if len(users) == 0 {
		return false
	}
	for _, raw := range msg.GetExtendedTextMessage().GetContextInfo().GetMentionedJID() {
		jid, err := types.ParseJID(raw)
		if err != nil {
			continue
		}
		for _, user := range users {
			if jid.User == user {
				return true
			}
		}
	}
	return false
}

// repliesToAny reports whether msg quotes a message sent by one of users.
func repliesToAny(msg *waE2E.Message, users []string) bool {
	participant := msg.GetExtendedTextMessage().GetContextInfo().GetParticipant()
	if participant == "" {
		return false
	}
	jid, err := types.ParseJID(participant)
	if err != nil {
		return false
	}
	for _, user := range users {
		if jid.User == user {
			return true
		}
	}
	return false
}
