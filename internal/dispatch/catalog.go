package dispatch

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Key names a localized reply.
type Key string

const (
	KeyMenu            Key = "menu"
	KeyGreeting        Key = "greeting"
	KeyAIReady         Key = "ai_ready"
	KeySendLink        Key = "send_link"
	KeyInvalidLink     Key = "invalid_link"
	KeyChooseFormat    Key = "choose_format"
	KeyInvalidFormat   Key = "invalid_format"
	KeyDownloadStarted Key = "download_started"
	KeyBusy            Key = "busy"
	KeyDownloadFailed  Key = "download_failed"
	KeyDownloadDone    Key = "download_done"
	KeyCooldown        Key = "cooldown"
	KeyWindowExceeded  Key = "window_exceeded"
	KeyAINotConfigured Key = "ai_not_configured"
	KeyAIUnavailable   Key = "ai_unavailable"
	KeyPong            Key = "pong"
	KeyAIUsage         Key = "ai_usage"
	KeyUnknownCommand  Key = "unknown_command"
	KeyCommands        Key = "commands"

	KeyPendingDiscarded Key = "pending_discarded"
)

// Messages that reference arguments receive the bot name and then the
// command prefix, addressed by index.
var builtinMessages = map[language.Tag]map[Key]string{
	language.English: {
		KeyMenu:            "📜 *%[1]s MENU*\n\n1. Chat with AI\n2. Download video/audio\n\nReply with a number. Type *menu* anytime to come back here.",
		KeyGreeting:        "Hi 👋 I'm %[1]s",
		KeyAIReady:         "🤖 AI chat is on. Ask me anything.\nType *menu* to go back.",
		KeySendLink:        "🔗 Send me the link you want to download.",
		KeyInvalidLink:     "That doesn't look like a link. Send a URL starting with http:// or https://.",
		KeyChooseFormat:    "Choose a format:\n1. Video\n2. Audio (mp3)",
		KeyInvalidFormat:   "Reply *1* for video or *2* for audio.",
		KeyDownloadStarted: "⏳ Downloading, please wait...",
		KeyBusy:            "⏳ A download is already running for you. Please wait until it finishes.",
		KeyDownloadFailed:  "❌ Download failed. Please try another link.",
		KeyDownloadDone:    "✅ Done!",
		KeyCooldown:        "⏳ Slow down a little 😄",
		KeyWindowExceeded:  "🚦 Too many requests, please wait a minute.",
		KeyAINotConfigured: "AI is not configured yet.",
		KeyAIUnavailable:   "⚠️ All AI models are having problems right now.",
		KeyPong:            "pong 🏓",
		KeyAIUsage:         "Example: %[2]sai explain golang",
		KeyUnknownCommand:  "Unknown command ❌",
		KeyCommands:        "📜 *COMMANDS*\n%[2]sping\n%[2]smenu\n%[2]sai <text>",

		KeyPendingDiscarded: "The link you sent while the last download was running was not downloaded. Choose 2 and send it again.",
	},
	language.Indonesian: {
		KeyMenu:            "📜 *MENU %[1]s*\n\n1. Ngobrol sama AI\n2. Download video/audio\n\nBalas pakai angka. Ketik *menu* kapan aja buat balik ke sini.",
		KeyGreeting:        "Halo 👋 gue %[1]s",
		KeyAIReady:         "🤖 Mode AI aktif. Tanya apa aja.\nKetik *menu* buat balik.",
		KeySendLink:        "🔗 Kirim link yang mau di-download.",
		KeyInvalidLink:     "Itu bukan link. Kirim URL yang diawali http:// atau https://.",
		KeyChooseFormat:    "Pilih format:\n1. Video\n2. Audio (mp3)",
		KeyInvalidFormat:   "Balas *1* untuk video atau *2* untuk audio.",
		KeyDownloadStarted: "⏳ Lagi di-download, tunggu bentar ya...",
		KeyBusy:            "⏳ Masih ada download yang jalan. Tunggu sampai selesai ya.",
		KeyDownloadFailed:  "❌ Download gagal. Coba link lain ya.",
		KeyDownloadDone:    "✅ Selesai!",
		KeyCooldown:        "⏳ Pelan-pelan bro 😄",
		KeyWindowExceeded:  "🚦 Kebanyakan request, tunggu 1 menit ya.",
		KeyAINotConfigured: "AI belum dikonfigurasi.",
		KeyAIUnavailable:   "⚠️ Semua model AI sedang bermasalah.",
		KeyPong:            "pong 🏓",
		KeyAIUsage:         "Contoh: %[2]sai jelasin nodejs",
		KeyUnknownCommand:  "Command tidak dikenal ❌",
		KeyCommands:        "📜 *COMMANDS*\n%[2]sping\n%[2]smenu\n%[2]sai <teks>",

		KeyPendingDiscarded: "Link yang dikirim waktu download sebelumnya masih jalan tidak di-download. Pilih 2 lalu kirim lagi ya.",
	},
}

// Catalog renders localized replies.
type Catalog struct {
	builder   *catalog.Builder
	tags      []language.Tag
	matcher   language.Matcher
	fallback  language.Tag
	botName   string
	prefix    string
	takesArgs map[Key]bool // keys whose message has an indexed verb
}

// NewCatalog creates a catalog with the built-in English and Indonesian
// messages. Unsupported languages render in fallback.
func NewCatalog(botName, prefix string, fallback language.Tag) (*Catalog, error) {
	if fallback == language.Und {
		fallback = language.English
	}
	c := &Catalog{
		builder:  catalog.NewBuilder(catalog.Fallback(fallback)),
		fallback: fallback,
		botName:  botName,
		prefix:   prefix,

		takesArgs: make(map[Key]bool),
	}
	// Fallback goes first so the matcher prefers it on a miss.
	c.tags = append(c.tags, fallback)
	for tag := range builtinMessages {
		if tag != fallback {
			c.tags = append(c.tags, tag)
		}
	}
	for tag, msgs := range builtinMessages {
		for key, msg := range msgs {
			if err := c.set(tag, key, msg); err != nil {
				return nil, fmt.Errorf("catalog %s/%s: %w", tag, key, err)
			}
		}
	}
	c.matcher = language.NewMatcher(c.tags)
	return c, nil
}

// Set overrides or adds a message. It is not safe to call concurrently with Text.
func (c *Catalog) Set(tag language.Tag, key Key, msg string) error {
	if err := c.set(tag, key, msg); err != nil {
		return err
	}
	for _, t := range c.tags {
		if t == tag {
			return nil
		}
	}
	c.tags = append(c.tags, tag)
	c.matcher = language.NewMatcher(c.tags)
	return nil
}

func (c *Catalog) set(tag language.Tag, key Key, msg string) error {
	if strings.Contains(msg, "%[") {
		c.takesArgs[key] = true
	}
	return c.builder.SetString(tag, string(key), msg)
}

// Match returns the supported tag closest to tag.
func (c *Catalog) Match(tag language.Tag) language.Tag {
	_, index, confidence := c.matcher.Match(tag)
	if confidence == language.No {
		return c.fallback
	}
	return c.tags[index]
}

// Text renders key in the language closest to tag.
func (c *Catalog) Text(tag language.Tag, key Key) string {
	p := message.NewPrinter(c.Match(tag), message.Catalog(c.builder))
	// Arguments passed to a verbless message would render as EXTRA markers.
	if !c.takesArgs[key] {
		return p.Sprintf(string(key))
	}
	return p.Sprintf(string(key), c.botName, c.prefix)
}
