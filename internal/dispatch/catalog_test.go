package dispatch

import (
	"strings"
	"testing"

	"golang.org/x/text/language"
)

func TestCatalog_Languages(t *testing.T) {
	c, err := NewCatalog("WA-BOT", "!", language.English)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}

	tests := []struct {
		tag  language.Tag
		key  Key
		want string
	}{
		{language.Indonesian, KeyGreeting, "Halo 👋 gue WA-BOT"},
		{language.English, KeyGreeting, "Hi 👋 I'm WA-BOT"},
		{language.Indonesian, KeyCooldown, "⏳ Pelan-pelan bro 😄"},
		{language.Indonesian, KeyWindowExceeded, "🚦 Kebanyakan request, tunggu 1 menit ya."},
		{language.Indonesian, KeyAIUnavailable, "⚠️ Semua model AI sedang bermasalah."},
		{language.Indonesian, KeyAINotConfigured, "AI belum dikonfigurasi."},
		{language.Indonesian, KeyAIUsage, "Contoh: !ai jelasin nodejs"},
		{language.Indonesian, KeyUnknownCommand, "Command tidak dikenal ❌"},
		{language.English, KeyPong, "pong 🏓"},
		// Regional variants match their base language.
		{language.MustParse("id-ID"), KeyGreeting, "Halo 👋 gue WA-BOT"},
		{language.AmericanEnglish, KeyPong, "pong 🏓"},
		// Unsupported languages render in the fallback.
		{language.Japanese, KeyGreeting, "Hi 👋 I'm WA-BOT"},
	}
	for _, tt := range tests {
		t.Run(tt.tag.String()+"/"+string(tt.key), func(t *testing.T) {
			if got := c.Text(tt.tag, tt.key); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCatalog_EveryKeyTranslated(t *testing.T) {
	c, err := NewCatalog("Bot", "!", language.English)
	if err != nil {
		t.Fatal(err)
	}
	for key := range builtinMessages[language.English] {
		en := c.Text(language.English, key)
		id := c.Text(language.Indonesian, key)
		if en == "" || id == "" {
			t.Errorf("%s has an empty message", key)
		}
		for _, msg := range []string{en, id} {
			if strings.Contains(msg, "%!") {
				t.Errorf("%s rendered a format error: %q", key, msg)
			}
		}
	}
	if len(builtinMessages[language.English]) != len(builtinMessages[language.Indonesian]) {
		t.Error("languages have different key sets")
	}
}

func TestCatalog_CommandsUsePrefix(t *testing.T) {
	c, err := NewCatalog("Bot", "/", language.English)
	if err != nil {
		t.Fatal(err)
	}
	got := c.Text(language.English, KeyCommands)
	for _, cmd := range []string{"/ping", "/menu", "/ai <text>"} {
		if !strings.Contains(got, cmd) {
			t.Errorf("commands %q missing %q", got, cmd)
		}
	}
}

func TestCatalog_Set(t *testing.T) {
	c, err := NewCatalog("Bot", "!", language.English)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Set(language.English, KeyPong, "pong!"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := c.Text(language.English, KeyPong); got != "pong!" {
		t.Errorf("override = %q", got)
	}

	if err := c.Set(language.Spanish, KeyGreeting, "Hola, soy %[1]s"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if got := c.Text(language.Spanish, KeyGreeting); got != "Hola, soy Bot" {
		t.Errorf("added language = %q", got)
	}
	if got := c.Match(language.MustParse("es-MX")); got != language.Spanish {
		t.Errorf("Match(es-MX) = %v", got)
	}
	// Keys missing in the added language fall back.
	if got := c.Text(language.Spanish, KeyPong); got != "pong!" {
		t.Errorf("fallback = %q", got)
	}
}
