// Package language detects the conversational language of a first message.
package language

import (
	"strings"
	"unicode"

	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Classifier guesses the language of a text.
type Classifier interface {
	Detect(text string) language.Tag
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(text string) language.Tag

// Detect calls f(text).
func (f ClassifierFunc) Detect(text string) language.Tag {
	return f(text)
}

// Fixed returns a classifier that always answers tag.
func Fixed(tag language.Tag) Classifier {
	return ClassifierFunc(func(string) language.Tag { return tag })
}

// defaultIndonesian holds common Indonesian greetings, pronouns and fillers.
var defaultIndonesian = []string{
	"halo", "hai", "oi", "oii", "apa", "apakah", "bagaimana", "gimana", "kenapa",
	"saya", "aku", "gue", "gw", "kamu", "lu", "tolong", "terima", "kasih",
	"makasih", "bisa", "dong", "ya", "nggak", "gak", "tidak", "selamat", "pagi",
	"siang", "sore", "malam", "unduh", "lagu", "mau", "minta",
}

// KeywordClassifier folds diacritics and case, tokenizes the text and
// checks tokens against per-language keyword sets. The language with the
// most hits wins; ties and misses fall back to Default.
type KeywordClassifier struct {
	Default  language.Tag
	keywords map[language.Tag]map[string]struct{}
	order    []language.Tag
}

// NewKeywordClassifier creates a classifier with the built-in Indonesian
// keyword list and English as the fallback.
func NewKeywordClassifier() *KeywordClassifier {
	c := &KeywordClassifier{
		Default:  language.English,
		keywords: make(map[language.Tag]map[string]struct{}),
	}
	c.Add(language.Indonesian, defaultIndonesian...)
	return c
}

// Add registers keywords for tag. Keywords are folded the same way as input.
func (c *KeywordClassifier) Add(tag language.Tag, words ...string) {
	set, ok := c.keywords[tag]
	if !ok {
		set = make(map[string]struct{}, len(words))
		c.keywords[tag] = set
		c.order = append(c.order, tag)
	}
	for _, w := range words {
		if folded := Fold(w); folded != "" {
			set[folded] = struct{}{}
		}
	}
}

// Detect implements Classifier.
func (c *KeywordClassifier) Detect(text string) language.Tag {
	tokens := Tokens(text)
	if len(tokens) == 0 {
		return c.Default
	}

	best := c.Default
	bestHits := 0
	for _, tag := range c.order {
		set := c.keywords[tag]
		hits := 0
		for _, tok := range tokens {
			if _, ok := set[tok]; ok {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = tag, hits
		}
	}
	return best
}

// Fold lowercases s and strips combining marks, so "Olá" becomes "ola".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}

// Tokens splits folded text into letter/digit runs.
func Tokens(text string) []string {
	return strings.FieldsFunc(Fold(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
