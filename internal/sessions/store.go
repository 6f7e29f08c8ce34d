// Package sessions tracks per-identity conversational state.
package sessions

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/text/language"

	lang "github.com/haasonsaas/parley/internal/language"
)

// Mode is the sub-flow a session is in.
type Mode string

const (
	// ModeNone is the idle state where the menu is shown.
	ModeNone Mode = "none"
	// ModeAIChat forwards every message to the AI gateway.
	ModeAIChat Mode = "ai_chat"
	// ModeDownloading collects a link and a format, then runs a download job.
	ModeDownloading Mode = "downloading"
)

var (
	// ErrNotFound is returned when no session exists for an identity.
	ErrNotFound = errors.New("session not found")
	// ErrModeMismatch is returned when a pending link is set outside download mode.
	ErrModeMismatch = errors.New("session is not in download mode")
)

// Session is a snapshot of one identity's conversational state.
type Session struct {
	Identity string
	// Language is detected once on creation and never changes.
	Language language.Tag
	Mode     Mode
	// PendingArtifact is the link captured while in ModeDownloading.
	PendingArtifact string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasPending reports whether a link is waiting for a format choice.
func (s Session) HasPending() bool {
	return s.PendingArtifact != ""
}

// Store owns all sessions for the process. All methods are safe for
// concurrent use; callers receive copies, never the stored value.
type Store struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	classifier lang.Classifier
	nowFunc    func() time.Time
}

// NewStore creates an empty store. A nil classifier uses the keyword classifier.
func NewStore(classifier lang.Classifier) *Store {
	if classifier == nil {
		classifier = lang.NewKeywordClassifier()
	}
	return &Store{
		sessions:   make(map[string]*Session),
		classifier: classifier,
		nowFunc:    time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	s.nowFunc = fn
	s.mu.Unlock()
}

// GetOrCreate returns the session for identity, creating it in ModeNone with
// the language detected from text when absent. created reports whether the
// session is new. Existing sessions are returned unmodified apart from their
// activity timestamp.
func (s *Store) GetOrCreate(identity, text string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	if sess, ok := s.sessions[identity]; ok {
		sess.UpdatedAt = now
		return *sess, false
	}

	sess := &Session{
		Identity:  identity,
		Language:  s.classifier.Detect(text),
		Mode:      ModeNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[identity] = sess
	return *sess, true
}

// Detect classifies text with the store's classifier without touching any session.
func (s *Store) Detect(text string) language.Tag {
	return s.classifier.Detect(text)
}

// Get returns the session for identity.
func (s *Store) Get(identity string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[identity]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Exists reports whether identity has a session.
func (s *Store) Exists(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[identity]
	return ok
}

// Transition moves the session to mode. Leaving ModeDownloading drops any
// pending link so it can never outlive the download flow.
func (s *Store) Transition(identity string, mode Mode) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[identity]
	if !ok {
		return Session{}, ErrNotFound
	}
	sess.Mode = mode
	if mode != ModeDownloading {
		sess.PendingArtifact = ""
	}
	sess.UpdatedAt = s.nowFunc()
	return *sess, nil
}

// SetPending stores the link awaiting a format choice.
func (s *Store) SetPending(identity, artifact string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[identity]
	if !ok {
		return ErrNotFound
	}
	if sess.Mode != ModeDownloading {
		return ErrModeMismatch
	}
	sess.PendingArtifact = artifact
	sess.UpdatedAt = s.nowFunc()
	return nil
}

// ClearPending removes and returns the pending link. ok is false when there
// was nothing to clear, so a link is handed out at most once.
func (s *Store) ClearPending(identity string) (artifact string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[identity]
	if !exists || sess.PendingArtifact == "" {
		return "", false
	}
	artifact = sess.PendingArtifact
	sess.PendingArtifact = ""
	sess.UpdatedAt = s.nowFunc()
	return artifact, true
}

// EvictIdle removes sessions idle for at least ttl. Identities for which
// keep returns true are retained regardless of age.
func (s *Store) EvictIdle(ttl time.Duration, keep func(identity string) bool) int {
	if ttl <= 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.nowFunc().Add(-ttl)
	removed := 0
	for id, sess := range s.sessions {
		if sess.UpdatedAt.After(cutoff) {
			continue
		}
		if keep != nil && keep(id) {
			continue
		}
		delete(s.sessions, id)
		removed++
	}
	return removed
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
