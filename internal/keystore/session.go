package keystore

import (
	"errors"
	"sync"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"
)

var ErrSessionExpired = errors.New("SessionExpired")

// EndReason says why a session ended.
type EndReason int

const (
	EndTimeout EndReason = iota + 1
	EndLocked
	EndSwitched
)

func (r EndReason) String() string {
	switch r {
	case EndTimeout:
		return "timeout"
	case EndLocked:
		return "locked"
	case EndSwitched:
		return "switched"
	default:
		return "unknown"
	}
}

// SessionEvent is broadcast to subscribers when an unlocked session ends.
type SessionEvent struct {
	KeyID  string
	Reason EndReason
	At     time.Time
}

// Status is a read-only snapshot of the session.
type Status struct {
	ActiveKeyID string
	Unlocked    bool
	HasKey      bool
	UnlockedAt  time.Time
}

type sessionState struct {
	activeKeyID string
	key         []byte
	mnemonic    []byte
	unlockedAt  time.Time
	timer       *time.Timer
}

// Session holds the plaintext private key of the active account for a
// bounded idle window. All mutations happen under mu; a timer fire only
// clears the window it was armed for.
type Session struct {
	mu     sync.Mutex
	state  sessionState
	gen    uint64
	window time.Duration

	subs   map[int]chan SessionEvent
	nextID int

	now func() time.Time
}

func NewSession(idle time.Duration) *Session {
	return &Session{
		window: idle,
		subs:   make(map[int]chan SessionEvent),
		now:    time.Now,
	}
}

// Open replaces the session with keyID and a copy of key, then arms the idle
// window. A nil key opens a keyless session (hardware accounts).
func (s *Session) Open(keyID string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevID := s.state.activeKeyID
	wasUnlocked := s.state.timer != nil

	zero(s.state.key)
	s.state.key = nil
	if key != nil {
		s.state.key = append(make([]byte, 0, len(key)), key...)
	}
	s.state.activeKeyID = keyID
	s.state.unlockedAt = s.now()
	s.armLocked(s.window)

	if wasUnlocked && prevID != keyID {
		s.emitLocked(SessionEvent{KeyID: prevID, Reason: EndSwitched, At: s.state.unlockedAt})
	}
}

// SetActive switches the active key id without unlocking. Any key held for a
// different account is zeroed.
func (s *Session) SetActive(keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.activeKeyID == keyID {
		return
	}
	prevID := s.state.activeKeyID
	wasUnlocked := s.state.timer != nil
	s.clearLocked()
	s.state.activeKeyID = keyID
	if wasUnlocked {
		s.emitLocked(SessionEvent{KeyID: prevID, Reason: EndSwitched, At: s.now()})
	}
}

// StartIdleWindow sets the idle window to d. An unlocked session has its
// pending clear rescheduled d from now; a locked session stays locked.
func (s *Session) StartIdleWindow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.window = d
	if s.state.timer == nil {
		return
	}
	s.armLocked(d)
}

// Touch reschedules the pending clear. No-op when locked.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.timer == nil {
		return
	}
	s.armLocked(s.window)
}

// Key returns a copy of the plaintext key and the active key id. The copy is
// the caller's to zero and is unaffected by a later clear.
func (s *Session) Key() ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.timer == nil || s.state.key == nil {
		return nil, s.state.activeKeyID, ErrSessionExpired
	}
	out := append(make([]byte, 0, len(s.state.key)), s.state.key...)
	s.armLocked(s.window)
	return out, s.state.activeKeyID, nil
}

// LockNow clears the session and notifies subscribers. The active key id is kept.
func (s *Session) LockNow() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.timer == nil && s.state.key == nil && s.state.mnemonic == nil {
		return
	}
	keyID := s.state.activeKeyID
	s.clearLocked()
	s.emitLocked(SessionEvent{KeyID: keyID, Reason: EndLocked, At: s.now()})
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		ActiveKeyID: s.state.activeKeyID,
		Unlocked:    s.state.timer != nil,
		HasKey:      s.state.key != nil,
		UnlockedAt:  s.state.unlockedAt,
	}
}

func (s *Session) ActiveKeyID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.activeKeyID
}

// Subscribe returns a channel receiving session-ended events and a cancel
// func. Slow subscribers miss events rather than blocking the clear.
func (s *Session) Subscribe() (<-chan SessionEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan SessionEvent, 4)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// SetMnemonic holds an unconfirmed recovery phrase until the session clears.
func (s *Session) SetMnemonic(phrase []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	zero(s.state.mnemonic)
	s.state.mnemonic = append(make([]byte, 0, len(phrase)), phrase...)
}

func (s *Session) Mnemonic() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.mnemonic == nil {
		return nil, false
	}
	return append(make([]byte, 0, len(s.state.mnemonic)), s.state.mnemonic...), true
}

func (s *Session) ClearMnemonic() {
	s.mu.Lock()
	defer s.mu.Unlock()

	zero(s.state.mnemonic)
	s.state.mnemonic = nil
}

// armLocked must be called with mu held.
func (s *Session) armLocked(d time.Duration) {
	if s.state.timer != nil {
		s.state.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.state.timer = time.AfterFunc(d, func() { s.expire(gen) })
}

func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen {
		return
	}
	keyID := s.state.activeKeyID
	s.clearLocked()
	log.Info("session idle window elapsed", "key_id", keyID)
	s.emitLocked(SessionEvent{KeyID: keyID, Reason: EndTimeout, At: s.now()})
}

// clearLocked is the single clear of the session state. mu must be held.
func (s *Session) clearLocked() {
	if s.state.timer != nil {
		s.state.timer.Stop()
		s.state.timer = nil
	}
	s.gen++
	zero(s.state.key)
	s.state.key = nil
	zero(s.state.mnemonic)
	s.state.mnemonic = nil
	s.state.unlockedAt = time.Time{}
}

func (s *Session) emitLocked(ev SessionEvent) {
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			log.Warn("session subscriber is full; dropping event", "subscriber", id, "reason", ev.Reason.String())
		}
	}
}
