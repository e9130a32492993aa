// Package verify models the human-verification challenge that guards
// session starts and share submissions.
//
// A Widget produces tokens; a Slot holds at most one of them. Taking a token
// out of the slot empties it and resets the widget so the user has to solve
// a fresh challenge before the next token becomes available.
package verify

import (
	"sync"

	"powfaucet/event"
)

// Token is a single-use proof of a passed verification challenge.
type Token struct {
	value string
}

// NewToken wraps a raw token string.
func NewToken(value string) Token {
	return Token{value: value}
}

// String returns the raw token.
func (t Token) String() string { return t.value }

// Empty reports whether the token carries no value.
func (t Token) Empty() bool { return t.value == "" }

// Widget is the verification challenge presented to the user.
type Widget interface {
	// Reset discards any solved challenge and presents a new one.
	Reset()
	// OnToken subscribes to tokens produced by solved challenges.
	OnToken(fn func(Token)) *event.Subscription
}

// Slot holds the most recent token produced by a widget.
//
// The widget is the only writer and the controller the only reader. Every
// Take invalidates the token locally and in the widget, whether or not the
// call consuming the token succeeds later.
type Slot struct {
	mu     sync.Mutex
	token  Token
	widget Widget
}

// NewSlot returns a slot that resets widget on every Take. widget may be nil.
func NewSlot(widget Widget) *Slot {
	return &Slot{widget: widget}
}

// Put stores a token, replacing any previous one.
func (s *Slot) Put(t Token) {
	s.mu.Lock()
	s.token = t
	s.mu.Unlock()
}

// Take removes and returns the stored token. The widget is reset even when
// the slot was empty.
func (s *Slot) Take() Token {
	s.mu.Lock()
	t := s.token
	s.token = Token{}
	w := s.widget
	s.mu.Unlock()

	if w != nil {
		w.Reset()
	}
	return t
}

// Ready reports whether a token is waiting to be taken.
func (s *Slot) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.token.Empty()
}

// Manual is a Widget fed by tokens the user pastes in, e.g. from a
// verification page opened in a browser.
type Manual struct {
	mu      sync.Mutex
	pending Token
	resets  int
	tokens  event.Emitter[Token]
	cleared event.Emitter[struct{}]
}

// NewManual returns an empty manual widget.
func NewManual() *Manual {
	return &Manual{}
}

// Solve records a solved challenge and emits its token.
func (m *Manual) Solve(raw string) {
	t := NewToken(raw)
	if t.Empty() {
		return
	}
	m.mu.Lock()
	m.pending = t
	m.mu.Unlock()
	m.tokens.Emit(t)
}

// Reset implements Widget.
func (m *Manual) Reset() {
	m.mu.Lock()
	m.pending = Token{}
	m.resets++
	m.mu.Unlock()
	m.cleared.Emit(struct{}{})
}

// OnToken implements Widget.
func (m *Manual) OnToken(fn func(Token)) *event.Subscription {
	return m.tokens.Subscribe(fn)
}

// OnReset subscribes to widget resets, used by the terminal renderer to ask
// for a new token.
func (m *Manual) OnReset(fn func()) *event.Subscription {
	return m.cleared.Subscribe(func(struct{}) { fn() })
}

// Resets returns how many times the widget has been reset.
func (m *Manual) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// Pending reports whether a solved token is waiting for consumption.
func (m *Manual) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.pending.Empty()
}
