package ws

import (
	"sync"
	"time"
)

// TypingIndicator is a flag that clears itself ttl after the last Bump.
type TypingIndicator struct {
	ttl      time.Duration
	onChange func()

	typing     bool
	generation uint64
	timer      *time.Timer

	mu sync.Mutex
}

func NewTypingIndicator(ttl time.Duration, onChange func()) *TypingIndicator {
	return &TypingIndicator{ttl: ttl, onChange: onChange}
}

// Bump sets the flag and restarts the expiry timer.
func (t *TypingIndicator) Bump() {
	t.mu.Lock()
	wasTyping := t.typing
	t.typing = true
	t.generation++
	gen := t.generation
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.ttl, func() { t.expire(gen) })
	t.mu.Unlock()

	if !wasTyping {
		t.notify()
	}
}

// Stop clears the flag and cancels the timer.
func (t *TypingIndicator) Stop() {
	t.mu.Lock()
	wasTyping := t.typing
	t.typing = false
	t.generation++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	if wasTyping {
		t.notify()
	}
}

func (t *TypingIndicator) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

func (t *TypingIndicator) expire(gen uint64) {
	t.mu.Lock()
	// A Bump after this timer fired but before we got the lock wins.
	if gen != t.generation || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	t.mu.Unlock()

	t.notify()
}

func (t *TypingIndicator) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}
