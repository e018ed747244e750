package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"amora/internal/metrics"
)

var (
	ErrUnlockInFlight = errors.New("unlock already in progress")
	ErrNotGated       = errors.New("conversation is not gated")
)

type Kind string

const (
	KindOpen       Kind = "open"
	KindCountGated Kind = "count_gated"
	KindPaidGated  Kind = "paid_gated"
)

// Gate is the send gate value of one conversation.
// Threshold and SentCount are only set for KindCountGated.
type Gate struct {
	Kind        Kind
	DiamondCost int
	Threshold   int
	SentCount   int
	Message     string
}

var Open = Gate{Kind: KindOpen}

func (g Gate) IsOpen() bool {
	return g.Kind == "" || g.Kind == KindOpen
}

// Unlocker lifts a gate server-side.
type Unlocker interface {
	UnlockChat(ctx context.Context, conversationID string) error
	UnlockDM(ctx context.Context, conversationID string) error
}

type UnlockState int

const (
	UnlockIdle UnlockState = iota
	UnlockInFlight
)

type Config struct {
	ConversationID string
	Unlocker       Unlocker
	// OnUnlocked runs after a successful unlock and re-sends the preserved draft.
	OnUnlocked func(ctx context.Context)
	OnChange   func()
	Logger     zerolog.Logger
}

// Machine holds the gate state of one conversation.
type Machine struct {
	conversationID string
	unlocker       Unlocker
	onUnlocked     func(ctx context.Context)
	onChange       func()
	logger         zerolog.Logger

	current       Gate
	bannerVisible bool
	unlock        UnlockState
	lastErr       error

	mu sync.Mutex
}

func NewMachine(config Config) *Machine {
	return &Machine{
		conversationID: config.ConversationID,
		unlocker:       config.Unlocker,
		onUnlocked:     config.OnUnlocked,
		onChange:       config.OnChange,
		logger:         config.Logger,
		current:        Open,
	}
}

// SetOnUnlocked wires the resend callback after construction.
func (m *Machine) SetOnUnlocked(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnlocked = fn
}

// Seed sets the initial state from the proactive status check.
func (m *Machine) Seed(g Gate) {
	m.mu.Lock()
	if g.Kind == "" {
		g.Kind = KindOpen
	}
	m.current = g
	m.bannerVisible = !g.IsOpen()
	m.lastErr = nil
	m.mu.Unlock()

	m.changed()
}

// Apply records a gate reported by the send endpoint and shows the banner.
func (m *Machine) Apply(g Gate) {
	m.mu.Lock()
	m.current = g
	m.bannerVisible = true
	m.lastErr = nil
	m.mu.Unlock()

	metrics.GateTransitions.WithLabelValues(string(g.Kind)).Inc()
	m.logger.Info().
		Str("conversation_id", m.conversationID).
		Str("gate", string(g.Kind)).
		Int("diamond_cost", g.DiamondCost).
		Msg("send gated")
	m.changed()
}

// Dismiss hides the banner. The state stays gated, so the next send
// attempt goes to the server and re-triggers the same gate.
func (m *Machine) Dismiss() {
	m.mu.Lock()
	m.bannerVisible = false
	m.lastErr = nil
	m.mu.Unlock()

	m.changed()
}

// Unlock invokes the unlock action matching the current state.
// On success the state becomes Open and OnUnlocked is called.
// On failure the state is kept and the error is recorded for display.
func (m *Machine) Unlock(ctx context.Context) error {
	m.mu.Lock()
	if m.unlock == UnlockInFlight {
		m.mu.Unlock()
		return ErrUnlockInFlight
	}
	if m.current.IsOpen() {
		m.mu.Unlock()
		return ErrNotGated
	}
	if m.unlocker == nil {
		m.mu.Unlock()
		return fmt.Errorf("no unlocker configured")
	}
	kind := m.current.Kind
	m.unlock = UnlockInFlight
	m.mu.Unlock()

	var err error
	switch kind {
	case KindCountGated:
		err = m.unlocker.UnlockChat(ctx, m.conversationID)
	case KindPaidGated:
		err = m.unlocker.UnlockDM(ctx, m.conversationID)
	}

	m.mu.Lock()
	m.unlock = UnlockIdle
	if err != nil {
		m.lastErr = fmt.Errorf("unlock %s: %w", kind, err)
		m.mu.Unlock()

		metrics.UnlocksTotal.WithLabelValues(string(kind), "failed").Inc()
		m.logger.Warn().
			Err(err).
			Str("conversation_id", m.conversationID).
			Str("gate", string(kind)).
			Msg("unlock failed")
		m.changed()
		return m.lastErr
	}
	m.current = Open
	m.bannerVisible = false
	m.lastErr = nil
	onUnlocked := m.onUnlocked
	m.mu.Unlock()

	metrics.UnlocksTotal.WithLabelValues(string(kind), "ok").Inc()
	metrics.GateTransitions.WithLabelValues(string(KindOpen)).Inc()
	m.changed()

	if onUnlocked != nil {
		onUnlocked(ctx)
	}
	return nil
}

func (m *Machine) State() Gate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Machine) BannerVisible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bannerVisible
}

func (m *Machine) Unlocking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unlock == UnlockInFlight
}

// LastError is the inline error of the last failed unlock.
func (m *Machine) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Machine) changed() {
	if m.onChange != nil {
		m.onChange()
	}
}
