package ws

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"amora/internal/metrics"
	"amora/internal/models"
)

var (
	ErrNotConnected = errors.New("event channel not connected")
	ErrBufferFull   = errors.New("event channel send buffer full")
	ErrClosed       = errors.New("event channel manager closed")
)

// Listener receives events of the shared channel.
// Calls come from the connection goroutine and must not block.
type Listener interface {
	OnEvent(ev models.ServerEvent)
	// OnConnect runs after join was sent on a new connection.
	OnConnect(reconnected bool)
}

type ListenerID uint64

type ManagerConfig struct {
	Dialer     Dialer
	UserID     string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     zerolog.Logger
}

// Manager owns the process-wide event channel connection.
// The connection is established lazily on the first Acquire and kept
// across views; views only add and release their listeners.
type Manager struct {
	dialer     Dialer
	userID     string
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     zerolog.Logger

	listeners map[ListenerID]Listener
	nextID    ListenerID
	outbound  chan models.ClientEvent
	connected bool
	started   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu sync.RWMutex
}

func NewManager(config ManagerConfig) *Manager {
	if config.MinBackoff <= 0 {
		config.MinBackoff = 500 * time.Millisecond
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dialer:     config.Dialer,
		userID:     config.UserID,
		minBackoff: config.MinBackoff,
		maxBackoff: config.MaxBackoff,
		logger:     config.Logger,
		listeners:  make(map[ListenerID]Listener),
		outbound:   make(chan models.ClientEvent, 64),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Acquire starts the connection loop if it is not running yet.
func (m *Manager) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}
	m.started = true
	go m.run()
	return nil
}

func (m *Manager) AddListener(l Listener) ListenerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	m.listeners[m.nextID] = l
	return m.nextID
}

// ReleaseListeners detaches listeners. The connection stays open for other views.
func (m *Manager) ReleaseListeners(ids ...ListenerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		delete(m.listeners, id)
	}
}

// Emit queues an event for the current connection.
func (m *Manager) Emit(ev models.ClientEvent) error {
	m.mu.RLock()
	connected := m.connected
	m.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}

	select {
	case m.outbound <- ev:
		return nil
	default:
		return ErrBufferFull
	}
}

func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Close tears the connection down for process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	started := m.started
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	if started {
		<-m.done
	}
}

func (m *Manager) run() {
	defer close(m.done)

	attempt := 0
	connectedBefore := false
	for {
		conn, err := m.dialer.Dial(m.ctx)
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.logger.Warn().Err(err).Int("attempt", attempt).Msg("event channel dial failed")
			if !m.wait(attempt) {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		err = m.serve(conn, connectedBefore)
		connectedBefore = true
		if m.ctx.Err() != nil {
			return
		}
		m.logger.Warn().Err(err).Msg("event channel disconnected")
		if !m.wait(attempt) {
			return
		}
		attempt++
	}
}

// serve sends join and pumps the connection until it drops.
func (m *Manager) serve(conn Conn, reconnected bool) error {
	join := models.ClientEvent{Type: models.ClientEventJoin, UserID: m.userID}
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return err
	}

	kind := "connect"
	if reconnected {
		kind = "reconnect"
	}
	metrics.ChannelConnects.WithLabelValues(kind).Inc()
	m.logger.Info().Str("user_id", m.userID).Bool("reconnected", reconnected).Msg("event channel joined")

	m.setConnected(true)
	defer m.setConnected(false)

	for _, l := range m.snapshot() {
		l.OnConnect(reconnected)
	}

	return NewConnection(conn, m.outbound, m.dispatch).Handle(m.ctx)
}

func (m *Manager) dispatch(ev models.ServerEvent) {
	metrics.ChannelEvents.WithLabelValues(string(ev.Type)).Inc()
	for _, l := range m.snapshot() {
		l.OnEvent(ev)
	}
}

func (m *Manager) snapshot() []Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		result = append(result, l)
	}
	return result
}

func (m *Manager) setConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()

	if !connected {
		// Events queued for a dead connection are not replayed.
		for {
			select {
			case <-m.outbound:
			default:
				return
			}
		}
	}
}

func (m *Manager) wait(attempt int) bool {
	timer := time.NewTimer(m.backoff(attempt, rand.Float64()))
	defer timer.Stop()

	select {
	case <-m.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// backoff doubles per attempt up to maxBackoff with +/-20% jitter.
func (m *Manager) backoff(attempt int, sample float64) time.Duration {
	delay := m.minBackoff
	for i := 0; i < attempt && delay < m.maxBackoff; i++ {
		delay *= 2
	}
	if delay > m.maxBackoff {
		delay = m.maxBackoff
	}
	factor := 1 + ((sample*2)-1)*0.2
	return time.Duration(float64(delay) * factor)
}
