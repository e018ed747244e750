package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"amora/internal/models"
)

const DefaultTypingTTL = 3 * time.Second

// Channel is the part of Manager a conversation view uses.
type Channel interface {
	Acquire() error
	AddListener(l Listener) ListenerID
	ReleaseListeners(ids ...ListenerID)
	Emit(ev models.ClientEvent) error
}

type MessageLog interface {
	Append(message models.Message) bool
	Contains(id string) bool
}

type ReceiptLog interface {
	Update(peerID string, receipt models.ReadReceipt) bool
}

type PresenceLog interface {
	Set(userID string, online bool) bool
}

type AdapterConfig struct {
	ConversationID string
	UserID         string
	PeerID         string
	Store          MessageLog
	Receipts       ReceiptLog
	Presence       PresenceLog
	TypingTTL      time.Duration
	// OnResync runs on its own goroutine after a reconnect.
	OnResync func()
	OnChange func()
	// Active reports whether the owning view is still mounted.
	Active func() bool
	Logger zerolog.Logger
}

// Adapter maps event channel events of one conversation onto its store
// and trackers.
type Adapter struct {
	conversationID string
	userID         string
	peerID         string
	store          MessageLog
	receipts       ReceiptLog
	presence       PresenceLog
	typing         *TypingIndicator
	typingLimiter  *rate.Limiter
	onResync       func()
	onChange       func()
	active         func() bool
	logger         zerolog.Logger

	channel   Channel
	listeners []ListenerID

	mu sync.Mutex
}

func NewAdapter(config AdapterConfig) (*Adapter, error) {
	if config.Store == nil {
		return nil, errors.New("adapter requires a store")
	}
	if config.TypingTTL <= 0 {
		config.TypingTTL = DefaultTypingTTL
	}
	if config.Active == nil {
		config.Active = func() bool { return true }
	}

	// Outbound typing at most once per half TTL keeps the peer's flag alive.
	limiter := rate.NewLimiter(rate.Every(config.TypingTTL/2), 1)

	a := &Adapter{
		conversationID: config.ConversationID,
		userID:         config.UserID,
		peerID:         config.PeerID,
		store:          config.Store,
		receipts:       config.Receipts,
		presence:       config.Presence,
		typingLimiter:  limiter,
		onResync:       config.OnResync,
		onChange:       config.OnChange,
		active:         config.Active,
		logger:         config.Logger.With().Str("conversation_id", config.ConversationID).Logger(),
	}
	a.typing = NewTypingIndicator(config.TypingTTL, a.changed)
	return a, nil
}

// Attach acquires the shared channel and registers this adapter on it.
func (a *Adapter) Attach(channel Channel) error {
	if err := channel.Acquire(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.channel = channel
	a.listeners = append(a.listeners, channel.AddListener(a))
	return nil
}

// Detach removes this view's listeners and clears the typing flag.
// The shared connection stays open.
func (a *Adapter) Detach() {
	a.mu.Lock()
	channel, ids := a.channel, a.listeners
	a.listeners = nil
	a.mu.Unlock()

	if channel != nil && len(ids) > 0 {
		channel.ReleaseListeners(ids...)
	}
	a.typing.Stop()
}

func (a *Adapter) OnEvent(ev models.ServerEvent) {
	if !a.active() {
		return
	}

	switch ev.Type {
	case models.ServerEventNewMessage:
		a.handleNewMessage(ev)
	case models.ServerEventTyping:
		if ev.ConversationID == a.conversationID && ev.UserID == a.peerID {
			a.typing.Bump()
		}
	case models.ServerEventMessageRead:
		if ev.ConversationID != a.conversationID || ev.UserID != a.peerID || a.receipts == nil {
			return
		}
		if a.receipts.Update(ev.UserID, models.ReadReceipt{MessageID: ev.MessageID, ReadAt: ev.ReadAt}) {
			a.changed()
		}
	case models.ServerEventPresenceOnline, models.ServerEventPresenceOffline:
		if a.presence == nil {
			return
		}
		if a.presence.Set(ev.UserID, ev.Type == models.ServerEventPresenceOnline) {
			a.changed()
		}
	default:
		a.logger.Debug().Str("type", string(ev.Type)).Msg("ignoring unknown event")
	}
}

func (a *Adapter) handleNewMessage(ev models.ServerEvent) {
	if ev.Message == nil {
		return
	}
	message := *ev.Message
	if message.ConversationID == "" {
		message.ConversationID = ev.ConversationID
	}
	if message.ConversationID != a.conversationID || a.store.Contains(message.ID) {
		return
	}
	message.DeliveryState = models.DeliveryConfirmed

	// Store.Append notifies on its own.
	a.store.Append(message)
	if message.SenderID == a.peerID {
		// A message from the peer ends their typing.
		a.typing.Stop()
	}
}

// OnConnect triggers a resync after reconnects; missed events are not replayed.
func (a *Adapter) OnConnect(reconnected bool) {
	if !reconnected || !a.active() || a.onResync == nil {
		return
	}
	a.logger.Info().Msg("event channel reconnected, resyncing")
	go a.onResync()
}

// SendTyping emits a typing event for the local user, throttled.
// It reports whether an event was queued.
func (a *Adapter) SendTyping() bool {
	if !a.typingLimiter.Allow() {
		return false
	}
	return a.emit(models.ClientEvent{
		Type:           models.ClientEventTyping,
		UserID:         a.userID,
		ConversationID: a.conversationID,
	}) == nil
}

// EmitRead tells the channel the local user read messageID.
func (a *Adapter) EmitRead(messageID string) error {
	return a.emit(models.ClientEvent{
		Type:           models.ClientEventMarkRead,
		UserID:         a.userID,
		ConversationID: a.conversationID,
		MessageID:      messageID,
	})
}

func (a *Adapter) PeerTyping() bool {
	return a.typing.Typing()
}

func (a *Adapter) emit(ev models.ClientEvent) error {
	a.mu.Lock()
	channel := a.channel
	a.mu.Unlock()

	if channel == nil {
		return ErrNotConnected
	}
	if err := channel.Emit(ev); err != nil {
		a.logger.Debug().Err(err).Str("type", string(ev.Type)).Msg("event not sent")
		return err
	}
	return nil
}

func (a *Adapter) changed() {
	if a.onChange != nil {
		a.onChange()
	}
}
