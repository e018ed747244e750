package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"amora/internal/chat"
	"amora/internal/gate"
	"amora/internal/models"
	"amora/internal/outbox"
	"amora/internal/pagination"
	"amora/internal/presence"
	"amora/internal/receipts"
	"amora/internal/ws"
)

var (
	ErrHistoryUnavailable = errors.New("conversation history unavailable")
	ErrClosed             = errors.New("conversation session closed")
	ErrResendFailed       = errors.New("draft not re-sent after unlock")
)

// API is the REST surface a session needs.
type API interface {
	pagination.HistoryFetcher
	outbox.Sender
	outbox.Uploader
	gate.Unlocker
	GateStatus(ctx context.Context, conversationID string) (gate.Gate, error)
	MarkRead(ctx context.Context, conversationID, messageID string) error
	Receipts(ctx context.Context, conversationID string) (map[string]models.ReadReceipt, error)
	OnlineStatus(ctx context.Context, userIDs ...string) (map[string]bool, error)
	UnreadCounts(ctx context.Context) (map[string]int, error)
	Conversation(ctx context.Context, conversationID string) (models.Conversation, error)
}

// ReadMarkStore remembers what was already reported as read.
type ReadMarkStore interface {
	ReadMark(conversationID string) (string, error)
	SaveReadMark(conversationID, messageID string, at time.Time) error
}

type Phase int

const (
	PhaseLoading Phase = iota
	PhaseReady
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseReady:
		return "ready"
	case PhaseFailed:
		return "failed"
	default:
		return "loading"
	}
}

type Config struct {
	ConversationID string
	UserID         string
	// PeerID is looked up from the conversation when empty.
	PeerID string
	API    API
	// Channel is the shared event channel; nil runs REST only.
	Channel ws.Channel
	// Uploader overrides API uploads, e.g. with a cache in front.
	Uploader       outbox.Uploader
	Drafts         outbox.DraftStore
	ReadMarks      ReadMarkStore
	TypingTTL      time.Duration
	RequestTimeout time.Duration
	OnChange       func()
	Logger         zerolog.Logger
}

// Session is one open conversation view: it wires the store, pagination,
// event channel adapter, outbox, gate and trackers together and exposes
// a consistent snapshot of them.
type Session struct {
	conversationID string
	userID         string
	peerID         string
	api            API
	channel        ws.Channel
	readMarks      ReadMarkStore
	typingTTL      time.Duration
	timeout        time.Duration
	onChange       func()
	logger         zerolog.Logger

	store    *chat.Store
	pager    *pagination.Controller
	gate     *gate.Machine
	outbox   *outbox.Coordinator
	receipts *receipts.Tracker
	presence *presence.Tracker
	adapter  *ws.Adapter

	active atomic.Bool
	closed atomic.Bool

	phase      Phase
	openErr    error
	unread     map[string]int
	lastMarked string
	resendErr  error

	mu sync.Mutex
}

func New(config Config) (*Session, error) {
	if config.API == nil {
		return nil, errors.New("session requires an API client")
	}
	if config.ConversationID == "" || config.UserID == "" {
		return nil, errors.New("session requires a conversation and a user")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 15 * time.Second
	}

	s := &Session{
		conversationID: config.ConversationID,
		userID:         config.UserID,
		peerID:         config.PeerID,
		api:            config.API,
		channel:        config.Channel,
		readMarks:      config.ReadMarks,
		typingTTL:      config.TypingTTL,
		timeout:        config.RequestTimeout,
		onChange:       config.OnChange,
		logger:         config.Logger.With().Str("conversation_id", config.ConversationID).Logger(),
		unread:         make(map[string]int),
	}

	s.store = chat.New(chat.Config{ConversationID: config.ConversationID, OnChange: s.changed})
	s.receipts = receipts.New(s.store)

	pager, err := pagination.New(pagination.Config{
		ConversationID: config.ConversationID,
		Fetcher:        config.API,
		Log:            s.store,
		Active:         s.Active,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.pager = pager

	s.gate = gate.NewMachine(gate.Config{
		ConversationID: config.ConversationID,
		Unlocker:       config.API,
		OnChange:       s.changed,
		Logger:         s.logger,
	})

	uploader := config.Uploader
	if uploader == nil {
		uploader = config.API
	}
	coord, err := outbox.New(outbox.Config{
		ConversationID: config.ConversationID,
		UserID:         config.UserID,
		Sender:         config.API,
		Uploader:       uploader,
		Log:            s.store,
		Gate:           s.gate,
		Draft:          outbox.NewDraftBuffer(config.ConversationID, config.Drafts, s.logger),
		Active:         s.Active,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, err
	}
	s.outbox = coord

	s.gate.SetOnUnlocked(func(ctx context.Context) {
		_, err := s.outbox.Resend(ctx)
		if errors.Is(err, outbox.ErrNothingToSend) {
			err = nil
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("resend after unlock failed")
		}
		s.mu.Lock()
		s.resendErr = err
		s.mu.Unlock()
	})

	return s, nil
}

// Open mounts the view: it loads history, presence, receipts, gate status
// and unread counts concurrently and attaches to the event channel.
// A failed history load leaves the session in PhaseFailed; use Retry.
func (s *Session) Open(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.active.Store(true)
	s.setPhase(PhaseLoading, nil)

	if err := s.resolvePeer(ctx); err != nil {
		s.setPhase(PhaseFailed, err)
		return fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
	}

	if err := s.outbox.Draft().Load(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to load draft")
	}
	if s.readMarks != nil {
		if id, err := s.readMarks.ReadMark(s.conversationID); err == nil {
			s.mu.Lock()
			s.lastMarked = id
			s.mu.Unlock()
		}
	}

	// Attach first; events that race the history fetch are deduplicated by the store.
	if err := s.attach(); err != nil {
		s.logger.Warn().Err(err).Msg("event channel unavailable")
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.pager.LoadInitial(gCtx)
	})
	g.Go(func() error {
		s.refreshPresence(gCtx)
		return nil
	})
	g.Go(func() error {
		snapshot, err := s.api.Receipts(gCtx, s.conversationID)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to load read receipts")
			return nil
		}
		if s.Active() {
			s.receipts.Seed(snapshot)
		}
		return nil
	})
	g.Go(func() error {
		status, err := s.api.GateStatus(gCtx, s.conversationID)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to load gate status")
			return nil
		}
		if s.Active() {
			s.gate.Seed(status)
		}
		return nil
	})
	g.Go(func() error {
		s.refreshUnread(gCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		s.setPhase(PhaseFailed, err)
		s.logger.Error().Err(err).Msg("failed to open conversation")
		return fmt.Errorf("%w: %w", ErrHistoryUnavailable, err)
	}

	s.setPhase(PhaseReady, nil)
	return nil
}

// Retry re-runs the mount after a failed Open.
func (s *Session) Retry(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.store.Reset()
	return s.Open(ctx)
}

// Close unmounts the view. Listeners are released but the shared channel
// stays connected; in-flight requests finish and their results are dropped.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.active.Store(false)

	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()
	if adapter != nil {
		adapter.Detach()
	}
	s.store.Reset()
}

func (s *Session) Active() bool {
	return s.active.Load() && !s.closed.Load()
}

func (s *Session) resolvePeer(ctx context.Context) error {
	s.mu.Lock()
	known := s.peerID != ""
	s.mu.Unlock()
	if known {
		return nil
	}

	conv, err := s.api.Conversation(ctx, s.conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	s.mu.Lock()
	s.peerID = conv.Peer(s.userID)
	s.mu.Unlock()
	return nil
}

func (s *Session) attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.presence == nil {
		s.presence = presence.New(s.peerID)
	}
	if s.adapter != nil || s.channel == nil {
		return nil
	}

	adapter, err := ws.NewAdapter(ws.AdapterConfig{
		ConversationID: s.conversationID,
		UserID:         s.userID,
		PeerID:         s.peerID,
		Store:          s.store,
		Receipts:       s.receipts,
		Presence:       s.presence,
		TypingTTL:      s.typingTTL,
		OnResync:       s.resync,
		OnChange:       s.changed,
		Active:         s.Active,
		Logger:         s.logger,
	})
	if err != nil {
		return err
	}
	if err := adapter.Attach(s.channel); err != nil {
		return err
	}
	s.adapter = adapter
	return nil
}

// resync refreshes what the channel would have pushed while disconnected.
func (s *Session) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.refreshUnread(gCtx)
		return nil
	})
	g.Go(func() error {
		s.refreshPresence(gCtx)
		return nil
	})
	_ = g.Wait()
}

func (s *Session) refreshUnread(ctx context.Context) {
	counts, err := s.api.UnreadCounts(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load unread counts")
		return
	}
	if !s.Active() {
		return
	}
	s.mu.Lock()
	s.unread = counts
	s.mu.Unlock()
	s.changed()
}

func (s *Session) refreshPresence(ctx context.Context) {
	s.mu.Lock()
	peerID, tracker := s.peerID, s.presence
	s.mu.Unlock()
	if tracker == nil {
		return
	}

	snapshot, err := s.api.OnlineStatus(ctx, peerID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load presence")
		return
	}
	if !s.Active() {
		return
	}
	tracker.Seed(snapshot)
	s.changed()
}

// MarkReadIfNeeded reports the newest message as read when it came from
// the peer. It fires at most once per message id and does not wait for
// the server.
func (s *Session) MarkReadIfNeeded(ctx context.Context) bool {
	if !s.Active() {
		return false
	}
	last, ok := s.store.Last()
	if !ok || last.SenderID == s.userID || last.DeliveryState == models.DeliveryPending {
		return false
	}

	s.mu.Lock()
	if last.SenderID != s.peerID || s.lastMarked == last.ID {
		s.mu.Unlock()
		return false
	}
	s.lastMarked = last.ID
	s.unread[s.conversationID] = 0
	adapter := s.adapter
	s.mu.Unlock()

	if adapter != nil {
		if err := adapter.EmitRead(last.ID); err != nil {
			s.logger.Debug().Err(err).Msg("mark_read not emitted")
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.api.MarkRead(ctx, s.conversationID, last.ID); err != nil {
			s.logger.Warn().Err(err).Str("message_id", last.ID).Msg("failed to mark read")
			return
		}
		if s.readMarks != nil {
			if err := s.readMarks.SaveReadMark(s.conversationID, last.ID, time.Now()); err != nil {
				s.logger.Warn().Err(err).Msg("failed to persist read mark")
			}
		}
	}()

	s.changed()
	return true
}

func (s *Session) Send(ctx context.Context, content string, file *models.Upload) (outbox.Result, error) {
	if !s.Active() {
		return outbox.Result{}, ErrClosed
	}
	return s.outbox.Send(ctx, content, file)
}

// SendDraft sends what is currently in the input field.
func (s *Session) SendDraft(ctx context.Context, file *models.Upload) (outbox.Result, error) {
	return s.Send(ctx, s.outbox.Draft().Get().Content, file)
}

// Unlock lifts the current gate and re-sends the preserved draft.
// A failed re-send is returned wrapped in ErrResendFailed; the gate stays open
// and the draft is kept for SendDraft.
func (s *Session) Unlock(ctx context.Context) error {
	if !s.Active() {
		return ErrClosed
	}
	s.mu.Lock()
	s.resendErr = nil
	s.mu.Unlock()

	if err := s.gate.Unlock(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	err := s.resendErr
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResendFailed, err)
	}
	return nil
}

func (s *Session) DismissGate() {
	s.gate.Dismiss()
}

func (s *Session) LoadOlder(ctx context.Context) bool {
	return s.pager.LoadOlder(ctx)
}

// OnTopVisible is called when the top of the message list scrolls into view.
func (s *Session) OnTopVisible(ctx context.Context) bool {
	return s.pager.OnTopVisible(ctx)
}

func (s *Session) SetAnchor(anchor pagination.ScrollAnchor) {
	s.pager.SetAnchor(anchor)
}

// SetDraft updates the input field and tells the peer we are typing.
func (s *Session) SetDraft(content string) {
	s.outbox.Draft().Set(content)
	if content != "" {
		s.Typing()
	}
	s.changed()
}

// Typing emits a throttled typing event for the local user.
func (s *Session) Typing() bool {
	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()
	if adapter == nil {
		return false
	}
	return adapter.SendTyping()
}

func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

func (s *Session) setPhase(phase Phase, err error) {
	s.mu.Lock()
	s.phase = phase
	s.openErr = err
	s.mu.Unlock()
	s.changed()
}

func (s *Session) changed() {
	if s.onChange != nil && s.Active() {
		s.onChange()
	}
}
