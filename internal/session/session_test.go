package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"amora/internal/gate"
	"amora/internal/models"
	"amora/internal/outbox"
	"amora/internal/receipts"
	"amora/internal/ws"
)

type fakeAPI struct {
	mu sync.Mutex

	pages      map[string]models.HistoryPage
	historyErr error
	sendFn     func(req models.SendRequest) (models.Message, error)
	unlockErr  error
	gateStatus gate.Gate
	receipts   map[string]models.ReadReceipt
	receiptsCh chan struct{}
	online     map[string]bool
	unread     map[string]int
	unreadHits int
	conv       models.Conversation
	marked     chan string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		pages:      map[string]models.HistoryPage{},
		gateStatus: gate.Open,
		receipts:   map[string]models.ReadReceipt{},
		online:     map[string]bool{},
		unread:     map[string]int{},
		marked:     make(chan string, 10),
	}
}

func (f *fakeAPI) FetchHistory(_ context.Context, _ string, cursor string) (models.HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return models.HistoryPage{}, f.historyErr
	}
	return f.pages[cursor], nil
}

func (f *fakeAPI) SendMessage(_ context.Context, req models.SendRequest) (models.Message, error) {
	f.mu.Lock()
	fn := f.sendFn
	f.mu.Unlock()
	return fn(req)
}

func (f *fakeAPI) Upload(_ context.Context, file models.Upload) (models.Attachment, error) {
	return models.Attachment{ID: "a-" + file.Name, Type: models.AttachmentTypeImage}, nil
}

func (f *fakeAPI) UnlockChat(context.Context, string) error { return f.unlockErr }
func (f *fakeAPI) UnlockDM(context.Context, string) error   { return f.unlockErr }

func (f *fakeAPI) GateStatus(context.Context, string) (gate.Gate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gateStatus, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, _ string, messageID string) error {
	f.marked <- messageID
	return nil
}

func (f *fakeAPI) Receipts(ctx context.Context, _ string) (map[string]models.ReadReceipt, error) {
	f.mu.Lock()
	wait := f.receiptsCh
	f.mu.Unlock()
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts, nil
}

func (f *fakeAPI) OnlineStatus(context.Context, ...string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online, nil
}

func (f *fakeAPI) UnreadCounts(context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreadHits++
	out := make(map[string]int, len(f.unread))
	for k, v := range f.unread {
		out[k] = v
	}
	return out, nil
}

func (f *fakeAPI) Conversation(context.Context, string) (models.Conversation, error) {
	return f.conv, nil
}

type fakeChannel struct {
	mu        sync.Mutex
	listeners map[ws.ListenerID]ws.Listener
	nextID    ws.ListenerID
	emitted   []models.ClientEvent
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{listeners: map[ws.ListenerID]ws.Listener{}}
}

func (c *fakeChannel) Acquire() error { return nil }

func (c *fakeChannel) AddListener(l ws.Listener) ws.ListenerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.listeners[c.nextID] = l
	return c.nextID
}

func (c *fakeChannel) ReleaseListeners(ids ...ws.ListenerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.listeners, id)
	}
}

func (c *fakeChannel) Emit(ev models.ClientEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, ev)
	return nil
}

func (c *fakeChannel) each(fn func(ws.Listener)) {
	c.mu.Lock()
	ls := make([]ws.Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()
	for _, l := range ls {
		fn(l)
	}
}

func (c *fakeChannel) emittedTypes() []models.ClientEventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var types []models.ClientEventType
	for _, ev := range c.emitted {
		types = append(types, ev.Type)
	}
	return types
}

func (c *fakeChannel) listenerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

var base = time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)

func msg(id, sender string, minute int) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       sender,
		Content:        "text " + id,
		CreatedAt:      base.Add(time.Duration(minute) * time.Minute),
	}
}

func newTestSession(t *testing.T, api *fakeAPI, channel ws.Channel, peerID string) *Session {
	t.Helper()
	s, err := New(Config{
		ConversationID: "c1",
		UserID:         "me",
		PeerID:         peerID,
		API:            api,
		Channel:        channel,
		TypingTTL:      time.Second,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSession_Open(t *testing.T) {
	api := newFakeAPI()
	api.pages[""] = models.HistoryPage{
		// newest first
		Messages: []models.Message{msg("m3", "peer", 3), msg("m2", "me", 2), msg("m1", "me", 1)},
	}
	api.online["peer"] = true
	api.receipts["peer"] = models.ReadReceipt{MessageID: "m1", ReadAt: base.Add(time.Hour)}
	api.gateStatus = gate.Gate{Kind: gate.KindCountGated, DiamondCost: 10, Threshold: 5, SentCount: 5}
	api.unread = map[string]int{"c1": 1, "c2": 3}

	s := newTestSession(t, api, newFakeChannel(), "peer")
	require.NoError(t, s.Open(context.Background()))

	v := s.View()
	require.Equal(t, PhaseReady, v.Phase)
	require.Len(t, v.Rows, 3)
	require.Equal(t, "m1", v.Rows[0].ID)
	require.Equal(t, receipts.StatusRead, v.Rows[0].Status)
	require.Equal(t, receipts.StatusSent, v.Rows[1].Status)
	require.Equal(t, receipts.StatusNone, v.Rows[2].Status)
	require.Equal(t, "<p>text m1</p>", v.Rows[0].HTML)
	require.True(t, v.PeerOnline)
	require.Equal(t, gate.KindCountGated, v.Gate.Kind)
	require.True(t, v.GateBanner)
	require.Equal(t, 4, v.UnreadTotal)
	require.True(t, v.ReachedBeginning)
	require.False(t, v.HasMore)
}

func TestSession_OpenFailureAndRetry(t *testing.T) {
	api := newFakeAPI()
	api.historyErr = errors.New("503")

	s := newTestSession(t, api, nil, "peer")
	err := s.Open(context.Background())
	require.ErrorIs(t, err, ErrHistoryUnavailable)
	require.Equal(t, PhaseFailed, s.View().Phase)
	require.Error(t, s.View().OpenError)

	api.mu.Lock()
	api.historyErr = nil
	api.pages[""] = models.HistoryPage{Messages: []models.Message{msg("m1", "peer", 1)}}
	api.mu.Unlock()

	require.NoError(t, s.Retry(context.Background()))
	v := s.View()
	require.Equal(t, PhaseReady, v.Phase)
	require.NoError(t, v.OpenError)
	require.Len(t, v.Rows, 1)
}

func TestSession_FailedOpenRendersNothing(t *testing.T) {
	api := newFakeAPI()
	api.historyErr = errors.New("503")
	channel := newFakeChannel()

	s := newTestSession(t, api, channel, "peer")
	require.ErrorIs(t, s.Open(context.Background()), ErrHistoryUnavailable)

	m := msg("m7", "peer", 7)
	channel.each(func(l ws.Listener) {
		l.OnEvent(models.ServerEvent{Type: models.ServerEventNewMessage, ConversationID: "c1", Message: &m})
	})
	v := s.View()
	require.Equal(t, PhaseFailed, v.Phase)
	require.Empty(t, v.Rows)

	api.mu.Lock()
	api.historyErr = nil
	api.pages[""] = models.HistoryPage{Messages: []models.Message{msg("m1", "peer", 1)}}
	api.mu.Unlock()

	require.NoError(t, s.Retry(context.Background()))
	v = s.View()
	require.Len(t, v.Rows, 1)
	require.Equal(t, "m1", v.Rows[0].ID)
}

func TestSession_LiveReceiptBeatsSnapshot(t *testing.T) {
	api := newFakeAPI()
	var history []models.Message
	for i := 1; i <= 5; i++ {
		history = append(history, msg(fmt.Sprintf("m%d", i), "me", i))
	}
	api.pages[""] = models.HistoryPage{Messages: history}
	api.receipts = map[string]models.ReadReceipt{"peer": {MessageID: "m2", ReadAt: base.Add(10 * time.Minute)}}
	release := make(chan struct{})
	api.receiptsCh = release
	channel := newFakeChannel()

	s := newTestSession(t, api, channel, "peer")
	opened := make(chan error, 1)
	go func() { opened <- s.Open(context.Background()) }()

	require.Eventually(t, func() bool { return channel.listenerCount() == 1 }, time.Second, 5*time.Millisecond)
	channel.each(func(l ws.Listener) {
		l.OnEvent(models.ServerEvent{
			Type:           models.ServerEventMessageRead,
			ConversationID: "c1",
			UserID:         "peer",
			MessageID:      "m5",
			ReadAt:         base.Add(20 * time.Minute),
		})
	})
	close(release)

	select {
	case err := <-opened:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("open did not finish")
	}

	r, ok := s.receipts.Receipt("peer")
	require.True(t, ok)
	require.Equal(t, "m5", r.MessageID)
	v := s.View()
	require.Len(t, v.Rows, 5)
	require.Equal(t, receipts.StatusRead, v.Rows[4].Status)
}

func TestSession_ResolvesPeer(t *testing.T) {
	api := newFakeAPI()
	api.conv = models.Conversation{ID: "c1", ParticipantIDs: [2]string{"me", "peer"}}

	s := newTestSession(t, api, nil, "")
	require.NoError(t, s.Open(context.Background()))
	require.Equal(t, "peer", s.PeerID())
}

func TestSession_ChannelEvents(t *testing.T) {
	api := newFakeAPI()
	channel := newFakeChannel()
	s := newTestSession(t, api, channel, "peer")
	require.NoError(t, s.Open(context.Background()))
	require.Equal(t, 1, channel.listenerCount())

	m := msg("m1", "peer", 1)
	channel.each(func(l ws.Listener) {
		l.OnEvent(models.ServerEvent{Type: models.ServerEventTyping, ConversationID: "c1", UserID: "peer"})
	})
	require.True(t, s.View().PeerTyping)

	channel.each(func(l ws.Listener) {
		l.OnEvent(models.ServerEvent{Type: models.ServerEventNewMessage, ConversationID: "c1", Message: &m})
	})
	v := s.View()
	require.Len(t, v.Rows, 1)
	require.False(t, v.PeerTyping)

	// A reconnect refreshes unread counts.
	api.mu.Lock()
	api.unread = map[string]int{"c2": 7}
	hits := api.unreadHits
	api.mu.Unlock()

	channel.each(func(l ws.Listener) { l.OnConnect(true) })
	require.Eventually(t, func() bool { return s.View().UnreadTotal == 7 }, time.Second, 5*time.Millisecond)
	api.mu.Lock()
	require.Greater(t, api.unreadHits, hits)
	api.mu.Unlock()
}

func TestSession_MarkReadIfNeeded(t *testing.T) {
	api := newFakeAPI()
	api.pages[""] = models.HistoryPage{Messages: []models.Message{msg("m2", "peer", 2), msg("m1", "me", 1)}}
	api.unread = map[string]int{"c1": 1}
	channel := newFakeChannel()

	s := newTestSession(t, api, channel, "peer")
	require.NoError(t, s.Open(context.Background()))

	require.True(t, s.MarkReadIfNeeded(context.Background()))
	require.False(t, s.MarkReadIfNeeded(context.Background()), "once per last message")
	require.Equal(t, 0, s.View().UnreadTotal)

	select {
	case id := <-api.marked:
		require.Equal(t, "m2", id)
	case <-time.After(time.Second):
		t.Fatal("read marking was not sent")
	}
	require.Contains(t, channel.emittedTypes(), models.ClientEventMarkRead)
}

func TestSession_MarkReadSkipsOwnMessages(t *testing.T) {
	api := newFakeAPI()
	api.pages[""] = models.HistoryPage{Messages: []models.Message{msg("m1", "me", 1)}}

	s := newTestSession(t, api, nil, "peer")
	require.NoError(t, s.Open(context.Background()))
	require.False(t, s.MarkReadIfNeeded(context.Background()))
}

func TestSession_SendGateUnlock(t *testing.T) {
	api := newFakeAPI()
	var sends int
	api.sendFn = func(req models.SendRequest) (models.Message, error) {
		sends++
		if sends == 1 {
			return models.Message{}, &gatePayloadError{}
		}
		return models.Message{ID: "m9", SenderID: "me", Content: req.Content, CreatedAt: base.Add(time.Hour)}, nil
	}

	s := newTestSession(t, api, nil, "peer")
	require.NoError(t, s.Open(context.Background()))

	s.SetDraft("hello")
	res, err := s.SendDraft(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Gated)

	v := s.View()
	require.Equal(t, gate.KindCountGated, v.Gate.Kind)
	require.True(t, v.GateBanner)
	require.Equal(t, "hello", v.Draft.Content)
	require.Empty(t, v.Rows)

	s.DismissGate()
	require.False(t, s.View().GateBanner)
	require.Equal(t, gate.KindCountGated, s.View().Gate.Kind)

	require.NoError(t, s.Unlock(context.Background()))
	v = s.View()
	require.True(t, v.Gate.IsOpen())
	require.Len(t, v.Rows, 1)
	require.Equal(t, "m9", v.Rows[0].ID)
	require.Equal(t, receipts.StatusSent, v.Rows[0].Status)
	require.Equal(t, "", v.Draft.Content)
}

func TestSession_UnlockReportsResendFailure(t *testing.T) {
	api := newFakeAPI()
	started := make(chan struct{})
	unblock := make(chan struct{})
	var sends int
	api.sendFn = func(req models.SendRequest) (models.Message, error) {
		sends++
		if sends == 1 {
			return models.Message{}, &gatePayloadError{}
		}
		close(started)
		<-unblock
		return models.Message{ID: "m9", SenderID: "me", Content: req.Content, CreatedAt: base.Add(time.Hour)}, nil
	}

	s := newTestSession(t, api, nil, "peer")
	require.NoError(t, s.Open(context.Background()))

	s.SetDraft("hello")
	res, err := s.SendDraft(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, res.Gated)

	sent := make(chan error, 1)
	go func() {
		_, err := s.SendDraft(context.Background(), nil)
		sent <- err
	}()
	<-started

	err = s.Unlock(context.Background())
	require.ErrorIs(t, err, ErrResendFailed)
	require.ErrorIs(t, err, outbox.ErrSendInFlight)
	require.True(t, s.View().Gate.IsOpen())

	close(unblock)
	require.NoError(t, <-sent)
}

func TestSession_TypingEmission(t *testing.T) {
	api := newFakeAPI()
	channel := newFakeChannel()
	s := newTestSession(t, api, channel, "peer")
	require.NoError(t, s.Open(context.Background()))

	s.SetDraft("h")
	s.SetDraft("he")
	require.Equal(t, []models.ClientEventType{models.ClientEventTyping}, channel.emittedTypes())
}

func TestSession_Close(t *testing.T) {
	api := newFakeAPI()
	channel := newFakeChannel()
	s := newTestSession(t, api, channel, "peer")
	require.NoError(t, s.Open(context.Background()))

	s.Close()
	require.Equal(t, 0, channel.listenerCount())
	require.False(t, s.Active())

	_, err := s.Send(context.Background(), "hi", nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Open(context.Background()), ErrClosed)
}

type gatePayloadError struct{}

func (e *gatePayloadError) Error() string { return "http 402" }
func (e *gatePayloadError) ResponseBody() []byte {
	return []byte(`{"code":"CHAT_DIAMOND_GATE","diamondCost":10,"threshold":5,"sentCount":5}`)
}
func (e *gatePayloadError) ResponseMessage() string { return "" }
