package pagination

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"amora/internal/metrics"
	"amora/internal/models"
)

// HistoryFetcher fetches one history page. An empty cursor means the newest page.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID, cursor string) (models.HistoryPage, error)
}

// MessageLog is the part of the conversation store pagination writes to.
type MessageLog interface {
	Append(message models.Message) bool
	Prepend(older []models.Message) int
}

// ScrollAnchor is the scroll container of the conversation view.
type ScrollAnchor interface {
	ContentHeight() float64
	ScrollOffset() float64
	SetScrollOffset(offset float64)
}

type State int

const (
	StateIdle State = iota
	StateFetching
)

func (s State) String() string {
	if s == StateFetching {
		return "fetching"
	}
	return "idle"
}

// Cursor is the opaque position of the next older page.
type Cursor struct {
	Token   string
	HasMore bool
}

type Config struct {
	ConversationID string
	Fetcher        HistoryFetcher
	Log            MessageLog
	Anchor         ScrollAnchor
	// Active reports whether the owning view is still mounted.
	// Results are dropped when it returns false.
	Active func() bool
	Logger zerolog.Logger
}

type Controller struct {
	conversationID string
	fetcher        HistoryFetcher
	log            MessageLog
	anchor         ScrollAnchor
	active         func() bool
	logger         zerolog.Logger

	state  State
	cursor Cursor
	loaded bool

	mu sync.Mutex
}

func New(config Config) (*Controller, error) {
	if config.Fetcher == nil {
		return nil, fmt.Errorf("history fetcher is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("message log is required")
	}
	active := config.Active
	if active == nil {
		active = func() bool { return true }
	}
	return &Controller{
		conversationID: config.ConversationID,
		fetcher:        config.Fetcher,
		log:            config.Log,
		anchor:         config.Anchor,
		active:         active,
		logger:         config.Logger,
	}, nil
}

// SetAnchor attaches the scroll container once the view has one.
func (c *Controller) SetAnchor(anchor ScrollAnchor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchor = anchor
}

// LoadInitial fetches the newest page and establishes the first cursor.
// An error here is fatal to the view.
func (c *Controller) LoadInitial(ctx context.Context) error {
	page, err := c.fetcher.FetchHistory(ctx, c.conversationID, "")
	if err != nil {
		metrics.PageFetches.WithLabelValues("initial", "error").Inc()
		return fmt.Errorf("fetch newest page: %w", err)
	}
	metrics.PageFetches.WithLabelValues("initial", "ok").Inc()

	if !c.active() {
		return nil
	}

	for _, message := range chronological(page.Messages) {
		c.log.Append(confirmed(message))
	}

	c.mu.Lock()
	c.cursor = nextCursor(page)
	c.loaded = true
	c.mu.Unlock()
	return nil
}

// LoadOlder fetches the page before the current cursor and keeps the
// visible content in place. A call while another fetch is outstanding,
// or after the beginning was reached, is a no-op and returns false.
// Fetch errors are logged and leave the state unchanged.
func (c *Controller) LoadOlder(ctx context.Context) bool {
	c.mu.Lock()
	if c.state == StateFetching || !c.loaded || !c.cursor.HasMore {
		c.mu.Unlock()
		return false
	}
	c.state = StateFetching
	cursor := c.cursor.Token
	anchor := c.anchor
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
	}()

	var heightBefore float64
	if anchor != nil {
		heightBefore = anchor.ContentHeight()
	}

	page, err := c.fetcher.FetchHistory(ctx, c.conversationID, cursor)
	if err != nil {
		metrics.PageFetches.WithLabelValues("older", "error").Inc()
		c.logger.Warn().
			Err(err).
			Str("conversation_id", c.conversationID).
			Msg("loading older messages failed")
		return true
	}
	metrics.PageFetches.WithLabelValues("older", "ok").Inc()

	if !c.active() {
		return true
	}

	older := chronological(page.Messages)
	for i := range older {
		older[i] = confirmed(older[i])
	}
	c.log.Prepend(older)

	c.mu.Lock()
	c.cursor = nextCursor(page)
	c.mu.Unlock()

	if anchor != nil {
		delta := anchor.ContentHeight() - heightBefore
		if delta != 0 {
			anchor.SetScrollOffset(anchor.ScrollOffset() + delta)
		}
	}
	return true
}

// OnTopVisible is the boundary-visibility trigger of the top sentinel.
func (c *Controller) OnTopVisible(ctx context.Context) bool {
	if !c.HasMore() {
		return false
	}
	return c.LoadOlder(ctx)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Cursor() Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor.HasMore
}

// ReachedBeginning reports that the oldest message is loaded.
func (c *Controller) ReachedBeginning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded && !c.cursor.HasMore
}

// chronological reverses a newest-first page.
func chronological(page []models.Message) []models.Message {
	result := make([]models.Message, len(page))
	for i, m := range page {
		result[len(page)-1-i] = m
	}
	return result
}

func confirmed(m models.Message) models.Message {
	if m.DeliveryState == "" {
		m.DeliveryState = models.DeliveryConfirmed
	}
	return m
}

// nextCursor ends pagination for the session when the server gives no cursor.
func nextCursor(page models.HistoryPage) Cursor {
	if page.NextCursor == nil || *page.NextCursor == "" {
		return Cursor{}
	}
	return Cursor{Token: *page.NextCursor, HasMore: page.HasMore}
}
