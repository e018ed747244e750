package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"amora/internal/gate"
	"amora/internal/metrics"
	"amora/internal/models"
)

var (
	ErrSendInFlight  = errors.New("a message is already being sent")
	ErrUploadFailed  = errors.New("upload failed")
	ErrSendFailed    = errors.New("send failed")
	ErrEmptyMessage  = errors.New("message is empty")
	ErrNothingToSend = errors.New("no gated draft to resend")
	ErrInactive      = errors.New("conversation view is closed")
)

const TempIDPrefix = "tmp-"

type Sender interface {
	SendMessage(ctx context.Context, req models.SendRequest) (models.Message, error)
}

// MessageLog is the conversation store as seen by the coordinator.
type MessageLog interface {
	Append(message models.Message) bool
	Remove(id string) bool
	ReconcileOptimistic(tempID string, confirmed models.Message) bool
}

// GateSink receives gates reported by the send endpoint.
type GateSink interface {
	Apply(g gate.Gate)
}

type SendState int

const (
	SendIdle SendState = iota
	SendSending
)

func (s SendState) String() string {
	if s == SendSending {
		return "sending"
	}
	return "idle"
}

// Result of a send that did not fail. Exactly one field is set.
type Result struct {
	Delivered *models.Message
	Gated     *gate.Gate
}

type Config struct {
	ConversationID string
	UserID         string
	Sender         Sender
	Uploader       Uploader
	Log            MessageLog
	Gate           GateSink
	Draft          *DraftBuffer
	Active         func() bool
	Logger         zerolog.Logger
}

// Coordinator sends messages optimistically: a pending entry shows up
// at once and is reconciled or rolled back when the server answers.
type Coordinator struct {
	conversationID string
	userID         string
	sender         Sender
	uploader       Uploader
	log            MessageLog
	gate           GateSink
	draft          *DraftBuffer
	active         func() bool
	logger         zerolog.Logger
	now            func() time.Time

	state   SendState
	gated   *models.Draft
	lastErr error

	mu sync.Mutex
}

func New(config Config) (*Coordinator, error) {
	if config.Sender == nil || config.Log == nil {
		return nil, errors.New("coordinator requires a sender and a message log")
	}
	if config.Draft == nil {
		config.Draft = NewDraftBuffer(config.ConversationID, nil, config.Logger)
	}
	if config.Active == nil {
		config.Active = func() bool { return true }
	}
	return &Coordinator{
		conversationID: config.ConversationID,
		userID:         config.UserID,
		sender:         config.Sender,
		uploader:       config.Uploader,
		log:            config.Log,
		gate:           config.Gate,
		draft:          config.Draft,
		active:         config.Active,
		logger:         config.Logger,
		now:            time.Now,
	}, nil
}

// Send uploads file (if any), shows content as pending and sends it.
// Attachments kept in the draft from an earlier gated send are sent along.
// A payment gate is not an error: it is reported through Result.Gated.
func (c *Coordinator) Send(ctx context.Context, content string, file *models.Upload) (Result, error) {
	if !c.begin() {
		return Result{}, ErrSendInFlight
	}
	defer c.end()

	attachments := c.draft.Get().Attachments
	if file != nil {
		if c.uploader == nil {
			return Result{}, fmt.Errorf("%w: no uploader configured", ErrUploadFailed)
		}
		att, err := c.uploader.Upload(ctx, *file)
		if err != nil {
			metrics.SendsTotal.WithLabelValues("upload_failed").Inc()
			c.setLastErr(fmt.Errorf("%w: %w", ErrUploadFailed, err))
			c.logger.Warn().Err(err).Str("conversation_id", c.conversationID).Str("file", file.Name).Msg("upload failed")
			return Result{}, c.LastError()
		}
		attachments = append(attachments, att)
	}

	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return Result{}, ErrEmptyMessage
	}

	return c.send(ctx, content, attachments)
}

// Resend sends the draft preserved by the last gated send. The gate
// unlock flow calls it once the gate is lifted. Without a gated send in
// this process the restored draft is used, so an unlock after a restart
// still delivers what was held back.
func (c *Coordinator) Resend(ctx context.Context) (Result, error) {
	if !c.begin() {
		return Result{}, ErrSendInFlight
	}
	defer c.end()

	c.mu.Lock()
	gated := c.gated
	c.mu.Unlock()
	if gated == nil {
		if d := c.draft.Get(); strings.TrimSpace(d.Content) != "" || len(d.Attachments) > 0 {
			gated = &d
		}
	}
	if gated == nil {
		return Result{}, ErrNothingToSend
	}

	return c.send(ctx, gated.Content, gated.Attachments)
}

func (c *Coordinator) send(ctx context.Context, content string, attachments []models.Attachment) (Result, error) {
	tempID := TempIDPrefix + uuid.NewString()
	c.log.Append(models.Message{
		ID:             tempID,
		ConversationID: c.conversationID,
		SenderID:       c.userID,
		Content:        content,
		Attachments:    attachments,
		CreatedAt:      c.now(),
		DeliveryState:  models.DeliveryPending,
	})
	c.draft.Clear()
	c.setLastErr(nil)

	confirmed, err := c.sender.SendMessage(ctx, models.SendRequest{
		ConversationID: c.conversationID,
		Content:        content,
		Attachments:    attachments,
	})
	if !c.active() {
		// The view is gone together with its store.
		return Result{}, ErrInactive
	}

	if err == nil {
		if confirmed.ConversationID == "" {
			confirmed.ConversationID = c.conversationID
		}
		if !c.log.ReconcileOptimistic(tempID, confirmed) {
			c.logger.Debug().Str("temp_id", tempID).Msg("pending message vanished before reconcile")
		}
		c.mu.Lock()
		c.gated = nil
		c.mu.Unlock()

		metrics.SendsTotal.WithLabelValues("delivered").Inc()
		return Result{Delivered: &confirmed}, nil
	}

	c.log.Remove(tempID)
	c.draft.Restore(content, attachments)

	if g, ok := gate.ParseError(err).(gate.Gate); ok {
		c.mu.Lock()
		c.gated = &models.Draft{
			ConversationID: c.conversationID,
			Content:        content,
			Attachments:    append([]models.Attachment(nil), attachments...),
			UpdatedAt:      c.now(),
		}
		c.mu.Unlock()

		if c.gate != nil {
			c.gate.Apply(g)
		}
		metrics.SendsTotal.WithLabelValues("gated").Inc()
		return Result{Gated: &g}, nil
	}

	metrics.SendsTotal.WithLabelValues("failed").Inc()
	c.logger.Warn().Err(err).Str("conversation_id", c.conversationID).Msg("send failed")
	c.setLastErr(fmt.Errorf("%w: %w", ErrSendFailed, err))
	return Result{}, c.LastError()
}

func (c *Coordinator) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == SendSending {
		return false
	}
	c.state = SendSending
	return true
}

func (c *Coordinator) end() {
	c.mu.Lock()
	c.state = SendIdle
	c.mu.Unlock()
}

func (c *Coordinator) State() SendState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError is the inline error of the last send, nil after a success.
func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Gated reports the draft waiting for an unlock.
func (c *Coordinator) Gated() (models.Draft, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gated == nil {
		return models.Draft{}, false
	}
	return cloneDraft(*c.gated), true
}

func (c *Coordinator) Draft() *DraftBuffer {
	return c.draft
}

func (c *Coordinator) setLastErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}
