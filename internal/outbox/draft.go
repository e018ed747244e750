package outbox

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"amora/internal/models"
)

// DraftStore persists drafts across restarts.
type DraftStore interface {
	SaveDraft(draft models.Draft) error
	LoadDraft(conversationID string) (models.Draft, error)
}

// DraftBuffer is the input field of one conversation.
type DraftBuffer struct {
	conversationID string
	store          DraftStore
	logger         zerolog.Logger
	now            func() time.Time

	current models.Draft

	mu sync.Mutex
}

// NewDraftBuffer creates a buffer. store may be nil for an in-memory draft.
func NewDraftBuffer(conversationID string, store DraftStore, logger zerolog.Logger) *DraftBuffer {
	return &DraftBuffer{
		conversationID: conversationID,
		store:          store,
		logger:         logger,
		now:            time.Now,
		current:        models.Draft{ConversationID: conversationID},
	}
}

// Load restores the persisted draft, if any.
func (d *DraftBuffer) Load() error {
	if d.store == nil {
		return nil
	}
	draft, err := d.store.LoadDraft(d.conversationID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.current = draft
	d.mu.Unlock()
	return nil
}

// Set replaces the typed content and keeps attachments.
func (d *DraftBuffer) Set(content string) {
	d.mu.Lock()
	d.current.Content = content
	d.current.UpdatedAt = d.now()
	draft := d.current
	d.mu.Unlock()

	d.persist(draft)
}

func (d *DraftBuffer) Get() models.Draft {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cloneDraft(d.current)
}

// Restore puts content and attachments back, e.g. after a failed send.
func (d *DraftBuffer) Restore(content string, attachments []models.Attachment) {
	d.mu.Lock()
	d.current = models.Draft{
		ConversationID: d.conversationID,
		Content:        content,
		Attachments:    append([]models.Attachment(nil), attachments...),
		UpdatedAt:      d.now(),
	}
	draft := d.current
	d.mu.Unlock()

	d.persist(draft)
}

func (d *DraftBuffer) Clear() {
	d.mu.Lock()
	d.current = models.Draft{ConversationID: d.conversationID, UpdatedAt: d.now()}
	draft := d.current
	d.mu.Unlock()

	d.persist(draft)
}

func (d *DraftBuffer) persist(draft models.Draft) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveDraft(draft); err != nil {
		d.logger.Warn().Err(err).Str("conversation_id", d.conversationID).Msg("failed to persist draft")
	}
}

func cloneDraft(d models.Draft) models.Draft {
	d.Attachments = append([]models.Attachment(nil), d.Attachments...)
	return d
}
