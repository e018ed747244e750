package storage

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"amora/internal/models"
)

var (
	bucketDrafts    = []byte("drafts")
	bucketReadMarks = []byte("read_marks")
	bucketMedia     = []byte("media")
)

// BboltStorage keeps client-side state that must survive a restart.
type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDrafts, bucketReadMarks, bucketMedia} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// SaveDraft stores the draft of a conversation. An empty draft deletes it.
func (s *BboltStorage) SaveDraft(draft models.Draft) error {
	if draft.Empty() {
		return s.DeleteDraft(draft.ConversationID)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDrafts)
		dbDraft := &DBDraft{
			ConversationID: draft.ConversationID,
			Content:        draft.Content,
			UpdatedAt:      draft.UpdatedAt.UnixMilli(),
		}
		if len(draft.Attachments) > 0 {
			dbDraft.Attachments = make([]DBAttachment, len(draft.Attachments))
			for i, a := range draft.Attachments {
				dbDraft.Attachments[i] = DBAttachment{
					ID:           a.ID,
					Type:         string(a.Type),
					URL:          a.URL,
					ThumbnailURL: a.ThumbnailURL,
				}
			}
		}

		data, err := dbDraft.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal draft: %w", err)
		}
		return b.Put(dbDraft.Key(), data)
	})
}

// LoadDraft returns models.ErrNotFound when the conversation has no draft.
func (s *BboltStorage) LoadDraft(conversationID string) (models.Draft, error) {
	var draft models.Draft
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketDrafts).Get([]byte(conversationID))
		if data == nil {
			return models.ErrNotFound
		}

		var dbDraft DBDraft
		if err := dbDraft.UnmarshalBinary(data); err != nil {
			return err
		}
		draft = models.Draft{
			ConversationID: dbDraft.ConversationID,
			Content:        dbDraft.Content,
			UpdatedAt:      time.UnixMilli(dbDraft.UpdatedAt),
		}
		if len(dbDraft.Attachments) > 0 {
			draft.Attachments = make([]models.Attachment, len(dbDraft.Attachments))
			for i, a := range dbDraft.Attachments {
				draft.Attachments[i] = models.Attachment{
					ID:           a.ID,
					Type:         models.AttachmentType(a.Type),
					URL:          a.URL,
					ThumbnailURL: a.ThumbnailURL,
				}
			}
		}
		return nil
	})
	return draft, err
}

func (s *BboltStorage) DeleteDraft(conversationID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDrafts).Delete([]byte(conversationID))
	})
}

// ListDrafts returns every stored draft keyed by conversation id.
func (s *BboltStorage) ListDrafts() (map[string]models.Draft, error) {
	ids := []string{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDrafts).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	drafts := make(map[string]models.Draft, len(ids))
	for _, id := range ids {
		d, err := s.LoadDraft(id)
		if err != nil {
			return nil, err
		}
		drafts[id] = d
	}
	return drafts, nil
}

func (s *BboltStorage) SaveReadMark(conversationID, messageID string, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		mark := &DBReadMark{
			ConversationID: conversationID,
			MessageID:      messageID,
			MarkedAt:       at.UnixMilli(),
		}
		data, err := mark.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketReadMarks).Put(mark.Key(), data)
	})
}

// ReadMark returns the last message id reported as read, or "" if none.
func (s *BboltStorage) ReadMark(conversationID string) (string, error) {
	var messageID string
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketReadMarks).Get([]byte(conversationID))
		if data == nil {
			return nil
		}
		var mark DBReadMark
		if err := mark.UnmarshalBinary(data); err != nil {
			return err
		}
		messageID = mark.MessageID
		return nil
	})
	return messageID, err
}
