package storage

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"amora/internal/models"
)

// MediaRecord remembers an uploaded file by content hash so the same
// bytes are not uploaded twice.
type MediaRecord struct {
	Hash         string `msgpack:"hash"`
	AttachmentID string `msgpack:"attachmentId"`
	Type         string `msgpack:"type"`
	URL          string `msgpack:"url"`
	ThumbnailURL string `msgpack:"thumbnailUrl"`
	Size         int64  `msgpack:"size"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (f *MediaRecord) Key() []byte {
	return []byte(f.Hash)
}

func (f *MediaRecord) MarshalBinary() (data []byte, err error) {
	type alias MediaRecord
	return msgpack.Marshal((*alias)(f))
}

func (f *MediaRecord) UnmarshalBinary(data []byte) error {
	type alias MediaRecord
	return msgpack.Unmarshal(data, (*alias)(f))
}

func (f *MediaRecord) Attachment() models.Attachment {
	return models.Attachment{
		ID:           f.AttachmentID,
		Type:         models.AttachmentType(f.Type),
		URL:          f.URL,
		ThumbnailURL: f.ThumbnailURL,
	}
}

func (s *BboltStorage) UpsertMedia(record MediaRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMedia)
		data, err := record.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal media record: %w", err)
		}
		return b.Put(record.Key(), data)
	})
}

// GetMedia returns models.ErrNotFound when hash was never uploaded.
func (s *BboltStorage) GetMedia(hash string) (MediaRecord, error) {
	var record MediaRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMedia)
		data := b.Get([]byte(hash))
		if data == nil {
			return fmt.Errorf("media %s: %w", hash, models.ErrNotFound)
		}
		return record.UnmarshalBinary(data)
	})
	return record, err
}
