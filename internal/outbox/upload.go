package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"amora/internal/models"
	"amora/internal/storage"
)

type Uploader interface {
	Upload(ctx context.Context, file models.Upload) (models.Attachment, error)
}

type MediaCache interface {
	GetMedia(hash string) (storage.MediaRecord, error)
	UpsertMedia(record storage.MediaRecord) error
}

// CachingUploader skips uploads of bytes that were uploaded before.
type CachingUploader struct {
	Uploader Uploader
	Cache    MediaCache
	Logger   zerolog.Logger
}

func (u *CachingUploader) Upload(ctx context.Context, file models.Upload) (models.Attachment, error) {
	sum := sha256.Sum256(file.Data)
	hash := hex.EncodeToString(sum[:])

	record, err := u.Cache.GetMedia(hash)
	if err == nil {
		return record.Attachment(), nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		u.Logger.Warn().Err(err).Msg("media cache lookup failed")
	}

	att, err := u.Uploader.Upload(ctx, file)
	if err != nil {
		return models.Attachment{}, err
	}

	err = u.Cache.UpsertMedia(storage.MediaRecord{
		Hash:         hash,
		AttachmentID: att.ID,
		Type:         string(att.Type),
		URL:          att.URL,
		ThumbnailURL: att.ThumbnailURL,
		Size:         int64(len(file.Data)),
		CreatedAt:    time.Now().UnixMilli(),
	})
	if err != nil {
		u.Logger.Warn().Err(err).Msg("failed to cache media record")
	}
	return att, nil
}
