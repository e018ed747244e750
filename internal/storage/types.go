package storage

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBDraft struct {
	ConversationID string         `msgpack:"conversationId"`
	Content        string         `msgpack:"content"`
	Attachments    []DBAttachment `msgpack:"attachments"`
	UpdatedAt      int64          `msgpack:"updatedAt"`
}

type DBAttachment struct {
	ID           string `msgpack:"id"`
	Type         string `msgpack:"type"`
	URL          string `msgpack:"url"`
	ThumbnailURL string `msgpack:"thumbnailUrl"`
}

func (d *DBDraft) Key() []byte {
	return []byte(d.ConversationID)
}

func (d *DBDraft) MarshalBinary() (data []byte, err error) {
	type alias DBDraft
	return msgpack.Marshal((*alias)(d))
}

func (d *DBDraft) UnmarshalBinary(data []byte) error {
	type alias DBDraft
	return msgpack.Unmarshal(data, (*alias)(d))
}

// DBReadMark is the last message the local user reported as read.
type DBReadMark struct {
	ConversationID string `msgpack:"conversationId"`
	MessageID      string `msgpack:"messageId"`
	MarkedAt       int64  `msgpack:"markedAt"`
}

func (m *DBReadMark) Key() []byte {
	return []byte(m.ConversationID)
}

func (m *DBReadMark) MarshalBinary() (data []byte, err error) {
	type alias DBReadMark
	return msgpack.Marshal((*alias)(m))
}

func (m *DBReadMark) UnmarshalBinary(data []byte) error {
	type alias DBReadMark
	return msgpack.Unmarshal(data, (*alias)(m))
}
