package session

import (
	"time"

	"amora/internal/content"
	"amora/internal/gate"
	"amora/internal/models"
	"amora/internal/outbox"
	"amora/internal/pagination"
	"amora/internal/receipts"
)

// Row is one rendered message of the conversation view.
type Row struct {
	ID          string
	SenderID    string
	Own         bool
	Text        string
	HTML        string
	Attachments []models.Attachment
	CreatedAt   time.Time
	Status      receipts.Status
}

// View is an immutable snapshot of the conversation screen.
type View struct {
	ConversationID string
	PeerID         string
	Phase          Phase
	OpenError      error

	Rows             []Row
	HasMore          bool
	ReachedBeginning bool
	LoadingOlder     bool

	PeerTyping bool
	PeerOnline bool

	Gate        gate.Gate
	GateBanner  bool
	Unlocking   bool
	UnlockError error

	Draft     models.Draft
	Sending   bool
	SendError error

	UnreadTotal int
}

func (s *Session) View() View {
	s.mu.Lock()
	v := View{
		ConversationID: s.conversationID,
		PeerID:         s.peerID,
		Phase:          s.phase,
		OpenError:      s.openErr,
	}
	for _, n := range s.unread {
		v.UnreadTotal += n
	}
	adapter, tracker := s.adapter, s.presence
	s.mu.Unlock()

	// Nothing is rendered until the initial history load succeeded.
	if v.Phase == PhaseReady {
		messages := s.store.Messages()
		statuses := s.receipts.Annotate(messages, s.userID, v.PeerID)
		v.Rows = make([]Row, len(messages))
		for i, m := range messages {
			v.Rows[i] = Row{
				ID:          m.ID,
				SenderID:    m.SenderID,
				Own:         m.SenderID == s.userID,
				Text:        m.Content,
				HTML:        content.Render(m.Content),
				Attachments: m.Attachments,
				CreatedAt:   m.CreatedAt,
				Status:      statuses[i],
			}
		}
	}

	v.HasMore = s.pager.HasMore()
	v.ReachedBeginning = s.pager.ReachedBeginning()
	v.LoadingOlder = s.pager.State() == pagination.StateFetching

	if adapter != nil {
		v.PeerTyping = adapter.PeerTyping()
	}
	if tracker != nil {
		v.PeerOnline = tracker.Online(v.PeerID)
	}

	v.Gate = s.gate.State()
	v.GateBanner = s.gate.BannerVisible()
	v.Unlocking = s.gate.Unlocking()
	v.UnlockError = s.gate.LastError()

	v.Draft = s.outbox.Draft().Get()
	v.Sending = s.outbox.State() == outbox.SendSending
	v.SendError = s.outbox.LastError()

	return v
}
