package receipts

import (
	"sync"

	"amora/internal/models"
)

// OrderedLog is the conversation store as seen by the tracker.
// IndexOf must return positions of a log sorted by createdAt ascending;
// receipt comparison relies on that ordering.
type OrderedLog interface {
	IndexOf(id string) int
}

type Status string

const (
	StatusNone    Status = ""
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusRead    Status = "read"
)

// Tracker keeps the newest read receipt per peer.
// Receipts never move backwards within a session.
type Tracker struct {
	log      OrderedLog
	receipts map[string]models.ReadReceipt

	mu sync.RWMutex
}

func New(log OrderedLog) *Tracker {
	return &Tracker{
		log:      log,
		receipts: make(map[string]models.ReadReceipt),
	}
}

// Seed merges a REST snapshot. An entry only replaces a receipt it
// advances, so a live event that beat the snapshot is kept.
func (t *Tracker) Seed(snapshot map[string]models.ReadReceipt) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for peerID, r := range snapshot {
		if current, ok := t.receipts[peerID]; ok && !t.advances(current, r) {
			continue
		}
		t.receipts[peerID] = r
	}
}

// Update applies a receipt for peerID and reports whether it advanced.
func (t *Tracker) Update(peerID string, receipt models.ReadReceipt) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.receipts[peerID]
	if ok && !t.advances(current, receipt) {
		return false
	}
	t.receipts[peerID] = receipt
	return true
}

func (t *Tracker) advances(current, next models.ReadReceipt) bool {
	if current.MessageID == next.MessageID {
		return next.ReadAt.After(current.ReadAt)
	}
	ci, ni := t.log.IndexOf(current.MessageID), t.log.IndexOf(next.MessageID)
	if ci >= 0 && ni >= 0 {
		return ni > ci
	}
	// One side is not loaded; fall back to when it was read.
	return !next.ReadAt.Before(current.ReadAt)
}

func (t *Tracker) Receipt(peerID string) (models.ReadReceipt, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.receipts[peerID]
	return r, ok
}

// Status derives the delivery annotation of message for the current user.
// Only the user's own messages are annotated.
func (t *Tracker) Status(message models.Message, userID, peerID string) Status {
	if message.SenderID != userID {
		return StatusNone
	}
	if message.DeliveryState == models.DeliveryPending {
		return StatusSending
	}

	t.mu.RLock()
	receipt, ok := t.receipts[peerID]
	t.mu.RUnlock()
	if !ok {
		return StatusSent
	}
	if receipt.MessageID == message.ID {
		return StatusRead
	}

	ri, mi := t.log.IndexOf(receipt.MessageID), t.log.IndexOf(message.ID)
	if ri >= 0 && mi >= 0 && ri >= mi {
		return StatusRead
	}
	return StatusSent
}

// Annotate derives Status for every message of an ordered snapshot in one
// pass. messages must be in log order.
func (t *Tracker) Annotate(messages []models.Message, userID, peerID string) []Status {
	t.mu.RLock()
	receipt, hasReceipt := t.receipts[peerID]
	t.mu.RUnlock()

	readUpTo := -1
	if hasReceipt {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].ID == receipt.MessageID {
				readUpTo = i
				break
			}
		}
	}

	out := make([]Status, len(messages))
	for i, m := range messages {
		switch {
		case m.SenderID != userID:
			out[i] = StatusNone
		case m.DeliveryState == models.DeliveryPending:
			out[i] = StatusSending
		case i <= readUpTo:
			out[i] = StatusRead
		default:
			out[i] = StatusSent
		}
	}
	return out
}
