package presence

import (
	"time"

	"github.com/c-pro/geche"

	"amora/internal/models"
)

// Tracker holds the online flag of the peers a view cares about.
// Updates for other users are ignored.
type Tracker struct {
	peers map[string]struct{}
	state geche.Geche[string, models.Presence]
	now   func() time.Time
}

func New(peerIDs ...string) *Tracker {
	peers := make(map[string]struct{}, len(peerIDs))
	for _, id := range peerIDs {
		peers[id] = struct{}{}
	}
	return &Tracker{
		peers: peers,
		state: geche.NewMapCache[string, models.Presence](),
		now:   time.Now,
	}
}

func (t *Tracker) watches(userID string) bool {
	_, ok := t.peers[userID]
	return ok
}

// Seed applies a batch online-status snapshot.
func (t *Tracker) Seed(snapshot map[string]bool) {
	now := t.now()
	for userID, online := range snapshot {
		if !t.watches(userID) {
			continue
		}
		t.state.Set(userID, models.Presence{Online: online, ChangedAt: now})
	}
}

// Set applies a streamed transition and reports whether userID is tracked.
func (t *Tracker) Set(userID string, online bool) bool {
	if !t.watches(userID) {
		return false
	}
	t.state.Set(userID, models.Presence{Online: online, ChangedAt: t.now()})
	return true
}

func (t *Tracker) Online(userID string) bool {
	p, err := t.state.Get(userID)
	if err != nil {
		return false
	}
	return p.Online
}

func (t *Tracker) Get(userID string) (models.Presence, bool) {
	p, err := t.state.Get(userID)
	if err != nil {
		return models.Presence{}, false
	}
	return p, true
}

// Reset forgets every known state, keeping the watched peers.
func (t *Tracker) Reset() {
	for id := range t.peers {
		_ = t.state.Del(id)
	}
}
