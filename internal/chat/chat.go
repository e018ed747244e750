package chat

import (
	"sort"
	"sync"

	"amora/internal/metrics"
	"amora/internal/models"
)

// Store is the ordered message log of one open conversation.
//
// Entries are sorted by CreatedAt ascending, ties keep insertion order.
// Reconciling an optimistic entry reuses its position.
type Store struct {
	ConversationID string

	records []models.Message
	ids     map[string]struct{}

	// OnChange is called after every mutation, outside of the lock.
	OnChange func()

	mux sync.RWMutex
}

type Config struct {
	ConversationID string
	OnChange       func()
}

func New(config Config) *Store {
	return &Store{
		ConversationID: config.ConversationID,
		ids:            make(map[string]struct{}),
		OnChange:       config.OnChange,
	}
}

// Append inserts message at its createdAt position.
// It is a no-op if a message with the same id is already present.
func (s *Store) Append(message models.Message) bool {
	s.mux.Lock()
	if _, ok := s.ids[message.ID]; ok {
		s.mux.Unlock()
		metrics.MessagesDeduplicated.Inc()
		return false
	}

	// Upper bound keeps insertion order for equal timestamps.
	i := sort.Search(len(s.records), func(i int) bool {
		return s.records[i].CreatedAt.After(message.CreatedAt)
	})
	s.insertAt(i, message)
	s.mux.Unlock()

	metrics.MessagesAppended.Inc()
	s.changed()
	return true
}

// Prepend inserts a page of older messages in front of the current entries.
// Returns the number of inserted messages.
func (s *Store) Prepend(older []models.Message) int {
	page := make([]models.Message, len(older))
	copy(page, older)
	sort.SliceStable(page, func(i, j int) bool {
		return page[i].CreatedAt.Before(page[j].CreatedAt)
	})

	s.mux.Lock()
	inserted := 0
	floor := 0
	for _, message := range page {
		if _, ok := s.ids[message.ID]; ok {
			metrics.MessagesDeduplicated.Inc()
			continue
		}
		// Lower bound places the entry before existing ones with the same
		// timestamp; floor keeps the relative order of the page itself.
		i := floor + sort.Search(len(s.records)-floor, func(i int) bool {
			return !s.records[floor+i].CreatedAt.Before(message.CreatedAt)
		})
		s.insertAt(i, message)
		floor = i + 1
		inserted++
	}
	s.mux.Unlock()

	if inserted > 0 {
		metrics.MessagesAppended.Add(float64(inserted))
		s.changed()
	}
	return inserted
}

// ReconcileOptimistic replaces the entry with tempID by confirmed, keeping its position.
// It returns false if the temporary entry is gone.
// When confirmed already arrived through another path the temporary entry is dropped.
func (s *Store) ReconcileOptimistic(tempID string, confirmed models.Message) bool {
	s.mux.Lock()
	i := s.indexOf(tempID)
	if i < 0 {
		s.mux.Unlock()
		return false
	}

	delete(s.ids, tempID)
	if _, dup := s.ids[confirmed.ID]; dup {
		s.records = append(s.records[:i], s.records[i+1:]...)
		s.mux.Unlock()
		metrics.MessagesDeduplicated.Inc()
		s.changed()
		return true
	}

	if confirmed.DeliveryState == "" || confirmed.DeliveryState == models.DeliveryPending {
		confirmed.DeliveryState = models.DeliveryConfirmed
	}
	s.records[i] = confirmed
	s.ids[confirmed.ID] = struct{}{}
	s.mux.Unlock()

	s.changed()
	return true
}

// Remove deletes the entry with the given id.
func (s *Store) Remove(id string) bool {
	s.mux.Lock()
	i := s.indexOf(id)
	if i < 0 {
		s.mux.Unlock()
		return false
	}
	s.records = append(s.records[:i], s.records[i+1:]...)
	delete(s.ids, id)
	s.mux.Unlock()

	s.changed()
	return true
}

// Reset drops every entry.
func (s *Store) Reset() {
	s.mux.Lock()
	s.records = nil
	s.ids = make(map[string]struct{})
	s.mux.Unlock()

	s.changed()
}

// Messages returns a copy of the ordered log.
func (s *Store) Messages() []models.Message {
	s.mux.RLock()
	defer s.mux.RUnlock()

	result := make([]models.Message, len(s.records))
	copy(result, s.records)
	return result
}

func (s *Store) Len() int {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return len(s.records)
}

func (s *Store) Contains(id string) bool {
	s.mux.RLock()
	defer s.mux.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// IndexOf returns the position of id in the ordered log or -1.
func (s *Store) IndexOf(id string) int {
	s.mux.RLock()
	defer s.mux.RUnlock()
	return s.indexOf(id)
}

// Last returns the newest entry.
func (s *Store) Last() (models.Message, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	if len(s.records) == 0 {
		return models.Message{}, false
	}
	return s.records[len(s.records)-1], true
}

func (s *Store) Get(id string) (models.Message, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	i := s.indexOf(id)
	if i < 0 {
		return models.Message{}, models.ErrNotFound
	}
	return s.records[i], nil
}

func (s *Store) insertAt(i int, message models.Message) {
	s.records = append(s.records, models.Message{})
	copy(s.records[i+1:], s.records[i:])
	s.records[i] = message
	s.ids[message.ID] = struct{}{}
}

func (s *Store) indexOf(id string) int {
	if _, ok := s.ids[id]; !ok {
		return -1
	}
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) changed() {
	if s.OnChange != nil {
		s.OnChange()
	}
}
