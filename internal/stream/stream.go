package stream

import (
	"context"
	"sync"
	"time"

	"creditscribe.org/internal/ledger"
)

// Event describes a committed balance change for one account. Concurrent
// changes may arrive out of order; Seq is the entry's position in the
// account history and orders them.
type Event struct {
	AccountID   string           `json:"-"`
	EntryID     string           `json:"entry_id"`
	Seq         int64            `json:"seq"`
	Kind        ledger.EntryKind `json:"type"`
	Amount      int64            `json:"amount"`
	Balance     int64            `json:"credits"`
	Feature     string           `json:"feature,omitempty"`
	Description string           `json:"description,omitempty"`
	Timestamp   time.Time        `json:"date"`
}

// FromChange converts a ledger change notification.
func FromChange(c ledger.Change) Event {
	return Event{
		AccountID:   c.AccountID,
		EntryID:     c.Entry.ID,
		Seq:         c.Entry.Seq,
		Kind:        c.Entry.Kind,
		Amount:      c.Entry.Amount,
		Balance:     c.Balance,
		Feature:     c.Entry.Feature,
		Description: c.Entry.Description,
		Timestamp:   c.Entry.CreatedAt,
	}
}

type subscriber struct {
	accountID string
	ch        chan Event
}

// Stream fans ledger events out to subscribers of the affected account.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers interest in accountID. The channel is closed when
// ctx ends.
func (s *Stream) Subscribe(ctx context.Context, accountID string) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{accountID: accountID, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish delivers evt to the account's subscribers without blocking.
func (s *Stream) Publish(evt Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.accountID != evt.AccountID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking the ledger.
		}
	}
}

// Observe adapts the stream to ledger.WithObserver.
func (s *Stream) Observe(c ledger.Change) {
	s.Publish(FromChange(c))
}

// Subscribers returns the number of open subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
