package account

import (
	"container/list"
	"context"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Store is the keyed account-state store. Each account has its own
// serialization lock, so evaluations for different accounts proceed in
// parallel while same-account evaluations are strictly serialized.
//
// The resident set is bounded: when more than maxAccounts distinct
// accounts are live, the least-recently-used unpinned account is
// evicted. An evicted account is rebuilt lazily from scratch on its
// next transaction.
type Store struct {
	mu          sync.Mutex
	historySize int
	maxAccounts int
	items       map[string]*list.Element
	order       *list.List // front = most recently used
	evictions   uint64
}

type storeEntry struct {
	id    string
	state *state

	// lock is a channel-based mutex so acquisition can honor context
	// cancellation. pins guards the entry against LRU eviction while an
	// evaluation holds or awaits it.
	lock chan struct{}
	pins int
}

// NewStore creates a store with the given per-account window capacity
// and resident-account bound.
func NewStore(cfg domain.AccountConfig) *Store {
	return &Store{
		historySize: cfg.HistorySize,
		maxAccounts: cfg.MaxAccounts,
		items:       make(map[string]*list.Element),
		order:       list.New(),
	}
}

// Locked is an acquired account. Exactly one Locked exists per account
// at a time; Release must be called when the evaluation is done.
type Locked struct {
	store *Store
	entry *storeEntry
}

// Acquire locks an account for one evaluation, creating its state lazily
// on first use. It blocks until the per-account lock is available or ctx
// is cancelled.
func (s *Store) Acquire(ctx context.Context, accountID string) (*Locked, error) {
	s.mu.Lock()
	elem, ok := s.items[accountID]
	if !ok {
		e := &storeEntry{
			id:    accountID,
			state: newState(s.historySize),
			lock:  make(chan struct{}, 1),
		}
		e.lock <- struct{}{} // start unlocked
		elem = s.order.PushFront(e)
		s.items[accountID] = elem
	} else {
		s.order.MoveToFront(elem)
	}
	e := elem.Value.(*storeEntry)
	e.pins++ // pin before evicting so a fresh entry cannot evict itself
	if !ok {
		s.evictOverCapacity()
	}
	s.mu.Unlock()

	select {
	case <-e.lock:
		return &Locked{store: s, entry: e}, nil
	case <-ctx.Done():
		s.unpin(e)
		return nil, ctx.Err()
	}
}

// Snapshot returns a consistent read-only view for detectors.
func (l *Locked) Snapshot() *Snapshot {
	return l.entry.state.snapshot(l.entry.id)
}

// Commit appends the transaction to the account's history and updates
// the running statistics in one step. The caller still holds the lock,
// so the mutation is all-or-nothing with respect to other evaluations.
func (l *Locked) Commit(tx *domain.Transaction) {
	l.entry.state.commit(HistoryEntry{
		Amount:           tx.Amount,
		Country:          tx.Country,
		City:             tx.City,
		Latitude:         tx.Latitude,
		Longitude:        tx.Longitude,
		MerchantCategory: tx.MerchantCategory,
		Timestamp:        tx.Timestamp,
	})
}

// Release unlocks the account.
func (l *Locked) Release() {
	l.entry.lock <- struct{}{}
	l.store.unpin(l.entry)
}

func (s *Store) unpin(e *storeEntry) {
	s.mu.Lock()
	e.pins--
	s.mu.Unlock()
}

// evictOverCapacity drops least-recently-used unpinned accounts until
// the resident set fits. Caller holds s.mu.
func (s *Store) evictOverCapacity() {
	for s.order.Len() > s.maxAccounts {
		elem := s.order.Back()
		evicted := false
		for elem != nil {
			e := elem.Value.(*storeEntry)
			prev := elem.Prev()
			if e.pins == 0 {
				s.order.Remove(elem)
				delete(s.items, e.id)
				s.evictions++
				evicted = true
				break
			}
			elem = prev
		}
		if !evicted {
			// Every resident account is mid-evaluation; over-capacity is
			// tolerated until one of them releases.
			return
		}
	}
}

// Evict force-removes an account's state. It fails when an evaluation
// for the account is in flight. Exposed to the external capacity
// manager through the API.
func (s *Store) Evict(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[accountID]
	if !ok {
		return false
	}
	if elem.Value.(*storeEntry).pins > 0 {
		return false
	}
	s.order.Remove(elem)
	delete(s.items, accountID)
	s.evictions++
	return true
}

// Contains reports whether the account currently has resident state.
func (s *Store) Contains(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[accountID]
	return ok
}

// Stats describes the store's memory usage for the capacity manager.
type Stats struct {
	Accounts    int    `json:"accounts"`
	MaxAccounts int    `json:"maxAccounts"`
	HistorySize int    `json:"historySize"`
	Evictions   uint64 `json:"evictions"`
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Accounts:    s.order.Len(),
		MaxAccounts: s.maxAccounts,
		HistorySize: s.historySize,
		Evictions:   s.evictions,
	}
}
