// Package account implements the per-account behavioral state store.
//
// Each account owns a fixed-capacity ring buffer of recent transactions
// plus running statistics maintained incrementally alongside it. State is
// mutated only through Locked.Commit while the account's serialization
// lock is held, so the buffer and its statistics can never be observed
// out of step.
package account

import (
	"time"
)

// HistoryEntry is one committed transaction in an account's window.
type HistoryEntry struct {
	Amount           int64
	Country          string
	City             string
	Latitude         *float64
	Longitude        *float64
	MerchantCategory string
	Timestamp        time.Time
}

// state is the mutable behavioral history for one account. Invariants:
// at most cap(entries) live entries, timestamps non-decreasing in buffer
// order, sum/sumSq/windowCats always describe exactly the live entries.
type state struct {
	// Chronologically ordered ring buffer: entries[head] is the oldest
	// live entry, count is the number of live entries.
	entries []HistoryEntry
	head    int
	count   int

	// Running statistics over the live entries.
	sum   float64
	sumSq float64

	// Merchant-category counts: windowCats over the live entries,
	// longCats over the account's whole lifetime.
	windowCats map[string]int
	longCats   map[string]int64
	longTotal  int64

	lastUpdate time.Time
}

func newState(historySize int) *state {
	return &state{
		entries:    make([]HistoryEntry, historySize),
		windowCats: make(map[string]int),
		longCats:   make(map[string]int64),
	}
}

// commit appends an entry, evicting the oldest when the window is full.
// Entries are kept in timestamp order: a commit that carries an earlier
// timestamp than the buffer tail is inserted at its chronological
// position, so concurrent submissions of out-of-order transactions still
// produce a history that reflects event time.
func (s *state) commit(e HistoryEntry) {
	if s.count == len(s.entries) {
		s.evictOldest()
	}

	// Fast path: newest-so-far goes at the tail.
	pos := s.count
	for pos > 0 && s.at(pos-1).Timestamp.After(e.Timestamp) {
		pos--
	}

	// Shift entries after pos one slot toward the tail.
	for i := s.count; i > pos; i-- {
		*s.slot(i) = *s.slot(i - 1)
	}
	*s.slot(pos) = e
	s.count++

	amt := float64(e.Amount)
	s.sum += amt
	s.sumSq += amt * amt
	s.windowCats[e.MerchantCategory]++
	s.longCats[e.MerchantCategory]++
	s.longTotal++
	s.lastUpdate = time.Now().UTC()
}

func (s *state) evictOldest() {
	old := s.entries[s.head]
	s.head = (s.head + 1) % len(s.entries)
	s.count--

	amt := float64(old.Amount)
	s.sum -= amt
	s.sumSq -= amt * amt
	if n := s.windowCats[old.MerchantCategory] - 1; n > 0 {
		s.windowCats[old.MerchantCategory] = n
	} else {
		delete(s.windowCats, old.MerchantCategory)
	}
}

// at returns the i-th live entry in chronological order.
func (s *state) at(i int) *HistoryEntry {
	return &s.entries[(s.head+i)%len(s.entries)]
}

// slot is at, but named for writes during insertion shifts.
func (s *state) slot(i int) *HistoryEntry {
	return &s.entries[(s.head+i)%len(s.entries)]
}

// Snapshot is an immutable, self-contained view of an account's state
// taken for one evaluation. Detectors only ever see snapshots.
type Snapshot struct {
	AccountID string

	// Entries in chronological order, oldest first.
	Entries []HistoryEntry

	// Mean and sample variance of the amounts currently in the window,
	// in minor currency units. Variance is 0 when fewer than 2 entries.
	Mean     float64
	Variance float64

	// WindowCategories counts merchant categories in the window;
	// LongRunCategories counts them over the account's lifetime.
	WindowCategories  map[string]int
	LongRunCategories map[string]int64
	LongRunTotal      int64

	// Last-known location and timestamp, from the newest entry.
	LastCountry   string
	LastCity      string
	LastLatitude  *float64
	LastLongitude *float64
	LastTimestamp time.Time
}

// snapshot copies the state into an independent view.
func (s *state) snapshot(accountID string) *Snapshot {
	snap := &Snapshot{
		AccountID:         accountID,
		Entries:           make([]HistoryEntry, s.count),
		WindowCategories:  make(map[string]int, len(s.windowCats)),
		LongRunCategories: make(map[string]int64, len(s.longCats)),
		LongRunTotal:      s.longTotal,
	}
	for i := 0; i < s.count; i++ {
		snap.Entries[i] = *s.at(i)
	}
	for k, v := range s.windowCats {
		snap.WindowCategories[k] = v
	}
	for k, v := range s.longCats {
		snap.LongRunCategories[k] = v
	}

	if n := float64(s.count); s.count > 0 {
		snap.Mean = s.sum / n
		if s.count > 1 {
			variance := (s.sumSq - s.sum*s.sum/n) / (n - 1)
			if variance > 0 {
				snap.Variance = variance
			}
		}

		last := s.at(s.count - 1)
		snap.LastCountry = last.Country
		snap.LastCity = last.City
		snap.LastLatitude = last.Latitude
		snap.LastLongitude = last.Longitude
		snap.LastTimestamp = last.Timestamp
	}

	return snap
}

// CountSince returns how many snapshot entries fall inside the window
// (since, until]. Used by the velocity detector.
func (sn *Snapshot) CountSince(since, until time.Time) int {
	n := 0
	for i := len(sn.Entries) - 1; i >= 0; i-- {
		ts := sn.Entries[i].Timestamp
		if ts.After(until) {
			continue
		}
		if !ts.After(since) {
			break
		}
		n++
	}
	return n
}
