package account

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testTx(accountID string, amount int64, ts time.Time) *domain.Transaction {
	return &domain.Transaction{
		ID:               "tx-" + accountID,
		AccountID:        accountID,
		Amount:           amount,
		Currency:         "EUR",
		MerchantCategory: "grocery",
		Country:          "IE",
		City:             "Dublin",
		Timestamp:        ts,
		Channel:          domain.ChannelCardPresent,
	}
}

func commitOne(t *testing.T, store *Store, tx *domain.Transaction) {
	t.Helper()
	locked, err := store.Acquire(context.Background(), tx.AccountID)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	locked.Commit(tx)
	locked.Release()
}

func TestStoreCommitAndSnapshot(t *testing.T) {
	store := NewStore(domain.AccountConfig{HistorySize: 10, MaxAccounts: 100})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	amounts := []int64{100, 200, 300}
	for i, amt := range amounts {
		tx := testTx("acct-1", amt, base.Add(time.Duration(i)*time.Minute))
		commitOne(t, store, tx)
	}

	locked, err := store.Acquire(ctx, "acct-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	snap := locked.Snapshot()
	locked.Release()

	if len(snap.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap.Entries))
	}
	if snap.Mean != 200 {
		t.Errorf("expected mean 200, got %v", snap.Mean)
	}
	// Sample variance of 100, 200, 300 is 10000.
	if snap.Variance != 10000 {
		t.Errorf("expected variance 10000, got %v", snap.Variance)
	}
	if snap.WindowCategories["grocery"] != 3 {
		t.Errorf("expected 3 grocery entries, got %d", snap.WindowCategories["grocery"])
	}
	if snap.LongRunTotal != 3 {
		t.Errorf("expected long-run total 3, got %d", snap.LongRunTotal)
	}
	if !snap.LastTimestamp.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("expected newest timestamp last, got %v", snap.LastTimestamp)
	}
}

func TestStoreRingEviction(t *testing.T) {
	store := NewStore(domain.AccountConfig{HistorySize: 3, MaxAccounts: 100})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		tx := testTx("acct-ring", int64(100*(i+1)), base.Add(time.Duration(i)*time.Minute))
		commitOne(t, store, tx)
	}

	locked, _ := store.Acquire(ctx, "acct-ring")
	snap := locked.Snapshot()
	locked.Release()

	if len(snap.Entries) != 3 {
		t.Fatalf("expected window capped at 3, got %d", len(snap.Entries))
	}
	// The oldest two (100, 200) were evicted.
	if snap.Entries[0].Amount != 300 {
		t.Errorf("expected oldest surviving amount 300, got %d", snap.Entries[0].Amount)
	}
	if snap.Mean != 400 {
		t.Errorf("expected mean of 300,400,500 = 400, got %v", snap.Mean)
	}
	// Long-run counters keep counting past eviction.
	if snap.LongRunTotal != 5 {
		t.Errorf("expected long-run total 5, got %d", snap.LongRunTotal)
	}
	if snap.WindowCategories["grocery"] != 3 {
		t.Errorf("expected window count 3 after eviction, got %d", snap.WindowCategories["grocery"])
	}
}

func TestStoreTimestampOrdering(t *testing.T) {
	store := NewStore(domain.AccountConfig{HistorySize: 10, MaxAccounts: 100})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Commit out of event order: the later transaction lands first.
	commitOne(t, store, testTx("acct-ord", 200, base.Add(5*time.Second)))
	commitOne(t, store, testTx("acct-ord", 100, base))

	locked, _ := store.Acquire(ctx, "acct-ord")
	snap := locked.Snapshot()
	locked.Release()

	if len(snap.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap.Entries))
	}
	if !snap.Entries[0].Timestamp.Equal(base) {
		t.Errorf("expected earlier timestamp first, got %v", snap.Entries[0].Timestamp)
	}
	if snap.Entries[1].Amount != 200 {
		t.Errorf("expected later transaction last, got amount %d", snap.Entries[1].Amount)
	}
}

func TestStoreConcurrentCommitOrdering(t *testing.T) {
	store := NewStore(domain.AccountConfig{HistorySize: 50, MaxAccounts: 100})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Submit two transactions for the same account concurrently. Whatever
	// order the goroutines win the lock in, the committed history must be
	// in event-time order.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := testTx("acct-conc", int64(100*(i+1)), base.Add(time.Duration(i)*5*time.Second))
			locked, err := store.Acquire(ctx, "acct-conc")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			locked.Commit(tx)
			locked.Release()
		}(i)
	}
	wg.Wait()

	locked, _ := store.Acquire(ctx, "acct-conc")
	snap := locked.Snapshot()
	locked.Release()

	if len(snap.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap.Entries))
	}
	if snap.Entries[0].Amount != 100 || snap.Entries[1].Amount != 200 {
		t.Errorf("expected amounts in event-time order [100 200], got [%d %d]",
			snap.Entries[0].Amount, snap.Entries[1].Amount)
	}
}

func TestStoreSerializesSameAccount(t *testing.T) {
	store := NewStore(domain.AccountConfig{HistorySize: 100, MaxAccounts: 100})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			locked, err := store.Acquire(ctx, "acct-serial")
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			snap := locked.Snapshot()
			// Statistics must always describe exactly the visible entries.
			var sum int64
			for _, e := range snap.Entries {
				sum += e.Amount
			}
			if len(snap.Entries) > 0 {
				mean := float64(sum) / float64(len(snap.Entries))
				if diff := mean - snap.Mean; diff > 1e-9 || diff < -1e-9 {
					t.Errorf("snapshot mean %v inconsistent with entries mean %v", snap.Mean, mean)
				}
			}
			locked.Commit(testTx("acct-serial", 100, base.Add(time.Duration(i)*time.Second)))
			locked.Release()
		}(i)
	}
	wg.Wait()

	locked, _ := store.Acquire(ctx, "acct-serial")
	snap := locked.Snapshot()
	locked.Release()
	if len(snap.Entries) != n {
		t.Errorf("expected %d committed entries, got %d", n, len(snap.Entries))
	}
}

func TestStoreAcquireHonorsContext(t *testing.T) {
	store := NewStore(domain.AccountConfig{HistorySize: 10, MaxAccounts: 100})
	ctx := context.Background()

	locked, err := store.Acquire(ctx, "acct-held")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	_, err = store.Acquire(cancelCtx, "acct-held")
	if err == nil {
		t.Fatal("expected context error while lock is held")
	}

	locked.Release()

	// The lock must be reacquirable after the canceled waiter gave up.
	locked2, err := store.Acquire(ctx, "acct-held")
	if err != nil {
		t.Fatalf("Acquire after cancellation failed: %v", err)
	}
	locked2.Release()
}

func TestStoreLRUBound(t *testing.T) {
	store := NewStore(domain.AccountConfig{HistorySize: 5, MaxAccounts: 3})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("acct-%d", i)
		commitOne(t, store, testTx(id, 100, base))
	}

	stats := store.Stats()
	if stats.Accounts != 3 {
		t.Errorf("expected 3 resident accounts, got %d", stats.Accounts)
	}
	if stats.Evictions != 2 {
		t.Errorf("expected 2 evictions, got %d", stats.Evictions)
	}

	// Oldest accounts were evicted, newest are resident.
	if store.Contains("acct-0") || store.Contains("acct-1") {
		t.Error("expected least-recently-used accounts to be evicted")
	}
	if !store.Contains("acct-4") {
		t.Error("expected most-recent account to be resident")
	}
}

func TestStoreEvictedAccountRestartsEmpty(t *testing.T) {
	store := NewStore(domain.AccountConfig{HistorySize: 5, MaxAccounts: 1})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	commitOne(t, store, testTx("acct-a", 100, base))
	commitOne(t, store, testTx("acct-b", 100, base)) // evicts acct-a

	locked, _ := store.Acquire(ctx, "acct-a")
	snap := locked.Snapshot()
	locked.Release()

	if len(snap.Entries) != 0 {
		t.Errorf("expected evicted account to restart with empty history, got %d entries", len(snap.Entries))
	}
	if snap.LongRunTotal != 0 {
		t.Errorf("expected long-run counters reset after eviction, got %d", snap.LongRunTotal)
	}
}

func TestStoreForceEvict(t *testing.T) {
	store := NewStore(domain.AccountConfig{HistorySize: 5, MaxAccounts: 10})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	commitOne(t, store, testTx("acct-ev", 100, base))

	t.Run("BusyAccountRefused", func(t *testing.T) {
		locked, _ := store.Acquire(ctx, "acct-ev")
		if store.Evict("acct-ev") {
			t.Error("expected Evict to fail while evaluation in flight")
		}
		locked.Release()
	})

	t.Run("IdleAccountEvicted", func(t *testing.T) {
		if !store.Evict("acct-ev") {
			t.Error("expected Evict to succeed on idle account")
		}
		if store.Contains("acct-ev") {
			t.Error("expected account gone after Evict")
		}
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		if store.Evict("acct-unknown") {
			t.Error("expected Evict to fail for unknown account")
		}
	})
}

func TestStorePinnedAccountSurvivesLRU(t *testing.T) {
	store := NewStore(domain.AccountConfig{HistorySize: 5, MaxAccounts: 1})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Hold acct-pinned while other accounts push the store over capacity.
	locked, err := store.Acquire(ctx, "acct-pinned")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	commitOne(t, store, testTx("acct-other", 100, base))

	if !store.Contains("acct-pinned") {
		t.Error("expected pinned account to survive LRU pressure")
	}

	locked.Release()
}

func TestSnapshotCountSince(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := &Snapshot{
		Entries: []HistoryEntry{
			{Timestamp: base.Add(-10 * time.Minute)},
			{Timestamp: base.Add(-90 * time.Second)},
			{Timestamp: base.Add(-30 * time.Second)},
			{Timestamp: base.Add(time.Minute)}, // after the window end
		},
	}

	got := snap.CountSince(base.Add(-2*time.Minute), base)
	if got != 2 {
		t.Errorf("expected 2 entries in window, got %d", got)
	}

	if n := snap.CountSince(base.Add(-time.Hour), base); n != 3 {
		t.Errorf("expected 3 entries in wide window, got %d", n)
	}

	if n := snap.CountSince(base, base.Add(2*time.Minute)); n != 1 {
		t.Errorf("expected 1 entry in future window, got %d", n)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	store := NewStore(domain.AccountConfig{HistorySize: 10, MaxAccounts: 10})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	commitOne(t, store, testTx("acct-snap", 100, base))

	locked, _ := store.Acquire(ctx, "acct-snap")
	snap := locked.Snapshot()
	locked.Release()

	// Later commits must not show up in an already-taken snapshot.
	commitOne(t, store, testTx("acct-snap", 900, base.Add(time.Minute)))

	if len(snap.Entries) != 1 {
		t.Errorf("expected snapshot to stay at 1 entry, got %d", len(snap.Entries))
	}
	if snap.Mean != 100 {
		t.Errorf("expected snapshot mean unchanged at 100, got %v", snap.Mean)
	}
}
