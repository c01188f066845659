package catalog

import (
	"sync"
	"testing"
)

func TestMemoryStore_ReconcileCollectionIdempotent(t *testing.T) {
	s := NewMemoryStore()
	c1, err := s.ReconcileCollection("azuki", "0xabc")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if c1.Name != "azuki" || c1.Address != "0xabc" {
		t.Fatalf("bad collection: %+v", c1)
	}
	c2, err := s.ReconcileCollection("azuki", "0xother")
	if err != nil {
		t.Fatalf("reconcile again: %v", err)
	}
	if c2 != c1 {
		t.Fatalf("repeated reconcile changed record: %+v vs %+v", c2, c1)
	}
}

func TestMemoryStore_ReconcileCollectionDefaultsAddressToName(t *testing.T) {
	s := NewMemoryStore()
	c, err := s.ReconcileCollection("doodles", "")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if c.Address != "doodles" {
		t.Fatalf("want address=name, got %q", c.Address)
	}
}

func TestMemoryStore_ConcurrentReconcileSingleRecord(t *testing.T) {
	s := NewMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ReconcileCollection("azuki", "0xabc"); err != nil {
				t.Errorf("reconcile: %v", err)
			}
		}()
	}
	wg.Wait()

	count := 0
	if err := s.RangeCollections(func(Collection) error { count++; return nil }); err != nil {
		t.Fatalf("range: %v", err)
	}
	if count != 1 {
		t.Fatalf("want exactly 1 collection, got %d", count)
	}
}

func TestMemoryStore_UpsertItemKeepsPurchasedState(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.UpsertItem("azuki", "a1", 100, "u1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.ClaimUnpurchased("azuki", 200); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CommitPurchase("azuki", "a1"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Refresh price and locator on a later sighting.
	it, err := s.UpsertItem("azuki", "a1", 120, "u1-new")
	if err != nil {
		t.Fatalf("upsert after purchase: %v", err)
	}
	if it.State != StatePurchased {
		t.Fatalf("upsert reset purchase state: %+v", it)
	}
	if it.Price != 120 || it.Locator != "u1-new" {
		t.Fatalf("price/locator not refreshed: %+v", it)
	}

	// Still a single record for the key.
	count := 0
	if err := s.RangeItems("azuki", func(Item) error { count++; return nil }); err != nil {
		t.Fatalf("range: %v", err)
	}
	if count != 1 {
		t.Fatalf("want 1 item, got %d", count)
	}
}

func TestMemoryStore_ClaimFiltersByStateAndPrice(t *testing.T) {
	s := NewMemoryStore()
	_, _ = s.UpsertItem("azuki", "cheap", 100, "u1")
	_, _ = s.UpsertItem("azuki", "pricey", 900, "u2")
	_, _ = s.UpsertItem("other", "cheap", 50, "u3")

	claimed, err := s.ClaimUnpurchased("azuki", 500)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Name != "cheap" {
		t.Fatalf("unexpected claim set: %+v", claimed)
	}
	if claimed[0].State != StateClaimed || claimed[0].ClaimedAt == 0 {
		t.Fatalf("claimed item not marked: %+v", claimed[0])
	}

	// A second claim at the same ceiling finds nothing.
	again, err := s.ClaimUnpurchased("azuki", 500)
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second claim should be empty, got %+v", again)
	}
}

func TestMemoryStore_ConcurrentClaimsDisjoint(t *testing.T) {
	s := NewMemoryStore()
	const items = 40
	for i := 0; i < items; i++ {
		name := string(rune('a'+i%26)) + string(rune('0'+i/26))
		if _, err := s.UpsertItem("azuki", name, float64(10+i), "u"); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	const workers = 8
	var wg sync.WaitGroup
	sets := make([][]Item, workers)
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.ClaimUnpurchased("azuki", 1000)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			sets[w] = got
		}()
	}
	wg.Wait()

	seen := make(map[string]int)
	total := 0
	for _, set := range sets {
		for _, it := range set {
			seen[it.Key()]++
			total++
		}
	}
	if total != items {
		t.Fatalf("union size=%d want=%d", total, items)
	}
	for key, n := range seen {
		if n != 1 {
			t.Fatalf("item %s claimed by %d workers", key, n)
		}
	}
}

func TestMemoryStore_CommitIdempotentAndMonotonic(t *testing.T) {
	s := NewMemoryStore()
	_, _ = s.UpsertItem("azuki", "a1", 100, "u1")
	if _, err := s.ClaimUnpurchased("azuki", 200); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CommitPurchase("azuki", "a1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.CommitPurchase("azuki", "a1"); err != nil {
		t.Fatalf("second commit should be a no-op: %v", err)
	}
	// Release after purchase must not unset purchased.
	if err := s.ReleaseClaim("azuki", "a1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	it, ok := s.GetItem("azuki", "a1")
	if !ok || it.State != StatePurchased {
		t.Fatalf("purchased state not monotonic: %+v", it)
	}
}

func TestMemoryStore_CommitUnclaimedFails(t *testing.T) {
	s := NewMemoryStore()
	_, _ = s.UpsertItem("azuki", "a1", 100, "u1")
	if err := s.CommitPurchase("azuki", "a1"); err == nil {
		t.Fatalf("expected error committing unclaimed item")
	}
	if err := s.CommitPurchase("azuki", "missing"); err == nil {
		t.Fatalf("expected error committing missing item")
	}
}

func TestMemoryStore_ReleaseMakesEligibleAgain(t *testing.T) {
	s := NewMemoryStore()
	_, _ = s.UpsertItem("azuki", "a1", 100, "u1")
	claimed, _ := s.ClaimUnpurchased("azuki", 200)
	if len(claimed) != 1 {
		t.Fatalf("want 1 claim, got %d", len(claimed))
	}
	if err := s.ReleaseClaim("azuki", "a1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	claimed, _ = s.ClaimUnpurchased("azuki", 200)
	if len(claimed) != 1 {
		t.Fatalf("released item not claimable again: %+v", claimed)
	}
}

func TestMemoryStore_ReleaseExpiredClaims(t *testing.T) {
	now := int64(1700000000)
	restore := NowUnix
	NowUnix = func() int64 { return now }
	t.Cleanup(func() { NowUnix = restore })

	s := NewMemoryStore()
	_, _ = s.UpsertItem("azuki", "stale", 100, "u1")
	if _, err := s.ClaimUnpurchased("azuki", 200); err != nil {
		t.Fatalf("claim: %v", err)
	}
	now += 600
	_, _ = s.UpsertItem("azuki", "fresh", 100, "u2")
	if _, err := s.ClaimUnpurchased("azuki", 200); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	released, err := s.ReleaseExpiredClaims(now - 300)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if released != 1 {
		t.Fatalf("want 1 released, got %d", released)
	}
	stale, _ := s.GetItem("azuki", "stale")
	fresh, _ := s.GetItem("azuki", "fresh")
	if stale.State != StateUnpurchased || fresh.State != StateClaimed {
		t.Fatalf("bad sweep result: stale=%+v fresh=%+v", stale, fresh)
	}
}

func TestMemoryStore_PutItemSeqGuard(t *testing.T) {
	s := NewMemoryStore()
	applied, err := s.PutItem(Item{Collection: "azuki", Name: "a1", Price: 100, Seq: 3, State: StateClaimed})
	if err != nil || !applied {
		t.Fatalf("put: applied=%v err=%v", applied, err)
	}
	it, _ := s.GetItem("azuki", "a1")
	if it.State != StateUnpurchased || it.ClaimedAt != 0 {
		t.Fatalf("claimed input must restore as unpurchased: %+v", it)
	}

	// Lower or equal seq is skipped.
	applied, err = s.PutItem(Item{Collection: "azuki", Name: "a1", Price: 999, Seq: 3})
	if err != nil || applied {
		t.Fatalf("stale put should skip: applied=%v err=%v", applied, err)
	}

	// Purchase, then a later non-purchased entry must not clear it.
	if _, err := s.ClaimUnpurchased("azuki", 200); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CommitPurchase("azuki", "a1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	cur, _ := s.GetItem("azuki", "a1")
	applied, err = s.PutItem(Item{Collection: "azuki", Name: "a1", Price: 50, Seq: cur.Seq + 1, State: StateUnpurchased})
	if err != nil || !applied {
		t.Fatalf("put after purchase: applied=%v err=%v", applied, err)
	}
	it, _ = s.GetItem("azuki", "a1")
	if it.State != StatePurchased {
		t.Fatalf("replay cleared purchased state: %+v", it)
	}
}
