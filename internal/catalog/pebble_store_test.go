package catalog

import "testing"

func TestPebbleStore_ClaimCommitRelease(t *testing.T) {
	st, err := NewPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if _, err := st.ReconcileCollection("azuki", ""); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	c, ok := st.GetCollection("azuki")
	if !ok || c.Address != "azuki" {
		t.Fatalf("bad collection: %+v ok=%v", c, ok)
	}

	if _, err := st.UpsertItem("azuki", "a1", 100, "u1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Upsert is idempotent on the key and bumps seq.
	it, err := st.UpsertItem("azuki", "a1", 110, "u1b")
	if err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	if it.Seq != 2 || it.Price != 110 || it.Locator != "u1b" {
		t.Fatalf("bad upsert result: %+v", it)
	}

	claimed, err := st.ClaimUnpurchased("azuki", 500)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].State != StateClaimed {
		t.Fatalf("unexpected claim set: %+v", claimed)
	}
	if err := st.ReleaseClaim("azuki", "a1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := st.ClaimUnpurchased("azuki", 500); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if err := st.CommitPurchase("azuki", "a1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, _ := st.GetItem("azuki", "a1")
	if got.State != StatePurchased {
		t.Fatalf("bad final state: %+v", got)
	}
}

func TestPebbleStore_PutAndRange(t *testing.T) {
	st, err := NewPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("pebble open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	_ = st.PutCollection(Collection{Name: "azuki", Address: "0xabc", CreatedAt: 1})
	if _, err := st.PutItem(Item{Collection: "azuki", Name: "a1", Price: 100, Seq: 1, State: StateUnpurchased}); err != nil {
		t.Fatalf("put a1: %v", err)
	}
	if _, err := st.PutItem(Item{Collection: "azuki", Name: "a2", Price: 200, Seq: 1, State: StatePurchased}); err != nil {
		t.Fatalf("put a2: %v", err)
	}

	count := 0
	if err := st.RangeItems("azuki", func(Item) error { count++; return nil }); err != nil {
		t.Fatalf("range: %v", err)
	}
	if count != 2 {
		t.Fatalf("want 2 items, got %d", count)
	}

	// Stale seq is skipped.
	applied, err := st.PutItem(Item{Collection: "azuki", Name: "a1", Price: 999, Seq: 1})
	if err != nil || applied {
		t.Fatalf("stale put: applied=%v err=%v", applied, err)
	}
	got, _ := st.GetItem("azuki", "a1")
	if got.Price != 100 {
		t.Fatalf("stale put mutated item: %+v", got)
	}
}
