package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"snipe/internal/catalog"
	"snipe/internal/journal"
	"snipe/internal/manifest"
	"snipe/internal/snapshot"
)

func writeJournal(t *testing.T, dir string, lines ...journal.Entry) string {
	t.Helper()
	w, err := journal.NewFileWriter(dir, "catalog.jsonl")
	if err != nil {
		t.Fatalf("new file writer: %v", err)
	}
	for _, e := range lines {
		if err := w.Append(e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	return filepath.Join(dir, "catalog.jsonl")
}

func TestRestoreAndReplay_MinimalFlow(t *testing.T) {
	base := t.TempDir()

	// Snapshot with one purchased item.
	src := catalog.NewMemoryStore()
	_, _ = src.ReconcileCollection("azuki", "0xabc")
	_, _ = src.UpsertItem("azuki", "a1", 1200.5, "u1")
	_, _ = src.ClaimUnpurchased("azuki", 2000)
	_ = src.CommitPurchase("azuki", "a1")
	snapDir := filepath.Join(base, "snapshots")
	if err := snapshot.NewFilesystemSnapshotter(snapDir).WriteSnapshot("sid-test", src); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	mf := manifest.NewFilesystemManifest(snapDir)
	if err := mf.PublishLatest("sid-test", 1); err != nil {
		t.Fatalf("publish manifest: %v", err)
	}

	// Journal: line 1 is covered by the snapshot offset, lines 2-3 are new.
	jpath := writeJournal(t, filepath.Join(base, "journal"),
		journal.Entry{Op: journal.OpUpsert, Collection: "azuki", Name: "a1", Price: 1200.5, Locator: "u1", State: catalog.StateUnpurchased, Seq: 1, TS: 1},
		journal.Entry{Op: journal.OpUpsert, Collection: "azuki", Name: "a2", Price: 300, Locator: "u2", State: catalog.StateUnpurchased, Seq: 1, TS: 2},
		journal.Entry{Op: journal.OpClaim, Collection: "azuki", Name: "a2", Price: 300, Locator: "u2", State: catalog.StateClaimed, Seq: 2, TS: 3},
	)

	st := catalog.NewMemoryStore()
	r := NewRestorer(st, mf, snapDir, jpath)
	res, err := r.RestoreAndReplay()
	if err != nil {
		t.Fatalf("restore and replay: %v", err)
	}
	if res.Applied != 2 || res.Skipped != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	a1, ok := st.GetItem("azuki", "a1")
	if !ok || a1.State != catalog.StatePurchased {
		t.Fatalf("a1 should restore purchased: %+v ok=%v", a1, ok)
	}
	// Claims do not survive restore.
	a2, ok := st.GetItem("azuki", "a2")
	if !ok || a2.State != catalog.StateUnpurchased {
		t.Fatalf("a2 should restore unpurchased: %+v ok=%v", a2, ok)
	}
	if _, ok := st.GetCollection("azuki"); !ok {
		t.Fatalf("collection missing after restore")
	}
}

func TestReplayJournal_IdempotencyBySeq(t *testing.T) {
	base := t.TempDir()
	jpath := writeJournal(t, base,
		journal.Entry{Op: journal.OpUpsert, Collection: "azuki", Name: "a1", Price: 100, State: catalog.StateUnpurchased, Seq: 1, TS: 1},
		// Duplicate seq is skipped.
		journal.Entry{Op: journal.OpUpsert, Collection: "azuki", Name: "a1", Price: 999, State: catalog.StateUnpurchased, Seq: 1, TS: 2},
		// Later commit applies.
		journal.Entry{Op: journal.OpCommit, Collection: "azuki", Name: "a1", Price: 100, State: catalog.StatePurchased, Seq: 3, TS: 3},
		// Stale release after the commit is skipped.
		journal.Entry{Op: journal.OpRelease, Collection: "azuki", Name: "a1", Price: 100, State: catalog.StateUnpurchased, Seq: 2, TS: 4},
	)

	st := catalog.NewMemoryStore()
	r := NewRestorer(st, nil, base, jpath)
	res := r.ReplayJournal(jpath, 0)
	if res.Error != nil {
		t.Fatalf("replay: %v", res.Error)
	}
	if res.Applied != 2 || res.Skipped != 2 {
		t.Fatalf("want applied=2 skipped=2, got %+v", res)
	}
	it, ok := st.GetItem("azuki", "a1")
	if !ok || it.State != catalog.StatePurchased || it.Price != 100 {
		t.Fatalf("bad final state: %+v ok=%v", it, ok)
	}
}

func TestReplayJournal_EmptyAndMalformed(t *testing.T) {
	base := t.TempDir()
	empty := filepath.Join(base, "empty.jsonl")
	if err := os.WriteFile(empty, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	st := catalog.NewMemoryStore()
	r := NewRestorer(st, nil, base, empty)
	res := r.ReplayJournal(empty, 0)
	if res.Error != nil || res.Applied != 0 || res.Skipped != 0 {
		t.Fatalf("empty file unexpected: %+v", res)
	}

	bad := filepath.Join(base, "bad.jsonl")
	content := `{"op":"upsert","collection":"azuki","name":"a1","price":1,"state":"unpurchased","seq":1,"ts":1}` + "\n" + `{bad json}` + "\n"
	if err := os.WriteFile(bad, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	res = r.ReplayJournal(bad, 0)
	if res.Error == nil {
		t.Fatalf("expected error for malformed JSONL")
	}
	if res.Applied != 1 {
		t.Fatalf("good line before the bad one should apply: %+v", res)
	}
}
