package offgate

import (
	"net/http"
	"testing"
	"time"
)

func testEntry(body string) CacheEntry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	return CacheEntry{
		Status:   http.StatusOK,
		Header:   h,
		Body:     []byte(body),
		StoredAt: time.Now().Unix(),
	}
}

func TestTierPutGetDelete(t *testing.T) {
	store := newTestStore(t)
	tier, err := store.Tier("campus-static-v1.0.0")
	if err != nil {
		t.Fatalf("Tier: %v", err)
	}

	key := entryKey(http.MethodGet, "http://origin/styles.css")
	if _, ok := tier.Get(key); ok {
		t.Fatal("expected miss on empty tier")
	}

	if err := tier.Put(key, testEntry("body{margin:0}")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ent, ok := tier.Get(key)
	if !ok {
		t.Fatal("expected hit after put")
	}
	if string(ent.Body) != "body{margin:0}" {
		t.Fatalf("body mismatch: %q", ent.Body)
	}
	if ent.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("header not preserved: %v", ent.Header)
	}

	// Wholesale replacement.
	if err := tier.Put(key, testEntry("body{margin:8px}")); err != nil {
		t.Fatalf("Put replace: %v", err)
	}
	ent, _ = tier.Get(key)
	if string(ent.Body) != "body{margin:8px}" {
		t.Fatalf("expected replaced body, got %q", ent.Body)
	}

	if err := tier.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := tier.Get(key); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestTiersAreIsolated(t *testing.T) {
	store := newTestStore(t)
	staticTier, _ := store.Tier("app-static-v1")
	dataTier, _ := store.Tier("app-data-v1")

	key := entryKey(http.MethodGet, "http://origin/api/v1/ping")
	if err := dataTier.Put(key, testEntry("pong")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := staticTier.Get(key); ok {
		t.Fatal("entry leaked across tiers")
	}
}

func TestDropTierRemovesEntriesAndMarker(t *testing.T) {
	store := newTestStore(t)
	old, _ := store.Tier("app-static-v1")
	cur, _ := store.Tier("app-static-v2")

	_ = old.Put(entryKey(http.MethodGet, "http://origin/a"), testEntry("a"))
	_ = old.Put(entryKey(http.MethodGet, "http://origin/b"), testEntry("b"))
	_ = cur.Put(entryKey(http.MethodGet, "http://origin/a"), testEntry("a2"))

	if err := store.DropTier("app-static-v1"); err != nil {
		t.Fatalf("DropTier: %v", err)
	}

	names, err := store.TierNames()
	if err != nil {
		t.Fatalf("TierNames: %v", err)
	}
	if len(names) != 1 || names[0] != "app-static-v2" {
		t.Fatalf("expected only app-static-v2, got %v", names)
	}
	if n, _ := old.Len(); n != 0 {
		t.Fatalf("dropped tier still has %d entries", n)
	}
	if ent, ok := cur.Get(entryKey(http.MethodGet, "http://origin/a")); !ok || string(ent.Body) != "a2" {
		t.Fatal("surviving tier lost its entry")
	}
}

func TestTierPutBatchIsAtomicCommit(t *testing.T) {
	store := newTestStore(t)
	tier, _ := store.Tier("app-static-v1")

	entries := map[string]CacheEntry{
		entryKey(http.MethodGet, "http://origin/"):           testEntry("shell"),
		entryKey(http.MethodGet, "http://origin/styles.css"): testEntry("css"),
		entryKey(http.MethodGet, "http://origin/app.js"):     testEntry("js"),
	}
	if err := tier.PutBatch(entries); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	if n, _ := tier.Len(); n != 3 {
		t.Fatalf("expected 3 entries, got %d", n)
	}
}

func TestStoreLockRejectsSecondProcess(t *testing.T) {
	path := t.TempDir()
	s1, err := OpenStore(path)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = s1.Close() })

	if _, err := OpenStore(path); err == nil {
		t.Fatal("expected second open on the same dir to fail")
	}
}
