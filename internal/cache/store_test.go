package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestStorePutAndMatch(t *testing.T) {
	store := newTestStore(t)
	ns := openNamespace(t, store, "shopialo-v1")
	key := Key{Method: http.MethodGet, URL: "https://cdn.shopify.com/assets/app.js"}

	captured := time.Now().Add(-time.Hour).UTC()
	snap := &Snapshot{
		Status:     http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/javascript"}},
		Body:       []byte("console.log(1)"),
		CapturedAt: captured,
	}
	if err := ns.Put(context.Background(), key, snap); err != nil {
		t.Fatalf("put error: %v", err)
	}

	got, err := ns.Match(context.Background(), key)
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(got.Body) != "console.log(1)" {
		t.Fatalf("cached payload mismatch: %s", string(got.Body))
	}
	if got.Status != http.StatusOK {
		t.Fatalf("status mismatch: %d", got.Status)
	}
	if got.Header.Get("Content-Type") != "application/javascript" {
		t.Fatalf("header mismatch: %v", got.Header)
	}
	if !got.CapturedAt.Equal(captured) {
		t.Fatalf("captured_at mismatch: expected %v got %v", captured, got.CapturedAt)
	}
	if got.Header.Get(HeaderCapturedAt) == "" {
		t.Fatalf("expected %s header to be stamped", HeaderCapturedAt)
	}
}

func TestStoreMatchMissing(t *testing.T) {
	store := newTestStore(t)
	ns := openNamespace(t, store, "shopialo-v1")
	_, err := ns.Match(context.Background(), Key{Method: http.MethodGet, URL: "https://cdn.shopify.com/missing.js"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreNamespacesAreIsolated(t *testing.T) {
	store := newTestStore(t)
	key := Key{Method: http.MethodGet, URL: "https://scripts.clarity.ms/0.7.0/clarity.js"}

	v1 := openNamespace(t, store, "shopialo-v1")
	if err := v1.Put(context.Background(), key, &Snapshot{Status: 200, Body: []byte("v1")}); err != nil {
		t.Fatalf("put error: %v", err)
	}

	v2 := openNamespace(t, store, "shopialo-v2")
	if _, err := v2.Match(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("entry leaked across namespaces: %v", err)
	}
}

func TestStoreOpenDoesNotCreateNamespace(t *testing.T) {
	store := newTestStore(t)
	openNamespace(t, store, "shopialo-v1")

	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("namespace should only appear after first write, got %v", keys)
	}
}

func TestStoreKeysAndDelete(t *testing.T) {
	store := newTestStore(t)
	key := Key{Method: http.MethodGet, URL: "https://cdn.hextom.com/widget.js"}
	for _, name := range []string{"shopialo-v2", "shopialo-v0", "shopialo-v1"} {
		ns := openNamespace(t, store, name)
		if err := ns.Put(context.Background(), key, &Snapshot{Status: 200, Body: []byte(name)}); err != nil {
			t.Fatalf("put %s error: %v", name, err)
		}
	}

	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(keys) != 3 || keys[0] != "shopialo-v0" || keys[2] != "shopialo-v2" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	existed, err := store.Delete(context.Background(), "shopialo-v0")
	if err != nil || !existed {
		t.Fatalf("delete existing namespace: existed=%v err=%v", existed, err)
	}
	existed, err = store.Delete(context.Background(), "shopialo-v0")
	if err != nil || existed {
		t.Fatalf("second delete should report absent: existed=%v err=%v", existed, err)
	}

	keys, _ = store.Keys(context.Background())
	if len(keys) != 2 {
		t.Fatalf("expected 2 namespaces after delete, got %v", keys)
	}
}

func TestStoreRejectsInvalidNamespace(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"", "../escape", ".hidden", `a\b`} {
		if _, err := store.Open(context.Background(), name); !errors.Is(err, ErrInvalidNamespace) {
			t.Fatalf("expected ErrInvalidNamespace for %q, got %v", name, err)
		}
	}
}

func TestStoreIgnoresDirectories(t *testing.T) {
	store := newTestStore(t)
	key := Key{Method: http.MethodGet, URL: "https://cdn.shopify.com/dir"}

	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("unexpected store type %T", store)
	}
	ns := &fileNamespace{store: fs, name: "shopialo-v1"}
	if err := os.MkdirAll(ns.entryPath(key), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}

	if _, err := ns.Match(context.Background(), key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for directory, got %v", err)
	}
}

func TestStorePutSetsModTime(t *testing.T) {
	store := newTestStore(t)
	ns := openNamespace(t, store, "shopialo-v1")
	key := Key{Method: http.MethodGet, URL: "https://edge.personalizer.io/storefront/2.0.0/js/main.min.js"}
	captured := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := ns.Put(context.Background(), key, &Snapshot{Status: 200, CapturedAt: captured}); err != nil {
		t.Fatalf("put error: %v", err)
	}
	info, err := os.Stat(ns.(*fileNamespace).entryPath(key))
	if err != nil {
		t.Fatalf("stat error: %v", err)
	}
	if !info.ModTime().Equal(captured) {
		t.Fatalf("modtime mismatch: expected %v got %v", captured, info.ModTime())
	}
}

func TestStoreConcurrentPutsSameKey(t *testing.T) {
	store := newTestStore(t)
	ns := openNamespace(t, store, "shopialo-v1")
	key := Key{Method: http.MethodGet, URL: "https://script.crazyegg.com/pages/scripts/0000.js"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ns.Put(context.Background(), key, &Snapshot{Status: 200, Body: []byte("payload")}); err != nil {
				t.Errorf("put error: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := ns.Match(context.Background(), key)
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(got.Body) != "payload" {
		t.Fatalf("unexpected body: %s", got.Body)
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(ns.(*fileNamespace).entryPath(key)), ".cache-*"))
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
}

func TestKeyForDropsFragment(t *testing.T) {
	u, err := url.Parse("https://cdn.shopify.com/a.js?v=1#frag")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	key := KeyFor(&http.Request{Method: http.MethodGet, URL: u})
	if key.URL != "https://cdn.shopify.com/a.js?v=1" {
		t.Fatalf("unexpected key url: %s", key.URL)
	}
	if key.Method != http.MethodGet {
		t.Fatalf("unexpected key method: %s", key.Method)
	}
}

func TestSnapshotResponseIsReplayable(t *testing.T) {
	snap := &Snapshot{Status: http.StatusOK, Header: http.Header{"X-Test": {"1"}}, Body: []byte("body")}
	for i := 0; i < 2; i++ {
		resp := snap.Response(nil)
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read error: %v", err)
		}
		if string(body) != "body" || resp.StatusCode != http.StatusOK || resp.Header.Get("X-Test") != "1" {
			t.Fatalf("unexpected replay %d: status=%d body=%s", i, resp.StatusCode, body)
		}
	}
}

// newTestStore returns a Storage backed by a temporary directory.
func newTestStore(t *testing.T) Storage {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func openNamespace(t *testing.T, store Storage, name string) Namespace {
	t.Helper()
	ns, err := store.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open namespace %s: %v", name, err)
	}
	return ns
}
