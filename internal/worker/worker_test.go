package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopialo/vendor-cache/internal/cache"
	"github.com/shopialo/vendor-cache/internal/intercept"
	"github.com/shopialo/vendor-cache/internal/lifecycle"
	"github.com/shopialo/vendor-cache/internal/logging"
	"github.com/shopialo/vendor-cache/internal/scope"
)

func TestFetchDeclinedBeforeActivation(t *testing.T) {
	w, store, fetcher := newTestWorker(t)

	_, outcome, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, "https://cdn.shopify.com/a.js", nil))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if outcome != intercept.OutcomeBypassed {
		t.Fatalf("worker must not intercept before it controls requests")
	}
	if store.opens.Load() != 0 || fetcher.calls.Load() != 0 {
		t.Fatalf("declined request touched storage or network")
	}
}

func TestOutOfScopeRequestsNeverTouchStorage(t *testing.T) {
	w, store, fetcher := newTestWorker(t)
	activate(t, w)

	for _, raw := range []string{
		"https://example.com/app.js",
		"https://api.shopialo.com/v1/items",
		"https://shopify.example.org/x.js",
	} {
		_, outcome, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, raw, nil))
		if err != nil {
			t.Fatalf("fetch %s: %v", raw, err)
		}
		if outcome != intercept.OutcomeBypassed {
			t.Fatalf("%s should be bypassed", raw)
		}
	}
	if opens := store.opens.Load(); opens != 0 {
		t.Fatalf("bypassed requests opened storage %d times", opens)
	}
	if fetcher.calls.Load() != 0 {
		t.Fatalf("bypassed requests must be left to the caller")
	}
}

func TestMalformedURLIsBypassed(t *testing.T) {
	w, store, _ := newTestWorker(t)
	activate(t, w)

	req := httptest.NewRequest(http.MethodGet, "https://cdn.shopify.com/a.js", nil)
	req.URL = &url.URL{Path: "/relative/only"}

	_, outcome, err := w.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if outcome != intercept.OutcomeBypassed || store.opens.Load() != 0 {
		t.Fatalf("malformed URL must bypass without storage access")
	}
}

func TestInScopeRequestIsCachedThenServedFresh(t *testing.T) {
	w, store, fetcher := newTestWorker(t)
	activate(t, w)

	const asset = "https://fonts.shopifycdn.com/roboto/roboto_n4.woff2"
	first, outcome, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, asset, nil))
	if err != nil || outcome != intercept.OutcomeMissFetch {
		t.Fatalf("first fetch: outcome=%s err=%v", outcome, err)
	}
	drain(t, first)

	second, outcome, err := w.Fetch(context.Background(), httptest.NewRequest(http.MethodGet, asset, nil))
	if err != nil || outcome != intercept.OutcomeFreshHit {
		t.Fatalf("second fetch: outcome=%s err=%v", outcome, err)
	}
	if body := drain(t, second); body != "payload" {
		t.Fatalf("unexpected cached body %q", body)
	}
	if calls := fetcher.calls.Load(); calls != 1 {
		t.Fatalf("second request should be a fresh hit, network calls=%d", calls)
	}
	if store.opens.Load() != 2 {
		t.Fatalf("each in-scope request opens the namespace, got %d", store.opens.Load())
	}
}

func TestActivateSweepsOldVersions(t *testing.T) {
	w, store, _ := newTestWorker(t)
	ctx := context.Background()
	old, _ := store.Open(ctx, "shopialo-v0")
	if err := old.Put(ctx, cache.Key{Method: http.MethodGet, URL: "https://cdn.shopify.com/a.js"}, &cache.Snapshot{Status: 200}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	activate(t, w)

	names, _ := store.Keys(ctx)
	for _, name := range names {
		if name != w.Version() {
			t.Fatalf("namespace %s survived activation", name)
		}
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error for empty options")
	}
}

func newTestWorker(t *testing.T) (*Worker, *countingStore, *stubFetcher) {
	t.Helper()
	logger := logging.NewDiscardLogger()
	store := &countingStore{Storage: cache.NewMemoryStore()}

	manager, err := lifecycle.NewManager(store, "shopialo-v1", logger)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	classifier, err := scope.NewClassifier(scope.DefaultAllowList, 16)
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	fetcher := &stubFetcher{}
	interceptor, err := intercept.New(intercept.Options{
		Opener:    manager,
		Fetcher:   fetcher,
		Freshness: cache.NewFreshness(cache.DefaultFreshnessWindow),
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("new interceptor: %v", err)
	}
	w, err := New(Options{
		Classifier:  classifier,
		Lifecycle:   manager,
		Interceptor: interceptor,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w, store, fetcher
}

func activate(t *testing.T, w *Worker) {
	t.Helper()
	ctx := context.Background()
	if err := w.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := w.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func drain(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

// countingStore 统计 Open 次数，用来断言旁路请求从未触碰存储。
type countingStore struct {
	cache.Storage
	opens atomic.Int32
}

func (s *countingStore) Open(ctx context.Context, name string) (cache.Namespace, error) {
	s.opens.Add(1)
	return s.Storage.Open(ctx, name)
}

type stubFetcher struct {
	calls atomic.Int32
	err   error
}

func (f *stubFetcher) Do(req *http.Request) (*http.Response, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if req.URL.Hostname() == "" {
		return nil, errors.New("missing host")
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"font/woff2"}},
		Body:       io.NopCloser(strings.NewReader("payload")),
		Request:    req,
	}, nil
}
