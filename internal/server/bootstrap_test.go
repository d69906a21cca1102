package server

import (
	"context"
	"net/http"
	"testing"

	"github.com/shopialo/vendor-cache/internal/cache"
	"github.com/shopialo/vendor-cache/internal/config"
	"github.com/shopialo/vendor-cache/internal/logging"
)

func TestBootstrapSweepsStaleNamespacesOnDisk(t *testing.T) {
	cfg := config.Default()
	cfg.Global.StoragePath = t.TempDir()

	runtime, err := Bootstrap(cfg, logging.NewDiscardLogger())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	ctx := context.Background()
	old, err := runtime.Storage.Open(ctx, "shopialo-v0")
	if err != nil {
		t.Fatalf("open old namespace: %v", err)
	}
	seedNamespace(t, old)

	if err := runtime.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	names, err := runtime.Storage.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	for _, name := range names {
		if name != cfg.Worker.CacheVersion {
			t.Fatalf("stale namespace %s survived start", name)
		}
	}
}

func TestBootstrapMemoryDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Global.StorageDriver = config.StorageDriverMemory

	runtime, err := Bootstrap(cfg, logging.NewDiscardLogger())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if runtime.Worker.Version() != config.DefaultCacheVersion {
		t.Fatalf("unexpected version %s", runtime.Worker.Version())
	}
	if err := runtime.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func seedNamespace(t *testing.T, ns cache.Namespace) {
	t.Helper()
	key := cache.Key{Method: http.MethodGet, URL: "https://cdn.shopify.com/old.js"}
	if err := ns.Put(context.Background(), key, &cache.Snapshot{Status: http.StatusOK, Body: []byte("old")}); err != nil {
		t.Fatalf("seed: %v", err)
	}
}
