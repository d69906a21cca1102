// Package intercept answers in-scope requests from the current cache namespace,
// refreshing from the network once an entry leaves the freshness window and
// degrading to the stale copy (or a synthetic 408) when the network fails.
package intercept

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shopialo/vendor-cache/internal/cache"
	"github.com/shopialo/vendor-cache/internal/logging"
)

// Fetcher issues the network request. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// NamespaceOpener opens the namespace for the current cache version.
type NamespaceOpener interface {
	Open(ctx context.Context) (cache.Namespace, error)
}

// Outcome names the terminal state a single intercepted request reached.
type Outcome string

const (
	OutcomeBypassed      Outcome = "bypassed"
	OutcomeFreshHit      Outcome = "fresh_hit"
	OutcomeStaleRefresh  Outcome = "stale_refresh"
	OutcomeStaleFallback Outcome = "stale_fallback"
	OutcomeMissFetch     Outcome = "miss_fetch"
	OutcomeMissError     Outcome = "miss_error"
)

// Options wires the interceptor's collaborators.
type Options struct {
	Opener    NamespaceOpener
	Fetcher   Fetcher
	Freshness cache.Freshness
	Logger    *logrus.Logger
}

// Interceptor is safe for concurrent use; handlers for different requests
// share the namespace without further coordination.
type Interceptor struct {
	opener    NamespaceOpener
	fetcher   Fetcher
	freshness cache.Freshness
	logger    *logrus.Logger
}

// New validates opts and builds an Interceptor.
func New(opts Options) (*Interceptor, error) {
	if opts.Opener == nil {
		return nil, errors.New("namespace opener is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	freshness := opts.Freshness
	if freshness.Window() <= 0 {
		freshness = cache.NewFreshness(cache.DefaultFreshnessWindow)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Interceptor{
		opener:    opts.Opener,
		fetcher:   opts.Fetcher,
		freshness: freshness,
		logger:    logger,
	}, nil
}

// Handle produces the response for an in-scope request. It only returns an
// error for a nil request; network and storage failures are absorbed into
// the returned response.
func (i *Interceptor) Handle(ctx context.Context, req *http.Request) (*http.Response, Outcome, error) {
	if req == nil || req.URL == nil {
		return nil, OutcomeBypassed, errors.New("request is required")
	}

	key := cache.KeyFor(req)
	cacheable := key.Method == http.MethodGet

	ns, err := i.opener.Open(ctx)
	if err != nil {
		i.warn(req, "cache_open_failed", err)
		ns = nil
	}

	var cached *cache.Snapshot
	if ns != nil && cacheable {
		snap, err := ns.Match(ctx, key)
		switch {
		case err == nil:
			cached = snap
		case errors.Is(err, cache.ErrNotFound):
			// miss
		default:
			i.warn(req, "cache_match_failed", err)
		}
	}

	if cached != nil && i.freshness.IsFresh(cached) {
		return cached.Response(req), OutcomeFreshHit, nil
	}

	resp, err := i.fetch(ctx, req, cacheable)
	if err != nil {
		return i.fallback(req, cached, err)
	}

	toStore, toCaller, err := duplicateResponse(resp)
	if err != nil {
		return i.fallback(req, cached, err)
	}

	if ns != nil && cacheable && storable(toStore) {
		i.store(ctx, ns, key, req, toStore)
	} else {
		toStore.Body.Close()
	}

	if cached != nil {
		return toCaller, OutcomeStaleRefresh, nil
	}
	return toCaller, OutcomeMissFetch, nil
}

// conditionalHeaders would let the network answer with a 304 or a partial body,
// neither of which can stand in for the full resource in a shared namespace.
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Range",
	"Range",
}

func (i *Interceptor) fetch(ctx context.Context, req *http.Request, cacheable bool) (*http.Response, error) {
	outbound := req.Clone(ctx)
	outbound.RequestURI = ""
	if cacheable {
		for _, name := range conditionalHeaders {
			outbound.Header.Del(name)
		}
	}
	return i.fetcher.Do(outbound)
}

// fallback serves the stale snapshot regardless of age, or a synthetic 408
// when nothing is cached.
func (i *Interceptor) fallback(req *http.Request, cached *cache.Snapshot, cause error) (*http.Response, Outcome, error) {
	if cached != nil {
		i.logger.WithFields(i.fields(req, OutcomeStaleFallback)).
			WithField("age", i.freshness.Age(cached).Round(time.Second).String()).
			WithError(cause).
			Warn("network_failed_serving_stale")
		return cached.Response(req), OutcomeStaleFallback, nil
	}
	i.logger.WithFields(i.fields(req, OutcomeMissError)).WithError(cause).Warn("network_failed_no_cache")
	return NetworkErrorResponse(req), OutcomeMissError, nil
}

func (i *Interceptor) store(ctx context.Context, ns cache.Namespace, key cache.Key, req *http.Request, resp *http.Response) {
	snap, err := cache.SnapshotFromResponse(resp, i.freshness.Now())
	if err != nil {
		i.warn(req, "cache_snapshot_failed", err)
		return
	}
	if err := ns.Put(ctx, key, snap); err != nil {
		i.warn(req, "cache_put_failed", err)
	}
}

func (i *Interceptor) warn(req *http.Request, msg string, err error) {
	i.logger.WithFields(logging.RequestFields(req.URL.Hostname(), req.Method, "")).
		WithField("url", req.URL.String()).
		WithError(err).
		Warn(msg)
}

func (i *Interceptor) fields(req *http.Request, outcome Outcome) logrus.Fields {
	fields := logging.RequestFields(req.URL.Hostname(), req.Method, string(outcome))
	fields["url"] = req.URL.String()
	return fields
}

// storable rejects 206 and 304: neither carries the full resource.
func storable(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusNotModified:
		return false
	}
	return true
}
