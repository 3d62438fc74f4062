package recipebox

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type WorkerState int32

const (
	StateUninstalled WorkerState = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	// StateRedundant is entered when install fails. It is terminal.
	StateRedundant
)

var stateNames = [...]string{"uninstalled", "installing", "installed", "activating", "active", "redundant"}

func (s WorkerState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("WorkerState(%d)", int32(s))
}

type fetchOutcome string

const (
	outcomeHit      fetchOutcome = "hit"
	outcomeStore    fetchOutcome = "store"
	outcomeBypass   fetchOutcome = "bypass"
	outcomeFallback fetchOutcome = "fallback"
)

const placeholderBody = "Network error occurred and no cache available."

type WorkerOptions struct {
	Origin         string
	CacheName      string
	Sources        []string
	VaryHeaders    []string
	MaxObjectBytes int64

	Storage CacheStorage
	Network http.RoundTripper
	Clients *Clients
	Metrics *Metrics
}

// Worker intercepts requests for the pages it controls. It serves cached
// responses first, then the network, then a 408 placeholder.
type Worker struct {
	origin         *url.URL
	cacheName      string
	sources        []string
	vary           []string
	maxObjectBytes int64

	storage CacheStorage
	network http.RoundTripper
	clients *Clients
	metrics *Metrics
	stats   *statsCollector
	putLog  *rateLimitedLogger

	mu    sync.Mutex
	state WorkerState
	scope string
	cache ResponseCache
}

func NewWorker(opts WorkerOptions) (*Worker, error) {
	origin, err := parseOrigin(opts.Origin)
	if err != nil {
		return nil, fmt.Errorf("worker origin: %w", err)
	}
	if opts.Storage == nil {
		return nil, fmt.Errorf("worker needs a cache storage")
	}
	w := &Worker{
		origin:         origin,
		cacheName:      opts.CacheName,
		sources:        append([]string(nil), opts.Sources...),
		vary:           append([]string(nil), opts.VaryHeaders...),
		maxObjectBytes: opts.MaxObjectBytes,
		storage:        opts.Storage,
		network:        opts.Network,
		clients:        opts.Clients,
		metrics:        opts.Metrics,
		stats:          newStatsCollector(),
		putLog:         newRateLimitedLogger(1 * time.Minute),
		scope:          origin.String() + "/",
	}
	if w.cacheName == "" {
		w.cacheName = DefaultCacheName
	}
	if w.network == nil {
		w.network = http.DefaultTransport
	}
	if w.clients == nil {
		w.clients = NewClients()
	}
	return w, nil
}

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) Scope() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scope
}

func (w *Worker) setScope(scope string) {
	w.mu.Lock()
	w.scope = scope
	w.mu.Unlock()
}

func (w *Worker) transition(from, to WorkerState) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, w.state, from)
	}
	w.state = to
	return nil
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Install opens the cache and stores every source. Either all sources are
// stored or none are; on failure the worker becomes redundant.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateUninstalled, StateInstalling); err != nil {
		return err
	}

	cache, err := w.openCache(ctx)
	if err == nil {
		err = w.addAll(ctx, cache, w.sources)
	}
	if err != nil {
		w.setState(StateRedundant)
		w.metrics.installed("error")
		return &InstallError{Cache: w.cacheName, Err: err}
	}

	w.setState(StateInstalled)
	w.metrics.installed("ok")
	log.Printf("worker installed: cache %q pre-populated with %d sources", w.cacheName, len(w.sources))
	return nil
}

// Activate takes control of every open client in scope.
func (w *Worker) Activate() error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	n := w.clients.Claim(w)
	w.setState(StateActive)
	log.Printf("worker active for %s, claimed %d clients", w.Scope(), n)
	return nil
}

// Resume activates a worker whose install and activation were completed by
// an earlier process. The cache is used as it is; nothing is fetched.
func (w *Worker) Resume() error {
	if err := w.transition(StateUninstalled, StateActivating); err != nil {
		return err
	}
	n := w.clients.Claim(w)
	w.setState(StateActive)
	log.Printf("worker resumed for %s, claimed %d clients", w.Scope(), n)
	return nil
}

func (w *Worker) openCache(ctx context.Context) (ResponseCache, error) {
	w.mu.Lock()
	c := w.cache
	w.mu.Unlock()
	if c != nil {
		return c, nil
	}

	c, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return nil, fmt.Errorf("open cache %q: %w", w.cacheName, err)
	}
	w.mu.Lock()
	if w.cache == nil {
		w.cache = c
	}
	c = w.cache
	w.mu.Unlock()
	return c, nil
}

// addAll fetches urls concurrently and stores them only when every response
// was a 2xx.
func (w *Worker) addAll(ctx context.Context, cache ResponseCache, urls []string) error {
	keys := make([]string, len(urls))
	entries := make([]CacheEntry, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u, nil)
			if err != nil {
				return err
			}
			resp, err := w.network.RoundTrip(req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", u, err)
			}
			ent, err := readEntry(req, resp)
			if err != nil {
				return fmt.Errorf("read %s: %w", u, err)
			}
			if ent.Status < 200 || ent.Status >= 300 {
				return fmt.Errorf("fetch %s: unexpected status %d", u, ent.Status)
			}
			keys[i] = RequestKey(req, w.vary)
			entries[i] = ent
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return putAll(ctx, cache, keys, entries)
}

// putAll stores every entry or none. Caches without a batch write get the
// keys already written deleted again when a later put fails.
func putAll(ctx context.Context, cache ResponseCache, keys []string, entries []CacheEntry) error {
	if b, ok := cache.(batchPutter); ok {
		return b.PutAll(ctx, keys, entries)
	}
	for i := range entries {
		if err := cache.Put(ctx, keys[i], entries[i]); err != nil {
			if d, ok := cache.(entryDeleter); ok {
				for _, k := range keys[:i] {
					if derr := d.Delete(ctx, k); derr != nil {
						log.Printf("roll back %s: %v", k, derr)
					}
				}
			}
			return fmt.Errorf("store %s: %w", entries[i].URL, err)
		}
	}
	return nil
}

// HandleFetch answers one intercepted request. It never fails: transport
// errors become a 408 text/plain response. A redundant worker no longer
// intercepts; its requests go to the network and a transport error becomes
// a 502.
func (w *Worker) HandleFetch(req *http.Request) *http.Response {
	if w.State() == StateRedundant {
		resp, err := w.passThrough(req)
		if err != nil {
			return badGatewayResponse(req)
		}
		return resp
	}
	resp, outcome := w.handle(req)
	w.observe(outcome, resp)
	return resp
}

// RoundTrip lets a controlled page's http.Client go through the worker. Only
// an active worker intercepts.
func (w *Worker) RoundTrip(req *http.Request) (*http.Response, error) {
	if w.State() != StateActive {
		return w.passThrough(req)
	}
	return w.HandleFetch(req), nil
}

func (w *Worker) passThrough(req *http.Request) (*http.Response, error) {
	resp, err := w.network.RoundTrip(req)
	w.observe(outcomeBypass, resp)
	return resp, err
}

func (w *Worker) handle(req *http.Request) (*http.Response, fetchOutcome) {
	ctx := req.Context()
	key := RequestKey(req, w.vary)

	cache, err := w.openCache(ctx)
	if err != nil {
		log.Printf("%v", err)
	}
	if cache != nil {
		ent, ok, err := cache.Match(ctx, key)
		if err != nil {
			log.Printf("cache match %s: %v", key, err)
		} else if ok {
			return ent.response(req), outcomeHit
		}
	}

	resp, err := w.network.RoundTrip(req)
	if err != nil {
		log.Printf("network %s %s: %v", req.Method, req.URL, err)
		return placeholderResponse(req), outcomeFallback
	}
	if cache == nil || !w.cacheable(req, resp) {
		return resp, outcomeBypass
	}

	ent, err := readEntry(req, resp)
	if err != nil {
		log.Printf("network %s %s: read body: %v", req.Method, req.URL, err)
		return placeholderResponse(req), outcomeFallback
	}
	if w.maxObjectBytes > 0 && int64(len(ent.Body)) > w.maxObjectBytes {
		return ent.response(req), outcomeBypass
	}
	if err := cache.Put(ctx, key, ent); err != nil {
		w.putLog.Printf("cache put %s: %v", key, err)
		return ent.response(req), outcomeBypass
	}
	return ent.response(req), outcomeStore
}

// cacheable reports whether a network response may be stored: GET,
// same-origin and exactly 200.
func (w *Worker) cacheable(req *http.Request, resp *http.Response) bool {
	return req.Method == http.MethodGet &&
		resp.StatusCode == http.StatusOK &&
		w.sameOrigin(req.URL)
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	scheme := strings.ToLower(u.Scheme)
	return scheme == w.origin.Scheme && canonicalHost(scheme, u.Host) == w.origin.Host
}

func (w *Worker) observe(outcome fetchOutcome, resp *http.Response) {
	n := 0
	if resp != nil && resp.ContentLength > 0 {
		n = int(resp.ContentLength)
	}
	w.stats.Observe(outcome, n)
	w.metrics.fetched(outcome)
}

func readEntry(req *http.Request, resp *http.Response) (CacheEntry, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}
	ent := CacheEntry{
		Method:   req.Method,
		URL:      req.URL.String(),
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func badGatewayResponse(req *http.Request) *http.Response {
	return CacheEntry{
		Status: http.StatusBadGateway,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(http.StatusText(http.StatusBadGateway)),
	}.response(req)
}

func placeholderResponse(req *http.Request) *http.Response {
	return CacheEntry{
		Status: http.StatusRequestTimeout,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(placeholderBody),
	}.response(req)
}

// ServeHTTP serves the worker's origin the way a page in scope would see it:
// through the cache once the worker is active, straight from the origin
// before that or after it became redundant.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	target := w.origin.String() + r.URL.RequestURI()
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(rw, "bad request", http.StatusBadRequest)
		return
	}
	out.ContentLength = r.ContentLength
	copyHeaders(out.Header, r.Header)

	if w.State() != StateActive {
		resp, err := w.passThrough(out)
		if err != nil {
			log.Printf("origin %s %s: %v", out.Method, out.URL, err)
			http.Error(rw, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()
		writeResponse(rw, resp, string(outcomeBypass))
		return
	}

	resp, outcome := w.handle(out)
	w.observe(outcome, resp)
	defer resp.Body.Close()
	writeResponse(rw, resp, string(outcome))
}

func writeResponse(rw http.ResponseWriter, resp *http.Response, cacheStatus string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, cacheStatusHeader) {
			continue
		}
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	setCacheStatusHeaders(rw.Header(), cacheStatus)
	rw.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(rw, resp.Body)
}

const cacheStatusHeader = "X-Recipebox-Cache"

func setCacheStatusHeaders(h http.Header, status string) {
	if status != "" {
		h.Set(cacheStatusHeader, status)
	}
	// Browsers hide custom headers from CORS callers unless exposed.
	ensureExposedHeader(h, cacheStatusHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (w *Worker) statsSnapshot() statsSnapshot {
	return w.stats.Snapshot()
}

func (w *Worker) cachedEntries(ctx context.Context) (int, bool) {
	cache, err := w.openCache(ctx)
	if err != nil {
		return 0, false
	}
	counter, ok := cache.(entryCounter)
	if !ok {
		return 0, false
	}
	n, err := counter.Count(ctx)
	if err != nil {
		return 0, false
	}
	return n, true
}
