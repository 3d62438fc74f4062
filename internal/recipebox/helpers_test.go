package recipebox

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

const testOrigin = "https://app.example"

type stubResponse struct {
	status int
	body   string
	header http.Header
	err    error
}

// stubNetwork answers from a fixed table and records every request. Unknown
// URLs fail at the transport level.
type stubNetwork struct {
	mu        sync.Mutex
	responses map[string]stubResponse
	calls     []string
}

func newStubNetwork(responses map[string]stubResponse) *stubNetwork {
	return &stubNetwork{responses: responses}
}

func (n *stubNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	n.calls = append(n.calls, req.Method+" "+req.URL.String())
	r, ok := n.responses[req.URL.String()]
	n.mu.Unlock()

	if !ok {
		return nil, errors.New("dial tcp: no route to host")
	}
	if r.err != nil {
		return nil, r.err
	}
	h := http.Header{}
	for k, vs := range r.header {
		h[k] = append([]string(nil), vs...)
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "application/json")
	}
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode:    status,
		Status:        http.StatusText(status),
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(r.body)),
		ContentLength: int64(len(r.body)),
		Request:       req,
	}, nil
}

func (n *stubNetwork) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

// countingKV counts snapshot writes on top of a MemKV.
type countingKV struct {
	*MemKV
	writes   atomic.Int32
	writeErr error
}

func newCountingKV() *countingKV {
	return &countingKV{MemKV: NewMemKV()}
}

func (k *countingKV) Write(ctx context.Context, key string, blob []byte) error {
	k.writes.Add(1)
	if k.writeErr != nil {
		return k.writeErr
	}
	return k.MemKV.Write(ctx, key, blob)
}

// countingStorage counts Put calls across every cache it opens.
type countingStorage struct {
	inner *MemoryStorage
	puts  atomic.Int32
}

func newCountingStorage() *countingStorage {
	return &countingStorage{inner: NewMemoryStorage()}
}

func (s *countingStorage) Open(ctx context.Context, name string) (ResponseCache, error) {
	c, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingCache{ResponseCache: c, s: s}, nil
}

type countingCache struct {
	ResponseCache
	s *countingStorage
}

func (c *countingCache) Put(ctx context.Context, key string, ent CacheEntry) error {
	c.s.puts.Add(1)
	return c.ResponseCache.Put(ctx, key, ent)
}

func newTestWorker(t *testing.T, network http.RoundTripper, storage CacheStorage, sources ...string) *Worker {
	t.Helper()
	w, err := NewWorker(WorkerOptions{
		Origin:  testOrigin,
		Sources: sources,
		Storage: storage,
		Network: network,
	})
	require.NoError(t, err)
	return w
}

func getRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	return req
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
