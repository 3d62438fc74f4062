package recipebox

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Client is an open page. Once a worker claims it, its requests go through
// that worker.
type Client struct {
	ID  string
	URL *url.URL

	mu         sync.RWMutex
	controller *Worker
}

func (c *Client) Controller() *Worker {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.controller
}

func (c *Client) setController(w *Worker) {
	c.mu.Lock()
	c.controller = w
	c.mu.Unlock()
}

// Transport routes through the controller when there is one and straight to
// network otherwise. The choice is made per request.
func (c *Client) Transport(network http.RoundTripper) http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if w := c.Controller(); w != nil {
			return w.RoundTrip(req)
		}
		return network.RoundTrip(req)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

type Clients struct {
	mu      sync.Mutex
	clients map[string]*Client
	// controllers are workers that have claimed clients. Pages opened later
	// inside one of their scopes start out controlled.
	controllers []*Worker
}

func NewClients() *Clients {
	return &Clients{clients: map[string]*Client{}}
}

func (cs *Clients) Open(rawURL string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("client url %q is not absolute", rawURL)
	}
	c := &Client{ID: uuid.NewString(), URL: u}
	cs.mu.Lock()
	c.controller = cs.controllerForLocked(canonicalURL(u))
	cs.clients[c.ID] = c
	cs.mu.Unlock()
	return c, nil
}

func (cs *Clients) Close(id string) {
	cs.mu.Lock()
	delete(cs.clients, id)
	cs.mu.Unlock()
}

func (cs *Clients) Get(id string) (*Client, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.clients[id]
	return c, ok
}

// Claim makes w the controller of every open client inside its scope and
// returns how many were claimed.
func (cs *Clients) Claim(w *Worker) int {
	scope := w.Scope()
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.controllers = append(cs.controllers, w)
	n := 0
	for _, c := range cs.clients {
		if !strings.HasPrefix(canonicalURL(c.URL), scope) {
			continue
		}
		c.setController(w)
		n++
	}
	return n
}

// controllerForLocked picks the claimed worker with the longest scope that
// contains rawURL, which must already be canonical.
func (cs *Clients) controllerForLocked(rawURL string) *Worker {
	var best *Worker
	bestLen := -1
	for _, w := range cs.controllers {
		scope := w.Scope()
		if strings.HasPrefix(rawURL, scope) && len(scope) > bestLen {
			best, bestLen = w, len(scope)
		}
	}
	return best
}
