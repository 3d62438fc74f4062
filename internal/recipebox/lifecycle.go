package recipebox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"
)

type Registration struct {
	Scope     string
	ScriptURL string
	Worker    *Worker
}

// registrationRecord is what survives a restart: an activated worker for a
// scope, and the cache it filled.
type registrationRecord struct {
	ScriptURL   string `json:"scriptURL"`
	Cache       string `json:"cache"`
	ActivatedAt int64  `json:"activatedAt"`
}

// Container holds the workers deployed on one origin, keyed by script path,
// and their registrations, keyed by scope.
type Container struct {
	origin *url.URL
	store  KV

	mu            sync.Mutex
	scripts       map[string]*Worker
	registrations map[string]*Registration

	wg sync.WaitGroup
}

// NewContainer returns a container for origin. Activated registrations are
// recorded in store, keyed by scope; a nil store keeps them in memory only.
func NewContainer(origin string, store KV) (*Container, error) {
	u, err := parseOrigin(origin)
	if err != nil {
		return nil, fmt.Errorf("container origin: %w", err)
	}
	if store == nil {
		store = NewMemKV()
	}
	return &Container{
		origin:        u,
		store:         store,
		scripts:       map[string]*Worker{},
		registrations: map[string]*Registration{},
	}, nil
}

// Deploy makes w available at scriptPath.
func (c *Container) Deploy(scriptPath string, w *Worker) {
	c.mu.Lock()
	c.scripts[cleanScriptPath(scriptPath)] = w
	c.mu.Unlock()
}

func cleanScriptPath(p string) string {
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

func (c *Container) scopeFor(scriptPath string) string {
	return c.origin.String() + strings.TrimSuffix(path.Dir(scriptPath), "/") + "/"
}

// Restore resumes every deployed worker whose activation was recorded by an
// earlier process, without reinstalling it. The record must name the same
// script and cache. It returns how many workers were resumed.
func (c *Container) Restore(ctx context.Context) int {
	c.mu.Lock()
	scripts := make(map[string]*Worker, len(c.scripts))
	for p, w := range c.scripts {
		scripts[p] = w
	}
	c.mu.Unlock()

	n := 0
	for p, w := range scripts {
		scope := c.scopeFor(p)
		rec, ok := c.loadRecord(ctx, scope)
		if !ok || rec.ScriptURL != c.origin.String()+p || rec.Cache != w.cacheName {
			continue
		}

		c.mu.Lock()
		if _, exists := c.registrations[scope]; exists {
			c.mu.Unlock()
			continue
		}
		reg := &Registration{Scope: scope, ScriptURL: rec.ScriptURL, Worker: w}
		c.registrations[scope] = reg
		c.mu.Unlock()

		w.setScope(scope)
		if err := w.Resume(); err != nil {
			log.Printf("resume worker for %s: %v", scope, err)
			c.mu.Lock()
			delete(c.registrations, scope)
			c.mu.Unlock()
			continue
		}
		n++
	}
	return n
}

// Register resolves script against the origin and registers its worker for
// the script's directory. Install and activate run in the background; their
// outcome is only logged. Registering the same worker twice returns the
// existing registration.
func (c *Container) Register(ctx context.Context, script string) (Registration, error) {
	u, err := c.origin.Parse(script)
	if err != nil {
		return Registration{}, fmt.Errorf("parse script url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != c.origin.Scheme || canonicalHost(scheme, u.Host) != c.origin.Host {
		return Registration{}, fmt.Errorf("script %s is not on origin %s", u, c.origin)
	}
	p := cleanScriptPath(u.Path)

	c.mu.Lock()
	w, ok := c.scripts[p]
	if !ok {
		c.mu.Unlock()
		return Registration{}, fmt.Errorf("%w: %s", ErrUnsupportedScript, p)
	}
	scope := c.scopeFor(p)
	if reg, ok := c.registrations[scope]; ok && reg.Worker == w {
		c.mu.Unlock()
		return *reg, nil
	}
	reg := &Registration{Scope: scope, ScriptURL: c.origin.String() + p, Worker: w}
	c.registrations[scope] = reg
	c.mu.Unlock()

	w.setScope(scope)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runLifecycle(context.WithoutCancel(ctx), *reg)
	}()
	return *reg, nil
}

func (c *Container) Registration(scope string) (Registration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.registrations[scope]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// Wait blocks until every started install/activate sequence has finished.
func (c *Container) Wait() {
	c.wg.Wait()
}

func (c *Container) runLifecycle(ctx context.Context, reg Registration) {
	w := reg.Worker
	if err := w.Install(ctx); err != nil {
		log.Printf("worker install failed: %v", err)
		return
	}
	if err := w.Activate(); err != nil {
		log.Printf("worker activate failed: %v", err)
		return
	}
	c.saveRecord(ctx, reg)
}

func (c *Container) loadRecord(ctx context.Context, scope string) (registrationRecord, bool) {
	b, err := c.store.Read(ctx, scope)
	if errors.Is(err, ErrNotFound) {
		return registrationRecord{}, false
	}
	if err != nil {
		log.Printf("read registration %s: %v", scope, err)
		return registrationRecord{}, false
	}
	var rec registrationRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		log.Printf("read registration %s: %v", scope, err)
		return registrationRecord{}, false
	}
	return rec, true
}

func (c *Container) saveRecord(ctx context.Context, reg Registration) {
	b, err := json.Marshal(registrationRecord{
		ScriptURL:   reg.ScriptURL,
		Cache:       reg.Worker.cacheName,
		ActivatedAt: time.Now().Unix(),
	})
	if err != nil {
		log.Printf("encode registration %s: %v", reg.Scope, err)
		return
	}
	if err := c.store.Write(ctx, reg.Scope, b); err != nil {
		log.Printf("write registration %s: %v", reg.Scope, err)
	}
}
