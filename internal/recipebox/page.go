package recipebox

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/a-h/templ"
)

type PageOptions struct {
	URL      string
	Title    string
	Loader   *Loader
	Renderer *Renderer
	Clients  *Clients
	// Container is nil on platforms without request interception.
	Container *Container
	Script    string
	Network   http.RoundTripper
}

// Page loads recipes into its mount and registers the interceptor once it
// has finished loading.
type Page struct {
	title     string
	client    *Client
	clients   *Clients
	http      *http.Client
	loader    *Loader
	renderer  *Renderer
	container *Container
	script    string

	loaded   chan struct{}
	loadOnce sync.Once
	wg       sync.WaitGroup
}

func NewPage(opts PageOptions) (*Page, error) {
	if opts.Loader == nil || opts.Renderer == nil || opts.Renderer.Mount == nil {
		return nil, fmt.Errorf("page needs a loader and a renderer with a mount")
	}
	clients := opts.Clients
	if clients == nil {
		clients = NewClients()
	}
	client, err := clients.Open(opts.URL)
	if err != nil {
		return nil, err
	}
	network := opts.Network
	if network == nil {
		network = http.DefaultTransport
	}
	httpClient := &http.Client{Transport: client.Transport(network)}

	loader := *opts.Loader
	loader.Client = httpClient

	script := opts.Script
	if script == "" {
		script = DefaultScript
	}
	title := opts.Title
	if title == "" {
		title = "Recipes"
	}
	return &Page{
		title:     title,
		client:    client,
		clients:   clients,
		http:      httpClient,
		loader:    &loader,
		renderer:  opts.Renderer,
		container: opts.Container,
		script:    script,
		loaded:    make(chan struct{}),
	}, nil
}

func (p *Page) Client() *Client { return p.client }

// HTTPClient goes through the page's controller once it has one.
func (p *Page) HTTPClient() *http.Client { return p.http }

// Loaded is closed when Load has finished.
func (p *Page) Loaded() <-chan struct{} { return p.loaded }

// Load starts interceptor registration, loads the recipes and renders them.
// A failed load is logged and renders nothing.
func (p *Page) Load(ctx context.Context) {
	defer p.markLoaded()
	p.installInterceptor(ctx)

	recipes, err := p.loader.GetRecipes(ctx)
	if err != nil {
		log.Printf("load recipes: %v", err)
	}
	p.renderer.Render(recipes)
}

func (p *Page) markLoaded() {
	p.loadOnce.Do(func() { close(p.loaded) })
}

func (p *Page) installInterceptor(ctx context.Context) {
	if p.container == nil {
		log.Printf("warning: request interception is not supported, continuing without offline cache")
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-p.loaded:
		case <-ctx.Done():
			return
		}
		reg, err := p.container.Register(ctx, p.script)
		if err != nil {
			log.Printf("interceptor registration failed: %v", err)
			return
		}
		log.Printf("interceptor registration successful with scope: %s", reg.Scope)
	}()
}

// Wait blocks until registration and any worker lifecycle it started are done.
func (p *Page) Wait() {
	p.wg.Wait()
	if p.container != nil {
		p.container.Wait()
	}
}

func (p *Page) Close() {
	p.clients.Close(p.client.ID)
}

func (p *Page) Handler() http.Handler {
	return templ.Handler(pageDocument(p.title, p.renderer.Mount))
}
