package recipebox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/a-h/templ"
)

// RecipeCard is one <recipe-card> element. Data is its payload.
type RecipeCard struct {
	Data Recipe
}

var titleKeys = []string{"titleTxt", "name", "title", "headline"}

func (c *RecipeCard) title() string {
	for _, k := range titleKeys {
		if s, ok := c.Data[k].(string); ok && s != "" {
			return s
		}
	}
	return "Untitled recipe"
}

func (c *RecipeCard) Render(ctx context.Context, w io.Writer) error {
	payload, err := json.Marshal(c.Data)
	if err != nil {
		return fmt.Errorf("encode card data: %w", err)
	}
	_, err = fmt.Fprintf(w,
		`<recipe-card data="%s"><article><p class="title">%s</p></article></recipe-card>`,
		templ.EscapeString(string(payload)),
		templ.EscapeString(c.title()),
	)
	return err
}

// Mount is the append target for recipe cards. It renders as <main>.
type Mount struct {
	mu    sync.Mutex
	cards []*RecipeCard
}

func (m *Mount) Append(card *RecipeCard) {
	m.mu.Lock()
	m.cards = append(m.cards, card)
	m.mu.Unlock()
}

func (m *Mount) Cards() []*RecipeCard {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RecipeCard, len(m.cards))
	copy(out, m.cards)
	return out
}

func (m *Mount) Render(ctx context.Context, w io.Writer) error {
	if _, err := io.WriteString(w, "<main>"); err != nil {
		return err
	}
	for _, card := range m.Cards() {
		if err := card.Render(ctx, w); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "</main>")
	return err
}

type Renderer struct {
	Mount *Mount
}

// Render appends one card per recipe, in order. A nil or empty collection
// renders nothing. Cards from earlier calls are kept.
func (r *Renderer) Render(recipes []Recipe) {
	for _, recipe := range recipes {
		card := &RecipeCard{}
		card.Data = recipe
		r.Mount.Append(card)
	}
}

// pageDocument wraps the mount in a minimal HTML document.
func pageDocument(title string, mount templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w,
			`<!DOCTYPE html><html lang="en"><head><meta charset="utf-8"><title>%s</title></head><body>`,
			templ.EscapeString(title),
		)
		if err != nil {
			return err
		}
		if err := mount.Render(ctx, w); err != nil {
			return err
		}
		_, err = io.WriteString(w, "</body></html>")
		return err
	})
}
