package recipebox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
)

// Loader returns the recipe collection, preferring the durable snapshot over
// the network.
type Loader struct {
	Sources []string
	Store   KV
	Key     string
	Client  *http.Client
	Metrics *Metrics
}

// GetRecipes returns the snapshot if one is stored. Otherwise it fetches every
// source in order, one at a time, persists the full collection and returns it.
// Any failed source aborts the load with a *FetchError and nothing is written.
//
// A stored empty collection counts as a hit.
func (l *Loader) GetRecipes(ctx context.Context) ([]Recipe, error) {
	if recipes, ok := l.readSnapshot(ctx); ok {
		l.Metrics.loaded("snapshot")
		return recipes, nil
	}

	recipes, err := l.fetchAll(ctx)
	if err != nil {
		log.Printf("error fetching recipes: %v", err)
		l.Metrics.loaded("error")
		return nil, err
	}

	l.saveSnapshot(ctx, recipes)
	l.Metrics.loaded("network")
	return recipes, nil
}

func (l *Loader) key() string {
	if l.Key == "" {
		return DefaultSnapshotKey
	}
	return l.Key
}

func (l *Loader) readSnapshot(ctx context.Context) ([]Recipe, bool) {
	b, err := l.Store.Read(ctx, l.key())
	if errors.Is(err, ErrNotFound) {
		return nil, false
	}
	if err != nil {
		log.Printf("%v, fetching from sources", &StorageReadError{Key: l.key(), Err: err})
		return nil, false
	}
	if len(b) == 0 {
		return nil, false
	}

	var recipes []Recipe
	if err := json.Unmarshal(b, &recipes); err != nil {
		log.Printf("%v, fetching from sources", &StorageReadError{Key: l.key(), Err: err})
		return nil, false
	}
	return recipes, true
}

func (l *Loader) saveSnapshot(ctx context.Context, recipes []Recipe) {
	b, err := json.Marshal(recipes)
	if err != nil {
		log.Printf("encode snapshot: %v", err)
		return
	}
	if err := l.Store.Write(ctx, l.key(), b); err != nil {
		log.Printf("write snapshot %q: %v", l.key(), err)
	}
}

func (l *Loader) fetchAll(ctx context.Context) ([]Recipe, error) {
	recipes := make([]Recipe, 0, len(l.Sources))
	for i, src := range l.Sources {
		r, err := l.fetchOne(ctx, src)
		if err != nil {
			return nil, &FetchError{Index: i, URL: src, Err: err}
		}
		recipes = append(recipes, r)
	}
	return recipes, nil
}

func (l *Loader) fetchOne(ctx context.Context, src string) (Recipe, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	var r Recipe
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return r, nil
}
