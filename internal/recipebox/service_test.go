package recipebox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
)

func testServiceConfig(t *testing.T, origin string, sources []string, storage string) Config {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "server:\n  origin: %q\nsources:\n", origin)
	for _, s := range sources {
		fmt.Fprintf(&b, "  - %q\n", s)
	}
	if storage == "memory" {
		b.WriteString("storage:\n  snapshot: {backend: memory}\n  cache: {backend: memory}\n")
	} else {
		fmt.Fprintf(&b, "storage:\n  path: %q\n", storage)
	}
	cfg, err := ParseConfig([]byte(b.String()))
	require.NoError(t, err)
	return cfg
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	b, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec, string(b)
}

func TestServiceEndToEnd(t *testing.T) {
	srv, sources, hits := recipeOrigin(t)
	svc, err := NewService(testServiceConfig(t, srv.URL, sources, "memory"))
	require.NoError(t, err)
	defer svc.Close()

	svc.Load(context.Background())
	svc.Page().Wait()
	assert.Equal(t, StateActive, svc.Worker().State())

	h := svc.Handler()

	rec, _ := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := get(t, h, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, strings.Count(body, "<recipe-card "))
	assert.Less(t, strings.Index(body, "/recipes/1.json"), strings.Index(body, "/recipes/2.json"))

	before := hits.Load()
	rec, body = get(t, h, "/recipes/2.json")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hit", rec.Header().Get(cacheStatusHeader))
	assert.JSONEq(t, `{"titleTxt":"/recipes/2.json"}`, body)
	assert.Equal(t, before, hits.Load())

	_, body = get(t, h, "/metrics")
	assert.Contains(t, body, `recipebox_recipe_loads_total{source="network"} 1`)
	assert.Contains(t, body, `recipebox_worker_installs_total{result="ok"} 1`)
	assert.Contains(t, body, `recipebox_worker_fetches_total{outcome="hit"} 1`)
}

func TestServiceRestartLoadsSnapshotFromLevelDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leveldb")
	srv, sources, _ := recipeOrigin(t)

	first, err := NewService(testServiceConfig(t, srv.URL, sources, path))
	require.NoError(t, err)
	first.Load(context.Background())
	first.Close()

	srv.Close()

	second, err := NewService(testServiceConfig(t, srv.URL, sources, path))
	require.NoError(t, err)
	defer second.Close()

	// The recorded activation is picked up without reinstalling, so the page
	// is controlled before it loads.
	assert.Equal(t, StateActive, second.Worker().State())
	assert.Same(t, second.Worker(), second.Page().Client().Controller())

	second.Load(context.Background())
	second.Page().Wait()
	assert.Equal(t, StateActive, second.Worker().State())

	_, body := get(t, second.Handler(), "/")
	assert.Equal(t, 2, strings.Count(body, "<recipe-card "))

	rec, body := get(t, second.Handler(), "/recipes/1.json")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hit", rec.Header().Get(cacheStatusHeader))
	assert.JSONEq(t, `{"titleTxt":"/recipes/1.json"}`, body)
}

func TestServiceStartIsWaitedForByClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leveldb")
	srv, sources, _ := recipeOrigin(t)

	svc, err := NewService(testServiceConfig(t, srv.URL, sources, path))
	require.NoError(t, err)
	svc.Start(context.Background())
	svc.Close()

	assert.Len(t, svc.mount.Cards(), 2)
	assert.Equal(t, StateActive, svc.Worker().State())

	db, err := leveldb.OpenFile(path, nil)
	require.NoError(t, err)
	defer db.Close()
	snap, err := NewLevelKV(db).Read(context.Background(), DefaultSnapshotKey)
	require.NoError(t, err)
	assert.Contains(t, string(snap), "/recipes/2.json")

	_, err = newLevelKV(db, "r:").Read(context.Background(), srv.URL+"/")
	assert.NoError(t, err)
}

func TestServiceWithInterceptionDisabled(t *testing.T) {
	srv, sources, _ := recipeOrigin(t)
	cfg := testServiceConfig(t, srv.URL, sources, "memory")
	cfg.Worker.Disabled = true

	svc, err := NewService(cfg)
	require.NoError(t, err)
	defer svc.Close()

	svc.Load(context.Background())
	svc.Page().Wait()

	assert.Equal(t, StateUninstalled, svc.Worker().State())
	assert.Nil(t, svc.Page().Client().Controller())
	assert.Len(t, svc.mount.Cards(), 2)
}
