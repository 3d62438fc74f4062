package recipebox

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderNothingForMissingOrEmptyCollection(t *testing.T) {
	for name, recipes := range map[string][]Recipe{"nil": nil, "empty": {}} {
		t.Run(name, func(t *testing.T) {
			mount := &Mount{}
			r := &Renderer{Mount: mount}
			assert.NotPanics(t, func() { r.Render(recipes) })
			assert.Empty(t, mount.Cards())
		})
	}
}

func TestRenderAppendsOneCardPerRecipeInOrder(t *testing.T) {
	mount := &Mount{}
	r := &Renderer{Mount: mount}
	r1 := Recipe{"titleTxt": "Cornbread Stuffing"}
	r2 := Recipe{"titleTxt": "Turkey Breast"}

	r.Render([]Recipe{r1, r2})

	cards := mount.Cards()
	require.Len(t, cards, 2)
	assert.Equal(t, r1, cards[0].Data)
	assert.Equal(t, r2, cards[1].Data)
}

func TestRenderIsAdditive(t *testing.T) {
	mount := &Mount{}
	r := &Renderer{Mount: mount}
	r.Render([]Recipe{{"titleTxt": "a"}})
	r.Render([]Recipe{{"titleTxt": "b"}, {"titleTxt": "c"}})

	cards := mount.Cards()
	require.Len(t, cards, 3)
	assert.Equal(t, "c", cards[2].Data["titleTxt"])
}

func TestMountRendersEscapedCards(t *testing.T) {
	mount := &Mount{}
	(&Renderer{Mount: mount}).Render([]Recipe{
		{"titleTxt": "<b>Pie</b>"},
		{"name": "Gravy"},
		{},
	})

	var buf bytes.Buffer
	require.NoError(t, mount.Render(context.Background(), &buf))
	html := buf.String()

	assert.True(t, strings.HasPrefix(html, "<main><recipe-card"))
	assert.True(t, strings.HasSuffix(html, "</recipe-card></main>"))
	assert.Equal(t, 3, strings.Count(html, "<recipe-card "))
	assert.Contains(t, html, "&lt;b&gt;Pie&lt;/b&gt;")
	assert.NotContains(t, html, "<b>Pie</b>")
	assert.Contains(t, html, `<p class="title">Gravy</p>`)
	assert.Contains(t, html, `<p class="title">Untitled recipe</p>`)
	assert.Less(t, strings.Index(html, "Pie"), strings.Index(html, "Gravy"))
}

func TestPageDocumentServesMount(t *testing.T) {
	mount := &Mount{}
	(&Renderer{Mount: mount}).Render([]Recipe{{"titleTxt": "Pie"}})

	rec := httptest.NewRecorder()
	h := pageDocumentHandler(t, mount)
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	body := rec.Body.String()
	assert.Contains(t, body, "<title>Recipes</title>")
	assert.Contains(t, body, "<main><recipe-card")
}

func pageDocumentHandler(t *testing.T, mount *Mount) http.Handler {
	t.Helper()
	p, err := NewPage(PageOptions{
		URL:      testOrigin + "/",
		Loader:   &Loader{Store: NewMemKV()},
		Renderer: &Renderer{Mount: mount},
	})
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p.Handler()
}
