package widget_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycache/tavern/pkg/istream"
	"github.com/relaycache/tavern/widget"
)

func TestExtractFindsWidgetsAndTheirAttributes(t *testing.T) {
	doc := []byte(`<html><body><c:widget id="nav" class="navbar" display="inline"></c:widget>` +
		`<c:widget id="ad" class="ads"/></body></html>`)

	widgets, err := widget.Extract(doc)
	require.NoError(t, err)
	require.Len(t, widgets, 2)

	assert.Equal(t, "nav", widgets[0].ID)
	assert.Equal(t, "navbar", widgets[0].Class)
	assert.Equal(t, "inline", widgets[0].Display)
	assert.Nil(t, widgets[0].Parent)

	assert.Equal(t, "ad", widgets[1].ID)
	assert.Equal(t, "ads", widgets[1].Class)
}

func TestExtractBuildsNestedWidgetTree(t *testing.T) {
	doc := []byte(`<c:widget id="outer" class="frame">` +
		`<p>before</p><c:widget id="inner" class="save"></c:widget><p>after</p>` +
		`</c:widget>`)

	roots, err := widget.Extract(doc)
	require.NoError(t, err)
	require.Len(t, roots, 1, "the nested widget must not also appear as a root")

	outer := roots[0]
	assert.Equal(t, "outer", outer.ID)
	require.Len(t, outer.Children, 1)

	inner := outer.Children[0]
	assert.Equal(t, "inner", inner.ID)
	assert.Same(t, outer, inner.Parent)
	assert.Equal(t, "outer.inner", inner.Ref())
}

func TestExtractParsesNestedParamAndHeaderTags(t *testing.T) {
	doc := []byte(`<c:widget id="nav" class="navbar">` +
		`<c:param name="region" value="top &amp; center"/>` +
		`<c:header name="X-Trace" value="abc"/>` +
		`<c:header name="Bad Header!" value="dropped"/>` +
		`</c:widget>`)

	roots, err := widget.Extract(doc)
	require.NoError(t, err)
	require.Len(t, roots, 1)

	w := roots[0]
	assert.Equal(t, "top & center", w.Params["region"])
	assert.Equal(t, "abc", w.Headers["X-Trace"])
	assert.NotContains(t, w.Headers, "Bad Header!")
}

func TestProcessSplicesRootWidgetsConcurrently(t *testing.T) {
	doc := []byte(`<p>before</p><c:widget id="a" class="x"></c:widget><p>mid</p>` +
		`<c:widget id="b" class="y"/><p>after</p>`)

	var calls int32
	renderer := widget.RendererFunc(func(_ context.Context, w *widget.Widget) (istream.Stream, error) {
		atomic.AddInt32(&calls, 1)
		return istream.FromReader(strings.NewReader(fmt.Sprintf("[%s]", w.ID))), nil
	})

	out, err := widget.Process(context.Background(), doc, renderer, nil)
	require.NoError(t, err)

	rendered, err := io.ReadAll(out)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls)
	assert.Contains(t, string(rendered), "<p>before</p>[a]<p>mid</p>[b]<p>after</p>")
}

func TestProcessPropagatesRenderError(t *testing.T) {
	doc := []byte(`<c:widget id="broken" class="z"/>`)

	renderer := widget.RendererFunc(func(_ context.Context, w *widget.Widget) (istream.Stream, error) {
		return nil, assert.AnError
	})

	_, err := widget.Process(context.Background(), doc, renderer, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

// TestProcessForwardsFocusToExactlyOneWidget pins the end-to-end focus
// scenario: a nested widget named by FocusRef receives the inbound
// request's method, path_info and body verbatim; every other widget in
// the tree (including its own parent) still renders a plain bodyless GET.
func TestProcessForwardsFocusToExactlyOneWidget(t *testing.T) {
	doc := []byte(`<c:widget id="outer" class="frame">` +
		`<c:widget id="inner" class="editor"></c:widget>` +
		`</c:widget>`)

	body := strings.Repeat("x", 42)
	fr := &widget.FromRequest{
		FocusRef: "outer.inner",
		Method:   "POST",
		Query:    "save=1",
		Body:     []byte(body),
		PathInfo: "/save",
	}

	var sawOuter *widget.Widget
	renderer := widget.RendererFunc(func(_ context.Context, w *widget.Widget) (istream.Stream, error) {
		switch w.ID {
		case "outer":
			sawOuter = w
		case "inner":
			t.Fatalf("inner widget must not be rendered directly: only root widgets are spliced")
		}
		return istream.FromReader(strings.NewReader("")), nil
	})

	roots, err := widget.Extract(doc)
	require.NoError(t, err)
	require.NoError(t, widget.ApplyFocus(roots, fr))

	outer := roots[0]
	inner := outer.Children[0]

	assert.False(t, outer.Focus, "outer gets no body")
	assert.Empty(t, outer.FocusMethod)

	assert.True(t, inner.Focus)
	assert.Equal(t, "POST", inner.FocusMethod)
	assert.Equal(t, "/save", inner.FocusPathInfo)
	require.Len(t, inner.FocusBody, 42)
	assert.Equal(t, body, string(inner.FocusBody))

	_, err = widget.Process(context.Background(), doc, renderer, fr)
	require.NoError(t, err)
	require.NotNil(t, sawOuter)
}

func TestApplyFocusRejectsUnknownRef(t *testing.T) {
	doc := []byte(`<c:widget id="nav" class="navbar"/>`)
	roots, err := widget.Extract(doc)
	require.NoError(t, err)

	err = widget.ApplyFocus(roots, &widget.FromRequest{FocusRef: "missing"})
	assert.Error(t, err)
}

func TestRewriteURIKeepsAbsoluteURIsUntouched(t *testing.T) {
	nav := &widget.Widget{ID: "nav"}
	out, err := widget.RewriteURI("https://example.com/x", "/w", nav, widget.ModeFocus)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/x", out)
}

func TestRewriteURIProxiesRelativePaths(t *testing.T) {
	nav := &widget.Widget{ID: "nav"}
	out, err := widget.RewriteURI("/login?next=/home", "/w", nav, widget.ModeFocus)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "/w/login?"))
	assert.Contains(t, out, "c.widget=nav")
}

func TestRewriteURIDirectModeBypassesProxy(t *testing.T) {
	nav := &widget.Widget{ID: "nav", Mode: "direct"}
	out, err := widget.RewriteURI("/login", "/w", nav, widget.ModeFocus)
	require.NoError(t, err)
	assert.Equal(t, "/login", out, "c:mode=direct on the widget overrides the call's mode")
}

func TestRewriteURIUsesNestedRefAndViewOverride(t *testing.T) {
	outer := &widget.Widget{ID: "outer"}
	inner := &widget.Widget{ID: "inner", Parent: outer, View: "mobile"}

	out, err := widget.RewriteURI("/x", "/w", inner, widget.ModePartial)
	require.NoError(t, err)
	assert.Contains(t, out, "c.widget=outer.inner")
	assert.Contains(t, out, "c.mode=partial")
	assert.Contains(t, out, "c.view=mobile")
}

func TestPrefixClassNameUnderscoreConvention(t *testing.T) {
	w := &widget.Widget{ID: "nav", Class: "navbar"}

	assert.Equal(t, "plain", widget.PrefixClassName("plain", w), "no leading underscore is left untouched")
	assert.Equal(t, "_foo", widget.PrefixClassName("_foo", w), "single underscore opts out of rewriting")
	assert.Equal(t, "navbar__foo", widget.PrefixClassName("__foo", w), "double underscore prefixes with the widget's CSS class")
	assert.Equal(t, "nav___foo", widget.PrefixClassName("___foo", w), "triple underscore prefixes with the widget's unique ref")
}

func TestPrefixClassNameUsesDottedRefForTripleUnderscore(t *testing.T) {
	outer := &widget.Widget{ID: "outer"}
	inner := &widget.Widget{ID: "inner", Parent: outer}
	assert.Equal(t, "outer.inner___box", widget.PrefixClassName("___box", inner))
}

func TestPrefixCSSScansSelectorsInPlace(t *testing.T) {
	w := &widget.Widget{ID: "nav", Class: "navbar"}
	css := `.__item, #___root { color: red; } .plain { color: blue; }`

	out := widget.PrefixCSS(css, w)
	assert.Contains(t, out, ".navbar__item")
	assert.Contains(t, out, "#nav___root")
	assert.Contains(t, out, ".plain")
}

func TestPrefixStyleBlockRewritesURLFunctions(t *testing.T) {
	w := &widget.Widget{ID: "nav"}
	css := `.__bg { background: url(/images/bg.png); }`

	out, err := widget.PrefixStyleBlock(css, "/w", w, widget.ModeFocus)
	require.NoError(t, err)
	assert.Contains(t, out, "/w/images/bg.png")
	assert.Contains(t, out, "c.widget=nav")
}

func TestPrefixHTMLRewritesAttributesByKind(t *testing.T) {
	w := &widget.Widget{ID: "nav", Class: "navbar"}
	markup := `<div class="__box plain" id="___root" style=".__inner{color:red}"/>`

	out := widget.PrefixHTML(markup, w)
	assert.Contains(t, out, `class="navbar__box plain"`)
	assert.Contains(t, out, `id="nav___root"`)
	assert.Contains(t, out, "navbar__inner")
}

func TestLookupWidgetResolvesDottedRef(t *testing.T) {
	doc := []byte(`<c:widget id="outer" class="frame"><c:widget id="inner" class="x"/></c:widget>`)
	roots, err := widget.Extract(doc)
	require.NoError(t, err)

	found := widget.LookupWidget(roots, "outer.inner")
	require.NotNil(t, found)
	assert.Equal(t, "inner", found.ID)

	assert.Nil(t, widget.LookupWidget(roots, "outer.missing"))
	assert.Nil(t, widget.LookupWidget(roots, "missing"))
}

func TestExpandEntitiesSubstitutesWidgetScopedValues(t *testing.T) {
	w := &widget.Widget{ID: "nav", Class: "navbar"}
	text := `<div class="&c:class;">&c:id; at &c:prefix;box, link: &c:uri;</div>`

	out := widget.ExpandEntities(text, "/w", w)
	assert.Contains(t, out, `class="navbar"`)
	assert.Contains(t, out, "nav at nav__box")
	assert.Contains(t, out, "c.widget=nav")
}
