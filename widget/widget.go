// Package widget implements L10: parsing an HTML document into a tree of
// widget placeholders, rewriting the URIs inside each widget's markup to
// route back through the proxy, and splicing the rendered replacement
// back into the surrounding document via istream.Replace.
package widget

import (
	"bytes"
	"context"
	"fmt"
	"regexp"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/relaycache/tavern/pkg/istream"
)

// TagName is the custom element beng-proxy documents use to embed a
// widget, e.g. <c:widget id="nav"/>. ParamTagName and HeaderTagName are
// its nested children: <c:param name="region" value="top"/> populates the
// widget's outgoing query string, <c:header name="X-Trace" value="1"/>
// adds an outgoing request header.
const (
	TagName       = "c:widget"
	ParamTagName  = "c:param"
	HeaderTagName = "c:header"
)

// headerNameRE is the validation rule for <c:header> names: alphanumerics
// and dashes only (covers both plain tokens and the common X-* convention).
var headerNameRE = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Widget is one embedded widget reference found while walking the
// document, plus its place in the surrounding widget tree.
type Widget struct {
	ID      string
	Class   string // translation-assigned widget class, resolves to a backend
	Display string // container display mode / session scope, from the "display" attribute
	Params  map[string]string
	Headers map[string]string

	// Base, Mode and View override rewrite_widget_uri's mountPoint, mode
	// and c:view query parameter for URIs found inside this widget's own
	// markup, set via the c:base/c:mode/c:view attributes.
	Base string
	Mode string
	View string

	Parent   *Widget
	Children []*Widget

	// Focus and the FocusXxx fields are populated by ApplyFocus for the
	// single widget in the tree, if any, that the inbound request named
	// as its focus_ref. Every other widget in the tree renders a plain
	// bodyless GET.
	Focus       bool
	FocusMethod string
	FocusQuery  string
	FocusBody   []byte
	// FocusPathInfo is whatever path remained after the document's own
	// mount point and focus_ref were stripped from the inbound request,
	// forwarded to the focused widget's backend as its own path_info.
	FocusPathInfo string

	start, end int64 // byte offsets of the <c:widget>...</c:widget> span
}

// Ref returns w's dotted path from the tree root, e.g. "nav.search" for a
// widget "search" nested inside root widget "nav". This is the same
// format FromRequest.FocusRef and rewrite_widget_uri's c.widget parameter
// use to name a widget.
func (w *Widget) Ref() string {
	if w.Parent == nil {
		return w.ID
	}
	return w.Parent.Ref() + "." + w.ID
}

// FromRequest carries the parts of the inbound request that ApplyFocus
// forwards to exactly one widget in the tree: the widget tree's "focus"
// concept (spec end-to-end scenario: the outer document gets no body, the
// focused widget receives the original method, path_info and body).
type FromRequest struct {
	FocusRef string
	Method   string
	Query    string
	Body     []byte
	PathInfo string
}

// Renderer produces the replacement markup for one Widget.
type Renderer interface {
	Render(ctx context.Context, w *Widget) (istream.Stream, error)
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(ctx context.Context, w *Widget) (istream.Stream, error)

func (f RendererFunc) Render(ctx context.Context, w *Widget) (istream.Stream, error) {
	return f(ctx, w)
}

// Process parses doc into a widget tree, applies fr's focus (if any),
// renders every root-level widget through renderer, and returns a Stream
// of the document with each root widget's span spliced out for its
// rendered replacement.
//
// Only root widgets are spliced: a nested widget's span sits entirely
// inside its parent's span in the source document, so splicing it
// independently would violate istream.Replace's non-overlapping splice
// invariant. Nested widgets exist in the tree so ApplyFocus can resolve a
// dotted focus_ref through them; a widget's own renderer is responsible
// for recursively expanding any c:widget markup nested inside what it
// fetches.
func Process(ctx context.Context, doc []byte, renderer Renderer, fr *FromRequest) (istream.Stream, error) {
	roots, err := Extract(doc)
	if err != nil {
		return nil, err
	}
	if err := ApplyFocus(roots, fr); err != nil {
		return nil, err
	}

	rendered := make([]istream.Stream, len(roots))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range roots {
		i, w := i, w
		g.Go(func() error {
			stream, err := renderer.Render(gctx, w)
			if err != nil {
				return fmt.Errorf("widget %q: %w", w.ID, err)
			}
			rendered[i] = stream
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	splices := make([]istream.Splice, len(roots))
	for i, w := range roots {
		splices[i] = istream.Splice{Start: w.start, End: w.end, Repl: rendered[i]}
	}

	return istream.Replace(istream.FromReader(bytes.NewReader(doc)), splices), nil
}

// ApplyFocus walks roots by fr.FocusRef's dotted path (e.g. "nav.search")
// and marks exactly the one widget it names as focused, forwarding fr's
// method, query, body and path info to it. A nil fr or empty FocusRef
// leaves every widget unfocused. An unresolvable FocusRef is an error:
// the inbound request named a widget that the document doesn't contain.
func ApplyFocus(roots []*Widget, fr *FromRequest) error {
	if fr == nil || fr.FocusRef == "" {
		return nil
	}

	target := LookupWidget(roots, fr.FocusRef)
	if target == nil {
		return fmt.Errorf("widget: focus ref %q: no such widget in document", fr.FocusRef)
	}

	target.Focus = true
	target.FocusMethod = fr.Method
	target.FocusQuery = fr.Query
	target.FocusBody = fr.Body
	target.FocusPathInfo = fr.PathInfo
	return nil
}

// Extract tokenizes doc and returns every top-level <c:widget> element it
// finds as the root of a widget tree, with nested <c:widget> elements
// attached as Children and <c:param>/<c:header> children folded into
// their enclosing widget's Params/Headers.
func Extract(doc []byte) ([]*Widget, error) {
	z := html.NewTokenizer(bytes.NewReader(doc))
	var (
		roots  []*Widget
		stack  []*Widget
		offset int64
	)

	for {
		tt := z.Next()
		raw := z.Raw()
		tokenStart := offset
		offset += int64(len(raw))

		switch tt {
		case html.ErrorToken:
			return roots, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case TagName:
				w := extractWidgetTag(z, hasAttr, tokenStart)
				if len(stack) > 0 {
					parent := stack[len(stack)-1]
					w.Parent = parent
					parent.Children = append(parent.Children, w)
				} else {
					roots = append(roots, w)
				}
				if tt == html.SelfClosingTagToken {
					w.end = offset
				} else {
					stack = append(stack, w)
				}

			case ParamTagName:
				if len(stack) > 0 {
					extractParamTag(stack[len(stack)-1], z, hasAttr)
				}

			case HeaderTagName:
				if len(stack) > 0 {
					extractHeaderTag(stack[len(stack)-1], z, hasAttr)
				}
			}

		case html.EndTagToken:
			if len(stack) == 0 {
				continue
			}
			if name, _ := z.TagName(); string(name) == TagName {
				top := stack[len(stack)-1]
				top.end = offset
				stack = stack[:len(stack)-1]
			}
		}
	}
}

func extractWidgetTag(z *html.Tokenizer, hasAttr bool, tokenStart int64) *Widget {
	w := &Widget{
		Params:  map[string]string{},
		Headers: map[string]string{},
		start:   tokenStart,
	}
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		switch string(key) {
		case "id":
			w.ID = string(val)
		case "class":
			w.Class = string(val)
		case "display":
			w.Display = string(val)
		case "base":
			w.Base = string(val)
		case "mode":
			w.Mode = string(val)
		case "view":
			w.View = string(val)
		}
	}
	return w
}

// extractParamTag reads a <c:param name="..." value="..."/> child,
// HTML-unescaping both sides; the value is URL-encoded later, when it is
// placed into a query string via url.Values.Encode.
func extractParamTag(w *Widget, z *html.Tokenizer, hasAttr bool) {
	var name, value string
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		switch string(key) {
		case "name":
			name = html.UnescapeString(string(val))
		case "value":
			value = html.UnescapeString(string(val))
		}
	}
	if name == "" {
		return
	}
	if w.Params == nil {
		w.Params = map[string]string{}
	}
	w.Params[name] = value
}

// extractHeaderTag reads a <c:header name="..." value="..."/> child,
// dropping it if name fails the X-*/alnum-dash validation rule.
func extractHeaderTag(w *Widget, z *html.Tokenizer, hasAttr bool) {
	var name, value string
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		switch string(key) {
		case "name":
			name = string(val)
		case "value":
			value = html.UnescapeString(string(val))
		}
	}
	if name == "" || !headerNameRE.MatchString(name) {
		return
	}
	if w.Headers == nil {
		w.Headers = map[string]string{}
	}
	w.Headers[name] = value
}
