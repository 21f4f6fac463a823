package widget

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// RewriteMode selects how rewrite_widget_uri rewrites a URI found inside a
// widget's own markup.
type RewriteMode int

const (
	// ModeFocus re-enters the document with this widget focused, forwarding
	// the eventual request's method/body/query to it via ApplyFocus. This
	// is the default mode.
	ModeFocus RewriteMode = iota
	// ModeDirect routes straight at the widget's own backend, bypassing the
	// surrounding document entirely.
	ModeDirect
	// ModePartial re-renders only this widget's fragment (see LookupWidget),
	// not the surrounding document.
	ModePartial
)

// ParseRewriteMode maps a c:mode attribute value to a RewriteMode,
// defaulting to ModeFocus for an empty or unrecognized value.
func ParseRewriteMode(s string) RewriteMode {
	switch s {
	case "direct":
		return ModeDirect
	case "partial":
		return ModePartial
	default:
		return ModeFocus
	}
}

// RewriteURI rewrites a URI found inside widget w's own markup (an <a
// href>, <img src>, form action, ...) so that it routes back through the
// proxy at mountPoint instead of pointing at the widget's own backend
// directly — the "focus" URI rewriting beng-proxy performs on widget
// content. w's own c:base/c:mode/c:view attributes, if set, override
// mountPoint, mode and the outgoing c.view parameter respectively.
func RewriteURI(raw, mountPoint string, w *Widget, mode RewriteMode) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, err
	}
	if u.IsAbs() {
		// Absolute URIs escape the widget sandbox untouched; only the
		// widget's own relative references get proxied.
		return raw, nil
	}

	base := mountPoint
	if w.Base != "" {
		base = w.Base
	}
	effMode := mode
	if w.Mode != "" {
		effMode = ParseRewriteMode(w.Mode)
	}
	if effMode == ModeDirect {
		return raw, nil
	}

	values := url.Values{}
	if u.RawQuery != "" {
		if parsed, err := url.ParseQuery(u.RawQuery); err == nil {
			values = parsed
		}
	}
	values.Set("c.widget", w.Ref())
	if effMode == ModePartial {
		values.Set("c.mode", "partial")
	}
	if w.View != "" {
		values.Set("c.view", w.View)
	}

	rewritten := &url.URL{
		Path:     joinPath(base, u.Path),
		RawQuery: values.Encode(),
		Fragment: u.Fragment,
	}
	return rewritten.String(), nil
}

func joinPath(mount, path string) string {
	mount = strings.TrimSuffix(mount, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return mount + path
}

// PrefixClassName applies the widget CSS-scoping convention to a single
// class/id/selector name: a leading "_" opts the name out of rewriting
// entirely, "__" prefixes it with the widget's own CSS class, "___"
// prefixes it with the widget's unique dotted ref, and a name with no
// leading underscore is left untouched (global, unscoped name).
func PrefixClassName(name string, w *Widget) string {
	switch {
	case strings.HasPrefix(name, "___"):
		return w.Ref() + name
	case strings.HasPrefix(name, "__"):
		cls := w.Class
		if cls == "" {
			cls = w.ID
		}
		return cls + name
	default:
		return name
	}
}

var selectorRE = regexp.MustCompile(`([.#])([A-Za-z0-9_-]+)`)

// PrefixCSS rewrites class/id selectors in a widget's inline CSS (a
// <style> block or a style="" attribute) in place, applying
// PrefixClassName to each selector name it finds.
func PrefixCSS(css string, w *Widget) string {
	return selectorRE.ReplaceAllStringFunc(css, func(m string) string {
		sigil, name := m[:1], m[1:]
		return sigil + PrefixClassName(name, w)
	})
}

var urlFnRE = regexp.MustCompile(`url\(\s*(['"]?)([^'")]+)(['"]?)\s*\)`)

// PrefixStyleBlock rewrites a <style> block's selectors (via PrefixCSS)
// and any url(...) references inside it (via RewriteURI), the way
// beng-proxy's widget processor handles a widget's own stylesheet.
func PrefixStyleBlock(css, mountPoint string, w *Widget, mode RewriteMode) (string, error) {
	css = PrefixCSS(css, w)
	var rewriteErr error
	out := urlFnRE.ReplaceAllStringFunc(css, func(m string) string {
		sub := urlFnRE.FindStringSubmatch(m)
		quote, raw := sub[1], sub[2]
		rewritten, err := RewriteURI(raw, mountPoint, w, mode)
		if err != nil {
			rewriteErr = err
			return m
		}
		return "url(" + quote + rewritten + quote + ")"
	})
	if rewriteErr != nil {
		return css, rewriteErr
	}
	return out, nil
}

// PrefixHTML walks a widget's own markup and applies the CSS-scoping
// convention to its class/style/id/for/name attributes: class and style
// are scanned in place (PrefixCSS / per-token), id/for/name are rewritten
// wholesale (PrefixClassName on the whole attribute value).
func PrefixHTML(markup string, w *Widget) string {
	z := html.NewTokenizer(strings.NewReader(markup))
	var b strings.Builder

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			b.Write(z.Raw())
			continue
		}

		name, hasAttr := z.TagName()
		b.WriteByte('<')
		b.Write(name)
		for hasAttr {
			var key, val []byte
			key, val, hasAttr = z.TagAttr()
			attrName, attrVal := string(key), string(val)
			switch attrName {
			case "class":
				attrVal = prefixTokenList(attrVal, w)
			case "style":
				attrVal = PrefixCSS(attrVal, w)
			case "id", "for", "name":
				attrVal = PrefixClassName(attrVal, w)
			}
			b.WriteByte(' ')
			b.WriteString(attrName)
			b.WriteString(`="`)
			b.WriteString(html.EscapeString(attrVal))
			b.WriteByte('"')
		}
		if tt == html.SelfClosingTagToken {
			b.WriteString("/>")
		} else {
			b.WriteByte('>')
		}
	}
	return b.String()
}

func prefixTokenList(val string, w *Widget) string {
	fields := strings.Fields(val)
	for i, f := range fields {
		fields[i] = PrefixClassName(f, w)
	}
	return strings.Join(fields, " ")
}

// LookupWidget resolves processor_lookup_widget: it finds the widget
// named by ref's dotted path (e.g. "nav.search") by walking down from the
// matching root in roots, or returns nil if no such widget exists in the
// tree.
func LookupWidget(roots []*Widget, ref string) *Widget {
	if ref == "" {
		return nil
	}
	segments := strings.Split(ref, ".")

	var cur *Widget
	for _, r := range roots {
		if r.ID == segments[0] {
			cur = r
			break
		}
	}
	if cur == nil {
		return nil
	}

	for _, seg := range segments[1:] {
		var next *Widget
		for _, c := range cur.Children {
			if c.ID == seg {
				next = c
				break
			}
		}
		if next == nil {
			return nil
		}
		cur = next
	}
	return cur
}

var entityRE = regexp.MustCompile(`&c:(prefix|id|class|uri);`)

// ExpandEntities replaces the widget-scoped pseudo-entities a backend may
// emit in its response text (&c:prefix; &c:id; &c:class; &c:uri;) with
// values derived from w, the text-processor entity expansion beng-proxy
// applies to widgets whose translation response asks for it.
//
// This covers the common, context-free entities. &c:base; and friends,
// which need the enclosing translation response rather than just w, are
// intentionally left unexpanded; see DESIGN.md.
func ExpandEntities(text, mountPoint string, w *Widget) string {
	return entityRE.ReplaceAllStringFunc(text, func(m string) string {
		switch entityRE.FindStringSubmatch(m)[1] {
		case "prefix":
			return w.Ref() + "__"
		case "id":
			return w.ID
		case "class":
			return w.Class
		case "uri":
			rewritten, err := RewriteURI("", mountPoint, w, ModeFocus)
			if err != nil {
				return m
			}
			return rewritten
		default:
			return m
		}
	})
}
