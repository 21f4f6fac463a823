package translate

import (
	"context"
	"regexp"
	"strings"
	"sync"
)

// rule is one cached translation decision, scoped by the BASE prefix or
// REGEX pattern the translation server returned alongside it — a
// response tagged BASE "/images/" applies to every request under that
// prefix, not just the one that triggered the lookup.
type rule struct {
	base  string
	regex *regexp.Regexp
	resp  *Response
}

// TranslateCache fronts a Client with an in-memory cache of translation
// decisions, invalidated wholesale or by matching key via INVALIDATE.
type TranslateCache struct {
	client *Client

	mu    sync.RWMutex
	exact map[string]*Response // uri -> response, for responses with no BASE/REGEX
	rules []rule
}

// NewTranslateCache wraps client with caching.
func NewTranslateCache(client *Client) *TranslateCache {
	return &TranslateCache{client: client, exact: make(map[string]*Response)}
}

// Lookup returns a cached decision for req if one covers it, else queries
// the translation server and caches the result according to the BASE/
// REGEX fields it returns.
func (t *TranslateCache) Lookup(ctx context.Context, req *Request) (*Response, error) {
	if resp, ok := t.lookupCached(req.URI); ok {
		return resp, nil
	}

	resp, err := t.client.Translate(ctx, req)
	if err != nil {
		return nil, err
	}
	t.store(req.URI, resp)
	return resp, nil
}

func (t *TranslateCache) lookupCached(uri string) (*Response, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if resp, ok := t.exact[uri]; ok {
		return resp, true
	}
	for _, r := range t.rules {
		if r.base != "" && strings.HasPrefix(uri, r.base) {
			return r.resp, true
		}
		if r.regex != nil && r.regex.MatchString(uri) {
			return r.resp, true
		}
	}
	return nil, false
}

func (t *TranslateCache) store(uri string, resp *Response) {
	t.mu.Lock()
	defer t.mu.Unlock()

	base := resp.Fields["BASE"]
	regexField := resp.Fields["REGEX"]

	switch {
	case regexField != "":
		if re, err := regexp.Compile(regexField); err == nil {
			t.rules = append(t.rules, rule{regex: re, resp: resp})
			return
		}
		fallthrough
	case base != "":
		t.rules = append(t.rules, rule{base: base, resp: resp})
	default:
		t.exact[uri] = resp
	}
}

// Invalidate drops every cached decision whose URI (exact) or BASE/REGEX
// match key — the control channel's INVALIDATE command.
func (t *TranslateCache) Invalidate(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.exact, key)

	kept := t.rules[:0]
	for _, r := range t.rules {
		matches := (r.base != "" && strings.HasPrefix(key, r.base)) ||
			(r.regex != nil && r.regex.MatchString(key))
		if !matches {
			kept = append(kept, r)
		}
	}
	t.rules = kept
}

// InvalidateAll drops every cached decision.
func (t *TranslateCache) InvalidateAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exact = make(map[string]*Response)
	t.rules = nil
}
