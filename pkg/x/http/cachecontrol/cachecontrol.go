// Package cachecontrol parses the HTTP Cache-Control request/response
// header (RFC 7234 §5.2) into its directives, per spec.md §4.6's
// cacheability evaluation.
package cachecontrol

import (
	"strconv"
	"strings"
	"time"
)

// Directives holds the parsed Cache-Control directives relevant to the
// response-cacheability decision in server/middleware/caching.
type Directives struct {
	NoCache       bool
	NoStore       bool
	Private       bool
	Public        bool
	MustRevalidate bool
	OnlyIfCached  bool
	maxAge        time.Duration
	hasMaxAge     bool
	sMaxAge       time.Duration
	hasSMaxAge    bool
}

// MaxAge returns the parsed s-maxage directive when present, otherwise
// the max-age directive, or 0 if neither is present.
func (d Directives) MaxAge() time.Duration {
	if d.hasSMaxAge {
		return d.sMaxAge
	}
	return d.maxAge
}

// HasMaxAge reports whether an explicit max-age/s-maxage directive was
// present (distinguishing "absent" from "max-age=0").
func (d Directives) HasMaxAge() bool {
	return d.hasMaxAge || d.hasSMaxAge
}

// Cacheable reports whether the directives permit storing a response at
// all (independent of max-age/expires computation).
func (d Directives) Cacheable() bool {
	return !d.NoStore && !d.NoCache && !d.Private
}

// Parse parses a raw Cache-Control header value. An empty string yields a
// zero Directives (no directives present, caching allowed by default).
func Parse(raw string) Directives {
	var d Directives
	if raw == "" {
		return d
	}

	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		name, value, _ := strings.Cut(part, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch name {
		case "no-cache":
			d.NoCache = true
		case "no-store":
			d.NoStore = true
		case "private":
			d.Private = true
		case "public":
			d.Public = true
		case "must-revalidate":
			d.MustRevalidate = true
		case "only-if-cached":
			d.OnlyIfCached = true
		case "max-age":
			if secs, err := strconv.Atoi(value); err == nil {
				d.maxAge = time.Duration(secs) * time.Second
				d.hasMaxAge = true
			}
		case "s-maxage":
			if secs, err := strconv.Atoi(value); err == nil {
				d.sMaxAge = time.Duration(secs) * time.Second
				d.hasSMaxAge = true
			}
		}
	}

	return d
}
