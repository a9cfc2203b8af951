// Package delivery turns stored image delivery URLs into servable ones.
//
// The image CDN issues a base URL per asset that answers 400 unless a
// variant segment is appended. Documents written over the years store the
// bare base URL, so every read path applies Fix before a URL reaches a
// client.
package delivery

import (
	"net/url"
	"strings"
)

// DefaultVariant is the CDN variant served to clients.
const DefaultVariant = "public"

// Fixer appends a fixed variant segment to delivery URLs.
type Fixer struct {
	Variant string
}

// NewFixer returns a Fixer for variant, or for DefaultVariant when empty.
func NewFixer(variant string) Fixer {
	variant = strings.Trim(variant, "/")
	if variant == "" {
		variant = DefaultVariant
	}
	return Fixer{Variant: variant}
}

// FixURL applies the default variant.
func FixURL(base string) string {
	return NewFixer(DefaultVariant).Fix(base)
}

// Fix returns base with exactly one "/<variant>" segment at the end of its
// path. It is a pure string transform and is idempotent: a URL whose last
// path segment already is the variant comes back with trailing slashes
// trimmed and nothing appended. Query and fragment are kept.
func (f Fixer) Fix(base string) string {
	if base == "" {
		return ""
	}
	variant := f.Variant
	if variant == "" {
		variant = DefaultVariant
	}

	path, tail := splitTail(base)
	path = strings.TrimRight(path, "/")

	if lastSegment(path) == variant {
		return path + tail
	}
	return path + "/" + variant + tail
}

// splitTail separates "?query" and "#fragment" from the rest of the URL.
func splitTail(u string) (string, string) {
	i := strings.IndexAny(u, "?#")
	if i < 0 {
		return u, ""
	}
	return u[:i], u[i:]
}

func lastSegment(path string) string {
	// never treat the host of "https://host" as a path segment
	if i := strings.Index(path, "://"); i >= 0 {
		rest := path[i+3:]
		if !strings.Contains(rest, "/") {
			return ""
		}
	}
	i := strings.LastIndex(path, "/")
	return path[i+1:]
}

// AssetID extracts the CDN image id from a delivery URL. Both the
// dedicated delivery host form
//
//	https://imagedelivery.net/<account>/<id>[/<variant>]
//
// and the zone-proxied form
//
//	https://<host>/cdn-cgi/imagedelivery/<account>/<id>[/<variant>]
//
// are recognised.
func AssetID(u string) (string, bool) {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "", false
	}

	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "cdn-cgi" && parts[1] == "imagedelivery" {
		parts = parts[2:]
	} else if parsed.Host != "imagedelivery.net" {
		return "", false
	}

	// <account>/<id>[/<variant>]
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
