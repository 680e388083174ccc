// Package jsonld holds helpers over untyped linked-data documents:
// tolerant value accessors and the forwarding safety check used to
// decide whether a re-serialized document can be redistributed.
package jsonld

import (
	"net/url"
	"strings"

	"github.com/concrnt/ccworld-ap-core/world"
)

// EqualsOrIncludes reports whether haystack equals needle or is an
// array containing it.
func EqualsOrIncludes(haystack any, needle string) bool {
	if arr, ok := haystack.([]any); ok {
		for _, item := range arr {
			if str, ok := item.(string); ok && str == needle {
				return true
			}
		}
		return false
	}
	str, ok := haystack.(string)
	return ok && str == needle
}

func EqualsOrIncludesAny(haystack any, needles []string) bool {
	for _, needle := range needles {
		if EqualsOrIncludes(haystack, needle) {
			return true
		}
	}
	return false
}

// FirstOfValue unwraps a single-element or multi-element array to its
// first element.
func FirstOfValue(value any) any {
	if arr, ok := value.([]any); ok {
		if len(arr) == 0 {
			return nil
		}
		return arr[0]
	}
	return value
}

// AsArray coerces a value to an array: nil becomes empty, a scalar a
// one-element array.
func AsArray(value any) []any {
	if value == nil {
		return []any{}
	}
	if arr, ok := value.([]any); ok {
		return arr
	}
	return []any{value}
}

// ValueOrID returns a string value as-is, or the id (falling back to
// url) of an embedded object.
func ValueOrID(value any) string {
	if str, ok := value.(string); ok {
		return str
	}
	if m, ok := value.(map[string]any); ok {
		if id, ok := m["id"].(string); ok {
			return id
		}
		if u, ok := m["url"].(string); ok {
			return u
		}
	}
	return ""
}

// URIFromBearcap unwraps a bearcap URI to the resource it wraps.
func URIFromBearcap(str string) string {
	if !strings.HasPrefix(str, "bear:") {
		return str
	}
	parsed, err := url.Parse(str)
	if err != nil {
		return str
	}
	if u := parsed.Query().Get("u"); u != "" {
		return u
	}
	return str
}

func UnsupportedURIScheme(uri string) bool {
	return !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://")
}

// NonMatchingURIHosts reports whether comparisonURL names a different
// host than baseURL. Used to reject objects claiming an identifier on
// someone else's domain.
func NonMatchingURIHosts(baseURL, comparisonURL string) bool {
	if UnsupportedURIScheme(comparisonURL) {
		return true
	}

	needle, err := url.Parse(comparisonURL)
	if err != nil {
		return true
	}
	haystack, err := url.Parse(baseURL)
	if err != nil {
		return true
	}

	return !strings.EqualFold(haystack.Hostname(), needle.Hostname())
}

// SupportedContext reports whether the document declares the
// activitystreams context.
func SupportedContext(document map[string]any) bool {
	return document != nil && EqualsOrIncludes(document["@context"], world.ActivityStreamsContext)
}

// IsPublicCollection reports whether the audience entry addresses the
// public collection, in any of its spellings.
func IsPublicCollection(uri string) bool {
	switch uri {
	case world.PublicCollection, world.PublicCollectionShort, world.PublicCollectionBare:
		return true
	}
	return false
}
