// Package template expands service document templates into the JSON
// documents written per (node, service) pair. Templates embed references to
// live watcher values as #condo/watcher "key" tagged literals.
package template

import (
	"context"
	"reflect"

	"github.com/datawire/dlib/dlog"
	"olympos.io/encoding/edn"

	"github.com/condo-io/condo/pkg/schema"
	"github.com/condo-io/condo/pkg/sexp"
)

// WatcherTag is the tag of the literal that marks a watcher reference
// inside a service document template.
const WatcherTag = "condo/watcher"

// FindWatchers returns the key of every #condo/watcher "K" node anywhere in
// v, deduplicated in traversal order. A watcher node whose payload is not a
// string literal is logged and omitted.
func FindWatchers(ctx context.Context, v sexp.Value) []string {
	var keys []string
	seen := make(map[string]bool)
	walk(v, func(t edn.Tag) {
		key, ok := t.Value.(string)
		if !ok {
			dlog.Errorf(ctx, "watcher reference %v is not a string key, ignoring", t.Value)
			return
		}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	})
	return keys
}

func walk(v sexp.Value, onWatcher func(edn.Tag)) {
	switch t := v.(type) {
	case edn.Tag:
		if t.Tagname == WatcherTag {
			onWatcher(t)
			return
		}
		walk(t.Value, onWatcher)
	case []interface{}:
		for _, e := range t {
			walk(e, onWatcher)
		}
	case map[interface{}]interface{}:
		for k, e := range t {
			walk(k, onWatcher)
			walk(e, onWatcher)
		}
	case map[interface{}]bool:
		for e := range t {
			walk(e, onWatcher)
		}
	}
}

// Substitute replaces every #condo/watcher "K" node in v with values[K].
// The replacement is not expanded further: a watcher value containing a
// watcher reference of its own stays as it is. Map keys and values, list
// and vector elements, and set members are all visited.
func Substitute(v sexp.Value, values map[string]sexp.Value) sexp.Value {
	switch t := v.(type) {
	case edn.Tag:
		if t.Tagname == WatcherTag {
			if key, ok := t.Value.(string); ok {
				return values[key]
			}
			return t
		}
		return edn.Tag{Tagname: t.Tagname, Value: Substitute(t.Value, values)}
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = Substitute(e, values)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[interface{}]interface{}, len(t))
		for k, e := range t {
			nk := Substitute(k, values)
			if !hashable(nk) {
				// the replacement cannot serve as a map key; keep
				// the reference in place
				nk = k
			}
			out[nk] = Substitute(e, values)
		}
		return out
	case map[interface{}]bool:
		out := make(map[interface{}]bool, len(t))
		for e := range t {
			ne := Substitute(e, values)
			if !hashable(ne) {
				ne = e
			}
			out[ne] = true
		}
		return out
	default:
		return v
	}
}

func hashable(v sexp.Value) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}

// Expander renders service documents from templates.
type Expander struct {
	validator schema.Validator
}

func NewExpander(v schema.Validator) *Expander {
	return &Expander{validator: v}
}

// Expand substitutes watcher values into the template, validates the result
// and injects HOST = hostIP at the head of the document's environment list.
// It returns the rendered JSON string, or ok=false when the expanded
// document does not validate.
func (e *Expander) Expand(ctx context.Context, tmpl sexp.Value, values map[string]sexp.Value, hostIP string) (doc string, ok bool) {
	expanded := Substitute(tmpl, values)
	d, err := e.validator.Validate(sexp.ToJSON(expanded))
	if err != nil {
		dlog.Errorf(ctx, "service document rejected: %v", err)
		return "", false
	}
	d.PrependEnv("HOST", hostIP)
	doc, err = d.Encode()
	if err != nil {
		dlog.Errorf(ctx, "service document failed to encode: %v", err)
		return "", false
	}
	return doc, true
}
