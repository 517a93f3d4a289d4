// Package sexp handles the symbolic (EDN) values condo reads from the KV
// store: role records, matcher expressions, watcher values, and service
// document templates. Values are kept as the generic trees produced by the
// EDN reader; this package adds parsing and the JSON re-encoding used when
// a tree leaves the symbolic world.
package sexp

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"olympos.io/encoding/edn"
)

// Value is a parsed symbolic tree. Possible shapes: nil, bool, int64,
// float64, string, edn.Keyword, edn.Symbol, []interface{} (lists and
// vectors), map[interface{}]interface{} (maps), map[interface{}]bool (sets),
// and edn.Tag for tagged literals.
type Value = interface{}

// Parse reads a single EDN value.
func Parse(raw []byte) (Value, error) {
	var v Value
	if err := edn.Unmarshal(raw, &v); err != nil {
		return nil, errors.Wrap(err, "parse edn")
	}
	return v, nil
}

// ToJSON converts a symbolic tree into a tree that encoding/json can
// marshal. Keywords and symbols become their name strings, maps become
// objects with stringified keys, lists, vectors and sets become arrays, and
// tagged literals collapse to their payload.
func ToJSON(v Value) interface{} {
	switch t := v.(type) {
	case edn.Keyword:
		return string(t)
	case edn.Symbol:
		return string(t)
	case edn.Tag:
		return ToJSON(t.Value)
	case []interface{}:
		arr := make([]interface{}, len(t))
		for i, e := range t {
			arr[i] = ToJSON(e)
		}
		return arr
	case map[interface{}]interface{}:
		obj := make(map[string]interface{}, len(t))
		for k, e := range t {
			obj[keyString(k)] = ToJSON(e)
		}
		return obj
	case map[interface{}]bool:
		arr := make([]string, 0, len(t))
		for e := range t {
			b, err := json.Marshal(ToJSON(e))
			if err != nil {
				b = []byte(fmt.Sprint(e))
			}
			arr = append(arr, string(b))
		}
		// sets are unordered; sort the encoded elements so the output
		// is stable
		sort.Strings(arr)
		out := make([]interface{}, len(arr))
		for i, e := range arr {
			out[i] = json.RawMessage(e)
		}
		return out
	default:
		return v
	}
}

// EncodeJSON renders a symbolic tree as JSON text.
func EncodeJSON(v Value) ([]byte, error) {
	return json.Marshal(ToJSON(v))
}

func keyString(k Value) string {
	switch t := k.(type) {
	case edn.Keyword:
		return string(t)
	case edn.Symbol:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
