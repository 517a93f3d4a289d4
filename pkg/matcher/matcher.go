// Package matcher compiles the matcher mini-language embedded in role
// declarations into predicates over node tag dictionaries.
//
// A matcher expression is a symbolic form:
//
//	(and E1 E2 ...)          conjunction, at least one operand
//	(or  E1 E2 ...)          disjunction, at least one operand
//	(not E)                  negation, exactly one operand
//	(eq  A1 A2 ...)          all accessors yield equal values
//
// Accessors inside eq are a keyword :k (the value of tag k, absent when the
// node has no such tag), a string literal, or nil. A missing tag compares
// equal only to nil or to another missing tag.
package matcher

import (
	"fmt"

	"olympos.io/encoding/edn"

	"github.com/condo-io/condo/pkg/sexp"
)

// Matcher is a compiled predicate over a node's tag dictionary.
type Matcher interface {
	Matches(tags map[string]string) bool
}

// Compile turns a matcher expression into a predicate. Every malformed node
// in the expression yields a descriptive error.
func Compile(expr sexp.Value) (Matcher, error) {
	form, ok := expr.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected an operator form, got %v", expr)
	}
	if len(form) == 0 {
		return nil, fmt.Errorf("empty operator form")
	}
	op, ok := form[0].(edn.Symbol)
	if !ok {
		return nil, fmt.Errorf("operator must be a symbol, got %v", form[0])
	}
	args := form[1:]
	switch op {
	case "and", "or":
		if len(args) == 0 {
			return nil, fmt.Errorf("(%s) needs at least one operand", op)
		}
		ms := make([]Matcher, len(args))
		for i, arg := range args {
			m, err := Compile(arg)
			if err != nil {
				return nil, err
			}
			ms[i] = m
		}
		if op == "and" {
			return andMatcher(ms), nil
		}
		return orMatcher(ms), nil
	case "not":
		if len(args) != 1 {
			return nil, fmt.Errorf("(not) takes exactly one operand, got %d", len(args))
		}
		m, err := Compile(args[0])
		if err != nil {
			return nil, err
		}
		return notMatcher{m}, nil
	case "eq":
		if len(args) == 0 {
			return nil, fmt.Errorf("(eq) needs at least one accessor")
		}
		as := make([]accessor, len(args))
		for i, arg := range args {
			a, err := compileAccessor(arg)
			if err != nil {
				return nil, err
			}
			as[i] = a
		}
		return eqMatcher(as), nil
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}
}

type andMatcher []Matcher

func (m andMatcher) Matches(tags map[string]string) bool {
	for _, inner := range m {
		if !inner.Matches(tags) {
			return false
		}
	}
	return true
}

type orMatcher []Matcher

func (m orMatcher) Matches(tags map[string]string) bool {
	for _, inner := range m {
		if inner.Matches(tags) {
			return true
		}
	}
	return false
}

type notMatcher struct {
	inner Matcher
}

func (m notMatcher) Matches(tags map[string]string) bool {
	return !m.inner.Matches(tags)
}

// eqMatcher holds one accessor per operand. With a single operand it is
// vacuously true.
type eqMatcher []accessor

func (m eqMatcher) Matches(tags map[string]string) bool {
	first := m[0].get(tags)
	for _, a := range m[1:] {
		if !equalOpt(first, a.get(tags)) {
			return false
		}
	}
	return true
}

// accessor resolves an eq operand against a tag dictionary. The result is
// an optional string: nil for the nil literal and for missing tags.
type accessor interface {
	get(tags map[string]string) *string
}

func compileAccessor(arg sexp.Value) (accessor, error) {
	switch t := arg.(type) {
	case nil:
		return nilAccessor{}, nil
	case edn.Keyword:
		return tagAccessor(t), nil
	case string:
		return literalAccessor(t), nil
	default:
		return nil, fmt.Errorf("eq accessor must be a keyword, string or nil, got %v", arg)
	}
}

type tagAccessor string

func (a tagAccessor) get(tags map[string]string) *string {
	if v, ok := tags[string(a)]; ok {
		return &v
	}
	return nil
}

type literalAccessor string

func (a literalAccessor) get(map[string]string) *string {
	v := string(a)
	return &v
}

type nilAccessor struct{}

func (nilAccessor) get(map[string]string) *string {
	return nil
}

func equalOpt(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
