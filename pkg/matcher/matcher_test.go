package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/condo-io/condo/pkg/sexp"
)

func compile(t *testing.T, src string) Matcher {
	t.Helper()
	v, err := sexp.Parse([]byte(src))
	require.NoError(t, err)
	m, err := Compile(v)
	require.NoError(t, err)
	return m
}

func compileErr(t *testing.T, src string) error {
	t.Helper()
	v, err := sexp.Parse([]byte(src))
	require.NoError(t, err)
	_, err = Compile(v)
	require.Error(t, err)
	return err
}

func TestCompileErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		src  string
	}{
		{"empty and", `(and)`},
		{"empty or", `(or)`},
		{"empty eq", `(eq)`},
		{"not with two operands", `(not (eq :a "x") (eq :b "y"))`},
		{"not with none", `(not)`},
		{"unknown operator", `(xor (eq :a "x"))`},
		{"bare keyword", `:a`},
		{"operator not a symbol", `("and" (eq :a "x"))`},
		{"eq with form operand", `(eq (eq :a "x"))`},
		{"eq with number", `(eq :a 3)`},
		{"nested error surfaces", `(and (eq :a "x") (or))`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			compileErr(t, tc.src)
		})
	}
}

func TestEq(t *testing.T) {
	m := compile(t, `(eq :k1 :k2)`)
	assert.True(t, m.Matches(map[string]string{"k1": "a", "k2": "a"}))
	assert.False(t, m.Matches(map[string]string{"k1": "a", "k2": "b"}))
	// one side resolves to a missing tag
	assert.False(t, m.Matches(map[string]string{"k1": "a"}))
	// both sides missing
	assert.True(t, m.Matches(map[string]string{}))
}

func TestEqLiteralsAndNil(t *testing.T) {
	assert.True(t, compile(t, `(eq "a" "a")`).Matches(nil))
	assert.False(t, compile(t, `(eq "a" "b")`).Matches(nil))
	assert.True(t, compile(t, `(eq :dc "eu")`).Matches(map[string]string{"dc": "eu"}))
	assert.False(t, compile(t, `(eq :dc "eu")`).Matches(map[string]string{"dc": "us"}))

	// a missing tag equals only nil or another missing tag
	m := compile(t, `(eq :missing nil)`)
	assert.True(t, m.Matches(map[string]string{}))
	assert.False(t, m.Matches(map[string]string{"missing": "here"}))

	// the empty string is a value, not an absence
	assert.False(t, compile(t, `(eq :k nil)`).Matches(map[string]string{"k": ""}))
}

func TestEqVacuouslyTrue(t *testing.T) {
	assert.True(t, compile(t, `(eq :whatever)`).Matches(nil))
	assert.True(t, compile(t, `(eq nil)`).Matches(nil))
}

func TestSingleOperandAndIsIdentity(t *testing.T) {
	inner := compile(t, `(eq :dc "eu")`)
	wrapped := compile(t, `(and (eq :dc "eu"))`)
	for _, tags := range []map[string]string{
		{"dc": "eu"},
		{"dc": "us"},
		{},
	} {
		assert.Equal(t, inner.Matches(tags), wrapped.Matches(tags), "tags %v", tags)
	}
}

func TestNot(t *testing.T) {
	m := compile(t, `(not (eq :role "web"))`)
	assert.True(t, m.Matches(map[string]string{"role": "db"}))
	assert.False(t, m.Matches(map[string]string{"role": "web"}))
	assert.True(t, m.Matches(map[string]string{}))
}

func TestAndOr(t *testing.T) {
	m := compile(t, `(and (eq :dc "eu") (or (eq :role "web") (eq :role "db")))`)
	assert.True(t, m.Matches(map[string]string{"dc": "eu", "role": "web"}))
	assert.True(t, m.Matches(map[string]string{"dc": "eu", "role": "db"}))
	assert.False(t, m.Matches(map[string]string{"dc": "eu", "role": "cache"}))
	assert.False(t, m.Matches(map[string]string{"dc": "us", "role": "web"}))
}
