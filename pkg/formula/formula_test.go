package formula

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(values map[string]float64) Lookup {
	return func(name string) (float64, error) {
		v, ok := values[name]
		if !ok {
			return 0, &LookupError{Name: name}
		}
		return v, nil
	}
}

func TestEvaluateBoolean(t *testing.T) {
	lookup := mapLookup(map[string]float64{
		"VmRSS":          300,
		"baseline.VmRSS": 100,
		"availMem":       50,
	})

	tests := []struct {
		name     string
		formula  string
		expected bool
	}{
		{name: "parenthesised product", formula: "(1+2)*3 > 8", expected: true},
		{name: "less than", formula: "1 < 2", expected: true},
		{name: "false comparison", formula: "2 > 3", expected: false},
		{name: "parameters", formula: "VmRSS - baseline.VmRSS > 150", expected: true},
		{name: "ratio of parameters", formula: "availMem / VmRSS < 0.1", expected: false},
		{name: "whitespace ignored", formula: "  VmRSS>  baseline.VmRSS * 2 ", expected: true},
		{name: "negative literal", formula: "-5 < 0", expected: true},
		{name: "nested parentheses", formula: "((VmRSS)) > (((299)))", expected: true},
	}

	e := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateBoolean(tt.formula, lookup)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestTextualOperatorOrder(t *testing.T) {
	e := New()

	// '+' is found first, so this is 2 + (3*4)
	v, err := e.EvaluateNumber("2+3*4", nil)
	require.NoError(t, err)
	assert.Equal(t, 14.0, v)

	// '+' before '*' regardless of position: (2*3) + 4
	v, err = e.EvaluateNumber("2*3+4", nil)
	require.NoError(t, err)
	assert.Equal(t, 10.0, v)

	// split at the first '-': 10 - (4 - 3)
	v, err = e.EvaluateNumber("10-4-3", nil)
	require.NoError(t, err)
	assert.Equal(t, 9.0, v)

	// split at the first '/': 8 / (4 / 2)
	v, err = e.EvaluateNumber("8/4/2", nil)
	require.NoError(t, err)
	assert.Equal(t, 4.0, v)
}

func TestParseErrors(t *testing.T) {
	e := New()

	for _, f := range []string{"2+3*4", "", "(1+2 > 3", "1 > ", "a(b) > 1"} {
		t.Run(f, func(t *testing.T) {
			_, err := e.EvaluateBoolean(f, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParse), "expected parse error, got %v", err)

			var pe *ParseError
			assert.True(t, errors.As(err, &pe))
			assert.Equal(t, f, pe.Formula)
		})
	}
	assert.Equal(t, 0, e.Len(), "failed compiles are not cached")
}

func TestLookupErrorPropagates(t *testing.T) {
	e := New()
	_, err := e.EvaluateBoolean("missing > 1", mapLookup(nil))
	require.Error(t, err)

	var le *LookupError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "missing", le.Name)
	assert.False(t, errors.Is(err, ErrParse))
}

func TestCacheUsesFreshLookup(t *testing.T) {
	e := New()
	formula := "x * 2 > 10"

	got, err := e.EvaluateBoolean(formula, mapLookup(map[string]float64{"x": 1}))
	require.NoError(t, err)
	assert.False(t, got)

	got, err = e.EvaluateBoolean(formula, mapLookup(map[string]float64{"x": 6}))
	require.NoError(t, err)
	assert.True(t, got)

	assert.Equal(t, 1, e.Len())

	first, err := e.CompileBoolean(formula)
	require.NoError(t, err)
	second, err := e.CompileBoolean(formula)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestCacheIsPerEvaluator(t *testing.T) {
	a, b := New(), New()
	_, err := a.EvaluateBoolean("1 > 0", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 0, b.Len())
}
