// Package formula compiles and evaluates the threshold formulas used by the
// advisor's formula rules.
//
// A boolean formula is a single comparison "A > B" or "A < B". A numeric
// formula is a parenthesised formula, a binary "+", "-", "*" or "/" split at
// the first operator character found outside parentheses (operators are tried
// in that order over the whole string, so there is no arithmetic precedence),
// a numeric literal, or a parameter name resolved through a Lookup.
package formula

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/patrickmn/go-cache"
)

// ErrParse is wrapped by every compile failure.
var ErrParse = errors.New("formula parse error")

// ParseError describes why a formula could not be compiled.
type ParseError struct {
	Formula string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %q: %s", e.Formula, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrParse
}

// LookupError is returned by a Lookup when a parameter is undefined.
type LookupError struct {
	Name string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("undefined parameter %q", e.Name)
}

// Lookup resolves a parameter name to its current value.
type Lookup func(name string) (float64, error)

// Evaluator owns the compiled formula cache. It is safe for concurrent use.
type Evaluator struct {
	compiled *cache.Cache
}

// New returns an Evaluator with an empty cache.
func New() *Evaluator {
	return &Evaluator{compiled: cache.New(cache.NoExpiration, cache.NoExpiration)}
}

// EvaluateBoolean compiles (or reuses) formula and evaluates it against lookup.
// Lookup failures are returned unchanged.
func (e *Evaluator) EvaluateBoolean(formula string, lookup Lookup) (bool, error) {
	expr, err := e.CompileBoolean(formula)
	if err != nil {
		return false, err
	}
	return expr.Eval(lookup)
}

// EvaluateNumber compiles (or reuses) a numeric formula and evaluates it.
func (e *Evaluator) EvaluateNumber(formula string, lookup Lookup) (float64, error) {
	expr, err := e.CompileNumber(formula)
	if err != nil {
		return 0, err
	}
	return expr.Eval(lookup)
}

// CompileBoolean returns the compiled comparison for formula. Only the parse
// tree is cached; values are always pulled from the lookup at Eval time.
func (e *Evaluator) CompileBoolean(formula string) (*Comparison, error) {
	key := "b:" + formula
	if v, ok := e.compiled.Get(key); ok {
		return v.(*Comparison), nil
	}
	expr, err := parseBoolean(stripSpace(formula))
	if err != nil {
		return nil, &ParseError{Formula: formula, Reason: err.Error()}
	}
	e.compiled.SetDefault(key, expr)
	return expr, nil
}

// CompileNumber returns the compiled numeric expression for formula.
func (e *Evaluator) CompileNumber(formula string) (Expr, error) {
	key := "n:" + formula
	if v, ok := e.compiled.Get(key); ok {
		return v.(Expr), nil
	}
	expr, err := parseNumber(stripSpace(formula))
	if err != nil {
		return nil, &ParseError{Formula: formula, Reason: err.Error()}
	}
	e.compiled.SetDefault(key, expr)
	return expr, nil
}

// Len reports how many compiled formulas are cached.
func (e *Evaluator) Len() int {
	return e.compiled.ItemCount()
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
