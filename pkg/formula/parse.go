package formula

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a compiled numeric expression.
type Expr interface {
	Eval(lookup Lookup) (float64, error)
	String() string
}

// Comparison is a compiled boolean formula.
type Comparison struct {
	Op    byte
	Left  Expr
	Right Expr
}

// Eval evaluates both sides and compares them.
func (c *Comparison) Eval(lookup Lookup) (bool, error) {
	l, err := c.Left.Eval(lookup)
	if err != nil {
		return false, err
	}
	r, err := c.Right.Eval(lookup)
	if err != nil {
		return false, err
	}
	if c.Op == '>' {
		return l > r, nil
	}
	return l < r, nil
}

func (c *Comparison) String() string {
	return c.Left.String() + string(c.Op) + c.Right.String()
}

type constant float64

func (c constant) Eval(Lookup) (float64, error) { return float64(c), nil }
func (c constant) String() string             { return strconv.FormatFloat(float64(c), 'g', -1, 64) }

type parameter string

func (p parameter) Eval(lookup Lookup) (float64, error) {
	if lookup == nil {
		return 0, &LookupError{Name: string(p)}
	}
	return lookup(string(p))
}

func (p parameter) String() string { return string(p) }

type binary struct {
	op          byte
	left, right Expr
}

func (b binary) Eval(lookup Lookup) (float64, error) {
	l, err := b.left.Eval(lookup)
	if err != nil {
		return 0, err
	}
	r, err := b.right.Eval(lookup)
	if err != nil {
		return 0, err
	}
	switch b.op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	default:
		return l / r, nil
	}
}

func (b binary) String() string {
	return "(" + b.left.String() + string(b.op) + b.right.String() + ")"
}

func parseBoolean(s string) (*Comparison, error) {
	for _, op := range []byte{'>', '<'} {
		idx := topLevelIndex(s, op)
		if idx < 0 {
			continue
		}
		left, err := parseNumber(s[:idx])
		if err != nil {
			return nil, err
		}
		right, err := parseNumber(s[idx+1:])
		if err != nil {
			return nil, err
		}
		return &Comparison{Op: op, Left: left, Right: right}, nil
	}
	return nil, fmt.Errorf("boolean formula needs a top level '>' or '<'")
}

func parseNumber(s string) (Expr, error) {
	if s == "" {
		return nil, fmt.Errorf("empty expression")
	}
	if enclosed(s) {
		return parseNumber(s[1 : len(s)-1])
	}
	for _, op := range []byte{'+', '-', '*', '/'} {
		idx := topLevelIndex(s, op)
		if idx <= 0 {
			// a leading '-' belongs to a literal
			continue
		}
		left, err := parseNumber(s[:idx])
		if err != nil {
			return nil, err
		}
		right, err := parseNumber(s[idx+1:])
		if err != nil {
			return nil, err
		}
		return binary{op: op, left: left, right: right}, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return constant(f), nil
	}
	if strings.ContainsAny(s, "()+-*/<>") {
		return nil, fmt.Errorf("malformed expression %q", s)
	}
	return parameter(s), nil
}

// enclosed reports whether s is fully wrapped by one matching pair of parentheses.
func enclosed(s string) bool {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return false
	}
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(s)-1 {
				return false
			}
		}
	}
	return depth == 0
}

// topLevelIndex returns the first index of op outside parentheses, or -1.
func topLevelIndex(s string, op byte) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case op:
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
