// Package formula parses and evaluates amount formulas such as
// "quantity_liters * unit_cost + 12.50". The grammar is closed: numeric
// literals, field references, + - * /, unary minus and parentheses.
// Nothing else is accepted, so no formula can execute code.
package formula

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrSyntax         = errors.New("formula syntax error")
	ErrUnknownField   = errors.New("formula references unknown field")
	ErrDivisionByZero = errors.New("formula divides by zero")
)

const maxDepth = 64

// Env resolves a field reference to a number.
type Env func(name string) (decimal.Decimal, bool)

// Expr is a parsed formula.
type Expr interface {
	Eval(env Env) (decimal.Decimal, error)
	String() string
}

// IsExpression reports whether s should be treated as arithmetic rather than a
// field name or named formula.
func IsExpression(s string) bool {
	return strings.ContainsAny(s, "+-*/")
}

// Eval parses src and evaluates it in one call.
func Eval(src string, env Env) (decimal.Decimal, error) {
	expr, err := Parse(src)
	if err != nil {
		return decimal.Zero, err
	}
	return expr.Eval(env)
}

// Fields lists the distinct field references in expr, in first-use order.
func Fields(expr Expr) []string {
	seen := map[string]bool{}
	var out []string
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case fieldRef:
			if !seen[n.name] {
				seen[n.name] = true
				out = append(out, n.name)
			}
		case unary:
			walk(n.x)
		case binary:
			walk(n.left)
			walk(n.right)
		}
	}
	walk(expr)
	return out
}

// ── AST ───────────────────────────────────────────────────────────────────────

type number struct{ v decimal.Decimal }

func (n number) Eval(Env) (decimal.Decimal, error) { return n.v, nil }
func (n number) String() string                    { return n.v.String() }

type fieldRef struct{ name string }

func (f fieldRef) Eval(env Env) (decimal.Decimal, error) {
	if env != nil {
		if v, ok := env(f.name); ok {
			return v, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownField, f.name)
}

func (f fieldRef) String() string { return f.name }

type unary struct{ x Expr }

func (u unary) Eval(env Env) (decimal.Decimal, error) {
	v, err := u.x.Eval(env)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Neg(), nil
}

func (u unary) String() string { return "(-" + u.x.String() + ")" }

type binary struct {
	op          byte
	left, right Expr
}

func (b binary) Eval(env Env) (decimal.Decimal, error) {
	l, err := b.left.Eval(env)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := b.right.Eval(env)
	if err != nil {
		return decimal.Zero, err
	}

	switch b.op {
	case '+':
		return l.Add(r), nil
	case '-':
		return l.Sub(r), nil
	case '*':
		return l.Mul(r), nil
	default:
		if r.IsZero() {
			return decimal.Zero, ErrDivisionByZero
		}
		return l.Div(r), nil
	}
}

func (b binary) String() string {
	return "(" + b.left.String() + " " + string(b.op) + " " + b.right.String() + ")"
}
