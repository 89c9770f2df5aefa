/*
 * Goalpost
 * Copyright (C) 2024  Goalpost, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package expression implements the computed-metric expression language:
// arithmetic, comparisons, boolean logic and a small function table over
// metric references, with null propagating through every operator so that
// a day with missing inputs yields null instead of an error.
package expression

import (
	"fmt"
	"math"
	"strings"

	"github.com/gravitational/trace"
)

// Expr is a parsed expression ready for repeated evaluation.
type Expr struct {
	src  string
	root node
	refs []string
}

// Parse compiles src. The returned Expr is immutable and safe for
// concurrent use.
func Parse(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, trace.BadParameter("empty expression")
	}
	p, err := newParser(src)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	root, err := p.parse()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	seen := make(map[string]struct{})
	var refs []string
	root.collectRefs(seen, &refs)
	return &Expr{src: src, root: root, refs: refs}, nil
}

// Refs returns the metric names the expression reads, in first-appearance
// order. Function names and literals are not references.
func (e *Expr) Refs() []string {
	out := make([]string, len(e.refs))
	copy(out, e.refs)
	return out
}

// String returns the original source.
func (e *Expr) String() string { return e.src }

// Evaluate computes the expression over env. Referenced names absent from
// env evaluate to null; null propagates per operator. Result is a float64,
// string, bool or nil.
func (e *Expr) Evaluate(env map[string]any) (any, error) {
	v, err := e.root.eval(env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return v, nil
}

// node is one AST vertex.
type node interface {
	eval(env map[string]any) (any, error)
	collectRefs(seen map[string]struct{}, order *[]string)
}

type numberLit float64

func (n numberLit) eval(map[string]any) (any, error)           { return float64(n), nil }
func (n numberLit) collectRefs(map[string]struct{}, *[]string) {}

type stringLit string

func (s stringLit) eval(map[string]any) (any, error)           { return string(s), nil }
func (s stringLit) collectRefs(map[string]struct{}, *[]string) {}

type boolLit bool

func (b boolLit) eval(map[string]any) (any, error)           { return bool(b), nil }
func (b boolLit) collectRefs(map[string]struct{}, *[]string) {}

type nullLit struct{}

func (nullLit) eval(map[string]any) (any, error)           { return nil, nil }
func (nullLit) collectRefs(map[string]struct{}, *[]string) {}

type ref string

func (r ref) eval(env map[string]any) (any, error) {
	return env[string(r)], nil
}

func (r ref) collectRefs(seen map[string]struct{}, order *[]string) {
	if _, ok := seen[string(r)]; ok {
		return
	}
	seen[string(r)] = struct{}{}
	*order = append(*order, string(r))
}

type unaryNode struct {
	op      tokenKind
	operand node
}

func (u *unaryNode) eval(env map[string]any) (any, error) {
	v, err := u.operand.eval(env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if v == nil {
		return nil, nil
	}
	switch u.op {
	case tokenMinus:
		n, ok := v.(float64)
		if !ok {
			return nil, trace.BadParameter("operator - expects a number, got %T", v)
		}
		return -n, nil
	case tokenBang:
		b, ok := v.(bool)
		if !ok {
			return nil, trace.BadParameter("operator ! expects a boolean, got %T", v)
		}
		return !b, nil
	}
	return nil, trace.BadParameter("unknown unary operator")
}

func (u *unaryNode) collectRefs(seen map[string]struct{}, order *[]string) {
	u.operand.collectRefs(seen, order)
}

type binaryNode struct {
	op  tokenKind
	lhs node
	rhs node
}

func (b *binaryNode) eval(env map[string]any) (any, error) {
	switch b.op {
	case tokenAnd, tokenOr:
		return b.evalLogical(env)
	}

	lhs, err := b.lhs.eval(env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rhs, err := b.rhs.eval(env)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	switch b.op {
	case tokenEq:
		return looseEqual(lhs, rhs), nil
	case tokenNeq:
		return !looseEqual(lhs, rhs), nil
	}

	// Every remaining operator propagates null.
	if lhs == nil || rhs == nil {
		return nil, nil
	}

	switch b.op {
	case tokenPlus, tokenMinus, tokenStar, tokenSlash, tokenPercent:
		return evalArithmetic(b.op, lhs, rhs)
	case tokenLt, tokenLte, tokenGt, tokenGte:
		return evalOrdered(b.op, lhs, rhs)
	}
	return nil, trace.BadParameter("unknown binary operator")
}

// evalLogical short-circuits and otherwise applies three-valued logic so
// that null operands stay null.
func (b *binaryNode) evalLogical(env map[string]any) (any, error) {
	lhs, err := b.lhs.eval(env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	lb, lok := lhs.(bool)
	if lhs != nil && !lok {
		return nil, trace.BadParameter("logical operator expects booleans, got %T", lhs)
	}
	if b.op == tokenAnd && lok && !lb {
		return false, nil
	}
	if b.op == tokenOr && lok && lb {
		return true, nil
	}

	rhs, err := b.rhs.eval(env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	rb, rok := rhs.(bool)
	if rhs != nil && !rok {
		return nil, trace.BadParameter("logical operator expects booleans, got %T", rhs)
	}
	if b.op == tokenAnd && rok && !rb {
		return false, nil
	}
	if b.op == tokenOr && rok && rb {
		return true, nil
	}
	if lhs == nil || rhs == nil {
		return nil, nil
	}
	if b.op == tokenAnd {
		return lb && rb, nil
	}
	return lb || rb, nil
}

func (b *binaryNode) collectRefs(seen map[string]struct{}, order *[]string) {
	b.lhs.collectRefs(seen, order)
	b.rhs.collectRefs(seen, order)
}

func evalArithmetic(op tokenKind, lhs, rhs any) (any, error) {
	l, lok := lhs.(float64)
	r, rok := rhs.(float64)
	if !lok || !rok {
		return nil, trace.BadParameter("arithmetic expects numbers, got %T and %T", lhs, rhs)
	}
	switch op {
	case tokenPlus:
		return l + r, nil
	case tokenMinus:
		return l - r, nil
	case tokenStar:
		return l * r, nil
	case tokenSlash:
		if r == 0 {
			return nil, trace.BadParameter("division by zero")
		}
		return l / r, nil
	case tokenPercent:
		if r == 0 {
			return nil, trace.BadParameter("division by zero")
		}
		return math.Mod(l, r), nil
	}
	return nil, trace.BadParameter("unknown arithmetic operator")
}

func evalOrdered(op tokenKind, lhs, rhs any) (any, error) {
	var cmp int
	switch l := lhs.(type) {
	case float64:
		r, ok := rhs.(float64)
		if !ok {
			return nil, trace.BadParameter("cannot compare number with %T", rhs)
		}
		cmp = compare(l, r)
	case string:
		r, ok := rhs.(string)
		if !ok {
			return nil, trace.BadParameter("cannot compare string with %T", rhs)
		}
		cmp = strings.Compare(l, r)
	default:
		return nil, trace.BadParameter("cannot order values of type %T", lhs)
	}
	switch op {
	case tokenLt:
		return cmp < 0, nil
	case tokenLte:
		return cmp <= 0, nil
	case tokenGt:
		return cmp > 0, nil
	case tokenGte:
		return cmp >= 0, nil
	}
	return nil, trace.BadParameter("unknown comparison operator")
}

func compare(l, r float64) int {
	switch {
	case l < r:
		return -1
	case l > r:
		return 1
	default:
		return 0
	}
}

// looseEqual compares across null: two nulls are equal, null never equals
// a value, and values compare by type then content.
func looseEqual(lhs, rhs any) bool {
	if lhs == nil || rhs == nil {
		return lhs == nil && rhs == nil
	}
	return lhs == rhs
}

type conditionalNode struct {
	cond node
	then node
	els  node
}

func (c *conditionalNode) eval(env map[string]any) (any, error) {
	cond, err := c.cond.eval(env)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if cond == nil {
		return nil, nil
	}
	b, ok := cond.(bool)
	if !ok {
		return nil, trace.BadParameter("ternary condition expects a boolean, got %T", cond)
	}
	if b {
		return c.then.eval(env)
	}
	return c.els.eval(env)
}

func (c *conditionalNode) collectRefs(seen map[string]struct{}, order *[]string) {
	c.cond.collectRefs(seen, order)
	c.then.collectRefs(seen, order)
	c.els.collectRefs(seen, order)
}

type callNode struct {
	name string
	args []node
}

func (c *callNode) eval(env map[string]any) (any, error) {
	fn := builtins[c.name]
	args := make([]any, len(c.args))
	for i, arg := range c.args {
		v, err := arg.eval(env)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		// Null arguments null the call.
		if v == nil {
			return nil, nil
		}
		args[i] = v
	}
	v, err := fn.apply(args)
	if err != nil {
		return nil, trace.Wrap(err, "in call to %s", c.name)
	}
	return v, nil
}

func (c *callNode) collectRefs(seen map[string]struct{}, order *[]string) {
	for _, arg := range c.args {
		arg.collectRefs(seen, order)
	}
}

type builtin struct {
	minArgs int
	// maxArgs of -1 accepts any count at or above minArgs.
	maxArgs int
	apply   func(args []any) (any, error)
}

var builtins = map[string]builtin{
	"min": {minArgs: 1, maxArgs: -1, apply: func(args []any) (any, error) {
		nums, err := numbers(args)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out := nums[0]
		for _, n := range nums[1:] {
			out = math.Min(out, n)
		}
		return out, nil
	}},
	"max": {minArgs: 1, maxArgs: -1, apply: func(args []any) (any, error) {
		nums, err := numbers(args)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out := nums[0]
		for _, n := range nums[1:] {
			out = math.Max(out, n)
		}
		return out, nil
	}},
	"abs": {minArgs: 1, maxArgs: 1, apply: func(args []any) (any, error) {
		nums, err := numbers(args)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return math.Abs(nums[0]), nil
	}},
	"round": {minArgs: 1, maxArgs: 1, apply: func(args []any) (any, error) {
		nums, err := numbers(args)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return math.Round(nums[0]), nil
	}},
	"floor": {minArgs: 1, maxArgs: 1, apply: func(args []any) (any, error) {
		nums, err := numbers(args)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return math.Floor(nums[0]), nil
	}},
	"ceil": {minArgs: 1, maxArgs: 1, apply: func(args []any) (any, error) {
		nums, err := numbers(args)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return math.Ceil(nums[0]), nil
	}},
	"parseTime": {minArgs: 1, maxArgs: 1, apply: func(args []any) (any, error) {
		s, ok := args[0].(string)
		if !ok {
			return nil, trace.BadParameter("parseTime expects a HH:MM string, got %T", args[0])
		}
		minutes, err := ParseClock(s)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return minutes, nil
	}},
}

func numbers(args []any) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		n, ok := a.(float64)
		if !ok {
			return nil, trace.BadParameter("expected a number, got %T", a)
		}
		out[i] = n
	}
	return out, nil
}

// FormatClock is the inverse of ParseClock: it renders minutes as a HH:MM
// string. Negative and non-finite inputs render as 00:00.
func FormatClock(minutes float64) string {
	if minutes < 0 || math.IsNaN(minutes) || math.IsInf(minutes, 0) {
		minutes = 0
	}
	m := int(math.Round(minutes))
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// ParseClock converts a HH:MM value to minutes. Hours may exceed 23 so that
// durations parse too; minutes must be in [0,59].
func ParseClock(s string) (float64, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, trace.BadParameter("invalid time %q, expected HH:MM", s)
	}
	hours, err := parseDigits(h)
	if err != nil {
		return 0, trace.BadParameter("invalid time %q, expected HH:MM", s)
	}
	minutes, err := parseDigits(m)
	if err != nil || minutes > 59 {
		return 0, trace.BadParameter("invalid time %q, expected HH:MM", s)
	}
	return float64(hours*60 + minutes), nil
}

func parseDigits(s string) (int, error) {
	if s == "" || len(s) > 4 {
		return 0, trace.BadParameter("not a two digit field")
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, trace.BadParameter("not a two digit field")
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}
