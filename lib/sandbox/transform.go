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

package sandbox

import (
	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

const (
	asyncPrefix = "(async () => {\n"
	asyncSuffix = "\n})()"
)

// compileScript compiles user code so it evaluates as if inside an implicit
// async body, with the value of the final expression statement as the run
// result. Scripts without top-level await or return run unwrapped, where the
// runtime reports that completion value natively. Scripts that need the
// async wrapper get their final expression statement rewritten into a
// return; when the rewrite cannot be applied safely the script still runs,
// it just resolves with undefined unless it returns explicitly.
func compileScript(src string) (*goja.Program, error) {
	if _, err := parser.ParseFile(nil, "", src, 0); err == nil {
		return goja.Compile("", src, false)
	}
	wrapped := asyncPrefix + src + asyncSuffix
	if spliced, ok := captureLastExpression(wrapped); ok {
		if program, err := goja.Compile("", spliced, false); err == nil {
			return program, nil
		}
	}
	return goja.Compile("", wrapped, false)
}

// captureLastExpression rewrites the final expression statement of the
// wrapped body into a return statement, reporting false when the body cannot
// be analyzed or does not end in a plain expression.
func captureLastExpression(wrapped string) (string, bool) {
	prog, err := parser.ParseFile(nil, "", wrapped, 0)
	if err != nil || len(prog.Body) != 1 {
		return "", false
	}
	stmt, ok := prog.Body[0].(*ast.ExpressionStatement)
	if !ok {
		return "", false
	}
	call, ok := stmt.Expression.(*ast.CallExpression)
	if !ok {
		return "", false
	}
	arrow, ok := call.Callee.(*ast.ArrowFunctionLiteral)
	if !ok {
		return "", false
	}
	body, ok := arrow.Body.(*ast.BlockStatement)
	if !ok || len(body.List) == 0 {
		return "", false
	}
	last, ok := body.List[len(body.List)-1].(*ast.ExpressionStatement)
	if !ok {
		return "", false
	}
	from, to := int(last.Expression.Idx0())-1, int(last.Expression.Idx1())-1
	if from < 0 || to > len(wrapped) || from >= to {
		return "", false
	}
	from, to = widenParens(wrapped, from, to)
	return wrapped[:from] + "return (" + wrapped[from:to] + ");" + wrapped[to:], true
}

// widenParens grows an expression span over parentheses the parser dropped,
// so a final statement like ({a: 1}) keeps its enclosing parens when moved
// into a return.
func widenParens(s string, from, to int) (int, int) {
	for {
		i := from - 1
		for i >= 0 && isJSSpace(s[i]) {
			i--
		}
		j := to
		for j < len(s) && isJSSpace(s[j]) {
			j++
		}
		if i < 0 || j >= len(s) || s[i] != '(' || s[j] != ')' {
			return from, to
		}
		from, to = i, j+1
	}
}

func isJSSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
