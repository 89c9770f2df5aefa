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

package expression

import (
	"strconv"

	"github.com/gravitational/trace"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenNumber
	tokenString
	tokenIdent
	tokenPlus
	tokenMinus
	tokenStar
	tokenSlash
	tokenPercent
	tokenEq
	tokenNeq
	tokenLt
	tokenLte
	tokenGt
	tokenGte
	tokenAnd
	tokenOr
	tokenBang
	tokenQuestion
	tokenColon
	tokenLParen
	tokenRParen
	tokenComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type parser struct {
	tokens []token
	cur    int
}

func newParser(src string) (*parser, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &parser{tokens: tokens}, nil
}

func (p *parser) peek() token { return p.tokens[p.cur] }

func (p *parser) next() token {
	tok := p.tokens[p.cur]
	if tok.kind != tokenEOF {
		p.cur++
	}
	return tok
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return token{}, trace.BadParameter("expected %s at position %d, got %q", what, tok.pos, tok.text)
	}
	return tok, nil
}

func (p *parser) parse() (node, error) {
	root, err := p.parseExpr(1)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, trace.BadParameter("unexpected %q at position %d", tok.text, tok.pos)
	}
	return root, nil
}

// Binding powers, loosest first. Zero means "not a binary operator" and
// stops the climb.
func precedence(kind tokenKind) int {
	switch kind {
	case tokenQuestion:
		return 1
	case tokenOr:
		return 2
	case tokenAnd:
		return 3
	case tokenEq, tokenNeq:
		return 4
	case tokenLt, tokenLte, tokenGt, tokenGte:
		return 5
	case tokenPlus, tokenMinus:
		return 6
	case tokenStar, tokenSlash, tokenPercent:
		return 7
	}
	return 0
}

func (p *parser) parseExpr(minPrec int) (node, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for {
		tok := p.peek()
		prec := precedence(tok.kind)
		if prec == 0 || prec < minPrec {
			return lhs, nil
		}
		p.next()

		if tok.kind == tokenQuestion {
			then, err := p.parseExpr(1)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			if _, err := p.expect(tokenColon, "':'"); err != nil {
				return nil, trace.Wrap(err)
			}
			// Same level on the right keeps ?: right-associative.
			els, err := p.parseExpr(prec)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			lhs = &conditionalNode{cond: lhs, then: then, els: els}
			continue
		}

		rhs, err := p.parseExpr(prec + 1)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		lhs = &binaryNode{op: tok.kind, lhs: lhs, rhs: rhs}
	}
}

func (p *parser) parseUnary() (node, error) {
	tok := p.peek()
	if tok.kind == tokenMinus || tok.kind == tokenBang {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &unaryNode{op: tok.kind, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokenNumber:
		n, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, trace.BadParameter("invalid number %q at position %d", tok.text, tok.pos)
		}
		return numberLit(n), nil

	case tokenString:
		return stringLit(tok.text), nil

	case tokenLParen:
		inner, err := p.parseExpr(1)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if _, err := p.expect(tokenRParen, "')'"); err != nil {
			return nil, trace.Wrap(err)
		}
		return inner, nil

	case tokenIdent:
		switch tok.text {
		case "true":
			return boolLit(true), nil
		case "false":
			return boolLit(false), nil
		case "null":
			return nullLit{}, nil
		}
		if p.peek().kind == tokenLParen {
			return p.parseCall(tok)
		}
		return ref(tok.text), nil
	}
	return nil, trace.BadParameter("unexpected %q at position %d", tok.text, tok.pos)
}

func (p *parser) parseCall(name token) (node, error) {
	fn, ok := builtins[name.text]
	if !ok {
		return nil, trace.BadParameter("unknown function %q at position %d", name.text, name.pos)
	}
	p.next() // consume '('

	var args []node
	if p.peek().kind != tokenRParen {
		for {
			arg, err := p.parseExpr(1)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			args = append(args, arg)
			if p.peek().kind != tokenComma {
				break
			}
			p.next()
		}
	}
	if _, err := p.expect(tokenRParen, "')'"); err != nil {
		return nil, trace.Wrap(err)
	}

	if len(args) < fn.minArgs {
		return nil, trace.BadParameter("%s expects at least %d argument(s), got %d", name.text, fn.minArgs, len(args))
	}
	if fn.maxArgs >= 0 && len(args) > fn.maxArgs {
		return nil, trace.BadParameter("%s expects at most %d argument(s), got %d", name.text, fn.maxArgs, len(args))
	}
	return &callNode{name: name.text, args: args}, nil
}

func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && src[i] >= '0' && src[i] <= '9' {
				i++
			}
			if i < len(src) && src[i] == '.' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9' {
				i++
				for i < len(src) && src[i] >= '0' && src[i] <= '9' {
					i++
				}
			}
			tokens = append(tokens, token{kind: tokenNumber, text: src[start:i], pos: start})

		case isIdentStart(c):
			start := i
			for i < len(src) && (isIdentPart(src[i]) ||
				(src[i] == '.' && i+1 < len(src) && isIdentPart(src[i+1]))) {
				i++
			}
			tokens = append(tokens, token{kind: tokenIdent, text: src[start:i], pos: start})

		case c == '"' || c == '\'':
			text, rest, err := lexString(src, i)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			tokens = append(tokens, token{kind: tokenString, text: text, pos: i})
			i = rest

		default:
			tok, width, err := lexOperator(src, i)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			tokens = append(tokens, tok)
			i += width
		}
	}
	tokens = append(tokens, token{kind: tokenEOF, text: "end of expression", pos: len(src)})
	return tokens, nil
}

func lexString(src string, start int) (text string, rest int, err error) {
	quote := src[start]
	var out []byte
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch c {
		case quote:
			return string(out), i + 1, nil
		case '\\':
			if i+1 >= len(src) {
				return "", 0, trace.BadParameter("unterminated string at position %d", start)
			}
			i++
			switch src[i] {
			case 'n':
				out = append(out, '\n')
			case 't':
				out = append(out, '\t')
			case '\\', '"', '\'':
				out = append(out, src[i])
			default:
				return "", 0, trace.BadParameter("unknown escape %q at position %d", src[i], i)
			}
			i++
		default:
			out = append(out, c)
			i++
		}
	}
	return "", 0, trace.BadParameter("unterminated string at position %d", start)
}

var twoCharOps = map[string]tokenKind{
	"==": tokenEq, "!=": tokenNeq, "<=": tokenLte, ">=": tokenGte,
	"&&": tokenAnd, "||": tokenOr,
}

var oneCharOps = map[byte]tokenKind{
	'+': tokenPlus, '-': tokenMinus, '*': tokenStar, '/': tokenSlash,
	'%': tokenPercent, '<': tokenLt, '>': tokenGt, '!': tokenBang,
	'?': tokenQuestion, ':': tokenColon, '(': tokenLParen,
	')': tokenRParen, ',': tokenComma,
}

func lexOperator(src string, i int) (token, int, error) {
	if i+1 < len(src) {
		if kind, ok := twoCharOps[src[i:i+2]]; ok {
			return token{kind: kind, text: src[i : i+2], pos: i}, 2, nil
		}
	}
	if kind, ok := oneCharOps[src[i]]; ok {
		return token{kind: kind, text: src[i : i+1], pos: i}, 1, nil
	}
	return token{}, 0, trace.BadParameter("unexpected character %q at position %d", src[i], i)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
