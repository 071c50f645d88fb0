/*************************************************************************
 * Copyright 2024 KIT-IBPT. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package matcher

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

// op is a comparison operator in an @key expression.
type op int

const (
	opEq op = iota
	opNeq
	opRegex
)

// node is the matcher expression AST.
type node interface {
	eval(ctx evalContext) (bool, error)
}

type evalContext struct {
	systemID string
	data     Tree
}

type orNode struct{ terms []node }
type andNode struct{ terms []node }
type notNode struct{ term node }

func (n *orNode) eval(ctx evalContext) (bool, error) {
	for _, t := range n.terms {
		ok, err := t.eval(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (n *andNode) eval(ctx evalContext) (bool, error) {
	for _, t := range n.terms {
		ok, err := t.eval(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (n *notNode) eval(ctx evalContext) (bool, error) {
	ok, err := n.term.eval(ctx)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// globNode matches the system ID against a shell glob.
type globNode struct {
	g          glob.Glob
	caseFold   bool
	pattern    string
}

func (n *globNode) eval(ctx evalContext) (bool, error) {
	id := ctx.systemID
	if n.caseFold {
		id = strings.ToLower(id)
	}
	return n.g.Match(id), nil
}

// reNode matches the system ID against a regular expression.
type reNode struct{ re *regexp.Regexp }

func (n *reNode) eval(ctx evalContext) (bool, error) {
	return n.re.MatchString(ctx.systemID), nil
}

// idNode matches the system ID by byte-exact (or case-folded) equality.
type idNode struct {
	literal  string
	caseFold bool
}

func (n *idNode) eval(ctx evalContext) (bool, error) {
	if n.caseFold {
		return strings.EqualFold(ctx.systemID, n.literal), nil
	}
	return ctx.systemID == n.literal, nil
}

// dataNode implements "@key <op> literal": compound-key lookup into the
// data tree, compared against a literal. When the operator is == and the
// literal parses as a CIDR while the looked-up value parses as an IP, the
// comparison is subnet membership instead of string equality.
type dataNode struct {
	key      string
	op       op
	literal  string
	caseFold bool
	re       *regexp.Regexp // only for opRegex
}

func (n *dataNode) eval(ctx evalContext) (bool, error) {
	val, ok := ctx.data.Lookup(n.key)
	if !ok {
		// Absent compares false for every operator except !=, which is
		// true for absence (an absent value is never equal to anything).
		return n.op == opNeq, nil
	}
	switch n.op {
	case opRegex:
		return n.re.MatchString(val), nil
	case opEq, opNeq:
		matched, err := compareOrSubnet(val, n.literal, n.caseFold)
		if err != nil {
			return false, err
		}
		if n.op == opNeq {
			return !matched, nil
		}
		return matched, nil
	}
	return false, fmt.Errorf("matcher: unknown operator")
}

func compareOrSubnet(value, literal string, caseFold bool) (bool, error) {
	if strings.Contains(literal, "/") {
		if ok, err := subnetContains(literal, value); err == nil {
			return ok, nil
		}
		// fall through to string compare if either side isn't IP-shaped
	}
	if caseFold {
		return strings.EqualFold(value, literal), nil
	}
	return value == literal, nil
}

// parser is a small recursive-descent parser over the matcher grammar:
//
//	expr := term (('or'|'and') term)* | 'not' term | '(' expr ')'
//	term := glob | re <pattern> | id <literal> | '@' key <op> <literal> | <literal>
type parser struct {
	toks []token
	pos  int
}

// Parse compiles a matcher expression into an evaluatable Expr.
func Parse(expr string) (*Expr, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("matcher: unexpected trailing token %q", p.peek().text)
	}
	return &Expr{root: n, source: expr}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) next() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) parseOr() (node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []node{first}
	for p.peek().kind == tokWord && strings.EqualFold(p.peek().text, "or") {
		p.next()
		t, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return &orNode{terms: terms}, nil
}

func (p *parser) parseAnd() (node, error) {
	first, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	terms := []node{first}
	for p.peek().kind == tokWord && strings.EqualFold(p.peek().text, "and") {
		p.next()
		t, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return &andNode{terms: terms}, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokWord && strings.EqualFold(p.peek().text, "not") {
		p.next()
		t, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{term: t}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if p.peek().kind == tokLParen {
		p.next()
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("matcher: expected ')'")
		}
		p.next()
		return n, nil
	}
	return p.parseTerm()
}

// parseTerm consumes an optional case modifier ("cs"/"ci"), then a term
// body. Default case sensitivity is case-insensitive.
func (p *parser) parseTerm() (node, error) {
	caseFold := true
	if p.peek().kind == tokWord {
		switch strings.ToLower(p.peek().text) {
		case "cs":
			caseFold = false
			p.next()
		case "ci":
			caseFold = true
			p.next()
		}
	}

	if p.peek().kind == tokAt {
		p.next()
		return p.parseDataTerm(caseFold)
	}

	if p.peek().kind == tokWord {
		switch strings.ToLower(p.peek().text) {
		case "glob":
			p.next()
			lit := p.expectWord("glob pattern")
			pattern := lit
			if caseFold {
				pattern = strings.ToLower(pattern)
			}
			g, err := glob.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("matcher: invalid glob %q: %w", lit, err)
			}
			return &globNode{g: g, caseFold: caseFold, pattern: pattern}, nil
		case "re":
			p.next()
			lit := p.expectWord("regex pattern")
			flags := ""
			if caseFold {
				flags = "(?i)"
			}
			re, err := regexp.Compile(flags + lit)
			if err != nil {
				return nil, fmt.Errorf("matcher: invalid regex %q: %w", lit, err)
			}
			return &reNode{re: re}, nil
		case "id":
			p.next()
			lit := p.expectWord("system id literal")
			return &idNode{literal: lit, caseFold: caseFold}, nil
		}
	}

	// Bare literal: shell-glob against the system ID.
	lit, err := p.expectWordErr("term literal")
	if err != nil {
		return nil, err
	}
	pattern := lit
	if caseFold {
		pattern = strings.ToLower(pattern)
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("matcher: invalid glob %q: %w", lit, err)
	}
	return &globNode{g: g, caseFold: caseFold, pattern: pattern}, nil
}

func (p *parser) parseDataTerm(caseFold bool) (node, error) {
	key := p.expectWord("data key")
	opTok := p.expectWord("comparison operator")
	var o op
	switch opTok {
	case "==":
		o = opEq
	case "!=":
		o = opNeq
	case "~=":
		o = opRegex
	default:
		return nil, fmt.Errorf("matcher: unknown comparison operator %q", opTok)
	}
	lit := p.expectWord("comparison literal")
	dn := &dataNode{key: key, op: o, literal: lit, caseFold: caseFold}
	if o == opRegex {
		flags := ""
		if caseFold {
			flags = "(?i)"
		}
		re, err := regexp.Compile(flags + lit)
		if err != nil {
			return nil, fmt.Errorf("matcher: invalid regex %q: %w", lit, err)
		}
		dn.re = re
	}
	return dn, nil
}

func (p *parser) expectWord(what string) string {
	s, _ := p.expectWordErr(what)
	return s
}

func (p *parser) expectWordErr(what string) (string, error) {
	if p.peek().kind != tokWord {
		return "", fmt.Errorf("matcher: expected %s, got %q", what, p.peek().text)
	}
	return p.next().text, nil
}

// Expr is a compiled matcher expression.
type Expr struct {
	root   node
	source string
}

func (e *Expr) String() string { return e.source }

// Tree is the minimal data-tree view the matcher needs: compound-key
// lookup returning a string-convertible value. internal/vtree.Value
// satisfies this via the TreeAdapter in tree_adapter.go.
type Tree interface {
	Lookup(key string) (value string, ok bool)
}

// Match evaluates the expression against a (system_id, data) pair.
func (e *Expr) Match(systemID string, data Tree) (bool, error) {
	return e.root.eval(evalContext{systemID: systemID, data: data})
}
