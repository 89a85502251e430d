package models

import (
	"fmt"
	"strings"
)

// Predicate is a compiled run condition. Expressions are restricted to a
// boolean tree over a fixed variable set (branch, event, prior job statuses)
// and are evaluated without arbitrary code execution.
//
// Grammar:
//
//	expr       := or
//	or         := and ( '||' and )*
//	and        := unary ( '&&' unary )*
//	unary      := '!' unary | primary
//	primary    := '(' expr ')' | 'true' | 'false' | comparison
//	comparison := variable ( '==' | '!=' ) string-literal
//	variable   := 'branch' | 'event' | 'status.' job-id
type Predicate struct {
	root predicateNode
}

// PredicateContext supplies the variables a predicate may reference.
type PredicateContext struct {
	Branch    string
	Event     string
	JobStatus func(jobID string) ExecutionState
}

// CompilePredicate parses an expression into a predicate tree. An empty
// expression compiles to a predicate that is always true.
func CompilePredicate(expression string) (*Predicate, error) {
	if strings.TrimSpace(expression) == "" {
		return &Predicate{root: literalNode(true)}, nil
	}

	p := &predicateParser{input: expression}

	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	p.skipSpaces()

	if p.pos != len(p.input) {
		return nil, fmt.Errorf("unexpected %q at position %d", p.rest(), p.pos)
	}

	return &Predicate{root: root}, nil
}

// Evaluate walks the tree against the given context.
func (p *Predicate) Evaluate(ctx PredicateContext) (bool, error) {
	return p.root.eval(ctx)
}

type predicateNode interface {
	eval(ctx PredicateContext) (bool, error)
}

type literalNode bool

func (n literalNode) eval(PredicateContext) (bool, error) { return bool(n), nil }

type notNode struct{ child predicateNode }

func (n notNode) eval(ctx PredicateContext) (bool, error) {
	v, err := n.child.eval(ctx)

	return !v, err
}

type binaryNode struct {
	op          string // "&&" or "||"
	left, right predicateNode
}

func (n binaryNode) eval(ctx PredicateContext) (bool, error) {
	left, err := n.left.eval(ctx)
	if err != nil {
		return false, err
	}

	if n.op == "&&" && !left {
		return false, nil
	}

	if n.op == "||" && left {
		return true, nil
	}

	return n.right.eval(ctx)
}

type comparisonNode struct {
	variable string // "branch", "event" or "status.<job>"
	equal    bool
	value    string
}

func (n comparisonNode) eval(ctx PredicateContext) (bool, error) {
	var actual string

	switch {
	case n.variable == "branch":
		actual = ctx.Branch
	case n.variable == "event":
		actual = ctx.Event
	case strings.HasPrefix(n.variable, "status."):
		if ctx.JobStatus == nil {
			return false, fmt.Errorf("job statuses unavailable for %q", n.variable)
		}

		actual = string(ctx.JobStatus(strings.TrimPrefix(n.variable, "status.")))
	default:
		return false, fmt.Errorf("unknown variable %q", n.variable)
	}

	if n.equal {
		return actual == n.value, nil
	}

	return actual != n.value, nil
}

type predicateParser struct {
	input string
	pos   int
}

func (p *predicateParser) rest() string {
	if p.pos >= len(p.input) {
		return ""
	}

	return p.input[p.pos:]
}

func (p *predicateParser) skipSpaces() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *predicateParser) accept(token string) bool {
	p.skipSpaces()

	if strings.HasPrefix(p.rest(), token) {
		p.pos += len(token)

		return true
	}

	return false
}

func (p *predicateParser) parseOr() (predicateNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.accept("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		left = binaryNode{op: "||", left: left, right: right}
	}

	return left, nil
}

func (p *predicateParser) parseAnd() (predicateNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for p.accept("&&") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		left = binaryNode{op: "&&", left: left, right: right}
	}

	return left, nil
}

func (p *predicateParser) parseUnary() (predicateNode, error) {
	if p.accept("!") {
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		return notNode{child: child}, nil
	}

	return p.parsePrimary()
}

func (p *predicateParser) parsePrimary() (predicateNode, error) {
	if p.accept("(") {
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}

		if !p.accept(")") {
			return nil, fmt.Errorf("missing closing parenthesis at position %d", p.pos)
		}

		return node, nil
	}

	variable, err := p.parseIdentifier()
	if err != nil {
		return nil, err
	}

	if variable == "true" {
		return literalNode(true), nil
	}

	if variable == "false" {
		return literalNode(false), nil
	}

	equal := true

	switch {
	case p.accept("=="):
	case p.accept("!="):
		equal = false
	default:
		return nil, fmt.Errorf("expected comparison operator after %q at position %d", variable, p.pos)
	}

	value, err := p.parseStringLiteral()
	if err != nil {
		return nil, err
	}

	return comparisonNode{variable: variable, equal: equal, value: value}, nil
}

func (p *predicateParser) parseIdentifier() (string, error) {
	p.skipSpaces()
	start := p.pos

	for p.pos < len(p.input) && isIdentifierChar(p.input[p.pos]) {
		p.pos++
	}

	if p.pos == start {
		return "", fmt.Errorf("expected identifier at position %d", start)
	}

	return p.input[start:p.pos], nil
}

func (p *predicateParser) parseStringLiteral() (string, error) {
	p.skipSpaces()

	if p.pos >= len(p.input) || (p.input[p.pos] != '\'' && p.input[p.pos] != '"') {
		return "", fmt.Errorf("expected string literal at position %d", p.pos)
	}

	quote := p.input[p.pos]
	p.pos++
	start := p.pos

	for p.pos < len(p.input) && p.input[p.pos] != quote {
		p.pos++
	}

	if p.pos >= len(p.input) {
		return "", fmt.Errorf("unterminated string literal at position %d", start)
	}

	value := p.input[start:p.pos]
	p.pos++

	return value, nil
}

func isIdentifierChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_' || c == '-' || c == '.'
}
