package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// The condition evaluator is a dedicated whitelisted interpreter, never
// a general code-execution path. It supports literals (numbers, single-
// or double-quoted strings, true/false/null), identifiers resolved
// against the execution state, dot and index access, unary !/-, the
// arithmetic operators + - * / %, comparisons, and && / ||.

// ExprError reports a parse or evaluation failure.
type ExprError struct {
	Expr string
	Msg  string
}

func (e *ExprError) Error() string {
	return fmt.Sprintf("expression %q: %s", e.Expr, e.Msg)
}

type exprNode interface {
	eval(scope map[string]interface{}) (interface{}, error)
}

// EvalExpr parses and evaluates one expression against a scope.
func EvalExpr(expr string, scope map[string]interface{}) (interface{}, error) {
	p := &exprParser{src: expr}
	p.next()
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, &ExprError{Expr: expr, Msg: fmt.Sprintf("unexpected %q", p.tok.text)}
	}
	return node.eval(scope)
}

// EvalCondition evaluates an expression and coerces the result to a
// boolean: false, 0, "", and null are falsy.
func EvalCondition(expr string, scope map[string]interface{}) (bool, error) {
	v, err := EvalExpr(expr, scope)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

// --- lexer ---

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDot
)

type token struct {
	kind tokKind
	text string
}

type exprParser struct {
	src string
	pos int
	tok token
}

func (p *exprParser) next() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
	if p.pos >= len(p.src) {
		p.tok = token{kind: tokEOF}
		return
	}
	c := p.src[p.pos]
	switch {
	case c >= '0' && c <= '9':
		start := p.pos
		for p.pos < len(p.src) && (p.src[p.pos] == '.' || (p.src[p.pos] >= '0' && p.src[p.pos] <= '9')) {
			p.pos++
		}
		p.tok = token{kind: tokNumber, text: p.src[start:p.pos]}
	case c == '\'' || c == '"':
		quote := c
		p.pos++
		start := p.pos
		for p.pos < len(p.src) && p.src[p.pos] != quote {
			p.pos++
		}
		text := p.src[start:p.pos]
		if p.pos < len(p.src) {
			p.pos++
		}
		p.tok = token{kind: tokString, text: text}
	case isIdentStart(c):
		start := p.pos
		for p.pos < len(p.src) && isIdentPart(p.src[p.pos]) {
			p.pos++
		}
		p.tok = token{kind: tokIdent, text: p.src[start:p.pos]}
	case c == '(':
		p.pos++
		p.tok = token{kind: tokLParen, text: "("}
	case c == ')':
		p.pos++
		p.tok = token{kind: tokRParen, text: ")"}
	case c == '[':
		p.pos++
		p.tok = token{kind: tokLBracket, text: "["}
	case c == ']':
		p.pos++
		p.tok = token{kind: tokRBracket, text: "]"}
	case c == '.':
		p.pos++
		p.tok = token{kind: tokDot, text: "."}
	default:
		for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||", "<", ">", "+", "-", "*", "/", "%", "!"} {
			if strings.HasPrefix(p.src[p.pos:], op) {
				p.pos += len(op)
				p.tok = token{kind: tokOp, text: op}
				return
			}
		}
		p.tok = token{kind: tokOp, text: string(c)}
		p.pos++
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// --- parser (precedence climbing) ---

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && p.tok.text == "&&" {
		p.next()
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseCompare() (exprNode, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp {
		switch p.tok.text {
		case "==", "!=", "<", "<=", ">", ">=":
			op := p.tok.text
			p.next()
			right, err := p.parseAdd()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: op, left: left, right: right}
			continue
		}
		break
	}
	return left, nil
}

func (p *exprParser) parseAdd() (exprNode, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		p.next()
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseMul() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "*" || p.tok.text == "/" || p.tok.text == "%") {
		op := p.tok.text
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (exprNode, error) {
	if p.tok.kind == tokOp && (p.tok.text == "!" || p.tok.text == "-") {
		op := p.tok.text
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *exprParser) parsePostfix() (exprNode, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.tok.kind == tokDot:
			p.next()
			if p.tok.kind != tokIdent {
				return nil, &ExprError{Expr: p.src, Msg: "expected field name after '.'"}
			}
			base = &accessNode{base: base, key: &literalNode{value: p.tok.text}}
			p.next()
		case p.tok.kind == tokLBracket:
			p.next()
			key, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if p.tok.kind != tokRBracket {
				return nil, &ExprError{Expr: p.src, Msg: "expected ']'"}
			}
			p.next()
			base = &accessNode{base: base, key: key}
		default:
			return base, nil
		}
	}
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	switch p.tok.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(p.tok.text, 64)
		if err != nil {
			return nil, &ExprError{Expr: p.src, Msg: "bad number " + p.tok.text}
		}
		p.next()
		return &literalNode{value: f}, nil
	case tokString:
		v := p.tok.text
		p.next()
		return &literalNode{value: v}, nil
	case tokIdent:
		name := p.tok.text
		p.next()
		switch name {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null", "nil":
			return &literalNode{value: nil}, nil
		}
		return &identNode{name: name}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, &ExprError{Expr: p.src, Msg: "expected ')'"}
		}
		p.next()
		return inner, nil
	}
	return nil, &ExprError{Expr: p.src, Msg: fmt.Sprintf("unexpected %q", p.tok.text)}
}

// --- evaluation ---

type literalNode struct{ value interface{} }

func (n *literalNode) eval(map[string]interface{}) (interface{}, error) { return n.value, nil }

type identNode struct{ name string }

func (n *identNode) eval(scope map[string]interface{}) (interface{}, error) {
	// Missing identifiers evaluate to null so conditions over not-yet-set
	// state keys read as false instead of failing the node.
	return scope[n.name], nil
}

type accessNode struct {
	base exprNode
	key  exprNode
}

func (n *accessNode) eval(scope map[string]interface{}) (interface{}, error) {
	base, err := n.base.eval(scope)
	if err != nil {
		return nil, err
	}
	key, err := n.key.eval(scope)
	if err != nil {
		return nil, err
	}
	switch b := base.(type) {
	case map[string]interface{}:
		ks, ok := key.(string)
		if !ok {
			return nil, &ExprError{Msg: "map index must be a string"}
		}
		return b[ks], nil
	case []interface{}:
		kf, ok := key.(float64)
		if !ok {
			return nil, &ExprError{Msg: "slice index must be a number"}
		}
		i := int(kf)
		if i < 0 || i >= len(b) {
			return nil, nil
		}
		return b[i], nil
	case nil:
		return nil, nil
	}
	return nil, &ExprError{Msg: fmt.Sprintf("cannot index %T", base)}
}

type unaryNode struct {
	op      string
	operand exprNode
}

func (n *unaryNode) eval(scope map[string]interface{}) (interface{}, error) {
	v, err := n.operand.eval(scope)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !truthy(v), nil
	case "-":
		f, ok := toNumber(v)
		if !ok {
			return nil, &ExprError{Msg: "unary minus on non-number"}
		}
		return -f, nil
	}
	return nil, &ExprError{Msg: "unknown unary operator " + n.op}
}

type binaryNode struct {
	op          string
	left, right exprNode
}

func (n *binaryNode) eval(scope map[string]interface{}) (interface{}, error) {
	l, err := n.left.eval(scope)
	if err != nil {
		return nil, err
	}

	// Short circuit before touching the right side.
	switch n.op {
	case "&&":
		if !truthy(l) {
			return false, nil
		}
		r, err := n.right.eval(scope)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	case "||":
		if truthy(l) {
			return true, nil
		}
		r, err := n.right.eval(scope)
		if err != nil {
			return nil, err
		}
		return truthy(r), nil
	}

	r, err := n.right.eval(scope)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case "<", "<=", ">", ">=":
		return compare(n.op, l, r)
	case "+":
		if ls, ok := l.(string); ok {
			if rs, ok := r.(string); ok {
				return ls + rs, nil
			}
		}
		return arith(n.op, l, r)
	case "-", "*", "/", "%":
		return arith(n.op, l, r)
	}
	return nil, &ExprError{Msg: "unknown operator " + n.op}
}

func toNumber(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func equal(l, r interface{}) bool {
	if lf, ok := toNumber(l); ok {
		if rf, ok := toNumber(r); ok {
			return lf == rf
		}
	}
	return l == r
}

func compare(op string, l, r interface{}) (interface{}, error) {
	lf, lok := toNumber(l)
	rf, rok := toNumber(r)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, lok2 := l.(string)
	rs, rok2 := r.(string)
	if lok2 && rok2 {
		switch op {
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	return nil, &ExprError{Msg: fmt.Sprintf("cannot compare %T and %T", l, r)}
}

func arith(op string, l, r interface{}) (interface{}, error) {
	lf, lok := toNumber(l)
	rf, rok := toNumber(r)
	if !lok || !rok {
		return nil, &ExprError{Msg: fmt.Sprintf("arithmetic on %T and %T", l, r)}
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, &ExprError{Msg: "division by zero"}
		}
		return lf / rf, nil
	case "%":
		if int64(rf) == 0 {
			return nil, &ExprError{Msg: "division by zero"}
		}
		return float64(int64(lf) % int64(rf)), nil
	}
	return nil, &ExprError{Msg: "unknown operator " + op}
}
