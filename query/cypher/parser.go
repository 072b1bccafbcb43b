package cypher

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ruokun-niu/drasi-server/errors"
)

// parser is a recursive-descent parser over the token stream.
type parser struct {
	tokens []Token
	pos    int
}

// Parse parses query text into its AST.
func Parse(input string) (*Query, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	q, err := p.parseQuery()
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (p *parser) peek() Token  { return p.tokens[p.pos] }
func (p *parser) advance() Token {
	tok := p.tokens[p.pos]
	if tok.Type != TokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) isKeyword(tok Token, kw string) bool {
	return tok.Type == TokenIdent && strings.EqualFold(tok.Text, kw)
}

func (p *parser) expectKeyword(kw string) error {
	tok := p.advance()
	if !p.isKeyword(tok, kw) {
		return p.errorf("expected %s, found %s", kw, tok)
	}
	return nil
}

func (p *parser) expect(tt TokenType, what string) (Token, error) {
	tok := p.advance()
	if tok.Type != tt {
		return tok, p.errorf("expected %s, found %s", what, tok)
	}
	return tok, nil
}

func (p *parser) errorf(format string, args ...any) error {
	return errors.WrapInvalid(errors.ErrQueryParse, "cypher", "Parse",
		fmt.Sprintf(format, args...))
}

func (p *parser) parseQuery() (*Query, error) {
	if err := p.expectKeyword(KeywordMatch); err != nil {
		return nil, err
	}

	q := &Query{}
	for {
		part, err := p.parsePatternPart()
		if err != nil {
			return nil, err
		}
		q.Parts = append(q.Parts, part)
		if p.peek().Type == TokenComma {
			p.advance()
			continue
		}
		break
	}

	if p.isKeyword(p.peek(), KeywordWhere) {
		p.advance()
		where, err := p.parseOrExpr()
		if err != nil {
			return nil, err
		}
		q.Where = where
	}

	// Unsupported trailing clauses are detected before RETURN too.
	if err := p.rejectUnsupported(); err != nil {
		return nil, err
	}

	if err := p.expectKeyword(KeywordReturn); err != nil {
		return nil, err
	}
	for {
		item, err := p.parseReturnItem()
		if err != nil {
			return nil, err
		}
		q.Returns = append(q.Returns, item)
		if p.peek().Type == TokenComma {
			p.advance()
			continue
		}
		break
	}

	if err := p.rejectUnsupported(); err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.Type != TokenEOF {
		return nil, p.errorf("unexpected trailing input %s", tok)
	}
	return q, nil
}

// rejectUnsupported fails on clauses the incremental engine cannot maintain.
func (p *parser) rejectUnsupported() error {
	tok := p.peek()
	for _, kw := range []string{KeywordOrder, KeywordLimit, KeywordTop, KeywordSkip} {
		if p.isKeyword(tok, kw) {
			return errors.WrapInvalid(errors.ErrUnsupportedClause, "cypher", "Parse",
				fmt.Sprintf("%s is not supported by the incremental engine", strings.ToUpper(kw)))
		}
	}
	return nil
}

func (p *parser) parsePatternPart() (*PatternPart, error) {
	part := &PatternPart{}
	node, err := p.parseNodePattern()
	if err != nil {
		return nil, err
	}
	part.Nodes = append(part.Nodes, node)

	for p.peek().Type == TokenDash || p.peek().Type == TokenLt {
		rel, err := p.parseRelPattern()
		if err != nil {
			return nil, err
		}
		next, err := p.parseNodePattern()
		if err != nil {
			return nil, err
		}
		part.Rels = append(part.Rels, rel)
		part.Nodes = append(part.Nodes, next)
	}
	return part, nil
}

func (p *parser) parseNodePattern() (*NodePattern, error) {
	if _, err := p.expect(TokenLParen, "("); err != nil {
		return nil, err
	}
	node := &NodePattern{}
	if p.peek().Type == TokenIdent {
		node.Var = p.advance().Text
	}
	for p.peek().Type == TokenColon {
		p.advance()
		label, err := p.expect(TokenIdent, "label")
		if err != nil {
			return nil, err
		}
		node.Labels = append(node.Labels, label.Text)
	}
	if p.peek().Type == TokenLBrace {
		props, err := p.parsePropertyMap()
		if err != nil {
			return nil, err
		}
		node.Props = props
	}
	if _, err := p.expect(TokenRParen, ")"); err != nil {
		return nil, err
	}
	return node, nil
}

// parseRelPattern consumes -[r:T]->, <-[r:T]-, or -[r:T]-.
func (p *parser) parseRelPattern() (*RelPattern, error) {
	rel := &RelPattern{Direction: DirBoth}

	if p.peek().Type == TokenLt {
		p.advance()
		rel.Direction = DirIn
	}
	if _, err := p.expect(TokenDash, "-"); err != nil {
		return nil, err
	}
	if p.peek().Type == TokenLBracket {
		p.advance()
		if p.peek().Type == TokenIdent {
			rel.Var = p.advance().Text
		}
		for p.peek().Type == TokenColon {
			p.advance()
			relType, err := p.expect(TokenIdent, "relationship type")
			if err != nil {
				return nil, err
			}
			rel.Types = append(rel.Types, relType.Text)
		}
		if _, err := p.expect(TokenRBracket, "]"); err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenDash, "-"); err != nil {
			return nil, err
		}
	}
	if p.peek().Type == TokenGt {
		if rel.Direction == DirIn {
			return nil, p.errorf("relationship cannot point both ways")
		}
		p.advance()
		rel.Direction = DirOut
	}
	return rel, nil
}

func (p *parser) parsePropertyMap() (map[string]any, error) {
	if _, err := p.expect(TokenLBrace, "{"); err != nil {
		return nil, err
	}
	props := make(map[string]any)
	for {
		key, err := p.expect(TokenIdent, "property name")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenColon, ":"); err != nil {
			return nil, err
		}
		value, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		props[key.Text] = value
		if p.peek().Type == TokenComma {
			p.advance()
			continue
		}
		break
	}
	if _, err := p.expect(TokenRBrace, "}"); err != nil {
		return nil, err
	}
	return props, nil
}

func (p *parser) parseReturnItem() (ReturnItem, error) {
	expr, err := p.parsePrimaryExpr()
	if err != nil {
		return ReturnItem{}, err
	}
	item := ReturnItem{Expr: expr}
	if p.isKeyword(p.peek(), KeywordAs) {
		p.advance()
		alias, err := p.expect(TokenIdent, "alias")
		if err != nil {
			return ReturnItem{}, err
		}
		item.Alias = alias.Text
	} else {
		item.Alias = defaultAlias(expr)
	}
	return item, nil
}

func defaultAlias(expr Expr) string {
	switch e := expr.(type) {
	case *PropertyExpr:
		return e.Var + "." + e.Property
	case *IdentExpr:
		return e.Var
	default:
		return "expr"
	}
}

// Expression grammar: Or := And (OR And)* ; And := Unary (AND Unary)* ;
// Unary := NOT Unary | Comparison ; Comparison := Primary (op Primary)?

func (p *parser) parseOrExpr() (Expr, error) {
	left, err := p.parseAndExpr()
	if err != nil {
		return nil, err
	}
	for p.isKeyword(p.peek(), KeywordOr) {
		p.advance()
		right, err := p.parseAndExpr()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAndExpr() (Expr, error) {
	left, err := p.parseUnaryExpr()
	if err != nil {
		return nil, err
	}
	for p.isKeyword(p.peek(), KeywordAnd) {
		p.advance()
		right, err := p.parseUnaryExpr()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnaryExpr() (Expr, error) {
	if p.isKeyword(p.peek(), KeywordNot) {
		p.advance()
		operand, err := p.parseUnaryExpr()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	if p.peek().Type == TokenLParen {
		p.advance()
		inner, err := p.parseOrExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	}

	left, err := p.parsePrimaryExpr()
	if err != nil {
		return nil, err
	}

	var op string
	switch p.peek().Type {
	case TokenEq:
		op = "="
	case TokenNe:
		op = "<>"
	case TokenLt:
		op = "<"
	case TokenLe:
		op = "<="
	case TokenGt:
		op = ">"
	case TokenGe:
		op = ">="
	default:
		return left, nil
	}
	p.advance()

	right, err := p.parsePrimaryExpr()
	if err != nil {
		return nil, err
	}
	return &BinaryExpr{Op: op, Left: left, Right: right}, nil
}

func (p *parser) parsePrimaryExpr() (Expr, error) {
	tok := p.peek()
	switch tok.Type {
	case TokenIdent:
		switch strings.ToUpper(tok.Text) {
		case KeywordTrue:
			p.advance()
			return &LiteralExpr{Value: true}, nil
		case KeywordFalse:
			p.advance()
			return &LiteralExpr{Value: false}, nil
		case KeywordNull:
			p.advance()
			return &LiteralExpr{Value: nil}, nil
		}
		p.advance()
		if p.peek().Type == TokenDot {
			p.advance()
			prop, err := p.expect(TokenIdent, "property name")
			if err != nil {
				return nil, err
			}
			return &PropertyExpr{Var: tok.Text, Property: prop.Text}, nil
		}
		return &IdentExpr{Var: tok.Text}, nil
	case TokenNumber, TokenString:
		value, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return &LiteralExpr{Value: value}, nil
	default:
		return nil, p.errorf("expected expression, found %s", tok)
	}
}

func (p *parser) parseLiteral() (any, error) {
	tok := p.advance()
	switch tok.Type {
	case TokenString:
		return tok.Text, nil
	case TokenNumber:
		if strings.Contains(tok.Text, ".") {
			f, err := strconv.ParseFloat(tok.Text, 64)
			if err != nil {
				return nil, p.errorf("invalid number %s", tok)
			}
			return f, nil
		}
		i, err := strconv.ParseInt(tok.Text, 10, 64)
		if err != nil {
			return nil, p.errorf("invalid number %s", tok)
		}
		return i, nil
	case TokenIdent:
		switch strings.ToUpper(tok.Text) {
		case KeywordTrue:
			return true, nil
		case KeywordFalse:
			return false, nil
		case KeywordNull:
			return nil, nil
		}
	}
	return nil, p.errorf("expected literal, found %s", tok)
}
