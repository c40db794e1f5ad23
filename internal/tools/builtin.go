package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

func calculatorTool() Tool {
	return Tool{
		Name:        "calculator",
		Description: "Evaluates an arithmetic expression with +, -, *, / and parentheses.",
		Schema: Schema{
			"expression": {Type: "string", Description: "The expression to evaluate, e.g. \"(2+3)*4\"", Required: true},
		},
		Handler: func(ctx context.Context, args Args) (any, error) {
			value, err := evalExpression(args.String("expression"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"result": value}, nil
		},
	}
}

func currentTimeTool() Tool {
	return Tool{
		Name:        "current_time",
		Description: "Returns the current UTC time in RFC 3339 format.",
		Schema:      Schema{},
		Handler: func(ctx context.Context, args Args) (any, error) {
			return map[string]any{"time": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	}
}

func wordCountTool() Tool {
	return Tool{
		Name:        "word_count",
		Description: "Counts the words in a piece of text.",
		Schema: Schema{
			"text": {Type: "string", Description: "The text to count", Required: true},
		},
		Handler: func(ctx context.Context, args Args) (any, error) {
			return map[string]any{"count": len(strings.Fields(args.String("text")))}, nil
		},
	}
}

// evalExpression evaluates an arithmetic expression by recursive descent.
// Grammar: expr = term (('+'|'-') term)*; term = factor (('*'|'/') factor)*;
// factor = number | '-' factor | '(' expr ')'.
func evalExpression(input string) (float64, error) {
	p := &exprParser{input: input}
	value, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpaces()
	if p.pos < len(p.input) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.input[p.pos], p.pos)
	}
	return value, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) parseExpr() (float64, error) {
	value, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		if p.pos >= len(p.input) {
			return value, nil
		}
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			return value, nil
		}
		p.pos++
		rhs, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			value += rhs
		} else {
			value -= rhs
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	value, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpaces()
		if p.pos >= len(p.input) {
			return value, nil
		}
		op := p.input[p.pos]
		if op != '*' && op != '/' {
			return value, nil
		}
		p.pos++
		rhs, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		if op == '*' {
			value *= rhs
		} else {
			if rhs == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			value /= rhs
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	p.skipSpaces()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("unexpected end of expression")
	}
	switch c := p.input[p.pos]; {
	case c == '-':
		p.pos++
		value, err := p.parseFactor()
		return -value, err
	case c == '(':
		p.pos++
		value, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpaces()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return value, nil
	case unicode.IsDigit(rune(c)) || c == '.':
		start := p.pos
		for p.pos < len(p.input) && (unicode.IsDigit(rune(p.input[p.pos])) || p.input[p.pos] == '.') {
			p.pos++
		}
		value, err := strconv.ParseFloat(p.input[start:p.pos], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
		}
		return value, nil
	default:
		return 0, fmt.Errorf("unexpected character %q at position %d", c, p.pos)
	}
}

func (p *exprParser) skipSpaces() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}
