package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// evalExpression evaluates a basic arithmetic expression: + - * / % ^,
// parentheses, unary minus, decimal numbers. Recursive descent, precedence
// climbing.
func evalExpression(expr string) (float64, error) {
	p := &exprParser{src: strings.TrimSpace(expr)}
	if p.src == "" {
		return 0, fmt.Errorf("engine: empty expression")
	}
	v, err := p.parseAdditive()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return 0, fmt.Errorf("engine: unexpected %q at position %d", p.src[p.pos], p.pos)
	}
	return v, nil
}

type exprParser struct {
	src string
	pos int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *exprParser) parseAdditive() (float64, error) {
	v, err := p.parseMultiplicative()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			r, err := p.parseMultiplicative()
			if err != nil {
				return 0, err
			}
			v += r
		case '-':
			p.pos++
			r, err := p.parseMultiplicative()
			if err != nil {
				return 0, err
			}
			v -= r
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parseMultiplicative() (float64, error) {
	v, err := p.parsePower()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '*':
			p.pos++
			r, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			v *= r
		case '/':
			p.pos++
			r, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if r == 0 {
				return 0, fmt.Errorf("engine: division by zero")
			}
			v /= r
		case '%':
			p.pos++
			r, err := p.parsePower()
			if err != nil {
				return 0, err
			}
			if r == 0 {
				return 0, fmt.Errorf("engine: division by zero")
			}
			v = float64(int64(v) % int64(r))
		default:
			return v, nil
		}
	}
}

func (p *exprParser) parsePower() (float64, error) {
	v, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	if p.peek() == '^' {
		p.pos++
		// Right-associative.
		r, err := p.parsePower()
		if err != nil {
			return 0, err
		}
		return pow(v, r), nil
	}
	return v, nil
}

func (p *exprParser) parseUnary() (float64, error) {
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return -v, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (float64, error) {
	c := p.peek()
	if c == '(' {
		p.pos++
		v, err := p.parseAdditive()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("engine: missing closing parenthesis")
		}
		p.pos++
		return v, nil
	}

	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= '0' && c <= '9' || c == '.' {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return 0, fmt.Errorf("engine: expected number at position %d", start)
	}
	v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("engine: bad number %q", p.src[start:p.pos])
	}
	return v, nil
}

func pow(base, exp float64) float64 {
	// Integer exponents cover the calculator's use; fractional exponents
	// round toward zero.
	n := int64(exp)
	if n == 0 {
		return 1
	}
	neg := n < 0
	if neg {
		n = -n
	}
	v := 1.0
	for i := int64(0); i < n; i++ {
		v *= base
	}
	if neg {
		return 1 / v
	}
	return v
}
