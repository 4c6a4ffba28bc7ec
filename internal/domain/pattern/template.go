// Package pattern parses numbering templates and renders identifiers from them.
//
// Template syntax: literal text with {VAR} tokens.
//
//	{COUNTER} / {COUNTER:n}  the counter value, zero-padded to n digits
//	{YEAR} {YY} {MONTH} {DAY} date parts of the generation reference date
//	{ANY_OTHER_NAME}         custom variable taken from the caller's context map
//
// Braces are escaped by doubling them: "{{" renders "{" and "}}" renders "}".
package pattern

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"sequencer/internal/core/apperror"
)

// MaxPadding is the widest counter the formatter accepts (int64 has 19 digits).
const MaxPadding = 18

// TokenKind identifies a parsed template unit.
type TokenKind int

const (
	TokenLiteral TokenKind = iota
	TokenCounter
	TokenYear
	TokenYearShort
	TokenMonth
	TokenDay
	TokenCustom
)

// Reserved variable names.
const (
	VarCounter   = "COUNTER"
	VarYear      = "YEAR"
	VarYearShort = "YY"
	VarMonth     = "MONTH"
	VarDay       = "DAY"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Token is one literal segment or variable of a template.
type Token struct {
	Kind TokenKind
	// Text holds the literal text or the custom variable name.
	Text string
	// Padding is the COUNTER width, 0 when unpadded.
	Padding int
}

// Template is a parsed pattern. It is immutable and safe for concurrent use.
type Template struct {
	tokens  []Token
	counter int // index of the COUNTER token
}

// RenderOptions controls overflow handling during rendering.
type RenderOptions struct {
	// AllowWidening lets the counter exceed its declared padding (extend-padding overflow).
	AllowWidening bool
}

// Parse parses a template string. Malformed templates are validation errors.
func Parse(template string) (*Template, error) {
	if strings.TrimSpace(template) == "" {
		return nil, invalid(template, "pattern is empty")
	}

	var (
		tokens  []Token
		literal strings.Builder
		counter = -1
	)

	flushLiteral := func() {
		if literal.Len() > 0 {
			tokens = append(tokens, Token{Kind: TokenLiteral, Text: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(template); i++ {
		c := template[i]
		switch c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				literal.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(template[i+1:], '}')
			if end < 0 {
				return nil, invalid(template, "unclosed variable")
			}
			body := template[i+1 : i+1+end]
			tok, err := parseVariable(template, body)
			if err != nil {
				return nil, err
			}
			flushLiteral()
			if tok.Kind == TokenCounter {
				if counter >= 0 {
					return nil, invalid(template, "pattern contains more than one COUNTER")
				}
				counter = len(tokens)
			}
			tokens = append(tokens, tok)
			i += end + 1
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				literal.WriteByte('}')
				i++
				continue
			}
			return nil, invalid(template, "unexpected '}'")
		default:
			literal.WriteByte(c)
		}
	}
	flushLiteral()

	if counter < 0 {
		return nil, invalid(template, "pattern must contain a COUNTER variable")
	}

	return &Template{tokens: tokens, counter: counter}, nil
}

// MustParse is Parse that panics on error. Use only for constants and tests.
func MustParse(template string) *Template {
	t, err := Parse(template)
	if err != nil {
		panic(err)
	}
	return t
}

func parseVariable(template, body string) (Token, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Token{}, invalid(template, "empty variable")
	}

	name, arg, hasArg := strings.Cut(body, ":")
	name = strings.TrimSpace(name)

	switch name {
	case VarCounter:
		if !hasArg {
			return Token{Kind: TokenCounter}, nil
		}
		width, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil || width < 1 || width > MaxPadding {
			return Token{}, invalid(template, fmt.Sprintf("COUNTER padding must be between 1 and %d", MaxPadding))
		}
		return Token{Kind: TokenCounter, Padding: width}, nil
	case VarYear, VarYearShort, VarMonth, VarDay:
		if hasArg {
			return Token{}, invalid(template, name+" does not take an argument")
		}
		return Token{Kind: dateKinds[name]}, nil
	}

	if hasArg {
		return Token{}, invalid(template, "custom variable "+name+" does not take an argument")
	}
	if !identRe.MatchString(name) {
		return Token{}, invalid(template, "invalid variable name "+strconv.Quote(name))
	}
	return Token{Kind: TokenCustom, Text: name}, nil
}

var dateKinds = map[string]TokenKind{
	VarYear:      TokenYear,
	VarYearShort: TokenYearShort,
	VarMonth:     TokenMonth,
	VarDay:       TokenDay,
}

func invalid(template, reason string) *apperror.AppError {
	return apperror.NewValidation("invalid pattern: "+reason).WithDetail("pattern", template)
}

// Tokens returns a copy of the parsed tokens.
func (t *Template) Tokens() []Token {
	out := make([]Token, len(t.tokens))
	copy(out, t.tokens)
	return out
}

// Padding returns the declared COUNTER width (0 = unpadded).
func (t *Template) Padding() int {
	return t.tokens[t.counter].Padding
}

// Capacity returns the largest counter value that fits the padding, 0 when unbounded.
func (t *Template) Capacity() int64 {
	p := t.Padding()
	if p == 0 {
		return 0
	}
	capacity := int64(1)
	for i := 0; i < p; i++ {
		capacity *= 10
	}
	return capacity - 1
}

// Fits reports whether value renders within the declared padding.
func (t *Template) Fits(value int64) bool {
	p := t.Padding()
	return p == 0 || digits(value) <= p
}

// Variables returns the custom variable names in template order.
func (t *Template) Variables() []string {
	var names []string
	for _, tok := range t.tokens {
		if tok.Kind == TokenCustom {
			names = append(names, tok.Text)
		}
	}
	return names
}

// Widen returns a copy of the template whose COUNTER is one digit wider.
// An unpadded template is returned unchanged.
func (t *Template) Widen() *Template {
	if t.Padding() == 0 || t.Padding() >= MaxPadding {
		return t
	}
	widened := &Template{tokens: t.Tokens(), counter: t.counter}
	widened.tokens[t.counter].Padding++
	return widened
}

// String reconstructs the template source.
func (t *Template) String() string {
	var b strings.Builder
	for _, tok := range t.tokens {
		switch tok.Kind {
		case TokenLiteral:
			b.WriteString(strings.NewReplacer("{", "{{", "}", "}}").Replace(tok.Text))
		case TokenCounter:
			if tok.Padding > 0 {
				fmt.Fprintf(&b, "{%s:%d}", VarCounter, tok.Padding)
			} else {
				b.WriteString("{" + VarCounter + "}")
			}
		case TokenYear:
			b.WriteString("{" + VarYear + "}")
		case TokenYearShort:
			b.WriteString("{" + VarYearShort + "}")
		case TokenMonth:
			b.WriteString("{" + VarMonth + "}")
		case TokenDay:
			b.WriteString("{" + VarDay + "}")
		case TokenCustom:
			b.WriteString("{" + tok.Text + "}")
		}
	}
	return b.String()
}

// Render produces the identifier for value. Date parts come from ref, never from the
// clock, so re-rendering the same inputs is deterministic.
func (t *Template) Render(value int64, ref time.Time, vars map[string]string, opts RenderOptions) (string, error) {
	if value < 0 {
		return "", apperror.NewValidation("counter value must not be negative").WithDetail("value", value)
	}

	var b strings.Builder
	for _, tok := range t.tokens {
		switch tok.Kind {
		case TokenLiteral:
			b.WriteString(tok.Text)
		case TokenCounter:
			if !opts.AllowWidening && !t.Fits(value) {
				return "", apperror.NewSequenceExhausted(t.String(), value, tok.Padding)
			}
			fmt.Fprintf(&b, "%0*d", tok.Padding, value)
		case TokenYear:
			fmt.Fprintf(&b, "%04d", ref.Year())
		case TokenYearShort:
			fmt.Fprintf(&b, "%02d", ref.Year()%100)
		case TokenMonth:
			fmt.Fprintf(&b, "%02d", int(ref.Month()))
		case TokenDay:
			fmt.Fprintf(&b, "%02d", ref.Day())
		case TokenCustom:
			v, ok := vars[tok.Text]
			if !ok {
				return "", apperror.NewUnresolvedVariable(tok.Text)
			}
			b.WriteString(v)
		}
	}
	return b.String(), nil
}

func digits(v int64) int {
	if v < 0 {
		v = -v
	}
	n := 1
	for v >= 10 {
		v /= 10
		n++
	}
	return n
}

// Match holds what Template.Match read back from an identifier. Date parts the
// template does not contain are -1.
type Match struct {
	Value     int64
	Year      int
	YearShort int
	Month     int
	Day       int
	Vars      map[string]string
}

// Match parses number as an identifier rendered by t. Widened counters are
// accepted. Custom variables match the shortest text that lets the rest fit.
func (t *Template) Match(number string) (*Match, bool) {
	var expr strings.Builder
	expr.WriteString("^")
	for _, tok := range t.tokens {
		switch tok.Kind {
		case TokenLiteral:
			expr.WriteString(regexp.QuoteMeta(tok.Text))
		case TokenCounter:
			if tok.Padding > 0 {
				fmt.Fprintf(&expr, `(\d{%d,})`, tok.Padding)
			} else {
				expr.WriteString(`(\d+)`)
			}
		case TokenYear:
			expr.WriteString(`(\d{4})`)
		case TokenYearShort, TokenMonth, TokenDay:
			expr.WriteString(`(\d{2})`)
		case TokenCustom:
			expr.WriteString(`(.+?)`)
		}
	}
	expr.WriteString("$")

	re, err := regexp.Compile(expr.String())
	if err != nil {
		return nil, false
	}
	groups := re.FindStringSubmatch(number)
	if groups == nil {
		return nil, false
	}

	m := &Match{Year: -1, YearShort: -1, Month: -1, Day: -1}
	group := 1
	for _, tok := range t.tokens {
		if tok.Kind == TokenLiteral {
			continue
		}
		text := groups[group]
		group++
		if tok.Kind == TokenCustom {
			if m.Vars == nil {
				m.Vars = make(map[string]string)
			}
			m.Vars[tok.Text] = text
			continue
		}
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, false
		}
		switch tok.Kind {
		case TokenCounter:
			m.Value = n
		case TokenYear:
			m.Year = int(n)
		case TokenYearShort:
			m.YearShort = int(n)
		case TokenMonth:
			m.Month = int(n)
		case TokenDay:
			m.Day = int(n)
		}
	}
	return m, true
}

// ComparePeriod orders the date parts of m against ref, most significant first,
// looking only at the parts the template carries: -1 when m names an earlier
// period, 1 for a later one, 0 for the same one or when there are no date parts.
func (m *Match) ComparePeriod(ref time.Time) int {
	year := m.Year
	refYear := ref.Year()
	if year < 0 && m.YearShort >= 0 {
		year, refYear = m.YearShort, ref.Year()%100
	}
	parts := [][2]int{
		{year, refYear},
		{m.Month, int(ref.Month())},
		{m.Day, ref.Day()},
	}
	for _, p := range parts {
		if p[0] < 0 {
			continue
		}
		switch {
		case p[0] < p[1]:
			return -1
		case p[0] > p[1]:
			return 1
		}
	}
	return 0
}
