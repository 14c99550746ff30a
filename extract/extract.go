// Package extract locates the "Net Distribution" amount in decoded advice text.
package extract

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Marker and Label anchor a distribution line: "E Net Distribution ... 1,234.50".
const (
	Marker = "E"
	Label  = "Net Distribution"
)

// amount is an optional currency symbol, optional spacing, and a number with a
// mandatory decimal fraction. U+FFFD and '?' stand in for a rupee sign mangled
// by a lossy decode.
const amount = `[?₹$€£\x{FFFD}]?[\s\x{00A0}]*\d[\d,]*\.\d+`

var (
	strictLine  = regexp.MustCompile(`(?i)^` + Marker + `\s+` + Label + `.*?(` + amount + `)[\s\x{00A0}]*$`)
	amountToken = regexp.MustCompile(amount)
	noise       = regexp.MustCompile(`[?₹$€£\x{FFFD},\s\x{00A0}]`)
)

// Distribution is an extracted amount.
type Distribution struct {
	Amount   decimal.Decimal
	Value    string // Normalized, e.g. "3456.78"
	Strategy string // Name of the strategy that matched
}

// Strategy finds a distribution in the lines of a message.
type Strategy interface {
	Name() string
	Find(lines []string) (Distribution, bool)
}

// Extractor tries its strategies in order; the first match wins.
type Extractor struct {
	strategies []Strategy
}

// New creates an extractor. Without strategies it uses Strict followed by Loose.
func New(strategies ...Strategy) *Extractor {
	if len(strategies) == 0 {
		strategies = []Strategy{Strict{}, Loose{}}
	}
	return &Extractor{strategies: strategies}
}

// Extract returns the distribution in text, or false when no line qualifies.
func (e *Extractor) Extract(text string) (Distribution, bool) {
	lines := splitLines(text)
	for _, s := range e.strategies {
		if d, ok := s.Find(lines); ok {
			d.Strategy = s.Name()
			return d, true
		}
	}
	return Distribution{}, false
}

// Strict matches lines that begin with the marker immediately followed by the
// label and end with an amount. The last such line in the text wins.
type Strict struct{}

// Name implements Strategy.
func (Strict) Name() string { return "strict" }

// Find implements Strategy.
func (Strict) Find(lines []string) (Distribution, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		m := strictLine.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		if d, ok := normalize(m[1]); ok {
			return d, true
		}
	}
	return Distribution{}, false
}

// Loose matches lines whose trimmed text starts with the marker and contains the
// label anywhere, taking the last amount on the first such line that has one.
type Loose struct{}

// Name implements Strategy.
func (Loose) Name() string { return "loose" }

// Find implements Strategy.
func (Loose) Find(lines []string) (Distribution, bool) {
	for _, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), Marker) || !strings.Contains(line, Label) {
			continue
		}
		tokens := amountToken.FindAllString(line, -1)
		if len(tokens) == 0 {
			continue
		}
		if d, ok := normalize(tokens[len(tokens)-1]); ok {
			return d, true
		}
	}
	return Distribution{}, false
}

// normalize strips currency symbols, spacing and thousands separators.
func normalize(token string) (Distribution, bool) {
	value := noise.ReplaceAllString(token, "")
	dot := strings.IndexByte(value, '.')
	if dot < 1 || dot == len(value)-1 {
		return Distribution{}, false
	}
	amt, err := decimal.NewFromString(value)
	if err != nil {
		return Distribution{}, false
	}
	return Distribution{Amount: amt, Value: value}, true
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}
