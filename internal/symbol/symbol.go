// Package symbol handles perpetual contract symbol parsing and validation.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
)

// symbolRegex matches: {BASE}_{QUOTE}_PERP
// Example: BTC_USDC_PERP
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]+)_([A-Z0-9]+)_PERP$`)

var ErrInvalidSymbol = errors.New("symbol: invalid perp symbol format")

// Symbol is a parsed perpetual contract symbol.
type Symbol struct {
	Name  string `json:"name"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Parse parses and validates a perp symbol string.
// Format: {BASE}_{QUOTE}_PERP
func Parse(name string) (*Symbol, error) {
	matches := symbolRegex.FindStringSubmatch(name)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {BASE}_{QUOTE}_PERP)", ErrInvalidSymbol, name)
	}

	return &Symbol{
		Name:  name,
		Base:  matches[1],
		Quote: matches[2],
	}, nil
}

// Valid reports whether name is a well-formed perp symbol.
func Valid(name string) bool {
	return symbolRegex.MatchString(name)
}
