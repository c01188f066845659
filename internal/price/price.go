package price

import (
	"errors"
	"strconv"
	"strings"
)

// ErrMalformed reports a price string that cannot be normalized without
// guessing at its magnitude.
var ErrMalformed = errors.New("malformed price")

// Normalize parses upstream listing price text into a numeric amount.
// Every character that is not a decimal digit or a '.' separator is
// stripped, then the remainder is parsed as a decimal number. A string with
// no digits, more than one separator, or a non-finite/negative value fails
// rather than producing a wrong magnitude.
func Normalize(raw string) (float64, error) {
	var b strings.Builder
	separators := 0
	for _, c := range raw {
		switch {
		case c >= '0' && c <= '9':
			b.WriteRune(c)
		case c == '.':
			separators++
			b.WriteRune(c)
		}
	}
	if separators > 1 {
		return 0, ErrMalformed
	}
	s := b.String()
	if s == "" || s == "." {
		return 0, ErrMalformed
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, ErrMalformed
	}
	if v < 0 {
		return 0, ErrMalformed
	}
	return v, nil
}
