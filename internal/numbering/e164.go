// Package numbering normalizes dialed numbers to E.164.
package numbering

import (
	"strconv"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/hamzaKhattat/asterisk-lcr-router/internal/apperrors"
)

// Number is a normalized E.164 destination.
type Number struct {
	E164        string // "+442012345678"
	Digits      string // "442012345678"
	CountryCode string // "44"
}

// Normalize converts raw into E.164. Formatting characters are stripped and a
// leading international "00" is accepted in place of "+". The result must be
// 8 to 15 digits with a non-zero leading digit.
func Normalize(raw string) (Number, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Number{}, invalid("destination is required")
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ', r == '-', r == '.', r == '(', r == ')':
		default:
			return Number{}, invalid("destination contains invalid character " + strconv.QuoteRune(r))
		}
	}
	cleaned := b.String()

	switch {
	case strings.HasPrefix(cleaned, "+"):
		cleaned = cleaned[1:]
	case strings.HasPrefix(cleaned, "00"):
		cleaned = cleaned[2:]
	default:
		return Number{}, invalid("destination must be in international format")
	}

	if len(cleaned) < 8 || len(cleaned) > 15 {
		return Number{}, invalid("destination must have 8 to 15 digits")
	}
	if cleaned[0] == '0' {
		return Number{}, invalid("country code cannot start with 0")
	}

	return Number{
		E164:        "+" + cleaned,
		Digits:      cleaned,
		CountryCode: countryCode(cleaned),
	}, nil
}

// countryCode derives the ITU calling code. Parsing only (no validity check)
// keeps test ranges and newly allocated blocks routable.
func countryCode(digits string) string {
	num, err := phonenumbers.Parse("+"+digits, "")
	if err != nil || num.GetCountryCode() == 0 {
		return ""
	}
	return strconv.Itoa(int(num.GetCountryCode()))
}

func invalid(msg string) error {
	return apperrors.Validation(apperrors.CodeInvalidDestination, msg)
}
