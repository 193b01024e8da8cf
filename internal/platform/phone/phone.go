// Package phone provides canonical phone-number identity for inbound and
// outbound message matching. Channel providers disagree on number formats
// (international, national, digits-only, scheme-prefixed), so every match
// goes through one canonical principal address plus its legacy-format
// aliases.
package phone

import (
	"fmt"
	"strings"
)

// DefaultCountryCode is applied to national-format numbers with a leading zero.
const DefaultCountryCode = "44"

// Identity is one canonical phone identity.
type Identity struct {
	// Principal is the E.164-style representation, e.g. "+447900000001".
	Principal string
	// Aliases are equivalent representations providers may use as sender
	// addresses, including the principal itself.
	Aliases []string
}

// Normalize derives the canonical identity for a raw address using the
// default country code for national-format input.
func Normalize(raw string) (Identity, error) {
	return NormalizeWithCountry(raw, DefaultCountryCode)
}

// NormalizeWithCountry derives the canonical identity for a raw address.
// Accepted inputs: "+<cc><national>", "00<cc><national>", "<cc><national>",
// "0<national>" and any of those with spaces, dashes, dots, parentheses or a
// channel scheme prefix such as "whatsapp:".
func NormalizeWithCountry(raw string, countryCode string) (Identity, error) {
	countryCode = strings.TrimSpace(countryCode)
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}

	cleaned := stripAddress(raw)
	if cleaned == "" {
		return Identity{}, fmt.Errorf("phone address is required")
	}

	var digits string
	switch {
	case strings.HasPrefix(cleaned, "+"):
		digits = cleaned[1:]
	case strings.HasPrefix(cleaned, "00"):
		digits = cleaned[2:]
	case strings.HasPrefix(cleaned, "0"):
		digits = countryCode + cleaned[1:]
	default:
		digits = cleaned
	}
	if digits == "" || !isDigits(digits) {
		return Identity{}, fmt.Errorf("phone address %q is not a dialable number", raw)
	}
	if len(digits) < 7 {
		return Identity{}, fmt.Errorf("phone address %q is too short", raw)
	}

	principal := "+" + digits
	aliases := []string{principal, digits, "00" + digits}
	if national, ok := strings.CutPrefix(digits, countryCode); ok && national != "" {
		aliases = append(aliases, "0"+national)
	}
	return Identity{Principal: principal, Aliases: aliases}, nil
}

// Matches reports whether two raw addresses resolve to the same principal.
func Matches(a, b string) bool {
	left, err := Normalize(a)
	if err != nil {
		return false
	}
	right, err := Normalize(b)
	if err != nil {
		return false
	}
	return left.Principal == right.Principal
}

func stripAddress(raw string) string {
	value := strings.TrimSpace(strings.ToLower(raw))
	if idx := strings.Index(value, ":"); idx >= 0 {
		value = value[idx+1:]
	}
	var b strings.Builder
	for i, r := range value {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
			// separator noise
		default:
			return ""
		}
	}
	return b.String()
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(value) > 0
}
