package notify

import (
	"regexp"
	"strings"
)

var e164 = regexp.MustCompile(`^\+\d{10,15}$`)

// NormalizePhone converts a contact number to E.164. Numbers without a country
// code are taken as Russian: a leading 8 becomes +7, and other numbers without
// a plus get +7 unless they already start with the 7 country code.
func NormalizePhone(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	plus := strings.HasPrefix(raw, "+")

	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	var phone string
	switch {
	case plus:
		phone = "+" + d
	case strings.HasPrefix(d, "8"):
		phone = "+7" + d[1:]
	case strings.HasPrefix(d, "7") && len(d) == 11:
		phone = "+" + d
	default:
		phone = "+7" + d
	}

	if !e164.MatchString(phone) {
		return "", false
	}
	return phone, true
}
