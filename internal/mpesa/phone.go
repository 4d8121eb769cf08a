package mpesa

import "strings"

const DefaultCountryCode = "254"

// FormatPhone returns phone as digits in international form without a leading plus:
// a leading 0 is replaced by the country code, a bare national number gets it
// prepended and an already prefixed number is left untouched.
func FormatPhone(phone, countryCode string) string {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}

	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)

	switch {
	case digits == "":
		return ""
	case strings.HasPrefix(digits, countryCode):
		return digits
	case strings.HasPrefix(digits, "0"):
		return countryCode + digits[1:]
	default:
		return countryCode + digits
	}
}
