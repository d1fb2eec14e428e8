package util

import (
	"regexp"
)

var (
	uuidRegex        = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	pairingCodeRegex = regexp.MustCompile(`^[0-9]{6}$`)
)

func IsValidUUID(s string) bool {
	if s == "" {
		return false
	}
	return uuidRegex.MatchString(s)
}

// IsValidPairingCode requires exactly six ASCII digits.
func IsValidPairingCode(s string) bool {
	return pairingCodeRegex.MatchString(s)
}
