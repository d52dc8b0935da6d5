// Package util provides utility functions for the WardWatch application.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateAlertID generates a unique alert ID with "alert_" prefix.
func GenerateAlertID() string {
	return "alert_" + uuid.NewString()
}

// GenerateSessionID generates a unique capture session ID with "sess_" prefix.
func GenerateSessionID() string {
	return "sess_" + uuid.NewString()
}

// GenerateFormID generates a unique handoff form ID with "form_" prefix.
func GenerateFormID() string {
	return "form_" + uuid.NewString()
}
