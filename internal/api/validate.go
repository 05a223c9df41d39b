package api

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxNameLen is the maximum length for name fields (campaign names, contact names).
const maxNameLen = 200

// maxPromptLen is the maximum length for agent prompt and first-message text.
const maxPromptLen = 10000

// phoneRe validates E.164 phone numbers: leading +, 2-15 digits.
var phoneRe = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen runes.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// normalizePhoneNumber strips the formatting people paste with phone
// numbers (spaces, dots, dashes, parentheses), keeping digits and an
// optional leading +.
func normalizePhoneNumber(value string) string {
	var b strings.Builder
	for i, r := range value {
		if (r >= '0' && r <= '9') || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizePhone normalizes a phone number and checks the result is
// E.164. Returns the normalized number and an error message, one of
// which is empty.
func normalizePhone(field, value string) (string, string) {
	if value == "" {
		return "", field + " is required"
	}
	normalized := normalizePhoneNumber(value)
	if !phoneRe.MatchString(normalized) {
		return "", field + " must be an E.164 phone number"
	}
	return normalized, ""
}
