package service

import "strings"

// List pagination bounds shared by the services.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ClampLimit normalizes a caller-provided list limit into [1, max],
// substituting def when the caller passes zero or a negative value.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// TrimAndValidate trims a string and validates it's not empty.
// This is the most common validation pattern.
func TrimAndValidate(value, fieldName string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", RequiredError(fieldName)
	}
	return trimmed, nil
}

// TrimOrDefault trims a string and returns a default if empty.
func TrimOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}

// ContainsString checks if a string slice contains an exact target.
func ContainsString(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
