package misc

import "strings"

// IsNotFoundError reports whether a backend error means the object is missing.
// Backends disagree on error types so the message is inspected.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "nosuchkey")
}
