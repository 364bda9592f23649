package veritas

import "southwinds.dev/veritas/internal/crypto"

// Digest returns the lowercase hex SHA-256 of data
func Digest(data []byte) string {
	return crypto.CalculateChecksum(data)
}

// DigestString returns the lowercase hex SHA-256 of s
func DigestString(s string) string {
	return Digest([]byte(s))
}
