// Package codes generates the public 6-digit transfer codes and the internal
// identifiers used by dropvault.
package codes

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// CodeLength is the number of digits in a transfer code.
const CodeLength = 6

var codeSpace = big.NewInt(1_000_000)

// GenerateTransferCode draws a code uniformly from 000000-999999. Uniqueness
// is the record store's job: callers retry on a duplicate.
func GenerateTransferCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("failed to generate transfer code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}

// GenerateInternalID returns a random UUID string.
func GenerateInternalID() string {
	return uuid.New().String()
}

// IsValidCode reports whether s is exactly CodeLength ASCII digits.
func IsValidCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ExtractCode accepts either a bare code or a link ending in the code and
// returns the trailing path segment, trimmed of whitespace and a trailing
// slash.
func ExtractCode(input string) string {
	s := strings.TrimSpace(input)
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return s
}
