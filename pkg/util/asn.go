package util

import "fmt"

// MaxASN is the top of the 4-byte AS number range.
const MaxASN int64 = 4294967295

// Well-known AS numbers flagged in strict extraction.
const (
	ASReservedZero int64 = 0     // RFC 7607
	ASTrans        int64 = 23456 // RFC 6793 AS_TRANS
	ASReservedMax  int64 = 4294967295
)

// ASInRange reports whether n is a representable AS number.
func ASInRange(n int64) bool {
	return n >= 0 && n <= MaxASN
}

// ValidateASN checks that n is within the 4-byte AS number range.
func ValidateASN(n int64) error {
	if !ASInRange(n) {
		return fmt.Errorf("AS number must be between 0 and %d, got %d", MaxASN, n)
	}
	return nil
}

// FormatAS renders an AS number in the conventional "AS<n>" form.
func FormatAS(n int64) string {
	return fmt.Sprintf("AS%d", n)
}
