package cli

import (
	"fmt"
	"os"
)

// Operator-facing message vocabulary. Every user-visible status line goes
// through one of these helpers so the symbols stay consistent:
//
//	✓  info / success
//	⚠  warning
//	✗  error
//	✗ Fatal:  unrecoverable
//	USAGE:    invocation errors

// Successf prints a confirmation line to stdout.
func Successf(format string, args ...interface{}) {
	fmt.Printf("%s %s\n", Green("✓"), fmt.Sprintf(format, args...))
}

// Warningf prints a warning line to stdout.
func Warningf(format string, args ...interface{}) {
	fmt.Printf("%s %s\n", Yellow("⚠"), fmt.Sprintf(format, args...))
}

// Failuref prints an error line to stderr.
func Failuref(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s %s\n", Red("✗"), fmt.Sprintf(format, args...))
}

// Fatalf prints a fatal error line to stderr. The caller decides the exit.
func Fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s Fatal: %s\n", Red("✗"), fmt.Sprintf(format, args...))
}

// Usagef prints an invocation error to stderr.
func Usagef(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "USAGE: %s\n", fmt.Sprintf(format, args...))
}

// Hintf prints a dimmed remediation hint under a preceding error line.
func Hintf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "  %s\n", Dim(fmt.Sprintf(format, args...)))
}
