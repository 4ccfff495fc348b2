// Package cli provides shared formatting helpers for otto-bgp CLI output.
package cli

import (
	"os"
	"strings"
)

// colorEnabled is false when NO_COLOR env var is set (per no-color.org).
var colorEnabled = os.Getenv("NO_COLOR") == ""

func paint(code, s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

// Green marks healthy states: VALID, completed, safe-to-apply.
func Green(s string) string { return paint("32", s) }

// Yellow marks states needing attention: NOTFOUND, paused, pending.
func Yellow(s string) string { return paint("33", s) }

// Red marks failures: INVALID, failed, unsafe.
func Red(s string) string { return paint("31", s) }

// Bold emphasizes identifiers in prose output.
func Bold(s string) string { return paint("1", s) }

// Dim de-emphasizes supplementary detail.
func Dim(s string) string { return paint("2", s) }

// DotPad pads name with dots to the given width, for aligned
// per-router progress lines:
//
//	edge1.nyc ............. OK
func DotPad(name string, width int) string {
	if width <= 0 || len(name) >= width-1 {
		return name
	}
	dots := width - len(name) - 1
	return name + " " + strings.Repeat(".", dots)
}
