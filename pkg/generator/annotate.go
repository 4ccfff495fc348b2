package generator

import (
	"context"
	"fmt"
	"strings"

	"github.com/otto-bgp/otto-bgp/pkg/rpki"
)

// RPKIAnnotator prepends per-AS validation state to generated policies
// as Junos comments. AS-SET targets pass through untouched: a set spans
// many origins and per-origin state would be meaningless.
type RPKIAnnotator struct {
	validator *rpki.Validator
}

func NewRPKIAnnotator(v *rpki.Validator) *RPKIAnnotator {
	return &RPKIAnnotator{validator: v}
}

func (a *RPKIAnnotator) Annotate(ctx context.Context, target Target, text string, prefixes []string) (string, error) {
	if target.ASN == 0 || len(prefixes) == 0 {
		return text, nil
	}

	results, err := a.validator.CheckAS(ctx, target.ASN, prefixes)
	if err != nil {
		return "", fmt.Errorf("rpki validation for AS%d: %w", target.ASN, err)
	}
	summary := rpki.Summarize(results)

	var b strings.Builder
	fmt.Fprintf(&b, "/* RPKI AS%d: %d valid, %d invalid, %d not found",
		target.ASN, summary.Valid, summary.Invalid, summary.NotFound)
	if summary.Allowlisted > 0 {
		fmt.Fprintf(&b, ", %d allowlisted", summary.Allowlisted)
	}
	if summary.Errors > 0 {
		fmt.Fprintf(&b, ", %d errors", summary.Errors)
	}
	b.WriteString(" */\n")
	for _, r := range results {
		if r.State == rpki.StateInvalid {
			fmt.Fprintf(&b, "/* RPKI INVALID: %s (%s) */\n", r.Prefix, r.Reason)
		}
	}
	b.WriteString(text)
	return b.String(), nil
}
