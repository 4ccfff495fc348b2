//go:build integration

package override_test

import (
	"context"
	"testing"

	"github.com/otto-bgp/otto-bgp/internal/testutil"
	"github.com/otto-bgp/otto-bgp/pkg/override"
)

func TestStoreLifecycle(t *testing.T) {
	pool := testutil.Pool(t)
	ctx := context.Background()
	store := override.NewStore(pool)

	const asn = int64(4200064500)
	if _, err := pool.Exec(ctx, `DELETE FROM rpki_override_history WHERE as_number = $1`, asn); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := pool.Exec(ctx, `DELETE FROM rpki_overrides WHERE as_number = $1`, asn); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if disabled, err := store.Disabled(ctx, asn); err != nil || disabled {
		t.Fatalf("fresh AS disabled = %v, %v; want false, nil", disabled, err)
	}

	req := override.Request{ASNumber: asn, Reason: "registry outage", Actor: "noc-oncall", SourceIP: "192.0.2.10"}
	if err := store.Disable(ctx, req); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if disabled, _ := store.Disabled(ctx, asn); !disabled {
		t.Error("AS not reported disabled after Disable")
	}

	if err := store.Enable(ctx, override.Request{ASNumber: asn, Reason: "outage resolved", Actor: "noc-oncall"}); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if disabled, _ := store.Disabled(ctx, asn); disabled {
		t.Error("AS still reported disabled after Enable")
	}

	history, err := store.History(ctx, asn, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d entries, want 2", len(history))
	}
	if history[0].Action != "enable" || history[1].Action != "disable" {
		t.Errorf("history order = %s, %s; want enable, disable (newest first)",
			history[0].Action, history[1].Action)
	}
	if history[1].SourceIP != "192.0.2.10" {
		t.Errorf("disable source = %q, want 192.0.2.10", history[1].SourceIP)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, o := range list {
		if o.ASNumber == asn {
			found = true
			if !o.RPKIEnabled {
				t.Error("list shows AS disabled after Enable")
			}
		}
	}
	if !found {
		t.Error("AS missing from override list")
	}
}
