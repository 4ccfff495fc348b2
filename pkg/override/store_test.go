package override

import (
	"errors"
	"strings"
	"testing"

	"github.com/otto-bgp/otto-bgp/pkg/util"
)

func TestRequestValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr string
	}{
		{
			name: "valid",
			req:  Request{ASNumber: 64500, Reason: "registry outage", Actor: "noc", SourceIP: "192.0.2.1"},
		},
		{
			name:    "as out of range",
			req:     Request{ASNumber: -1, Actor: "noc"},
			wantErr: "out of range",
		},
		{
			name:    "as above 32 bits",
			req:     Request{ASNumber: 4294967296, Actor: "noc"},
			wantErr: "out of range",
		},
		{
			name:    "reason too long",
			req:     Request{ASNumber: 64500, Reason: strings.Repeat("x", 501)},
			wantErr: "reason exceeds",
		},
		{
			name:    "actor too long",
			req:     Request{ASNumber: 64500, Actor: strings.Repeat("x", 101)},
			wantErr: "actor exceeds",
		},
		{
			name:    "source too long",
			req:     Request{ASNumber: 64500, SourceIP: strings.Repeat("x", 46)},
			wantErr: "source address exceeds",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, util.ErrValidation) {
				t.Errorf("error kind = %v, want validation", util.KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}
