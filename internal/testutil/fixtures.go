package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/otto-bgp/otto-bgp/pkg/model"
)

// SampleBGPConfig is a representative "show configuration protocols bgp"
// capture with transit, customer, and iBGP groups.
const SampleBGPConfig = `protocols {
    bgp {
        group TRANSIT {
            type external;
            import TRANSIT-IN;
            export TRANSIT-OUT;
            neighbor 203.0.113.1 {
                description "Lumen";
                peer-as 3356;
            }
            neighbor 203.0.113.5 {
                description "NTT";
                peer-as 2914;
            }
        }
        group CUSTOMERS {
            type external;
            import CUSTOMER-IN;
            neighbor 198.51.100.10 {
                peer-as 64800;
            }
            neighbor 198.51.100.14 {
                peer-as 64801;
            }
            neighbor 198.51.100.18 {
                peer-as 64800;
            }
        }
        group IBGP {
            type internal;
            local-address 10.255.0.1;
            neighbor 10.255.0.2;
            neighbor 10.255.0.3;
        }
    }
}
`

// SampleBGPq4Output is bgpq4 Juniper-format output for a small customer AS.
const SampleBGPq4Output = `policy-options {
replace:
 prefix-list AS64800 {
    192.0.2.0/24;
    198.51.100.0/24;
    203.0.113.0/24;
 }
}
`

// SampleVRPJSON is a Routinator-style export covering the prefixes in
// SampleBGPq4Output.
const SampleVRPJSON = `{
  "roas": [
    {"prefix": "192.0.2.0/24", "maxLength": 24, "asn": "AS64800"},
    {"prefix": "198.51.100.0/24", "maxLength": 24, "asn": "AS64800"},
    {"prefix": "203.0.113.0/24", "maxLength": 24, "asn": "AS64999"}
  ]
}`

// SampleInventoryCSV matches the devices returned by Devices().
const SampleInventoryCSV = `address,hostname,role,region
10.1.1.1,edge1.lab,edge,us-east
10.1.1.2,edge2.lab,edge,us-west
10.1.2.1,core1.lab,core,us-east
`

// WriteVRPSnapshot writes SampleVRPJSON to a temp file and returns its path.
func WriteVRPSnapshot(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vrp.json")
	if err := os.WriteFile(path, []byte(SampleVRPJSON), 0644); err != nil {
		t.Fatalf("writing VRP snapshot fixture: %v", err)
	}
	return path
}

// WriteInventory writes SampleInventoryCSV to a temp file and returns its path.
func WriteInventory(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.csv")
	if err := os.WriteFile(path, []byte(SampleInventoryCSV), 0644); err != nil {
		t.Fatalf("writing inventory fixture: %v", err)
	}
	return path
}

// Devices returns the inventory fixture as parsed devices.
func Devices() []model.Device {
	return []model.Device{
		{Address: "10.1.1.1", Hostname: "edge1.lab", Role: "edge", Region: "us-east"},
		{Address: "10.1.1.2", Hostname: "edge2.lab", Role: "edge", Region: "us-west"},
		{Address: "10.1.2.1", Hostname: "core1.lab", Role: "core", Region: "us-east"},
	}
}

// Profile returns a discovered router profile consistent with
// SampleBGPConfig on edge1.lab.
func Profile() *model.RouterProfile {
	p := &model.RouterProfile{Hostname: "edge1.lab", Address: "10.1.1.1"}
	p.AddGroupAS("TRANSIT", 3356)
	p.AddGroupAS("TRANSIT", 2914)
	p.AddGroupAS("CUSTOMERS", 64800)
	p.AddGroupAS("CUSTOMERS", 64801)
	return p
}
