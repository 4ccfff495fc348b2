package model

import (
	"strings"
	"testing"
)

func TestParseInventory(t *testing.T) {
	input := `address,hostname,role,region
192.0.2.1,edge1.nyc,edge,us-east
192.0.2.2,edge2.lax,edge,us-west
192.0.2.3,,core,us-east
`
	devices, err := ParseInventory(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseInventory: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("got %d devices, want 3", len(devices))
	}

	if devices[0].Hostname != "edge1.nyc" || devices[0].Address != "192.0.2.1" {
		t.Errorf("device 0 = %+v", devices[0])
	}
	if devices[1].Region != "us-west" {
		t.Errorf("device 1 region = %q, want us-west", devices[1].Region)
	}
	// Row 3 has no hostname: synthesized from the address.
	if devices[2].Hostname != "router-192-0-2-3" {
		t.Errorf("device 2 hostname = %q, want router-192-0-2-3", devices[2].Hostname)
	}
}

func TestParseInventoryAddressOnly(t *testing.T) {
	input := "address\n198.51.100.7\n"
	devices, err := ParseInventory(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseInventory: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices))
	}
	if devices[0].Hostname != "router-198-51-100-7" {
		t.Errorf("hostname = %q", devices[0].Hostname)
	}
}

func TestParseInventorySkipsBlankAddress(t *testing.T) {
	input := `address,hostname
192.0.2.1,edge1
,ghost
192.0.2.2,edge2
`
	devices, err := ParseInventory(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseInventory: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2 (blank address skipped)", len(devices))
	}
	if devices[0].Hostname != "edge1" || devices[1].Hostname != "edge2" {
		t.Errorf("devices = %+v", devices)
	}
}

func TestParseInventoryDisambiguatesDuplicates(t *testing.T) {
	input := `address,hostname
192.0.2.1,edge1
192.0.2.2,edge1
192.0.2.3,edge1
`
	devices, err := ParseInventory(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseInventory: %v", err)
	}
	if len(devices) != 3 {
		t.Fatalf("got %d devices, want 3", len(devices))
	}

	seen := map[string]bool{}
	for _, d := range devices {
		if seen[d.Hostname] {
			t.Errorf("duplicate hostname survived: %q", d.Hostname)
		}
		seen[d.Hostname] = true
	}
	if devices[0].Hostname != "edge1" {
		t.Errorf("first occurrence should keep its name, got %q", devices[0].Hostname)
	}
}

func TestParseInventoryMissingAddressColumn(t *testing.T) {
	input := "hostname,role\nedge1,edge\n"
	if _, err := ParseInventory(strings.NewReader(input)); err == nil {
		t.Fatal("expected error for missing address column")
	}
}

func TestParseInventoryEmpty(t *testing.T) {
	if _, err := ParseInventory(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty inventory")
	}
}

func TestParseInventoryRaggedRows(t *testing.T) {
	input := `address,hostname,role
192.0.2.1,edge1
192.0.2.2
`
	devices, err := ParseInventory(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseInventory: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if devices[1].Hostname != "router-192-0-2-2" {
		t.Errorf("ragged row hostname = %q", devices[1].Hostname)
	}
}
