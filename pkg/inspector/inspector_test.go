package inspector

import (
	"reflect"
	"strings"
	"testing"
)

const sampleBGPConfig = `group CUSTOMERS {
    type external;
    neighbor 192.0.2.10 {
        description "Acme Corp";
        peer-as 64801;
    }
    neighbor 192.0.2.11 {
        peer-as 64802;
    }
}
group TRANSIT {
    type external;
    neighbor 198.51.100.1 {
        description "NTT";
        peer-as 2914;
    }
    neighbor 198.51.100.5 {
        peer-as 3356;
    }
}
group IBGP {
    type internal;
    neighbor 10.0.0.2;
}`

func TestExtractPeerAS(t *testing.T) {
	e := NewExtractor()
	res := e.Extract(sampleBGPConfig, PatternPeerAS)

	want := []int64{2914, 3356, 64801, 64802}
	if !reflect.DeepEqual(res.ASNumbers, want) {
		t.Errorf("ASNumbers = %v, want %v", res.ASNumbers, want)
	}
}

func TestExtractASToken(t *testing.T) {
	e := NewExtractor()
	res := e.Extract("prefix-list AS13335 from AS15169; policy for AS2914.", PatternASToken)

	want := []int64{2914, 13335, 15169}
	if !reflect.DeepEqual(res.ASNumbers, want) {
		t.Errorf("ASNumbers = %v, want %v", res.ASNumbers, want)
	}
}

func TestExtractAutonomousSystem(t *testing.T) {
	e := NewExtractor()
	res := e.Extract("routing-options {\n    autonomous-system 65010;\n}", PatternAutonomousSystem)
	if len(res.ASNumbers) != 1 || res.ASNumbers[0] != 65010 {
		t.Errorf("ASNumbers = %v, want [65010]", res.ASNumbers)
	}
}

func TestExtractDeduplicates(t *testing.T) {
	e := NewExtractor()
	res := e.Extract("peer-as 2914; peer-as 2914; peer-as 2914;", PatternPeerAS)
	if len(res.ASNumbers) != 1 {
		t.Errorf("want a set, got %v", res.ASNumbers)
	}
}

func TestExtractRangeValidation(t *testing.T) {
	e := NewExtractor()
	res := e.Extract("peer-as 4294967295 peer-as 4294967296", PatternPeerAS)
	// 4294967295 is in range by default (strict off), 4294967296 is not.
	if len(res.ASNumbers) != 1 || res.ASNumbers[0] != 4294967295 {
		t.Errorf("ASNumbers = %v", res.ASNumbers)
	}
	if len(res.Warnings) == 0 {
		t.Error("out-of-range value should warn")
	}
}

func TestExtractIPv4OctetNoise(t *testing.T) {
	e := NewExtractor()
	// AS192 in an address-like context: below MinAS 256, flagged as octet noise.
	res := e.Extract("interface AS192 token", PatternASToken)
	if len(res.ASNumbers) != 0 {
		t.Errorf("octet-like token accepted: %v", res.ASNumbers)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "IPv4 octet") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected octet warning, got %v", res.Warnings)
	}
}

func TestStrictModeReservedValues(t *testing.T) {
	e := NewExtractor()
	e.Strict = true
	e.MinAS = 0

	res := e.Extract("peer-as 0 peer-as 23456 peer-as 4294967295 peer-as 65001", PatternPeerAS)

	for _, as := range res.ASNumbers {
		if as == 0 || as == 4294967295 {
			t.Errorf("reserved AS %d accepted in strict mode", as)
		}
	}
	// AS_TRANS stays but warns.
	hasTrans := false
	for _, as := range res.ASNumbers {
		if as == 23456 {
			hasTrans = true
		}
	}
	if !hasTrans {
		t.Error("AS_TRANS should be kept (flagged, not filtered)")
	}
	if len(res.Warnings) < 3 {
		t.Errorf("expected warnings for 0, 23456, 4294967295; got %v", res.Warnings)
	}
}

func TestInspectConfigGroups(t *testing.T) {
	e := NewExtractor()
	insp := e.InspectConfig(sampleBGPConfig)

	wantGroups := map[string][]int64{
		"CUSTOMERS": {64801, 64802},
		"TRANSIT":   {2914, 3356},
	}
	if !reflect.DeepEqual(insp.Groups, wantGroups) {
		t.Errorf("Groups = %v, want %v", insp.Groups, wantGroups)
	}

	wantAS := []int64{2914, 3356, 64801, 64802}
	if !reflect.DeepEqual(insp.ASNumbers, wantAS) {
		t.Errorf("ASNumbers = %v, want %v", insp.ASNumbers, wantAS)
	}
}

func TestInspectConfigGroupOrderPreserved(t *testing.T) {
	cfg := `group PEERS {
    neighbor 192.0.2.1 { peer-as 65100; }
    neighbor 192.0.2.2 { peer-as 64900; }
    neighbor 192.0.2.3 { peer-as 65000; }
}`
	e := NewExtractor()
	insp := e.InspectConfig(cfg)

	// Group membership keeps configuration order, not sorted order.
	want := []int64{65100, 64900, 65000}
	if !reflect.DeepEqual(insp.Groups["PEERS"], want) {
		t.Errorf("group order = %v, want %v", insp.Groups["PEERS"], want)
	}
}

func TestInspectConfigOutsideGroup(t *testing.T) {
	cfg := `local-as 65500;
group EDGE {
    neighbor 192.0.2.1 { peer-as 65100; }
}
neighbor 203.0.113.9 { peer-as 65200; }`
	e := NewExtractor()
	insp := e.InspectConfig(cfg)

	// 65200 is outside any group: in the AS set, in no group.
	if !contains(insp.ASNumbers, 65200) {
		t.Errorf("ungrouped AS missing from set: %v", insp.ASNumbers)
	}
	for name, members := range insp.Groups {
		if contains(members, 65200) {
			t.Errorf("ungrouped AS leaked into group %s", name)
		}
	}
}

func TestInspectConfigGroupContainment(t *testing.T) {
	e := NewExtractor()
	insp := e.InspectConfig(sampleBGPConfig)

	for name, members := range insp.Groups {
		for _, as := range members {
			if !contains(insp.ASNumbers, as) {
				t.Errorf("group %s member %d missing from AS set", name, as)
			}
		}
	}
}

func contains(xs []int64, x int64) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
