package model

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/otto-bgp/otto-bgp/pkg/util"
)

// LoadInventory reads a device inventory CSV. The header row must contain an
// "address" column; "hostname", "role" and "region" are optional. Rows with
// a blank address are skipped with a warning. Missing hostnames are
// synthesized from the address; duplicate hostnames within one load are
// disambiguated by appending the row ordinal.
func LoadInventory(path string) ([]Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, util.WrapError(util.KindValidation, "load inventory", path, err)
	}
	defer f.Close()

	devices, err := ParseInventory(f)
	if err != nil {
		return nil, util.WrapError(util.KindValidation, "load inventory", path, err)
	}
	return devices, nil
}

// ParseInventory parses inventory CSV content from r.
func ParseInventory(r io.Reader) ([]Device, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("inventory is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	addrCol, ok := cols["address"]
	if !ok {
		return nil, fmt.Errorf("inventory header missing required column %q", "address")
	}

	field := func(record []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var devices []Device
	seen := map[string]bool{}
	row := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading row %d: %w", row+1, err)
		}
		row++

		address := ""
		if addrCol < len(record) {
			address = strings.TrimSpace(record[addrCol])
		}
		if address == "" {
			util.Warnf("inventory row %d has no address, skipping", row)
			continue
		}

		hostname := field(record, "hostname")
		if hostname == "" {
			hostname = util.SynthesizeHostname(address)
		}
		if seen[hostname] {
			disambiguated := fmt.Sprintf("%s-%d", hostname, row)
			util.Warnf("inventory row %d duplicates hostname %q, using %q", row, hostname, disambiguated)
			hostname = disambiguated
		}
		seen[hostname] = true

		devices = append(devices, Device{
			Address:  address,
			Hostname: hostname,
			Role:     field(record, "role"),
			Region:   field(record, "region"),
		})
	}

	return devices, nil
}
