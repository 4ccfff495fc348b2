package util

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ExpandRange expands an AS range expression into individual values.
// Supports formats like:
//   - "64512-64515" -> [64512, 64513, 64514, 64515]
//   - "13335,15169" -> [13335, 15169]
//   - "64512-64513,65000" -> [64512, 64513, 65000]
//
// The result is sorted and deduplicated.
func ExpandRange(spec string) ([]int64, error) {
	if spec == "" {
		return nil, nil
	}

	var result []int64
	for _, part := range SplitCommaSeparated(spec) {
		if strings.Contains(part, "-") {
			rangeParts := strings.SplitN(part, "-", 2)
			if len(rangeParts) != 2 {
				return nil, fmt.Errorf("invalid range format: %s", part)
			}

			start, err := strconv.ParseInt(strings.TrimSpace(rangeParts[0]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid start value in range %s: %v", part, err)
			}

			end, err := strconv.ParseInt(strings.TrimSpace(rangeParts[1]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid end value in range %s: %v", part, err)
			}

			if start > end {
				return nil, fmt.Errorf("start value %d greater than end value %d in range %s", start, end, part)
			}

			for i := start; i <= end; i++ {
				result = append(result, i)
			}
		} else {
			val, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid value: %s", part)
			}
			result = append(result, val)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return dedupInt64s(result), nil
}

// CompactRange compacts a list of AS numbers into range notation.
// [64512, 64513, 64514, 65000] -> "64512-64514,65000"
func CompactRange(values []int64) string {
	if len(values) == 0 {
		return ""
	}

	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	sorted = dedupInt64s(sorted)

	var parts []string
	start := sorted[0]
	end := sorted[0]

	for i := 1; i < len(sorted); i++ {
		if sorted[i] == end+1 {
			end = sorted[i]
		} else {
			parts = append(parts, formatRange(start, end))
			start = sorted[i]
			end = sorted[i]
		}
	}
	parts = append(parts, formatRange(start, end))

	return strings.Join(parts, ",")
}

func formatRange(start, end int64) string {
	if start == end {
		return strconv.FormatInt(start, 10)
	}
	return fmt.Sprintf("%d-%d", start, end)
}

func dedupInt64s(sorted []int64) []int64 {
	if len(sorted) == 0 {
		return sorted
	}
	result := []int64{sorted[0]}
	for i := 1; i < len(sorted); i++ {
		if sorted[i] != sorted[i-1] {
			result = append(result, sorted[i])
		}
	}
	return result
}
