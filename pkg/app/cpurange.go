package app

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseCPURange parses the "-p" flag's "i - j" form (spec.md §6) into a
// first/last CPU index pair. Surrounding whitespace around the dash is
// tolerated ("0-3", "0 - 3", "0- 3" all parse the same way). An empty
// string disables pinning: (0, -1, nil).
func ParseCPURange(s string) (first, last int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, -1, nil
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("app: CPU range %q: expected \"i - j\"", s)
	}
	first, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("app: CPU range %q: %w", s, err)
	}
	last, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("app: CPU range %q: %w", s, err)
	}
	if last < first {
		return 0, 0, fmt.Errorf("app: CPU range %q: last < first", s)
	}
	return first, last, nil
}
