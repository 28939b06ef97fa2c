package access

import (
	"fmt"
	"strings"
)

type flagName[T ~uint32] struct {
	bit  T
	name string
}

func formatFlags[T ~uint32](v T, names []flagName[T]) string {
	if v == 0 {
		return "none"
	}
	var parts []string
	for _, n := range names {
		if v&n.bit != 0 {
			parts = append(parts, n.name)
			v &^= n.bit
		}
	}
	if v != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(v)))
	}
	return strings.Join(parts, "|")
}

func parseFlags[T ~uint32](s, what string, names []flagName[T]) (T, error) {
	var v T
	s = strings.TrimSpace(s)
	if s == "" || s == "none" {
		return 0, nil
	}
	for _, part := range strings.Split(s, "|") {
		part = strings.TrimSpace(part)
		found := false
		for _, n := range names {
			if n.name == part {
				v |= n.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("access: unknown %s %q", what, part)
		}
	}
	return v, nil
}
