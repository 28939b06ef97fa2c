// Package barrier turns the hazards found for one native command into a
// single synchronization command and emits it through a hal encoder.
package barrier

import (
	"fmt"

	"github.com/gogpu/gpucontext"
)

// Mode selects when fine-grained barriers are replaced by coarse stalls.
type Mode uint8

// Fallback modes.
const (
	// FallbackNever always emits range-level barriers.
	FallbackNever Mode = iota

	// FallbackAlways turns every synchronization command into a coarse
	// stall, for drivers whose fine-grained barriers are unreliable.
	FallbackAlways

	// FallbackSoftware stalls coarsely on software adapters only.
	FallbackSoftware
)

var modeNames = [...]string{
	FallbackNever:    "never",
	FallbackAlways:   "always",
	FallbackSoftware: "software",
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// ParseMode parses a fallback mode name. The empty string is
// FallbackNever.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return FallbackNever, nil
	}
	for i, n := range modeNames {
		if n == s {
			return Mode(i), nil
		}
	}
	return FallbackNever, fmt.Errorf("barrier: unknown fallback mode %q", s)
}

// Policy decides between range-level barriers and coarse stalls.
type Policy struct {
	Mode Mode

	// MaxBarriers caps the number of range barriers in one command; larger
	// batches collapse into a coarse stall. Zero means no cap.
	MaxBarriers int

	// Adapter describes the device, consulted by FallbackSoftware.
	Adapter gpucontext.AdapterInfo
}

// Coarse reports whether a command carrying n range barriers must be
// emitted as a coarse stall, and why.
func (p Policy) Coarse(n int) (bool, string) {
	switch {
	case p.Mode == FallbackAlways:
		return true, "fallback forced"
	case p.Mode == FallbackSoftware && p.Adapter.Type == gpucontext.AdapterTypeSoftware:
		return true, "software adapter " + p.Adapter.Name
	case p.MaxBarriers > 0 && n > p.MaxBarriers:
		return true, fmt.Sprintf("%d barriers exceed limit %d", n, p.MaxBarriers)
	}
	return false, ""
}
