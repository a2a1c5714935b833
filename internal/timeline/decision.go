package timeline

import (
	"fmt"
	"strings"
)

// Decision is the user's answer at a blackout gate.
type Decision int

const (
	// KeepOriginal plays the unrestricted content for the segment.
	KeepOriginal Decision = iota + 1
	// ApplyBlackout plays the alternate content for the segment.
	ApplyBlackout
)

func (d Decision) valid() bool {
	return d == KeepOriginal || d == ApplyBlackout
}

func (d Decision) String() string {
	switch d {
	case KeepOriginal:
		return "keepOriginal"
	case ApplyBlackout:
		return "applyBlackout"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// ParseDecision accepts "keepOriginal"/"original" and "applyBlackout"/"blackout".
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "keeporiginal", "keep-original", "original":
		return KeepOriginal, nil
	case "applyblackout", "apply-blackout", "blackout":
		return ApplyBlackout, nil
	default:
		return 0, fmt.Errorf("unknown decision %q", s)
	}
}

// Policy decides which decisions remove a segment from the active set.
type Policy int

const (
	// Asymmetric removes the gate only for KeepOriginal. A segment resolved
	// with ApplyBlackout is gated again on a later backward seek.
	Asymmetric Policy = iota
	// ResolveOnce removes the gate for either decision.
	ResolveOnce
)

func (p Policy) valid() bool {
	return p == Asymmetric || p == ResolveOnce
}

func (p Policy) releases(d Decision) bool {
	return d == KeepOriginal || p == ResolveOnce
}

func (p Policy) String() string {
	switch p {
	case Asymmetric:
		return "asymmetric"
	case ResolveOnce:
		return "once"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts "asymmetric" and "once".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "asymmetric":
		return Asymmetric, nil
	case "once", "resolve-once":
		return ResolveOnce, nil
	default:
		return 0, fmt.Errorf("unknown resolve policy %q", s)
	}
}
