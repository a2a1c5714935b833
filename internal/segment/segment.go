// Package segment defines data structures for timeline segments of a rendition.
package segment

import "fmt"

// Kind classifies a segment's content.
type Kind int

const (
	// Normal segments carry the same content in both renditions.
	Normal Kind = iota
	// Blackout segments are replaced by alternate content in the blackout rendition.
	Blackout
)

func (k Kind) String() string {
	switch k {
	case Normal:
		return "normal"
	case Blackout:
		return "blackout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Rendition identifies one of the two equivalent versions of a timeline.
type Rendition int

const (
	// Original is the unrestricted rendition.
	Original Rendition = iota
	// BlackoutRendition replaces designated intervals with alternate content.
	BlackoutRendition
)

func (r Rendition) String() string {
	switch r {
	case Original:
		return "original"
	case BlackoutRendition:
		return "blackout"
	default:
		return fmt.Sprintf("rendition(%d)", int(r))
	}
}

// Segment represents a single time-bounded unit of the timeline.
// It covers the half-open interval [Start, End).
type Segment struct {
	// Index is the position in the manifest, starting at 0
	Index int

	// Start is the cumulative duration of all prior segments, in seconds
	Start float64

	// End is Start + Duration
	End float64

	// Duration is the segment duration in seconds
	Duration float64

	// Kind is the content classification
	Kind Kind

	// URI is the segment reference, resolved against the manifest URL when possible
	URI string
}

// Contains reports whether t falls inside [Start, End).
func (s Segment) Contains(t float64) bool {
	return s.Start <= t && t < s.End
}

// IsBlackout reports whether the segment carries blackout content.
func (s Segment) IsBlackout() bool {
	return s.Kind == Blackout
}
