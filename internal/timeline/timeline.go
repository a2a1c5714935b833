// Package timeline holds the immutable segment structure of a rendition
// together with the session-scoped set of blackout segments that still
// require a user decision.
//
// A Timeline is owned by a single controller and is not safe for
// concurrent use.
package timeline

import (
	"fmt"
	"sort"

	"github.com/agleyzer/blackoutplayer/internal/segment"
)

// Timeline is an ordered, contiguous sequence of segments plus the active
// blackout set. The segment structure never changes after New; only the
// active set is mutated, and only through Resolve.
type Timeline struct {
	segments []segment.Segment
	total    float64
	policy   Policy
	active   map[int]struct{}
}

// New validates segs and builds a Timeline whose active set holds every
// blackout segment index.
func New(segs []segment.Segment, policy Policy) (*Timeline, error) {
	var total float64
	for i, s := range segs {
		if s.Index != i {
			return nil, fmt.Errorf("segment %d has index %d", i, s.Index)
		}
		if s.Duration < 0 || s.Start+s.Duration != s.End {
			return nil, fmt.Errorf("segment %d: inconsistent bounds [%v, %v) for duration %v", i, s.Start, s.End, s.Duration)
		}
		if s.Start != total {
			return nil, fmt.Errorf("segment %d starts at %v, expected %v", i, s.Start, total)
		}
		total = s.End
	}

	if !policy.valid() {
		return nil, fmt.Errorf("unknown resolve policy %d", int(policy))
	}

	t := &Timeline{
		segments: make([]segment.Segment, len(segs)),
		total:    total,
		policy:   policy,
		active:   make(map[int]struct{}),
	}
	copy(t.segments, segs)

	for _, s := range t.segments {
		if s.IsBlackout() {
			t.active[s.Index] = struct{}{}
		}
	}
	return t, nil
}

// Len returns the number of segments.
func (t *Timeline) Len() int {
	return len(t.segments)
}

// Total returns the timeline duration in seconds.
func (t *Timeline) Total() float64 {
	return t.total
}

// Policy returns the resolve policy of the session.
func (t *Timeline) Policy() Policy {
	return t.policy
}

// Segment returns segment i.
func (t *Timeline) Segment(i int) (segment.Segment, bool) {
	if i < 0 || i >= len(t.segments) {
		return segment.Segment{}, false
	}
	return t.segments[i], true
}

// Locate returns the index of the segment containing pos. Positions before
// zero map to the first segment and positions at or beyond Total map to the
// last one. An empty timeline returns -1.
func (t *Timeline) Locate(pos float64) int {
	n := len(t.segments)
	if n == 0 {
		return -1
	}
	i := sort.Search(n, func(i int) bool { return t.segments[i].End > pos })
	if i == n {
		return n - 1
	}
	return i
}

// BlackoutIndices returns the indices of all blackout segments, resolved or not.
func (t *Timeline) BlackoutIndices() []int {
	var out []int
	for _, s := range t.segments {
		if s.IsBlackout() {
			out = append(out, s.Index)
		}
	}
	return out
}

// IsActiveBlackout reports whether segment i still requires a gate.
func (t *Timeline) IsActiveBlackout(i int) bool {
	_, ok := t.active[i]
	return ok
}

// Resolve records a decision for blackout segment i. Whether the segment
// leaves the active set depends on the policy.
func (t *Timeline) Resolve(i int, d Decision) error {
	s, ok := t.Segment(i)
	if !ok {
		return fmt.Errorf("segment %d out of range", i)
	}
	if !s.IsBlackout() {
		return fmt.Errorf("segment %d is not a blackout segment", i)
	}
	if !d.valid() {
		return fmt.Errorf("unknown decision %d", int(d))
	}

	if t.policy.releases(d) {
		delete(t.active, i)
	}
	return nil
}

// ActiveCount returns the size of the active blackout set.
func (t *Timeline) ActiveCount() int {
	return len(t.active)
}

// Active returns the active blackout indices in ascending order.
func (t *Timeline) Active() []int {
	out := make([]int, 0, len(t.active))
	for i := range t.active {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}
