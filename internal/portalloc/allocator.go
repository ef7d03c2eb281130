// Package portalloc assigns each city group a contiguous, non-overlapping
// window of listener ports inside a configured range.
package portalloc

import (
	"errors"
	"fmt"

	"github.com/Resinat/gostgen/internal/gost"
)

// ErrExhausted is returned when no aligned window fits into the range.
var ErrExhausted = errors.New("port range exhausted")

// Default bounds of the city port range. The local proxy lives below it.
const (
	DefaultStart = 2000
	DefaultEnd   = 5000
)

// Range is the half-open port interval [Start, End) reserved for city groups.
type Range struct {
	Start int
	End   int
}

// Validate checks 0 < Start < End <= 65535.
func (r Range) Validate() error {
	if r.Start <= 0 || r.End > 65535 || r.Start >= r.End {
		return fmt.Errorf("invalid port range [%d, %d)", r.Start, r.End)
	}
	return nil
}

// Contains reports whether port falls inside the range.
func (r Range) Contains(port int) bool {
	return port >= r.Start && port < r.End
}

// Allocator computes window start ports. Windows are aligned to multiples
// of PerGroup counted from Range.Start.
type Allocator struct {
	Range    Range
	PerGroup int
}

// New validates the parameters and returns an Allocator.
func New(rng Range, perGroup int) (Allocator, error) {
	if err := rng.Validate(); err != nil {
		return Allocator{}, err
	}
	if perGroup < 1 {
		return Allocator{}, fmt.Errorf("ports per group must be at least 1, got %d", perGroup)
	}
	return Allocator{Range: rng, PerGroup: perGroup}, nil
}

// Allocate returns the window start for groupKey.
//
// A group that already owns generated services keeps its window: the lowest
// port among them is returned. Otherwise the next aligned window above the
// highest port in use is returned, or Range.Start when the range is empty.
// Allocate does not mutate the document.
func (a Allocator) Allocate(x *gost.Index, groupKey string) (int, error) {
	match := gost.NewGroupMatcher(groupKey)
	owned := -1
	for _, s := range x.Services() {
		if !match.Service(s.Name) {
			continue
		}
		if port, ok := gost.AddrPort(s.Addr); ok && (owned < 0 || port < owned) {
			owned = port
		}
	}
	if owned >= 0 {
		return owned, nil
	}
	return a.Relocate(x, groupKey)
}

// Relocate returns the next aligned window above the highest port in use,
// ignoring any window groupKey already holds. It is used when a group has
// outgrown its window.
func (a Allocator) Relocate(x *gost.Index, groupKey string) (int, error) {
	maxUsed := -1
	for _, port := range x.Ports() {
		if a.Range.Contains(port) && port > maxUsed {
			maxUsed = port
		}
	}
	if maxUsed < 0 {
		if a.Range.Start+a.PerGroup > a.Range.End {
			return 0, a.exhausted(groupKey)
		}
		return a.Range.Start, nil
	}

	next := a.Range.Start + ((maxUsed-a.Range.Start)/a.PerGroup+1)*a.PerGroup
	if next+a.PerGroup >= a.Range.End {
		return 0, a.exhausted(groupKey)
	}
	return next, nil
}

func (a Allocator) exhausted(groupKey string) error {
	return fmt.Errorf("%w: group %s needs %d ports in [%d, %d)",
		ErrExhausted, groupKey, a.PerGroup, a.Range.Start, a.Range.End)
}
