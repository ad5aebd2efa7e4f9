package vclock

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	// Equal means both clocks hold identical counters.
	Equal Ordering = iota
	// Before means the receiver causally precedes the other clock.
	Before
	// After means the receiver causally follows the other clock.
	After
	// Concurrent means neither clock precedes the other: a conflict.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Clock tracks one logical counter per device to reason about causal
// ordering of edits across devices.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// WithDevice returns a clock with a single device counter at 1.
func WithDevice(deviceID string) Clock {
	return Clock{deviceID: 1}
}

// Clone returns a deep copy of the clock.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Get returns the counter for deviceID, zero if absent.
func (c Clock) Get(deviceID string) uint64 {
	return c[deviceID]
}

// Increment bumps the counter for deviceID.
func (c Clock) Increment(deviceID string) {
	c[deviceID]++
}

// Merge takes the element-wise max of both clocks into the receiver.
func (c Clock) Merge(other Clock) {
	for dev, n := range other {
		if n > c[dev] {
			c[dev] = n
		}
	}
}

// MergeAndIncrement merges the other clock and bumps the local device,
// recording that the local device observed the remote state and moved past it.
func (c Clock) MergeAndIncrement(other Clock, deviceID string) {
	c.Merge(other)
	c.Increment(deviceID)
}

// HappensBefore reports whether the receiver causally precedes other:
// every counter is <= the other's and at least one is strictly less.
func (c Clock) HappensBefore(other Clock) bool {
	strictlyLess := false
	for dev, n := range c {
		on := other[dev]
		if n > on {
			return false
		}
		if n < on {
			strictlyLess = true
		}
	}
	for dev, on := range other {
		if _, ok := c[dev]; !ok && on > 0 {
			strictlyLess = true
		}
	}
	return strictlyLess
}

// Concurrent reports whether neither clock precedes the other.
func (c Clock) Concurrent(other Clock) bool {
	return !c.HappensBefore(other) && !other.HappensBefore(c)
}

// Compare returns the causal ordering of the receiver relative to other.
func (c Clock) Compare(other Clock) Ordering {
	switch {
	case c.equal(other):
		return Equal
	case c.HappensBefore(other):
		return Before
	case other.HappensBefore(c):
		return After
	default:
		return Concurrent
	}
}

func (c Clock) equal(other Clock) bool {
	if len(c) != len(other) {
		return false
	}
	for dev, n := range c {
		if other[dev] != n {
			return false
		}
	}
	return true
}

// String renders the clock as a sorted compact form "devA:2,devB:1".
func (c Clock) String() string {
	parts := make([]string, 0, len(c))
	for dev, n := range c {
		parts = append(parts, fmt.Sprintf("%s:%d", dev, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Parse reads the compact form produced by String.
func Parse(s string) (Clock, error) {
	c := New()
	if s == "" {
		return c, nil
	}
	for _, part := range strings.Split(s, ",") {
		dev, num, ok := strings.Cut(part, ":")
		if !ok || dev == "" {
			return nil, fmt.Errorf("invalid vector clock entry: %q", part)
		}
		n, err := strconv.ParseUint(num, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid vector clock counter %q: %w", num, err)
		}
		c[dev] = n
	}
	return c, nil
}
