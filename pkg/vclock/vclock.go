// Package vclock provides the vector clock value attached to recorded checkpoint events.
// A clock maps a node identifier to a non-negative logical counter; absent entries read as zero.
package vclock

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Ordering is the result of comparing two clocks.
type Ordering int

// Comparison results.
const (
	Equal      Ordering = 0
	Before     Ordering = -1 // receiver happened before the argument
	After      Ordering = 1  // receiver happened after the argument
	Concurrent Ordering = 2  // neither dominates
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "ordering(" + strconv.Itoa(int(o)) + ")"
	}
}

// Clock is a vector clock keyed by node id.
type Clock map[string]uint64

// New returns a clock with a zero entry for every given node.
func New(nodes ...string) Clock {
	c := make(Clock, len(nodes))
	for _, n := range nodes {
		c[n] = 0
	}
	return c
}

// Copy returns a deep copy. Copy of a nil clock is an empty, non-nil clock.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Get returns the component for node, zero when absent.
func (c Clock) Get(node string) uint64 { return c[node] }

// Set assigns the component for node.
func (c Clock) Set(node string, v uint64) { c[node] = v }

// MergeFrom raises every component of c to at least the matching component
// of other. It reports whether any component changed.
func (c Clock) MergeFrom(other Clock) bool {
	changed := false
	for k, v := range other {
		if cur, ok := c[k]; !ok || cur < v {
			c[k] = v
			changed = true
		}
	}
	return changed
}

// IncrementAll adds one to every component.
func (c Clock) IncrementAll() {
	for k := range c {
		c[k]++
	}
}

// Max returns the largest component, zero for an empty clock.
func (c Clock) Max() uint64 {
	var m uint64
	for _, v := range c {
		if v > m {
			m = v
		}
	}
	return m
}

// Compare compares c against other over the union of their components.
func (c Clock) Compare(other Clock) Ordering {
	less, greater := false, false
	for k, v := range c {
		o := other[k]
		if v < o {
			less = true
		} else if v > o {
			greater = true
		}
	}
	for k, o := range other {
		if _, seen := c[k]; seen {
			continue
		}
		if o > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// HappenedBefore reports whether c strictly precedes other.
func (c Clock) HappenedBefore(other Clock) bool { return c.Compare(other) == Before }

// Concurrent reports whether neither clock dominates the other.
func (c Clock) Concurrent(other Clock) bool { return c.Compare(other) == Concurrent }

// Equal reports component-wise equality, treating absent entries as zero.
func (c Clock) Equal(other Clock) bool { return c.Compare(other) == Equal }

// Nodes returns the node ids present in the clock in sorted order.
func (c Clock) Nodes() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// String renders the clock as {a:1, b:0} with sorted keys.
func (c Clock) String() string {
	if c == nil {
		return "{}"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range c.Nodes() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(c[k], 10))
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON serialises nil as {}.
func (c Clock) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]uint64(c))
}
