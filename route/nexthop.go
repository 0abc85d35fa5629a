// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package route

import (
	"fmt"
	"math"
	"net/netip"
	"sort"
	"strings"
)

// NextHop is a single path of a route. A next-hop with a non-zero Intf is
// directly attached and can be programmed; one without is recursive and
// must be resolved through another route first.
type NextHop struct {
	// Addr is the IP address of the next-hop.
	Addr netip.Addr `json:"addr"`
	// Intf is the egress interface, zero when the next-hop is recursive.
	Intf IntfID `json:"intf,omitempty"`
	// Weight is the UCMP weight of the path, at least 1.
	Weight uint32 `json:"weight"`
	// Stack is the MPLS label stack pushed onto packets taking this path;
	// index zero is the outermost label.
	Stack LabelStack `json:"stack,omitempty"`
}

// Resolved reports whether the next-hop has a known egress interface.
func (n NextHop) Resolved() bool {
	return n.Intf != 0
}

// Equal reports structural equality of two next-hops.
func (n NextHop) Equal(o NextHop) bool {
	return n.Addr == o.Addr && n.Intf == o.Intf && n.Weight == o.Weight && n.Stack.Equal(o.Stack)
}

// compare orders next-hops by (Addr, Intf, Stack); Weight does not
// participate so that equal paths with differing weights merge during
// canonicalization.
func (n NextHop) compare(o NextHop) int {
	if c := n.Addr.Compare(o.Addr); c != 0 {
		return c
	}
	switch {
	case n.Intf < o.Intf:
		return -1
	case n.Intf > o.Intf:
		return 1
	}
	return n.Stack.compare(o.Stack)
}

func (n NextHop) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", n.Addr)
	if n.Intf != 0 {
		fmt.Fprintf(&b, "@if%d", n.Intf)
	}
	fmt.Fprintf(&b, "x%d", n.Weight)
	if len(n.Stack) != 0 {
		fmt.Fprintf(&b, " labels %v", n.Stack)
	}
	return b.String()
}

// Action describes what a route does with matching packets.
type Action int

const (
	_ Action = iota
	// Drop discards matching packets.
	Drop
	// ToCPU punts matching packets to the CPU.
	ToCPU
	// Forward sends matching packets via the entry's next-hops.
	Forward
)

func (a Action) String() string {
	switch a {
	case Drop:
		return "Drop"
	case ToCPU:
		return "ToCPU"
	case Forward:
		return "Forward"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// SaturatedWeight is the ceiling applied when path weights are combined
// during recursive resolution.
const SaturatedWeight = math.MaxUint32

// NextHopEntry is one client's submission for a prefix: an action, the
// client's admin distance, and - for Forward - a canonicalized set of
// next-hops. Entries are values; treat the Hops slice as immutable after
// construction.
type NextHopEntry struct {
	// Action is what the route does with matching packets.
	Action Action `json:"action"`
	// Distance is the admin distance the entry was submitted with.
	Distance AdminDistance `json:"distance"`
	// Hops is the canonical next-hop set; nil unless Action is Forward.
	Hops []NextHop `json:"hops,omitempty"`
}

// NewDropEntry returns an entry that drops matching packets.
func NewDropEntry(d AdminDistance) NextHopEntry {
	return NextHopEntry{Action: Drop, Distance: d}
}

// NewToCPUEntry returns an entry that punts matching packets to the CPU.
func NewToCPUEntry(d AdminDistance) NextHopEntry {
	return NextHopEntry{Action: ToCPU, Distance: d}
}

// NewForwardEntry returns an entry forwarding via the supplied next-hops.
// The hops are canonicalized: zero weights become 1, the set is sorted by
// (Addr, Intf, Stack) and duplicate paths are merged by summing their
// weights (saturating). An error is returned if hops is empty, an address
// is invalid, or a label stack carries an unprogrammable label.
func NewForwardEntry(d AdminDistance, hops []NextHop) (NextHopEntry, error) {
	if len(hops) == 0 {
		return NextHopEntry{}, fmt.Errorf("cannot create forwarding entry with no next-hops")
	}
	c := make([]NextHop, 0, len(hops))
	for _, h := range hops {
		if !h.Addr.IsValid() {
			return NextHopEntry{}, fmt.Errorf("invalid next-hop address in %v", h)
		}
		if !h.Stack.Valid() {
			return NextHopEntry{}, fmt.Errorf("invalid label stack %v", h.Stack)
		}
		if h.Weight == 0 {
			h.Weight = 1
		}
		h.Stack = h.Stack.clone()
		c = append(c, h)
	}
	sort.Slice(c, func(i, j int) bool { return c[i].compare(c[j]) < 0 })
	merged := c[:1]
	for _, h := range c[1:] {
		last := &merged[len(merged)-1]
		if last.compare(h) == 0 {
			last.Weight = addSaturating(last.Weight, h.Weight)
			continue
		}
		merged = append(merged, h)
	}
	return NextHopEntry{Action: Forward, Distance: d, Hops: merged}, nil
}

// addSaturating adds two weights, saturating at SaturatedWeight.
func addSaturating(a, b uint32) uint32 {
	if s := uint64(a) + uint64(b); s < SaturatedWeight {
		return uint32(s)
	}
	return SaturatedWeight
}

// MulSaturating multiplies two weights, saturating at SaturatedWeight. It
// is used by the resolver when flattening recursive next-hops.
func MulSaturating(a, b uint32) uint32 {
	if p := uint64(a) * uint64(b); p < SaturatedWeight {
		return uint32(p)
	}
	return SaturatedWeight
}

// Equal reports structural equality. Both entries are assumed canonical.
func (e NextHopEntry) Equal(o NextHopEntry) bool {
	if e.Action != o.Action || e.Distance != o.Distance || len(e.Hops) != len(o.Hops) {
		return false
	}
	for i := range e.Hops {
		if !e.Hops[i].Equal(o.Hops[i]) {
			return false
		}
	}
	return true
}

// Resolved reports whether every next-hop of the entry has a known egress
// interface. Drop and ToCPU entries are trivially resolved.
func (e NextHopEntry) Resolved() bool {
	if e.Action != Forward {
		return true
	}
	for _, h := range e.Hops {
		if !h.Resolved() {
			return false
		}
	}
	return len(e.Hops) != 0
}

func (e NextHopEntry) String() string {
	if e.Action != Forward {
		return fmt.Sprintf("%s(d=%d)", e.Action, e.Distance)
	}
	hops := make([]string, 0, len(e.Hops))
	for _, h := range e.Hops {
		hops = append(hops, h.String())
	}
	return fmt.Sprintf("Forward(d=%d, [%s])", e.Distance, strings.Join(hops, ", "))
}
