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

package state

import (
	"net/netip"
	"sort"

	"github.com/openconfig/fwdgo/route"
)

// FibRoute is a single resolved route within a forwarding table. The
// per-client map is carried for diagnostics only; Fwd is what gets
// programmed.
type FibRoute struct {
	Prefix netip.Prefix `json:"prefix"`
	// Fwd is the resolved forwarding entry; its action is never
	// "unresolved" - unresolved routes are simply absent from the FIB.
	Fwd route.NextHopEntry `json:"fwd"`
	// PerClient is the set of submissions the route was derived from.
	PerClient map[route.ClientID]route.NextHopEntry `json:"perClient,omitempty"`
	// Connected marks interface subnets.
	Connected bool `json:"connected,omitempty"`
}

// Equal reports whether two FIB routes would program identically and
// carry the same diagnostics.
func (r *FibRoute) Equal(o *FibRoute) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Prefix != o.Prefix || r.Connected != o.Connected || !r.Fwd.Equal(o.Fwd) {
		return false
	}
	if len(r.PerClient) != len(o.PerClient) {
		return false
	}
	for c, e := range r.PerClient {
		oe, ok := o.PerClient[c]
		if !ok || !e.Equal(oe) {
			return false
		}
	}
	return true
}

// ForwardingTable is the per-VRF FIB: the resolved subset of the RIB for
// both address families.
type ForwardingTable struct {
	V4 map[netip.Prefix]*FibRoute `json:"v4"`
	V6 map[netip.Prefix]*FibRoute `json:"v6"`
}

// NewForwardingTable returns an empty table.
func NewForwardingTable() *ForwardingTable {
	return &ForwardingTable{
		V4: map[netip.Prefix]*FibRoute{},
		V6: map[netip.Prefix]*FibRoute{},
	}
}

// RouteTables maps each VRF to its forwarding table.
type RouteTables struct {
	Tables map[route.RouterID]*ForwardingTable `json:"tables"`
}

// Clone returns a copy of the map node sharing the ForwardingTable
// values.
func (m *RouteTables) Clone() *RouteTables {
	n := &RouteTables{Tables: make(map[route.RouterID]*ForwardingTable, len(m.Tables))}
	for k, v := range m.Tables {
		n.Tables[k] = v
	}
	return n
}

// LabelFibEntry is a single resolved MPLS entry. An empty label stack on
// a hop means the top label is popped; a non-empty stack replaces it.
type LabelFibEntry struct {
	Label route.Label        `json:"label"`
	Fwd   route.NextHopEntry `json:"fwd"`
	// PerClient is the set of submissions the entry was derived from.
	PerClient map[route.ClientID]route.NextHopEntry `json:"perClient,omitempty"`
}

// Equal reports whether two label entries would program identically.
func (e *LabelFibEntry) Equal(o *LabelFibEntry) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.Label != o.Label || !e.Fwd.Equal(o.Fwd) {
		return false
	}
	if len(e.PerClient) != len(o.PerClient) {
		return false
	}
	for c, ent := range e.PerClient {
		oe, ok := o.PerClient[c]
		if !ok || !ent.Equal(oe) {
			return false
		}
	}
	return true
}

// LabelFib is the MPLS forwarding table; it is process-wide rather than
// per-VRF.
type LabelFib struct {
	Entries map[route.Label]*LabelFibEntry `json:"entries"`
}

// Clone returns a copy of the map node sharing the entry values.
func (m *LabelFib) Clone() *LabelFib {
	n := &LabelFib{Entries: make(map[route.Label]*LabelFibEntry, len(m.Entries))}
	for k, v := range m.Entries {
		n.Entries[k] = v
	}
	return n
}

// sortedPrefixes returns the keys of m ordered by (address, mask length)
// so that delta walks visit both sides of a diff in the same order.
func sortedPrefixes(m map[netip.Prefix]*FibRoute) []netip.Prefix {
	ps := make([]netip.Prefix, 0, len(m))
	for p := range m {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool {
		if c := ps[i].Addr().Compare(ps[j].Addr()); c != 0 {
			return c < 0
		}
		return ps[i].Bits() < ps[j].Bits()
	})
	return ps
}

// sortedLabels returns the keys of m in increasing label order.
func sortedLabels(m map[route.Label]*LabelFibEntry) []route.Label {
	ls := make([]route.Label, 0, len(m))
	for l := range m {
		ls = append(ls, l)
	}
	sort.Slice(ls, func(i, j int) bool { return ls[i] < ls[j] })
	return ls
}
