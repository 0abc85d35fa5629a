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

// Delta is the difference between two snapshots. The walk functions visit
// old and new in lockstep; subtrees shared by pointer between the two
// snapshots are skipped without inspection.
type Delta struct {
	Old *SwitchState
	New *SwitchState
}

// ComputeDelta returns the delta between the previously applied snapshot
// and a candidate. Either side may be nil (process start / shutdown).
func ComputeDelta(old, new *SwitchState) *Delta {
	return &Delta{Old: old, New: new}
}

// RouteChangeFn is invoked for every route whose forwarding differs
// between the two snapshots. oldRoute is nil for additions, newRoute is
// nil for removals; both are non-nil for changes.
type RouteChangeFn func(vrf route.RouterID, oldRoute, newRoute *FibRoute) error

// ForEachRouteChange walks every VRF's forwarding tables and invokes fn
// for each added, removed or changed route. Routes present in both
// snapshots by the same pointer, or structurally equal, are not visited.
func (d *Delta) ForEachRouteChange(fn RouteChangeFn) error {
	vrfs := map[route.RouterID]struct{}{}
	if d.Old != nil {
		for v := range d.Old.RouteTables.Tables {
			vrfs[v] = struct{}{}
		}
	}
	if d.New != nil {
		for v := range d.New.RouteTables.Tables {
			vrfs[v] = struct{}{}
		}
	}
	ordered := make([]route.RouterID, 0, len(vrfs))
	for v := range vrfs {
		ordered = append(ordered, v)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	for _, vrf := range ordered {
		var ot, nt *ForwardingTable
		if d.Old != nil {
			ot = d.Old.RouteTables.Tables[vrf]
		}
		if d.New != nil {
			nt = d.New.RouteTables.Tables[vrf]
		}
		if ot == nt {
			continue
		}
		for _, fam := range []func(t *ForwardingTable) map[netip.Prefix]*FibRoute{
			func(t *ForwardingTable) map[netip.Prefix]*FibRoute { return t.V4 },
			func(t *ForwardingTable) map[netip.Prefix]*FibRoute { return t.V6 },
		} {
			var om, nm map[netip.Prefix]*FibRoute
			if ot != nil {
				om = fam(ot)
			}
			if nt != nil {
				nm = fam(nt)
			}
			if err := diffRouteMaps(vrf, om, nm, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// diffRouteMaps merges two sorted prefix sequences emitting adds, removes
// and changes.
func diffRouteMaps(vrf route.RouterID, om, nm map[netip.Prefix]*FibRoute, fn RouteChangeFn) error {
	ops, nps := sortedPrefixes(om), sortedPrefixes(nm)
	i, j := 0, 0
	for i < len(ops) || j < len(nps) {
		switch {
		case j == len(nps) || (i < len(ops) && lessPrefix(ops[i], nps[j])):
			if err := fn(vrf, om[ops[i]], nil); err != nil {
				return err
			}
			i++
		case i == len(ops) || lessPrefix(nps[j], ops[i]):
			if err := fn(vrf, nil, nm[nps[j]]); err != nil {
				return err
			}
			j++
		default:
			o, n := om[ops[i]], nm[nps[j]]
			if o != n && !o.Equal(n) {
				if err := fn(vrf, o, n); err != nil {
					return err
				}
			}
			i++
			j++
		}
	}
	return nil
}

func lessPrefix(a, b netip.Prefix) bool {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c < 0
	}
	return a.Bits() < b.Bits()
}

// LabelChangeFn is invoked for every MPLS entry whose forwarding differs
// between the two snapshots.
type LabelChangeFn func(oldEntry, newEntry *LabelFibEntry) error

// ForEachLabelChange walks the label FIBs of both snapshots in lockstep.
func (d *Delta) ForEachLabelChange(fn LabelChangeFn) error {
	var om, nm map[route.Label]*LabelFibEntry
	if d.Old != nil {
		om = d.Old.LabelFib.Entries
	}
	if d.New != nil {
		nm = d.New.LabelFib.Entries
	}
	if d.Old != nil && d.New != nil && d.Old.LabelFib == d.New.LabelFib {
		return nil
	}
	ols, nls := sortedLabels(om), sortedLabels(nm)
	i, j := 0, 0
	for i < len(ols) || j < len(nls) {
		switch {
		case j == len(nls) || (i < len(ols) && ols[i] < nls[j]):
			if err := fn(om[ols[i]], nil); err != nil {
				return err
			}
			i++
		case i == len(ols) || nls[j] < ols[i]:
			if err := fn(nil, nm[nls[j]]); err != nil {
				return err
			}
			j++
		default:
			o, n := om[ols[i]], nm[nls[j]]
			if o != n && !o.Equal(n) {
				if err := fn(o, n); err != nil {
					return err
				}
			}
			i++
			j++
		}
	}
	return nil
}
