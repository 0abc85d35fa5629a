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

package rib

import (
	"net/netip"

	"github.com/openconfig/fwdgo/route"
	"github.com/openconfig/fwdgo/state"
	"github.com/openconfig/fwdgo/trie"
)

// FibUpdater projects the resolved subset of one VRF's RIB into a new
// switch-state snapshot. It is a pure snapshot transform intended to run
// on the state-update pipeline; the RIB is read-locked for the duration
// of the transform, never across the hardware apply.
type FibUpdater struct {
	rib *RIB
	vrf route.RouterID
}

// NewFibUpdater returns a transform that rebuilds RouteTables[vrf].
func NewFibUpdater(r *RIB, vrf route.RouterID) *FibUpdater {
	return &FibUpdater{rib: r, vrf: vrf}
}

// Apply builds the next snapshot. It returns (nil, nil) when the
// forwarding table is unchanged, so the pipeline can skip the apply
// entirely.
func (f *FibUpdater) Apply(s *state.SwitchState) (*state.SwitchState, error) {
	f.rib.mu.RLock()
	defer f.rib.mu.RUnlock()

	v, ok := f.rib.vrfs[f.vrf]
	if !ok {
		return nil, ErrNoSuchVrf
	}

	if s == nil {
		s = state.New()
	}
	old := s.RouteTables.Tables[f.vrf]

	next := state.NewForwardingTable()
	unchanged := true
	build := func(t *trie.Trie[*Route], oldM, newM map[netip.Prefix]*state.FibRoute) {
		t.Walk(func(p netip.Prefix, rt *Route) bool {
			if rt.fwd == nil {
				// Unresolved routes are absent from the FIB.
				if oldM != nil {
					if _, had := oldM[p]; had {
						unchanged = false
					}
				}
				return false
			}
			cand := &state.FibRoute{
				Prefix:    p,
				Fwd:       *rt.fwd,
				PerClient: rt.Entries(),
				Connected: rt.connected,
			}
			if oldM != nil {
				if prev, had := oldM[p]; had && prev.Equal(cand) {
					newM[p] = prev
					return false
				}
			}
			unchanged = false
			newM[p] = cand
			return false
		})
	}
	var oldV4, oldV6 map[netip.Prefix]*state.FibRoute
	if old != nil {
		oldV4, oldV6 = old.V4, old.V6
	}
	build(v.v4, oldV4, next.V4)
	build(v.v6, oldV6, next.V6)

	if old != nil && unchanged && len(next.V4) == len(old.V4) && len(next.V6) == len(old.V6) {
		return nil, nil
	}

	out := s.Clone()
	out.RouteTables = out.RouteTables.Clone()
	out.RouteTables.Tables[f.vrf] = next
	out.Generation++
	return out, nil
}

// LabelFibUpdater projects the resolved subset of the label RIB into a
// new snapshot's label forwarding table.
type LabelFibUpdater struct {
	rib *RIB
}

// NewLabelFibUpdater returns a transform that rebuilds the label FIB.
func NewLabelFibUpdater(r *RIB) *LabelFibUpdater {
	return &LabelFibUpdater{rib: r}
}

// Apply builds the next snapshot, returning (nil, nil) when the label
// FIB is unchanged.
func (f *LabelFibUpdater) Apply(s *state.SwitchState) (*state.SwitchState, error) {
	f.rib.mu.RLock()
	defer f.rib.mu.RUnlock()

	old := s.LabelFib.Entries
	next := map[route.Label]*state.LabelFibEntry{}
	unchanged := true
	for label, lr := range f.rib.labels {
		if lr.fwd == nil {
			if _, had := old[label]; had {
				unchanged = false
			}
			continue
		}
		cand := &state.LabelFibEntry{
			Label:     label,
			Fwd:       *lr.fwd,
			PerClient: lr.Entries(),
		}
		if prev, had := old[label]; had && prev.Equal(cand) {
			next[label] = prev
			continue
		}
		unchanged = false
		next[label] = cand
	}
	if unchanged && len(next) == len(old) {
		return nil, nil
	}

	out := s.Clone()
	out.LabelFib = &state.LabelFib{Entries: next}
	out.Generation++
	return out, nil
}
