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

// Package rib implements the routing information base: per-VRF IPv4/IPv6
// longest-prefix-match tables holding multi-client route submissions, the
// batched updater that merges them, the recursive next-hop resolver, and
// the transform that projects the resolved subset into a switch-state
// snapshot's forwarding tables.
package rib

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/openconfig/fwdgo/route"
	"github.com/openconfig/fwdgo/trie"
)

// Route is the RIB state for a single prefix: the per-client submissions,
// the derived best entry, and the resolver's output.
type Route struct {
	// Prefix is the canonical destination prefix.
	Prefix netip.Prefix

	// entries holds each client's submission.
	entries map[route.ClientID]route.NextHopEntry
	// best is the preferred submission; nil only transiently while the
	// entries map is empty within a batch.
	best *route.NextHopEntry
	// bestClient is the client that supplied best.
	bestClient route.ClientID
	// fwd is the flattened forwarding entry produced by the resolver;
	// nil while the route is unresolved.
	fwd *route.NextHopEntry
	// connected marks the prefix as an interface subnet.
	connected bool
}

// Best returns the preferred submission and the client that supplied it.
func (r *Route) Best() (route.NextHopEntry, route.ClientID, bool) {
	if r.best == nil {
		return route.NextHopEntry{}, 0, false
	}
	return *r.best, r.bestClient, true
}

// Forward returns the resolved forwarding entry. ok is false while the
// route is unresolved.
func (r *Route) Forward() (route.NextHopEntry, bool) {
	if r.fwd == nil {
		return route.NextHopEntry{}, false
	}
	return *r.fwd, true
}

// Connected reports whether the prefix is an interface subnet.
func (r *Route) Connected() bool {
	return r.connected
}

// EntryFor returns the submission of the specified client.
func (r *Route) EntryFor(c route.ClientID) (route.NextHopEntry, bool) {
	e, ok := r.entries[c]
	return e, ok
}

// Entries returns a copy of the per-client submission map.
func (r *Route) Entries() map[route.ClientID]route.NextHopEntry {
	m := make(map[route.ClientID]route.NextHopEntry, len(r.entries))
	for c, e := range r.entries {
		m[c] = e
	}
	return m
}

// LabelRoute is the RIB state for a single MPLS label, with the same
// shape as Route. Label routes resolve their IP next-hops through the
// default VRF.
type LabelRoute struct {
	Label route.Label

	entries    map[route.ClientID]route.NextHopEntry
	best       *route.NextHopEntry
	bestClient route.ClientID
	fwd        *route.NextHopEntry
}

// Best returns the preferred submission and the client that supplied it.
func (r *LabelRoute) Best() (route.NextHopEntry, route.ClientID, bool) {
	if r.best == nil {
		return route.NextHopEntry{}, 0, false
	}
	return *r.best, r.bestClient, true
}

// Forward returns the resolved forwarding entry.
func (r *LabelRoute) Forward() (route.NextHopEntry, bool) {
	if r.fwd == nil {
		return route.NextHopEntry{}, false
	}
	return *r.fwd, true
}

// Entries returns a copy of the per-client submission map.
func (r *LabelRoute) Entries() map[route.ClientID]route.NextHopEntry {
	m := make(map[route.ClientID]route.NextHopEntry, len(r.entries))
	for c, e := range r.entries {
		m[c] = e
	}
	return m
}

// vrfTable is the per-VRF route state: one trie per family plus the
// reverse dependency indexes the resolver maintains.
type vrfTable struct {
	id route.RouterID
	v4 *trie.Trie[*Route]
	v6 *trie.Trie[*Route]

	// nhDeps maps a recursive next-hop address to the prefixes whose
	// resolution referenced it; prefixDeps is the forward index used to
	// unregister a prefix when it re-resolves.
	nhDeps     map[netip.Addr]map[netip.Prefix]struct{}
	prefixDeps map[netip.Prefix][]netip.Addr

	// labelNhDeps maps a recursive next-hop address to the MPLS labels
	// whose resolution referenced it; labelDeps is the forward index.
	// Only the default VRF's table carries label dependencies.
	labelNhDeps map[netip.Addr]map[route.Label]struct{}
	labelDeps   map[route.Label][]netip.Addr
}

func newVrfTable(id route.RouterID) *vrfTable {
	return &vrfTable{
		id:          id,
		v4:          trie.New[*Route](32),
		v6:          trie.New[*Route](128),
		nhDeps:      map[netip.Addr]map[netip.Prefix]struct{}{},
		prefixDeps:  map[netip.Prefix][]netip.Addr{},
		labelNhDeps: map[netip.Addr]map[route.Label]struct{}{},
		labelDeps:   map[route.Label][]netip.Addr{},
	}
}

// trieFor returns the trie holding prefixes of p's family.
func (v *vrfTable) trieFor(p netip.Prefix) *trie.Trie[*Route] {
	if p.Addr().Is4() {
		return v.v4
	}
	return v.v6
}

// trieForAddr returns the trie that can match addr.
func (v *vrfTable) trieForAddr(a netip.Addr) *trie.Trie[*Route] {
	if a.Is4() {
		return v.v4
	}
	return v.v6
}

// TieBreaker orders two clients whose submissions share the same admin
// distance; it returns true when a is preferred over b.
type TieBreaker func(a, b route.ClientID) bool

// RIB is the process-wide routing information base. A single write lock
// guards all VRFs; read paths over the applied state use the published
// snapshot instead of the RIB.
type RIB struct {
	mu sync.RWMutex

	vrfs   map[route.RouterID]*vrfTable
	labels map[route.Label]*LabelRoute

	tieBreak TieBreaker
}

// Opt configures a RIB at construction time.
type Opt interface {
	isRIBOpt()
}

type withVRFs struct {
	ids []route.RouterID
}

func (*withVRFs) isRIBOpt() {}

// WithVRFs pre-creates the specified VRFs in addition to the default VRF.
func WithVRFs(ids []route.RouterID) Opt {
	return &withVRFs{ids: ids}
}

type withTieBreaker struct {
	fn TieBreaker
}

func (*withTieBreaker) isRIBOpt() {}

// WithTieBreaker overrides the policy applied when two clients submit
// entries with equal admin distance. The default prefers the lowest
// ClientID.
func WithTieBreaker(fn TieBreaker) Opt {
	return &withTieBreaker{fn: fn}
}

// New returns a RIB with the default VRF created.
func New(opts ...Opt) *RIB {
	r := &RIB{
		vrfs: map[route.RouterID]*vrfTable{
			route.DefaultVrf: newVrfTable(route.DefaultVrf),
		},
		labels:   map[route.Label]*LabelRoute{},
		tieBreak: func(a, b route.ClientID) bool { return a < b },
	}
	for _, o := range opts {
		switch v := o.(type) {
		case *withVRFs:
			for _, id := range v.ids {
				if _, ok := r.vrfs[id]; !ok {
					r.vrfs[id] = newVrfTable(id)
				}
			}
		case *withTieBreaker:
			r.tieBreak = v.fn
		}
	}
	return r
}

// AddVrf creates the specified VRF if it does not already exist.
func (r *RIB) AddVrf(id route.RouterID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.vrfs[id]; !ok {
		r.vrfs[id] = newVrfTable(id)
	}
}

// HasVrf reports whether the specified VRF exists.
func (r *RIB) HasVrf(id route.RouterID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.vrfs[id]
	return ok
}

// GetRoute returns the route stored at exactly (vrf, prefix).
func (r *RIB) GetRoute(vrf route.RouterID, pfx netip.Prefix) (*Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vrfs[vrf]
	if !ok {
		return nil, false
	}
	return v.trieFor(pfx).Get(pfx)
}

// LongestMatch returns the most specific route covering addr in the
// specified VRF.
func (r *RIB) LongestMatch(vrf route.RouterID, addr netip.Addr) (*Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vrfs[vrf]
	if !ok {
		return nil, false
	}
	_, rt, ok := v.trieForAddr(addr).LongestMatch(addr)
	return rt, ok
}

// WalkRoutes visits every route of the VRF, IPv4 first, each family
// ordered by increasing mask length then network address. The walk stops
// early if fn returns true.
func (r *RIB) WalkRoutes(vrf route.RouterID, fn func(rt *Route) bool) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vrfs[vrf]
	if !ok {
		return fmt.Errorf("no such VRF %d", vrf)
	}
	stopped := false
	walk := func(p netip.Prefix, rt *Route) bool {
		stopped = fn(rt)
		return stopped
	}
	v.v4.Walk(walk)
	if !stopped {
		v.v6.Walk(walk)
	}
	return nil
}

// GetLabel returns the label route for the specified label.
func (r *RIB) GetLabel(l route.Label) (*LabelRoute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lr, ok := r.labels[l]
	return lr, ok
}

// WalkLabels visits every label route; ordering is unspecified. The walk
// stops early if fn returns true.
func (r *RIB) WalkLabels(fn func(lr *LabelRoute) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, lr := range r.labels {
		if fn(lr) {
			return
		}
	}
}

// bestOf recalculates the preferred submission from a set of entries. ok
// is false when the map is empty.
func (r *RIB) bestOf(entries map[route.ClientID]route.NextHopEntry) (best route.NextHopEntry, client route.ClientID, ok bool) {
	for c, e := range entries {
		switch {
		case !ok,
			e.Distance < best.Distance,
			e.Distance == best.Distance && r.tieBreak(c, client):
			best, client, ok = e, c, true
		}
	}
	return best, client, ok
}
