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
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/openconfig/fwdgo/route"
)

var (
	// ErrNoSuchVrf is returned when an update names an unknown VRF.
	ErrNoSuchVrf = errors.New("no such VRF")
	// ErrInvalidLabel is returned for labels outside [1, 2^20-1].
	ErrInvalidLabel = errors.New("invalid MPLS label")
	// ErrInvalidPrefix is returned when an internal caller supplies a
	// prefix with non-zero host bits. Wire input is canonicalized before
	// it reaches the RIB.
	ErrInvalidPrefix = errors.New("invalid prefix")
)

// Stats summarizes the effect of one update batch. Idempotent re-adds of
// identical submissions do not count.
type Stats struct {
	V4Added       int
	V4Deleted     int
	V6Added       int
	V6Deleted     int
	LabelsAdded   int
	LabelsDeleted int
	// Duration is the time spent inside the batch, including
	// resolution.
	Duration time.Duration
}

// pcKey identifies one client's submission for one prefix.
type pcKey struct {
	pfx    netip.Prefix
	client route.ClientID
}

// lcKey identifies one client's submission for one label.
type lcKey struct {
	label  route.Label
	client route.ClientID
}

// origRoute captures a route's derived state at its first touch within a
// batch, so Done can tell whether re-resolution is needed.
type origRoute struct {
	existed   bool
	best      *route.NextHopEntry
	connected bool
}

// Update is one batch of RIB mutations for a single VRF. The RIB write
// lock is held from NewUpdate until Done or Abort; a batch must be
// finished before the pipeline is invoked, the lock is never held across
// a hardware call.
type Update struct {
	r *RIB
	v *vrfTable

	start    time.Time
	finished bool

	// origSubs records each touched submission's prior value (nil when
	// it did not exist); final values are read back from the tables in
	// Done to derive the statistics.
	origSubs   map[pcKey]*route.NextHopEntry
	origRoutes map[netip.Prefix]origRoute

	origLabelSubs   map[lcKey]*route.NextHopEntry
	origLabelRoutes map[route.Label]*route.NextHopEntry
	touchedLabels   map[route.Label]struct{}
}

// NewUpdate starts a batch against the specified VRF, taking the RIB
// write lock. Exactly one of Done or Abort must be called.
func (r *RIB) NewUpdate(vrf route.RouterID) (*Update, error) {
	r.mu.Lock()
	v, ok := r.vrfs[vrf]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrNoSuchVrf, vrf)
	}
	return &Update{
		r:               r,
		v:               v,
		start:           time.Now(),
		origSubs:        map[pcKey]*route.NextHopEntry{},
		origRoutes:      map[netip.Prefix]origRoute{},
		origLabelSubs:   map[lcKey]*route.NextHopEntry{},
		origLabelRoutes: map[route.Label]*route.NextHopEntry{},
		touchedLabels:   map[route.Label]struct{}{},
	}, nil
}

// touch records the pre-batch state of (pfx, client) and of the route's
// derived fields, and returns the route, creating it when create is set.
func (u *Update) touch(pfx netip.Prefix, client route.ClientID, create bool) *Route {
	t := u.v.trieFor(pfx)
	rt, ok := t.Get(pfx)
	if !ok {
		if !create {
			u.noteOrig(pfx, client, nil)
			return nil
		}
		u.noteOrig(pfx, client, nil)
		rt = &Route{Prefix: pfx, entries: map[route.ClientID]route.NextHopEntry{}}
		t.Insert(pfx, rt)
		return rt
	}
	u.noteOrig(pfx, client, rt)
	return rt
}

// noteOrig records the first-touch state of a submission and its route;
// existing is nil when the route did not exist before the batch.
func (u *Update) noteOrig(pfx netip.Prefix, client route.ClientID, existing *Route) {
	k := pcKey{pfx: pfx, client: client}
	if _, seen := u.origSubs[k]; !seen {
		var orig *route.NextHopEntry
		if existing != nil {
			if e, ok := existing.entries[client]; ok {
				c := e
				orig = &c
			}
		}
		u.origSubs[k] = orig
	}
	if _, seen := u.origRoutes[pfx]; !seen {
		o := origRoute{}
		if existing != nil {
			o.existed = true
			o.connected = existing.connected
			if existing.best != nil {
				b := *existing.best
				o.best = &b
			}
		}
		u.origRoutes[pfx] = o
	}
}

// AddRoute inserts or replaces client's submission for pfx.
func (u *Update) AddRoute(pfx netip.Prefix, client route.ClientID, entry route.NextHopEntry) error {
	if err := route.CheckCanonical(pfx); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPrefix, err)
	}
	rt := u.touch(pfx, client, true)
	rt.entries[client] = entry
	return nil
}

// DelRoute removes client's submission for pfx. Deleting an absent
// submission is not an error.
func (u *Update) DelRoute(pfx netip.Prefix, client route.ClientID) error {
	if err := route.CheckCanonical(pfx); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPrefix, err)
	}
	rt := u.touch(pfx, client, false)
	if rt == nil {
		return nil
	}
	delete(rt.entries, client)
	return nil
}

// RemoveAllRoutesForClient removes every submission of client in this
// VRF. It is the first half of a FIB sync.
func (u *Update) RemoveAllRoutesForClient(client route.ClientID) {
	var pfxs []netip.Prefix
	collect := func(p netip.Prefix, rt *Route) bool {
		if _, ok := rt.entries[client]; ok {
			pfxs = append(pfxs, p)
		}
		return false
	}
	u.v.v4.Walk(collect)
	u.v.v6.Walk(collect)
	for _, p := range pfxs {
		rt := u.touch(p, client, false)
		if rt != nil {
			delete(rt.entries, client)
		}
	}
}

// AddInterfaceRoute inserts the connected route for an interface subnet.
// The endpoint address is the switch's own address on the subnet and the
// route resolves directly to the interface.
func (u *Update) AddInterfaceRoute(pfx netip.Prefix, endpoint netip.Addr, intf route.IntfID) error {
	if err := route.CheckCanonical(pfx); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPrefix, err)
	}
	e, err := route.NewForwardEntry(route.DistanceDirectlyConnected, []route.NextHop{
		{Addr: endpoint, Intf: intf, Weight: 1},
	})
	if err != nil {
		return fmt.Errorf("cannot build interface route for %v, %v", pfx, err)
	}
	rt := u.touch(pfx, route.ClientInterface, true)
	rt.entries[route.ClientInterface] = e
	rt.connected = true
	return nil
}

// linkLocalPrefix is installed toward the CPU at startup.
var linkLocalPrefix = netip.MustParsePrefix("fe80::/64")

// AddLinkLocalRoutes idempotently installs the IPv6 link-local prefix
// toward the CPU.
func (u *Update) AddLinkLocalRoutes() {
	rt := u.touch(linkLocalPrefix, route.ClientLinkLocal, true)
	rt.entries[route.ClientLinkLocal] = route.NewToCPUEntry(route.DistanceDirectlyConnected)
}

// touchLabel records the pre-batch state of (label, client) and returns
// the label route, creating it when create is set.
func (u *Update) touchLabel(label route.Label, client route.ClientID, create bool) *LabelRoute {
	lr, ok := u.r.labels[label]
	if !ok && create {
		lr = &LabelRoute{Label: label, entries: map[route.ClientID]route.NextHopEntry{}}
		u.r.labels[label] = lr
	}
	k := lcKey{label: label, client: client}
	if _, seen := u.origLabelSubs[k]; !seen {
		var orig *route.NextHopEntry
		if ok {
			if e, have := u.r.labels[label].entries[client]; have {
				c := e
				orig = &c
			}
		}
		u.origLabelSubs[k] = orig
	}
	if _, seen := u.origLabelRoutes[label]; !seen {
		var b *route.NextHopEntry
		if ok && u.r.labels[label].best != nil {
			c := *u.r.labels[label].best
			b = &c
		}
		u.origLabelRoutes[label] = b
	}
	u.touchedLabels[label] = struct{}{}
	return lr
}

// AddLabelRoute inserts or replaces client's submission for an MPLS
// label.
func (u *Update) AddLabelRoute(label route.Label, client route.ClientID, entry route.NextHopEntry) error {
	if !label.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidLabel, label)
	}
	lr := u.touchLabel(label, client, true)
	lr.entries[client] = entry
	return nil
}

// DelLabelRoute removes client's submission for an MPLS label.
func (u *Update) DelLabelRoute(label route.Label, client route.ClientID) error {
	if !label.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidLabel, label)
	}
	lr := u.touchLabel(label, client, false)
	if lr == nil {
		return nil
	}
	delete(lr.entries, client)
	return nil
}

// RemoveAllLabelsForClient removes every label submission of client. It
// is the first half of an MPLS FIB sync.
func (u *Update) RemoveAllLabelsForClient(client route.ClientID) {
	for label, lr := range u.r.labels {
		if _, ok := lr.entries[client]; ok {
			if l := u.touchLabel(label, client, false); l != nil {
				delete(l.entries, client)
			}
		}
	}
}

// Abort releases the RIB lock without recomputing derived state.
// Mutations already made by the batch stay in the tables but remain
// unresolved until a later batch touches them; callers validate input
// before mutating when they intend to abort on error.
func (u *Update) Abort() {
	if u.finished {
		return
	}
	u.finished = true
	u.r.mu.Unlock()
}

// Done recomputes best entries for every touched route, removes routes
// whose client map emptied, re-resolves the affected part of the VRF and
// returns the batch statistics.
func (u *Update) Done() (Stats, error) {
	if u.finished {
		return Stats{}, errors.New("update already finished")
	}
	u.finished = true
	defer u.r.mu.Unlock()

	seeds := map[netip.Prefix]struct{}{}
	for pfx, orig := range u.origRoutes {
		t := u.v.trieFor(pfx)
		rt, ok := t.Get(pfx)
		if !ok {
			// Created and fully deleted within the batch.
			if orig.existed {
				seeds[pfx] = struct{}{}
			}
			continue
		}
		if len(rt.entries) == 0 {
			t.Remove(pfx)
			u.v.unregisterPrefix(pfx)
			rt.best, rt.fwd = nil, nil
			if orig.existed {
				seeds[pfx] = struct{}{}
			}
			continue
		}
		best, client, _ := u.r.bestOf(rt.entries)
		rt.best, rt.bestClient = &best, client
		switch {
		case !orig.existed,
			orig.best == nil,
			!orig.best.Equal(best),
			orig.connected != rt.connected:
			seeds[pfx] = struct{}{}
		}
	}

	changed := u.r.resolveBatch(u.v, seeds)

	// Label bests, then label resolution: seeded by touched labels plus
	// labels depending on any changed prefix of the default VRF.
	labelSeeds := map[route.Label]struct{}{}
	for label := range u.touchedLabels {
		lr, ok := u.r.labels[label]
		if !ok {
			continue
		}
		if len(lr.entries) == 0 {
			// Deleted labels need no re-resolution; the FIB rebuild drops
			// them.
			delete(u.r.labels, label)
			u.r.defaultTable().unregisterLabel(label)
			continue
		}
		best, client, _ := u.r.bestOf(lr.entries)
		lr.best, lr.bestClient = &best, client
		orig := u.origLabelRoutes[label]
		if orig == nil || !orig.Equal(best) {
			labelSeeds[label] = struct{}{}
		}
	}
	changedForLabels := changed
	if u.v.id != route.DefaultVrf {
		changedForLabels = nil
	}
	u.r.resolveLabels(labelSeeds, changedForLabels)

	stats := Stats{}
	for k, orig := range u.origSubs {
		final := u.finalSub(k)
		v4 := k.pfx.Addr().Is4()
		switch {
		case final != nil && orig == nil,
			final != nil && orig != nil && !final.Equal(*orig):
			if v4 {
				stats.V4Added++
			} else {
				stats.V6Added++
			}
		case final == nil && orig != nil:
			if v4 {
				stats.V4Deleted++
			} else {
				stats.V6Deleted++
			}
		}
	}
	for k, orig := range u.origLabelSubs {
		final := u.finalLabelSub(k)
		switch {
		case final != nil && orig == nil,
			final != nil && orig != nil && !final.Equal(*orig):
			stats.LabelsAdded++
		case final == nil && orig != nil:
			stats.LabelsDeleted++
		}
	}
	stats.Duration = time.Since(u.start)
	return stats, nil
}

// finalSub returns the submission currently stored for k, nil when
// absent.
func (u *Update) finalSub(k pcKey) *route.NextHopEntry {
	rt, ok := u.v.trieFor(k.pfx).Get(k.pfx)
	if !ok {
		return nil
	}
	e, ok := rt.entries[k.client]
	if !ok {
		return nil
	}
	return &e
}

// finalLabelSub returns the label submission currently stored for k, nil
// when absent.
func (u *Update) finalLabelSub(k lcKey) *route.NextHopEntry {
	lr, ok := u.r.labels[k.label]
	if !ok {
		return nil
	}
	e, ok := lr.entries[k.client]
	if !ok {
		return nil
	}
	return &e
}

// defaultTable returns the default VRF's table, which hosts the label
// dependency index.
func (r *RIB) defaultTable() *vrfTable {
	return r.vrfs[route.DefaultVrf]
}
