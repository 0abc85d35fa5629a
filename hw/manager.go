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

package hw

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	log "github.com/golang/glog"
	"github.com/openconfig/fwdgo/route"
	"github.com/openconfig/fwdgo/state"
)

// ErrProgrammingFailed wraps driver errors surfaced from a transaction.
// The snapshot apply that triggered the transaction is abandoned and the
// applied pointer is not advanced.
var ErrProgrammingFailed = errors.New("hardware programming failed")

// maxEcmpWidth bounds the weight-expanded member list of a group; wider
// sets are scaled down proportionally.
const maxEcmpWidth = 128

// nextHopRef is one refcounted device egress per unique next-hop
// descriptor.
type nextHopRef struct {
	key  string
	id   EgressID
	desc EgressDesc
	ref  int
}

// multiPathRef is one refcounted forwarding binding per unique (vrf,
// next-hop set). For a single-path set it points straight at the member
// egress; for a multi-path set it owns a device ECMP group.
type multiPathRef struct {
	key     string
	ref     int
	members []*nextHopRef
	// expanded is the weight-expanded member id multiset the group was
	// created with.
	expanded []EgressID
	// groupID is the device ECMP egress, zero for single-path bindings.
	groupID EgressID
	// live tracks the occurrences of each member id currently present
	// in the device group; shrunk and re-expanded by neighbor
	// resolution changes.
	live map[EgressID]int
}

// egressID returns the id a route referencing this binding programs.
func (p *multiPathRef) egressID() EgressID {
	if p.groupID != 0 {
		return p.groupID
	}
	return p.members[0].id
}

// hwRoute is the programmed state of one route.
type hwRoute struct {
	egress EgressID
	flags  RouteFlags
	host   bool
	bind   *multiPathRef
}

// hwLabel is the programmed state of one MPLS entry.
type hwLabel struct {
	egress EgressID
	flags  RouteFlags
	bind   *multiPathRef
}

// Manager mirrors applied forwarding state into the device. The tables
// are mutated only by the state-update thread (ProcessDelta) and the
// neighbor-resolution thread (NeighborResolved/NeighborUnresolved),
// coordinated by mu.
type Manager struct {
	mu  sync.Mutex
	drv Driver

	wb        *WarmBootCache
	fibSynced bool

	dropID  EgressID
	toCPUID EgressID

	nextHops   map[string]*nextHopRef
	multiPaths map[string]*multiPathRef
	routes     map[routeKey]*hwRoute
	labels     map[route.Label]*hwLabel

	// neighbors is the set of resolved neighbor entries; next-hop
	// egresses toward unresolved neighbors punt to the CPU.
	neighbors map[hostKey]struct{}
}

// NewManager creates the manager, allocating (or adopting from the
// warm-boot cache) the canonical drop and to-CPU egresses.
func NewManager(drv Driver, wb *WarmBootCache) (*Manager, error) {
	if wb == nil {
		wb = NewWarmBootCache(nil)
	}
	m := &Manager{
		drv:        drv,
		wb:         wb,
		nextHops:   map[string]*nextHopRef{},
		multiPaths: map[string]*multiPathRef{},
		routes:     map[routeKey]*hwRoute{},
		labels:     map[route.Label]*hwLabel{},
		neighbors:  map[hostKey]struct{}{},
	}
	var err error
	if m.dropID, err = m.canonicalEgress(EgressDesc{Kind: KindDrop}); err != nil {
		return nil, err
	}
	if m.toCPUID, err = m.canonicalEgress(EgressDesc{Kind: KindToCPU}); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) canonicalEgress(desc EgressDesc) (EgressID, error) {
	if e, ok := m.wb.claimEgress(desc); ok {
		return e.ID, nil
	}
	id, err := m.drv.CreateEgress(desc)
	if err != nil {
		return 0, fmt.Errorf("cannot create canonical %v egress, %v", desc.Kind, err)
	}
	return id, nil
}

// DropEgressID returns the canonical drop egress.
func (m *Manager) DropEgressID() EgressID { return m.dropID }

// ToCPUEgressID returns the canonical punt egress.
func (m *Manager) ToCPUEgressID() EgressID { return m.toCPUID }

// transaction collects undo steps for the driver mutations of one
// ProcessDelta call, and releases that must only happen once the
// transaction is certain to commit.
type transaction struct {
	undos    []func()
	releases []func()
}

func (t *transaction) addUndo(fn func())    { t.undos = append(t.undos, fn) }
func (t *transaction) addRelease(fn func()) { t.releases = append(t.releases, fn) }

// rollback reverts the transaction's mutations in reverse order. A
// failure to revert leaves the device in an unknown state; the process
// aborts rather than exposing it as applied.
func (t *transaction) rollback() {
	for i := len(t.undos) - 1; i >= 0; i-- {
		t.undos[i]()
	}
}

func (t *transaction) commit() {
	for _, fn := range t.releases {
		fn()
	}
}

// ProcessDelta programs every route and label change of the delta. On
// any driver failure the partial transaction is rolled back and an error
// wrapping ErrProgrammingFailed is returned; the caller must not publish
// the candidate snapshot.
func (m *Manager) ProcessDelta(d *state.Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &transaction{}
	err := d.ForEachRouteChange(func(vrf route.RouterID, o, n *state.FibRoute) error {
		if n == nil {
			return m.removeRoute(tx, vrf, o)
		}
		return m.programRoute(tx, vrf, n)
	})
	if err == nil {
		err = d.ForEachLabelChange(func(o, n *state.LabelFibEntry) error {
			if n == nil {
				return m.removeLabel(tx, o)
			}
			return m.programLabel(tx, n)
		})
	}
	if err != nil {
		tx.rollback()
		return fmt.Errorf("%w: %v", ErrProgrammingFailed, err)
	}
	tx.commit()
	return nil
}

// refNextHop acquires (or creates) the egress for a single next-hop.
func (m *Manager) refNextHop(tx *transaction, vrf route.RouterID, hop route.NextHop) (*nextHopRef, error) {
	desc := EgressDesc{
		Kind:  KindNextHop,
		Vrf:   vrf,
		Addr:  hop.Addr,
		Intf:  hop.Intf,
		Stack: hop.Stack,
	}
	if _, ok := m.neighbors[hostKey{vrf: vrf, addr: hop.Addr}]; !ok {
		// Neighbor not resolved yet: punt so traffic triggers
		// discovery; resolution reprograms the egress in place.
		desc.Punt = true
	}

	k := desc.key()
	if r, ok := m.nextHops[k]; ok {
		r.ref++
		tx.addUndo(func() { r.ref-- })
		return r, nil
	}

	var (
		id      EgressID
		adopted *DumpEgress
	)
	if e, ok := m.wb.claimEgress(desc); ok {
		id = e.ID
		adopted = &e
		if e.Desc.Punt != desc.Punt {
			if err := m.drv.UpdateEgress(id, desc); err != nil {
				m.wb.restoreEgress(e)
				return nil, fmt.Errorf("cannot reprogram adopted egress %d, %v", id, err)
			}
		}
	} else {
		var err error
		if id, err = m.drv.CreateEgress(desc); err != nil {
			return nil, fmt.Errorf("cannot create egress for %v, %v", hop, err)
		}
	}

	r := &nextHopRef{key: k, id: id, desc: desc, ref: 1}
	m.nextHops[k] = r
	tx.addUndo(func() {
		delete(m.nextHops, k)
		if adopted != nil {
			m.wb.restoreEgress(*adopted)
			return
		}
		if err := m.drv.DeleteEgress(id); err != nil {
			log.Exitf("cannot revert egress %d, %v", id, err)
		}
	})
	return r, nil
}

// releaseNextHop drops one reference, deleting the device egress when
// the last reference goes away.
func (m *Manager) releaseNextHop(r *nextHopRef) {
	r.ref--
	if r.ref > 0 {
		return
	}
	delete(m.nextHops, r.key)
	if err := m.drv.DeleteEgress(r.id); err != nil {
		log.Exitf("cannot delete egress %d, %v", r.id, err)
	}
}

// multiPathKey identifies a binding by VRF and canonical next-hop set.
func multiPathKey(vrf route.RouterID, hops []route.NextHop) string {
	s := fmt.Sprintf("%d", vrf)
	for _, h := range hops {
		s += "|" + h.String()
	}
	return s
}

// expandedMembers converts the canonical hop set into the
// weight-expanded member id multiset, reducing weights by their GCD and
// scaling down to maxEcmpWidth.
func expandedMembers(hops []route.NextHop, refs []*nextHopRef) []EgressID {
	ws := make([]uint64, len(hops))
	var g uint64
	for i, h := range hops {
		ws[i] = uint64(h.Weight)
		g = gcd(g, ws[i])
	}
	var sum uint64
	for i := range ws {
		ws[i] /= g
		sum += ws[i]
	}
	if sum > maxEcmpWidth {
		var scaled uint64
		for i := range ws {
			w := ws[i] * maxEcmpWidth / sum
			if w == 0 {
				w = 1
			}
			ws[i] = w
			scaled += w
		}
		sum = scaled
	}
	out := make([]EgressID, 0, sum)
	for i, r := range refs {
		for j := uint64(0); j < ws[i]; j++ {
			out = append(out, r.id)
		}
	}
	return out
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// refMultiPath acquires (or creates) the binding for a resolved next-hop
// set.
func (m *Manager) refMultiPath(tx *transaction, vrf route.RouterID, hops []route.NextHop) (*multiPathRef, error) {
	k := multiPathKey(vrf, hops)
	if p, ok := m.multiPaths[k]; ok {
		p.ref++
		tx.addUndo(func() { p.ref-- })
		return p, nil
	}

	refs := make([]*nextHopRef, 0, len(hops))
	for _, h := range hops {
		r, err := m.refNextHop(tx, vrf, h)
		if err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}

	p := &multiPathRef{key: k, ref: 1, members: refs}
	expanded := expandedMembers(hops, refs)
	if len(expanded) > 1 {
		p.expanded = expanded
		p.live = map[EgressID]int{}
		for _, id := range expanded {
			p.live[id]++
		}
		var adopted *DumpEcmp
		if g, ok := m.wb.claimEcmp(expanded); ok {
			p.groupID = g.ID
			adopted = &g
		} else {
			id, err := m.drv.CreateEcmp(expanded)
			if err != nil {
				return nil, fmt.Errorf("cannot create ECMP group, %v", err)
			}
			p.groupID = id
		}
		gid := p.groupID
		tx.addUndo(func() {
			if adopted != nil {
				m.wb.restoreEcmp(*adopted)
				return
			}
			if err := m.drv.DeleteEcmp(gid); err != nil {
				log.Exitf("cannot revert ECMP group %d, %v", gid, err)
			}
		})
	}

	m.multiPaths[k] = p
	tx.addUndo(func() { delete(m.multiPaths, k) })
	return p, nil
}

// releaseMultiPath drops one reference, tearing down the group and its
// member references when the last one goes away.
func (m *Manager) releaseMultiPath(p *multiPathRef) {
	p.ref--
	if p.ref > 0 {
		return
	}
	delete(m.multiPaths, p.key)
	if p.groupID != 0 {
		if err := m.drv.DeleteEcmp(p.groupID); err != nil {
			log.Exitf("cannot delete ECMP group %d, %v", p.groupID, err)
		}
	}
	for _, r := range p.members {
		m.releaseNextHop(r)
	}
}

// bindingFor translates a forwarding entry into (binding, egress,
// flags).
func (m *Manager) bindingFor(tx *transaction, vrf route.RouterID, fwd route.NextHopEntry) (*multiPathRef, EgressID, RouteFlags, error) {
	switch fwd.Action {
	case route.Drop:
		return nil, m.dropID, FlagDrop, nil
	case route.ToCPU:
		return nil, m.toCPUID, 0, nil
	case route.Forward:
		p, err := m.refMultiPath(tx, vrf, fwd.Hops)
		if err != nil {
			return nil, 0, 0, err
		}
		var flags RouteFlags
		if p.groupID != 0 {
			flags |= FlagMultipath
		}
		return p, p.egressID(), flags, nil
	}
	return nil, 0, 0, fmt.Errorf("invalid forwarding action %v", fwd.Action)
}

// programRoute installs or reprograms one route, using the host table
// for full-length prefixes when the device supports it. Equivalent
// reprograms are suppressed.
func (m *Manager) programRoute(tx *transaction, vrf route.RouterID, n *state.FibRoute) error {
	bind, egress, flags, err := m.bindingFor(tx, vrf, n.Fwd)
	if err != nil {
		return err
	}

	k := routeKey{vrf: vrf, pfx: n.Prefix}
	existing := m.routes[k]
	isHost := n.Prefix.IsSingleIP() && m.drv.HostRouteSupport()
	ecmp := flags&FlagMultipath != 0

	equivalent := existing != nil && existing.egress == egress &&
		existing.flags == flags && existing.host == isHost
	if !equivalent {
		if isHost {
			if err := m.programHostForm(tx, k, egress, ecmp, existing); err != nil {
				return err
			}
		} else {
			if err := m.programLpmForm(tx, k, egress, flags, existing); err != nil {
				return err
			}
		}
	} else if !m.fibSynced {
		// Claim the warm-boot entry even when nothing needs
		// reprogramming.
		if isHost {
			m.wb.claimHost(vrf, n.Prefix.Addr())
		} else {
			m.wb.claimRoute(vrf, n.Prefix)
		}
	}

	m.routes[k] = &hwRoute{egress: egress, flags: flags, host: isHost, bind: bind}
	tx.addUndo(func() {
		if existing != nil {
			m.routes[k] = existing
			return
		}
		delete(m.routes, k)
	})
	if existing != nil && existing.bind != nil {
		old := existing.bind
		tx.addRelease(func() { m.releaseMultiPath(old) })
	}
	return nil
}

// programHostForm programs the host-table form of a route; if the route
// previously existed in LPM form, the LPM entry is removed after the
// host entry is in place so the transition never drops the prefix.
func (m *Manager) programHostForm(tx *transaction, k routeKey, egress EgressID, ecmp bool, existing *hwRoute) error {
	replace := existing != nil && existing.host
	addr := k.pfx.Addr()

	if !m.fibSynced {
		if h, ok := m.wb.claimHost(k.vrf, addr); ok {
			if h.Egress == egress && h.Ecmp == ecmp {
				return nil
			}
			replace = true
		}
	}

	if err := m.drv.AddHostEntry(k.vrf, addr, egress, ecmp, replace); err != nil {
		return fmt.Errorf("cannot program host entry %v, %v", addr, err)
	}
	tx.addUndo(func() {
		var err error
		switch {
		case existing != nil && existing.host:
			err = m.drv.AddHostEntry(k.vrf, addr, existing.egress, existing.flags&FlagMultipath != 0, true)
		default:
			err = m.drv.DeleteHostEntry(k.vrf, addr)
		}
		if err != nil {
			log.Exitf("cannot revert host entry %v, %v", addr, err)
		}
	})

	if existing != nil && !existing.host {
		if err := m.drv.DeleteRoute(k.vrf, k.pfx); err != nil {
			return fmt.Errorf("cannot remove LPM form of %v, %v", k.pfx, err)
		}
		tx.addUndo(func() {
			if err := m.drv.AddRoute(k.vrf, k.pfx, existing.egress, existing.flags, false); err != nil {
				log.Exitf("cannot revert LPM route %v, %v", k.pfx, err)
			}
		})
	}
	return nil
}

// programLpmForm programs the LPM form of a route, removing a previous
// host-table form after the LPM entry is in place.
func (m *Manager) programLpmForm(tx *transaction, k routeKey, egress EgressID, flags RouteFlags, existing *hwRoute) error {
	replace := existing != nil && !existing.host

	if !m.fibSynced {
		if r, ok := m.wb.claimRoute(k.vrf, k.pfx); ok {
			if r.Egress == egress && r.Flags == flags {
				return nil
			}
			replace = true
		}
	}

	if err := m.drv.AddRoute(k.vrf, k.pfx, egress, flags, replace); err != nil {
		return fmt.Errorf("cannot program route %v, %v", k.pfx, err)
	}
	tx.addUndo(func() {
		var err error
		switch {
		case existing != nil && !existing.host:
			err = m.drv.AddRoute(k.vrf, k.pfx, existing.egress, existing.flags, true)
		default:
			err = m.drv.DeleteRoute(k.vrf, k.pfx)
		}
		if err != nil {
			log.Exitf("cannot revert route %v, %v", k.pfx, err)
		}
	})

	if existing != nil && existing.host {
		if err := m.drv.DeleteHostEntry(k.vrf, k.pfx.Addr()); err != nil {
			return fmt.Errorf("cannot remove host form of %v, %v", k.pfx, err)
		}
		tx.addUndo(func() {
			if err := m.drv.AddHostEntry(k.vrf, k.pfx.Addr(), existing.egress, existing.flags&FlagMultipath != 0, false); err != nil {
				log.Exitf("cannot revert host entry %v, %v", k.pfx.Addr(), err)
			}
		})
	}
	return nil
}

// removeRoute deletes a route from the device and releases its binding.
func (m *Manager) removeRoute(tx *transaction, vrf route.RouterID, o *state.FibRoute) error {
	k := routeKey{vrf: vrf, pfx: o.Prefix}
	existing := m.routes[k]
	if existing == nil {
		return nil
	}
	if existing.host {
		if err := m.drv.DeleteHostEntry(vrf, o.Prefix.Addr()); err != nil {
			return fmt.Errorf("cannot delete host entry %v, %v", o.Prefix, err)
		}
		tx.addUndo(func() {
			if err := m.drv.AddHostEntry(vrf, o.Prefix.Addr(), existing.egress, existing.flags&FlagMultipath != 0, false); err != nil {
				log.Exitf("cannot revert host entry %v, %v", o.Prefix, err)
			}
		})
	} else {
		if err := m.drv.DeleteRoute(vrf, o.Prefix); err != nil {
			return fmt.Errorf("cannot delete route %v, %v", o.Prefix, err)
		}
		tx.addUndo(func() {
			if err := m.drv.AddRoute(vrf, o.Prefix, existing.egress, existing.flags, false); err != nil {
				log.Exitf("cannot revert route %v, %v", o.Prefix, err)
			}
		})
	}
	delete(m.routes, k)
	tx.addUndo(func() { m.routes[k] = existing })
	if existing.bind != nil {
		old := existing.bind
		tx.addRelease(func() { m.releaseMultiPath(old) })
	}
	return nil
}

// programLabel installs or reprograms one MPLS entry. Label next-hops
// resolve in the default VRF.
func (m *Manager) programLabel(tx *transaction, n *state.LabelFibEntry) error {
	bind, egress, flags, err := m.bindingFor(tx, route.DefaultVrf, n.Fwd)
	if err != nil {
		return err
	}

	existing := m.labels[n.Label]
	equivalent := existing != nil && existing.egress == egress && existing.flags == flags
	if !equivalent {
		replace := existing != nil
		if !m.fibSynced {
			if l, ok := m.wb.claimLabel(n.Label); ok {
				if l.Egress == egress && l.Flags == flags {
					equivalent = true
				} else {
					replace = true
				}
			}
		}
		if !equivalent {
			if err := m.drv.AddLabelEntry(n.Label, egress, flags, replace); err != nil {
				return fmt.Errorf("cannot program label %d, %v", n.Label, err)
			}
			tx.addUndo(func() {
				var err error
				switch {
				case existing != nil:
					err = m.drv.AddLabelEntry(n.Label, existing.egress, existing.flags, true)
				default:
					err = m.drv.DeleteLabelEntry(n.Label)
				}
				if err != nil {
					log.Exitf("cannot revert label %d, %v", n.Label, err)
				}
			})
		}
	} else if !m.fibSynced {
		m.wb.claimLabel(n.Label)
	}

	m.labels[n.Label] = &hwLabel{egress: egress, flags: flags, bind: bind}
	tx.addUndo(func() {
		if existing != nil {
			m.labels[n.Label] = existing
			return
		}
		delete(m.labels, n.Label)
	})
	if existing != nil && existing.bind != nil {
		old := existing.bind
		tx.addRelease(func() { m.releaseMultiPath(old) })
	}
	return nil
}

// removeLabel deletes an MPLS entry and releases its binding.
func (m *Manager) removeLabel(tx *transaction, o *state.LabelFibEntry) error {
	existing := m.labels[o.Label]
	if existing == nil {
		return nil
	}
	if err := m.drv.DeleteLabelEntry(o.Label); err != nil {
		return fmt.Errorf("cannot delete label %d, %v", o.Label, err)
	}
	tx.addUndo(func() {
		if err := m.drv.AddLabelEntry(o.Label, existing.egress, existing.flags, false); err != nil {
			log.Exitf("cannot revert label %d, %v", o.Label, err)
		}
	})
	delete(m.labels, o.Label)
	tx.addUndo(func() { m.labels[o.Label] = existing })
	if existing.bind != nil {
		old := existing.bind
		tx.addRelease(func() { m.releaseMultiPath(old) })
	}
	return nil
}

// FibSynced latches the first complete FIB application: unclaimed
// warm-boot objects are removed from the device and subsequent
// resolution changes operate on the live tables only.
func (m *Manager) FibSynced() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fibSynced {
		return
	}
	m.fibSynced = true
	m.wb.clear(m.drv)
}

// NeighborResolved records that (vrf, addr) became reachable: every
// punting egress toward it is reprogrammed in place and the affected ids
// are re-expanded into their ECMP groups.
func (m *Manager) NeighborResolved(vrf route.RouterID, addr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.neighbors[hostKey{vrf: vrf, addr: addr}] = struct{}{}

	var affected []EgressID
	for _, r := range m.nextHops {
		if r.desc.Vrf != vrf || r.desc.Addr != addr || !r.desc.Punt {
			continue
		}
		desc := r.desc
		desc.Punt = false
		if err := m.drv.UpdateEgress(r.id, desc); err != nil {
			return fmt.Errorf("%w: cannot reprogram egress %d, %v", ErrProgrammingFailed, r.id, err)
		}
		r.desc = desc
		affected = append(affected, r.id)
	}
	affected = append(affected, m.cachedEgressIDs(vrf, addr)...)
	return m.egressResolutionChanged(affected, true)
}

// cachedEgressIDs returns the warm-boot cache's egress ids toward (vrf,
// addr). Before the first sync resolution changes must reach the groups
// the device is still forwarding with.
func (m *Manager) cachedEgressIDs(vrf route.RouterID, addr netip.Addr) []EgressID {
	if m.fibSynced {
		return nil
	}
	var ids []EgressID
	for _, e := range m.wb.egresses {
		if e.Desc.Kind == KindNextHop && e.Desc.Vrf == vrf && e.Desc.Addr == addr {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// NeighborUnresolved records that (vrf, addr) became unreachable: every
// egress toward it punts again and the affected ids are shrunk out of
// their ECMP groups.
func (m *Manager) NeighborUnresolved(vrf route.RouterID, addr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.neighbors, hostKey{vrf: vrf, addr: addr})

	var affected []EgressID
	for _, r := range m.nextHops {
		if r.desc.Vrf != vrf || r.desc.Addr != addr || r.desc.Punt {
			continue
		}
		desc := r.desc
		desc.Punt = true
		if err := m.drv.UpdateEgress(r.id, desc); err != nil {
			return fmt.Errorf("%w: cannot reprogram egress %d, %v", ErrProgrammingFailed, r.id, err)
		}
		r.desc = desc
		affected = append(affected, r.id)
	}
	affected = append(affected, m.cachedEgressIDs(vrf, addr)...)
	return m.egressResolutionChanged(affected, false)
}

// egressResolutionChanged walks every live ECMP group containing an
// affected id and adds or removes that id from the member set without
// rebuilding the group. Before the first FIB sync the same action is
// applied to the warm-boot cache's groups.
func (m *Manager) egressResolutionChanged(ids []EgressID, reachable bool) error {
	for _, id := range ids {
		for _, p := range m.multiPaths {
			if p.groupID == 0 {
				continue
			}
			want := 0
			for _, e := range p.expanded {
				if e == id {
					want++
				}
			}
			if want == 0 {
				continue
			}
			have := p.live[id]
			switch {
			case reachable:
				for i := have; i < want; i++ {
					if err := m.drv.AddEcmpMember(p.groupID, id); err != nil {
						return fmt.Errorf("%w: cannot expand group %d, %v", ErrProgrammingFailed, p.groupID, err)
					}
				}
				p.live[id] = want
			default:
				for i := 0; i < have; i++ {
					if err := m.drv.DelEcmpMember(p.groupID, id); err != nil {
						return fmt.Errorf("%w: cannot shrink group %d, %v", ErrProgrammingFailed, p.groupID, err)
					}
				}
				p.live[id] = 0
			}
		}
		if !m.fibSynced {
			if err := m.wb.resolutionChanged(m.drv, id, reachable); err != nil {
				return err
			}
		}
	}
	return nil
}
