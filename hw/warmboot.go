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
	"fmt"
	"net/netip"

	log "github.com/golang/glog"
	"github.com/openconfig/fwdgo/route"
)

// routeKey identifies an LPM route in the manager's and cache's tables.
type routeKey struct {
	vrf route.RouterID
	pfx netip.Prefix
}

// hostKey identifies a host-table entry.
type hostKey struct {
	vrf  route.RouterID
	addr netip.Addr
}

// WarmBootCache holds the device objects found at start. Entries are
// claimed as the first FIB sync programs their equivalents; whatever is
// left unclaimed after the sync is deleted from the device.
type WarmBootCache struct {
	egresses map[string]DumpEgress
	ecmps    map[string]DumpEcmp
	// ecmpOrig holds each cached group's original member multiset;
	// ecmpMembers tracks the live membership so that egress-resolution
	// changes arriving before the first sync converge traffic on the old
	// forwarding state.
	ecmpOrig    map[EgressID][]EgressID
	ecmpMembers map[EgressID][]EgressID
	routes      map[routeKey]DumpRoute
	hosts       map[hostKey]DumpHost
	labels      map[route.Label]DumpLabel
}

// NewWarmBootCache indexes a device dump for reconciliation. A nil dump
// yields an empty cache (cold boot).
func NewWarmBootCache(d *Dump) *WarmBootCache {
	c := &WarmBootCache{
		egresses:    map[string]DumpEgress{},
		ecmps:       map[string]DumpEcmp{},
		ecmpOrig:    map[EgressID][]EgressID{},
		ecmpMembers: map[EgressID][]EgressID{},
		routes:      map[routeKey]DumpRoute{},
		hosts:       map[hostKey]DumpHost{},
		labels:      map[route.Label]DumpLabel{},
	}
	if d == nil {
		return c
	}
	for _, e := range d.Egresses {
		c.egresses[e.Desc.key()] = e
	}
	for _, g := range d.Ecmps {
		c.ecmps[ecmpKey(g.Members)] = g
		c.ecmpOrig[g.ID] = append([]EgressID{}, g.Members...)
		c.ecmpMembers[g.ID] = append([]EgressID{}, g.Members...)
	}
	for _, r := range d.Routes {
		c.routes[routeKey{vrf: r.Vrf, pfx: r.Prefix}] = r
	}
	for _, h := range d.Hosts {
		c.hosts[hostKey{vrf: h.Vrf, addr: h.Addr}] = h
	}
	for _, l := range d.Labels {
		c.labels[l.Label] = l
	}
	return c
}

// claimEgress removes and returns the cached egress matching desc.
func (c *WarmBootCache) claimEgress(desc EgressDesc) (DumpEgress, bool) {
	e, ok := c.egresses[desc.key()]
	if ok {
		delete(c.egresses, desc.key())
	}
	return e, ok
}

// claimEcmp removes and returns the cached group with the specified
// member multiset.
func (c *WarmBootCache) claimEcmp(members []EgressID) (DumpEcmp, bool) {
	k := ecmpKey(members)
	g, ok := c.ecmps[k]
	if ok {
		delete(c.ecmps, k)
		delete(c.ecmpOrig, g.ID)
		delete(c.ecmpMembers, g.ID)
	}
	return g, ok
}

// restoreEgress puts a claimed egress back, undoing an adoption whose
// transaction rolled back.
func (c *WarmBootCache) restoreEgress(e DumpEgress) {
	c.egresses[e.Desc.key()] = e
}

// restoreEcmp puts a claimed group back, undoing an adoption whose
// transaction rolled back.
func (c *WarmBootCache) restoreEcmp(g DumpEcmp) {
	c.ecmps[ecmpKey(g.Members)] = g
	c.ecmpOrig[g.ID] = append([]EgressID{}, g.Members...)
	c.ecmpMembers[g.ID] = append([]EgressID{}, g.Members...)
}

// resolutionChanged applies a reachability change to the cached groups,
// keeping pre-sync forwarding state converged with neighbor reality.
func (c *WarmBootCache) resolutionChanged(drv Driver, id EgressID, reachable bool) error {
	for gid, orig := range c.ecmpOrig {
		want := 0
		for _, e := range orig {
			if e == id {
				want++
			}
		}
		if want == 0 {
			continue
		}
		live := c.ecmpMembers[gid]
		have := 0
		for _, e := range live {
			if e == id {
				have++
			}
		}
		switch {
		case reachable:
			for i := have; i < want; i++ {
				if err := drv.AddEcmpMember(gid, id); err != nil {
					return fmt.Errorf("%w: cannot expand cached group %d, %v", ErrProgrammingFailed, gid, err)
				}
				live = append(live, id)
			}
		default:
			for i := 0; i < have; i++ {
				if err := drv.DelEcmpMember(gid, id); err != nil {
					return fmt.Errorf("%w: cannot shrink cached group %d, %v", ErrProgrammingFailed, gid, err)
				}
			}
			out := live[:0]
			for _, e := range live {
				if e != id {
					out = append(out, e)
				}
			}
			live = out
		}
		c.ecmpMembers[gid] = live
	}
	return nil
}

// claimRoute removes and returns the cached route for (vrf, pfx).
func (c *WarmBootCache) claimRoute(vrf route.RouterID, pfx netip.Prefix) (DumpRoute, bool) {
	k := routeKey{vrf: vrf, pfx: pfx}
	r, ok := c.routes[k]
	if ok {
		delete(c.routes, k)
	}
	return r, ok
}

// claimHost removes and returns the cached host entry for (vrf, addr).
func (c *WarmBootCache) claimHost(vrf route.RouterID, addr netip.Addr) (DumpHost, bool) {
	k := hostKey{vrf: vrf, addr: addr}
	h, ok := c.hosts[k]
	if ok {
		delete(c.hosts, k)
	}
	return h, ok
}

// claimLabel removes and returns the cached MPLS entry for label.
func (c *WarmBootCache) claimLabel(label route.Label) (DumpLabel, bool) {
	l, ok := c.labels[label]
	if ok {
		delete(c.labels, label)
	}
	return l, ok
}

// clear deletes every unclaimed object from the device, routes before
// the egresses they reference. Deletion failures on stale objects are
// fatal: the device and software state have diverged.
func (c *WarmBootCache) clear(drv Driver) {
	for k, r := range c.routes {
		log.V(2).Infof("deleting unclaimed route %v in VRF %d", r.Prefix, r.Vrf)
		if err := drv.DeleteRoute(r.Vrf, r.Prefix); err != nil {
			log.Exitf("cannot delete stale route %v, %v", r.Prefix, err)
		}
		delete(c.routes, k)
	}
	for k, h := range c.hosts {
		log.V(2).Infof("deleting unclaimed host entry %v in VRF %d", h.Addr, h.Vrf)
		if err := drv.DeleteHostEntry(h.Vrf, h.Addr); err != nil {
			log.Exitf("cannot delete stale host entry %v, %v", h.Addr, err)
		}
		delete(c.hosts, k)
	}
	for k, l := range c.labels {
		log.V(2).Infof("deleting unclaimed label entry %d", l.Label)
		if err := drv.DeleteLabelEntry(l.Label); err != nil {
			log.Exitf("cannot delete stale label entry %d, %v", l.Label, err)
		}
		delete(c.labels, k)
	}
	for k, g := range c.ecmps {
		log.V(2).Infof("deleting unclaimed ECMP group %d", g.ID)
		if err := drv.DeleteEcmp(g.ID); err != nil {
			log.Exitf("cannot delete stale ECMP group %d, %v", g.ID, err)
		}
		delete(c.ecmps, k)
		delete(c.ecmpOrig, g.ID)
		delete(c.ecmpMembers, g.ID)
	}
	for k, e := range c.egresses {
		log.V(2).Infof("deleting unclaimed egress %d", e.ID)
		if err := drv.DeleteEgress(e.ID); err != nil {
			log.Exitf("cannot delete stale egress %d, %v", e.ID, err)
		}
		delete(c.egresses, k)
	}
}
