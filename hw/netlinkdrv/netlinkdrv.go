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

//go:build linux

// Package netlinkdrv implements the hardware Driver against the Linux
// kernel FIB. The kernel has no standalone egress objects, so the driver
// keeps the egress and ECMP tables locally and renders each route as a
// netlink route with one gateway or a multipath next-hop list. Interface
// IDs are kernel ifindexes. Routes installed by the driver carry a
// dedicated routing protocol number so a restart can list and reconcile
// them.
package netlinkdrv

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	log "github.com/golang/glog"
	"github.com/vishvananda/netlink"

	"github.com/openconfig/fwdgo/hw"
	"github.com/openconfig/fwdgo/route"
)

// proto marks routes owned by this agent in the kernel FIB.
const proto netlink.RouteProtocol = 89

type routeKey struct {
	vrf route.RouterID
	pfx netip.Prefix
}

// Driver programs the kernel FIB.
type Driver struct {
	mu sync.Mutex

	nextID   hw.EgressID
	egresses map[hw.EgressID]hw.EgressDesc
	ecmps    map[hw.EgressID][]hw.EgressID
	// routes remembers each installed route's binding so ECMP member
	// changes can re-render the affected routes.
	routes map[routeKey]hw.EgressID
	labels map[route.Label]hw.EgressID
}

// New returns a kernel-FIB driver.
func New() *Driver {
	return &Driver{
		nextID:   1,
		egresses: map[hw.EgressID]hw.EgressDesc{},
		ecmps:    map[hw.EgressID][]hw.EgressID{},
		routes:   map[routeKey]hw.EgressID{},
		labels:   map[route.Label]hw.EgressID{},
	}
}

// HostRouteSupport implements hw.Driver. The kernel has no separate
// host table; full-length prefixes are ordinary routes.
func (d *Driver) HostRouteSupport() bool { return false }

// CreateEgress implements hw.Driver.
func (d *Driver) CreateEgress(desc hw.EgressDesc) (hw.EgressID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.egresses[id] = desc
	return id, nil
}

// UpdateEgress implements hw.Driver: affected routes are re-rendered.
func (d *Driver) UpdateEgress(id hw.EgressID, desc hw.EgressDesc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.egresses[id]; !ok {
		return fmt.Errorf("unknown egress %d", id)
	}
	d.egresses[id] = desc
	return d.rerenderLocked(id)
}

// DeleteEgress implements hw.Driver.
func (d *Driver) DeleteEgress(id hw.EgressID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.egresses, id)
	return nil
}

// CreateEcmp implements hw.Driver.
func (d *Driver) CreateEcmp(members []hw.EgressID) (hw.EgressID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.ecmps[id] = append([]hw.EgressID{}, members...)
	return id, nil
}

// AddEcmpMember implements hw.Driver.
func (d *Driver) AddEcmpMember(group, member hw.EgressID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ms, ok := d.ecmps[group]
	if !ok {
		return fmt.Errorf("unknown ECMP group %d", group)
	}
	d.ecmps[group] = append(ms, member)
	return d.rerenderLocked(group)
}

// DelEcmpMember implements hw.Driver.
func (d *Driver) DelEcmpMember(group, member hw.EgressID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ms, ok := d.ecmps[group]
	if !ok {
		return fmt.Errorf("unknown ECMP group %d", group)
	}
	for i, m := range ms {
		if m == member {
			d.ecmps[group] = append(ms[:i], ms[i+1:]...)
			return d.rerenderLocked(group)
		}
	}
	return fmt.Errorf("member %d not in group %d", member, group)
}

// DeleteEcmp implements hw.Driver.
func (d *Driver) DeleteEcmp(id hw.EgressID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.ecmps, id)
	return nil
}

// rerenderLocked re-programs every route bound to the changed egress.
func (d *Driver) rerenderLocked(id hw.EgressID) error {
	for k, eg := range d.routes {
		if eg != id {
			continue
		}
		r, err := d.renderLocked(k.pfx, eg)
		if err != nil {
			return err
		}
		if err := netlink.RouteReplace(r); err != nil {
			return fmt.Errorf("cannot re-render route %v, %v", k.pfx, err)
		}
	}
	return nil
}

// renderLocked builds the netlink route for a prefix bound to an
// egress.
func (d *Driver) renderLocked(pfx netip.Prefix, egress hw.EgressID) (*netlink.Route, error) {
	dst := &net.IPNet{
		IP:   pfx.Addr().AsSlice(),
		Mask: net.CIDRMask(pfx.Bits(), pfx.Addr().BitLen()),
	}
	r := &netlink.Route{Dst: dst, Protocol: proto}

	if members, ok := d.ecmps[egress]; ok {
		seen := map[hw.EgressID]int{}
		for _, m := range members {
			seen[m]++
		}
		for m, weight := range seen {
			desc, ok := d.egresses[m]
			if !ok {
				return nil, fmt.Errorf("group member %d does not exist", m)
			}
			r.MultiPath = append(r.MultiPath, &netlink.NexthopInfo{
				LinkIndex: int(desc.Intf),
				Gw:        desc.Addr.AsSlice(),
				Hops:      weight - 1,
			})
		}
		return r, nil
	}

	desc, ok := d.egresses[egress]
	if !ok {
		return nil, fmt.Errorf("egress %d does not exist", egress)
	}
	switch desc.Kind {
	case hw.KindDrop:
		r.Type = 6 // RTN_BLACKHOLE
	case hw.KindToCPU:
		r.Type = 2 // RTN_LOCAL
		r.LinkIndex = 1
	default:
		r.LinkIndex = int(desc.Intf)
		r.Gw = desc.Addr.AsSlice()
	}
	return r, nil
}

// AddRoute implements hw.Driver.
func (d *Driver) AddRoute(vrf route.RouterID, pfx netip.Prefix, egress hw.EgressID, flags hw.RouteFlags, replace bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if vrf != route.DefaultVrf {
		return fmt.Errorf("kernel backend supports only the default VRF, got %d", vrf)
	}
	r, err := d.renderLocked(pfx, egress)
	if err != nil {
		return err
	}
	if err := netlink.RouteReplace(r); err != nil {
		return fmt.Errorf("cannot program route %v, %v", pfx, err)
	}
	d.routes[routeKey{vrf: vrf, pfx: pfx}] = egress
	return nil
}

// DeleteRoute implements hw.Driver.
func (d *Driver) DeleteRoute(vrf route.RouterID, pfx netip.Prefix) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dst := &net.IPNet{
		IP:   pfx.Addr().AsSlice(),
		Mask: net.CIDRMask(pfx.Bits(), pfx.Addr().BitLen()),
	}
	if err := netlink.RouteDel(&netlink.Route{Dst: dst, Protocol: proto}); err != nil {
		return fmt.Errorf("cannot delete route %v, %v", pfx, err)
	}
	delete(d.routes, routeKey{vrf: vrf, pfx: pfx})
	return nil
}

// AddHostEntry implements hw.Driver; unreachable since
// HostRouteSupport is false.
func (d *Driver) AddHostEntry(vrf route.RouterID, addr netip.Addr, egress hw.EgressID, ecmp, replace bool) error {
	return fmt.Errorf("host table not supported by the kernel backend")
}

// DeleteHostEntry implements hw.Driver.
func (d *Driver) DeleteHostEntry(vrf route.RouterID, addr netip.Addr) error {
	return fmt.Errorf("host table not supported by the kernel backend")
}

// AddLabelEntry implements hw.Driver using the kernel's MPLS address
// family. The MPLS modules must be loaded and
// net.mpls.platform_labels sized accordingly.
func (d *Driver) AddLabelEntry(label route.Label, egress hw.EgressID, flags hw.RouteFlags, replace bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	desc, ok := d.egresses[egress]
	if !ok {
		if _, isGroup := d.ecmps[egress]; isGroup {
			return fmt.Errorf("multipath MPLS entries are not supported by the kernel backend")
		}
		return fmt.Errorf("egress %d does not exist", egress)
	}
	l := int(label)
	r := &netlink.Route{
		MPLSDst:   &l,
		Protocol:  proto,
		LinkIndex: int(desc.Intf),
		Gw:        desc.Addr.AsSlice(),
	}
	if err := netlink.RouteReplace(r); err != nil {
		return fmt.Errorf("cannot program label %d, %v", label, err)
	}
	d.labels[label] = egress
	return nil
}

// DeleteLabelEntry implements hw.Driver.
func (d *Driver) DeleteLabelEntry(label route.Label) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := int(label)
	if err := netlink.RouteDel(&netlink.Route{MPLSDst: &l, Protocol: proto}); err != nil {
		return fmt.Errorf("cannot delete label %d, %v", label, err)
	}
	delete(d.labels, label)
	return nil
}

// Dump implements hw.Driver: the agent-owned kernel routes are listed
// for warm-boot reconciliation. The kernel does not persist egress
// objects, so adopted routes reconcile by replacement.
func (d *Driver) Dump() (*hw.Dump, error) {
	routes, err := netlink.RouteListFiltered(netlink.FAMILY_ALL,
		&netlink.Route{Protocol: proto}, netlink.RT_FILTER_PROTOCOL)
	if err != nil {
		return nil, fmt.Errorf("cannot list kernel routes, %v", err)
	}
	out := &hw.Dump{}
	for _, r := range routes {
		if r.Dst == nil {
			continue
		}
		addr, ok := netip.AddrFromSlice(r.Dst.IP)
		if !ok {
			log.Warningf("skipping kernel route with invalid destination %v", r.Dst)
			continue
		}
		ones, _ := r.Dst.Mask.Size()
		out.Routes = append(out.Routes, hw.DumpRoute{
			Vrf:    route.DefaultVrf,
			Prefix: netip.PrefixFrom(addr.Unmap(), ones),
		})
	}
	return out, nil
}

var _ hw.Driver = (*Driver)(nil)
