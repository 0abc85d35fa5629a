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
	"net/netip"
	"strings"
	"testing"

	"github.com/openconfig/fwdgo/route"
	"github.com/openconfig/fwdgo/state"
)

// warmDevice builds a fake device that already carries forwarding state
// from a previous agent life: drop/cpu egresses, one next-hop egress and
// one route using it, plus one stale route bound to a stale egress.
func warmDevice(t *testing.T) (*FakeDriver, *Dump) {
	t.Helper()
	prev := NewFakeDriver()
	dropID, err := prev.CreateEgress(EgressDesc{Kind: KindDrop})
	if err != nil {
		t.Fatalf("cannot seed drop egress, %v", err)
	}
	if _, err := prev.CreateEgress(EgressDesc{Kind: KindToCPU}); err != nil {
		t.Fatalf("cannot seed cpu egress, %v", err)
	}
	nhDesc := EgressDesc{Kind: KindNextHop, Vrf: route.DefaultVrf, Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1}
	nhID, err := prev.CreateEgress(nhDesc)
	if err != nil {
		t.Fatalf("cannot seed next-hop egress, %v", err)
	}
	if err := prev.AddRoute(route.DefaultVrf, netip.MustParsePrefix("10.0.0.0/8"), nhID, 0, false); err != nil {
		t.Fatalf("cannot seed route, %v", err)
	}
	staleDesc := EgressDesc{Kind: KindNextHop, Vrf: route.DefaultVrf, Addr: netip.MustParseAddr("203.0.113.9"), Intf: 7}
	staleID, err := prev.CreateEgress(staleDesc)
	if err != nil {
		t.Fatalf("cannot seed stale egress, %v", err)
	}
	if err := prev.AddRoute(route.DefaultVrf, netip.MustParsePrefix("172.31.0.0/16"), staleID, 0, false); err != nil {
		t.Fatalf("cannot seed stale route, %v", err)
	}
	_ = dropID

	d, err := prev.Dump()
	if err != nil {
		t.Fatalf("cannot dump seed device, %v", err)
	}
	return NewFakeDriver(WithDump(d)), d
}

func TestWarmBootAdoptsAndCleans(t *testing.T) {
	drv, dump := warmDevice(t)
	m, err := NewManager(drv, NewWarmBootCache(dump))
	if err != nil {
		t.Fatalf("cannot create manager, %v", err)
	}
	drv.ClearOps()

	// The first sync re-programs the same 10/8 route the device already
	// has: everything is claimed and nothing is created or re-added; the
	// adopted egress is only updated in place to punt, because its
	// neighbor is not resolved yet.
	s := stateWith(fibRoute("10.0.0.0/8", mustFwd(t, hop("192.0.2.1", 1, 1))))
	process(t, m, state.New(), s)

	for _, op := range drv.Ops() {
		if strings.HasPrefix(op, "create-egress") || strings.HasPrefix(op, "add-route") {
			t.Fatalf("warm boot reprogrammed existing state: %v", drv.Ops())
		}
	}

	m.FibSynced()

	// The stale route and its egress are gone, the claimed ones remain.
	d, err := drv.Dump()
	if err != nil {
		t.Fatalf("cannot dump device, %v", err)
	}
	if len(d.Routes) != 1 || d.Routes[0].Prefix != netip.MustParsePrefix("10.0.0.0/8") {
		t.Fatalf("got routes %+v, want only 10.0.0.0/8", d.Routes)
	}
	if drv.EgressCount() != 3 {
		t.Fatalf("got %d egresses after cleanup, want 3", drv.EgressCount())
	}
}

func TestWarmBootReprogramsChangedRoute(t *testing.T) {
	drv, dump := warmDevice(t)
	m, err := NewManager(drv, NewWarmBootCache(dump))
	if err != nil {
		t.Fatalf("cannot create manager, %v", err)
	}

	// The new FIB points 10/8 at a different next-hop: the cached route
	// is claimed but replaced in place.
	s := stateWith(fibRoute("10.0.0.0/8", mustFwd(t, hop("198.51.100.1", 2, 1))))
	process(t, m, state.New(), s)
	m.FibSynced()

	d, err := drv.Dump()
	if err != nil {
		t.Fatalf("cannot dump device, %v", err)
	}
	if len(d.Routes) != 1 {
		t.Fatalf("got %d routes, want 1", len(d.Routes))
	}
	// The egress toward 192.0.2.1 was never claimed and must be gone;
	// the new egress toward 198.51.100.1 exists.
	for _, e := range d.Egresses {
		if e.Desc.Addr == netip.MustParseAddr("192.0.2.1") {
			t.Fatalf("unclaimed egress survived cleanup")
		}
	}
	if d.Routes[0].Egress == dump.Routes[0].Egress {
		t.Fatalf("route still bound to the stale egress")
	}
}

func TestWarmBootResolutionChangeBeforeSync(t *testing.T) {
	// Device with a 2-member ECMP group from the previous life.
	prev := NewFakeDriver()
	if _, err := prev.CreateEgress(EgressDesc{Kind: KindDrop}); err != nil {
		t.Fatalf("cannot seed drop egress, %v", err)
	}
	if _, err := prev.CreateEgress(EgressDesc{Kind: KindToCPU}); err != nil {
		t.Fatalf("cannot seed cpu egress, %v", err)
	}
	aID, err := prev.CreateEgress(EgressDesc{Kind: KindNextHop, Vrf: route.DefaultVrf, Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1})
	if err != nil {
		t.Fatalf("cannot seed egress, %v", err)
	}
	bID, err := prev.CreateEgress(EgressDesc{Kind: KindNextHop, Vrf: route.DefaultVrf, Addr: netip.MustParseAddr("192.0.2.5"), Intf: 1})
	if err != nil {
		t.Fatalf("cannot seed egress, %v", err)
	}
	gID, err := prev.CreateEcmp([]EgressID{aID, bID})
	if err != nil {
		t.Fatalf("cannot seed group, %v", err)
	}
	if err := prev.AddRoute(route.DefaultVrf, netip.MustParsePrefix("10.0.0.0/8"), gID, FlagMultipath, false); err != nil {
		t.Fatalf("cannot seed route, %v", err)
	}
	dump, err := prev.Dump()
	if err != nil {
		t.Fatalf("cannot dump seed device, %v", err)
	}

	drv := NewFakeDriver(WithDump(dump))
	m, err := NewManager(drv, NewWarmBootCache(dump))
	if err != nil {
		t.Fatalf("cannot create manager, %v", err)
	}
	drv.ClearOps()

	// Before any FIB sync, a neighbor going away must shrink the cached
	// group so traffic converges on the old forwarding state.
	if err := m.NeighborUnresolved(route.DefaultVrf, netip.MustParseAddr("192.0.2.5")); err != nil {
		t.Fatalf("cannot unresolve neighbor, %v", err)
	}

	dels := 0
	for _, op := range drv.Ops() {
		if strings.HasPrefix(op, "ecmp-del") {
			dels++
		}
	}
	if dels != 1 {
		t.Fatalf("cached group not shrunk, ops: %v", drv.Ops())
	}

	if err := m.NeighborResolved(route.DefaultVrf, netip.MustParseAddr("192.0.2.5")); err != nil {
		t.Fatalf("cannot re-resolve neighbor, %v", err)
	}
	adds := 0
	for _, op := range drv.Ops() {
		if strings.HasPrefix(op, "ecmp-add") {
			adds++
		}
	}
	if adds != 1 {
		t.Fatalf("cached group not re-expanded, ops: %v", drv.Ops())
	}
}
