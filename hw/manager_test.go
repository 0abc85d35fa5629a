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
	"net/netip"
	"strings"
	"testing"

	"github.com/openconfig/fwdgo/route"
	"github.com/openconfig/fwdgo/state"
)

func mustFwd(t *testing.T, hops ...route.NextHop) route.NextHopEntry {
	t.Helper()
	e, err := route.NewForwardEntry(route.DistanceEBGP, hops)
	if err != nil {
		t.Fatalf("cannot build forward entry, %v", err)
	}
	return e
}

func hop(addr string, intf route.IntfID, weight uint32) route.NextHop {
	return route.NextHop{Addr: netip.MustParseAddr(addr), Intf: intf, Weight: weight}
}

// stateWith returns a snapshot whose default-VRF v4 table holds the
// specified routes.
func stateWith(routes ...*state.FibRoute) *state.SwitchState {
	s := state.New()
	tbl := state.NewForwardingTable()
	for _, r := range routes {
		if r.Prefix.Addr().Is4() {
			tbl.V4[r.Prefix] = r
		} else {
			tbl.V6[r.Prefix] = r
		}
	}
	s.RouteTables.Tables[route.DefaultVrf] = tbl
	return s
}

func fibRoute(pfx string, fwd route.NextHopEntry) *state.FibRoute {
	return &state.FibRoute{Prefix: netip.MustParsePrefix(pfx), Fwd: fwd}
}

func process(t *testing.T, m *Manager, old, new *state.SwitchState) {
	t.Helper()
	if err := m.ProcessDelta(state.ComputeDelta(old, new)); err != nil {
		t.Fatalf("cannot process delta, %v", err)
	}
}

func TestDropRoute(t *testing.T) {
	drv := NewFakeDriver()
	m, err := NewManager(drv, nil)
	if err != nil {
		t.Fatalf("cannot create manager, %v", err)
	}

	s := stateWith(fibRoute("10.0.0.0/8", route.NewDropEntry(route.DistanceEBGP)))
	process(t, m, state.New(), s)

	d, err := drv.Dump()
	if err != nil {
		t.Fatalf("cannot dump fake device, %v", err)
	}
	if len(d.Routes) != 1 {
		t.Fatalf("got %d routes, want 1", len(d.Routes))
	}
	if d.Routes[0].Egress != m.DropEgressID() {
		t.Fatalf("route bound to egress %d, want drop egress %d", d.Routes[0].Egress, m.DropEgressID())
	}
	if d.Routes[0].Flags&FlagDrop == 0 {
		t.Fatalf("drop flag not set on route")
	}
	// Only the two canonical egresses exist.
	if drv.EgressCount() != 2 {
		t.Fatalf("got %d egresses, want 2", drv.EgressCount())
	}
}

func TestSingleNextHopNoEcmp(t *testing.T) {
	drv := NewFakeDriver()
	m, err := NewManager(drv, nil)
	if err != nil {
		t.Fatalf("cannot create manager, %v", err)
	}

	s := stateWith(fibRoute("10.1.0.0/16", mustFwd(t, hop("192.0.2.1", 1, 1))))
	process(t, m, state.New(), s)

	if drv.EcmpCount() != 0 {
		t.Fatalf("single next-hop route created %d ECMP groups", drv.EcmpCount())
	}
	if drv.EgressCount() != 3 {
		t.Fatalf("got %d egresses, want 3 (drop, cpu, next-hop)", drv.EgressCount())
	}
}

func TestEcmpSharingAndRefcounts(t *testing.T) {
	drv := NewFakeDriver()
	m, err := NewManager(drv, nil)
	if err != nil {
		t.Fatalf("cannot create manager, %v", err)
	}

	fwd := mustFwd(t, hop("192.0.2.1", 1, 1), hop("198.51.100.1", 2, 1))
	s1 := stateWith(
		fibRoute("10.0.0.0/8", fwd),
		fibRoute("172.16.0.0/12", fwd),
	)
	process(t, m, state.New(), s1)

	if drv.EcmpCount() != 1 {
		t.Fatalf("identical next-hop sets created %d groups, want 1 shared group", drv.EcmpCount())
	}
	if drv.EgressCount() != 4 {
		t.Fatalf("got %d egresses, want 4", drv.EgressCount())
	}

	// Removing one route keeps the shared objects.
	s2 := stateWith(fibRoute("10.0.0.0/8", fwd))
	process(t, m, s1, s2)
	if drv.EcmpCount() != 1 || drv.EgressCount() != 4 {
		t.Fatalf("shared objects released while still referenced: %d groups, %d egresses", drv.EcmpCount(), drv.EgressCount())
	}

	// Removing the last route releases the group and its members.
	s3 := stateWith()
	process(t, m, s2, s3)
	if drv.EcmpCount() != 0 {
		t.Fatalf("group not deleted at refcount zero")
	}
	if drv.EgressCount() != 2 {
		t.Fatalf("got %d egresses after release, want only the canonical 2", drv.EgressCount())
	}
}

func TestEquivalentReprogramSuppressed(t *testing.T) {
	drv := NewFakeDriver()
	m, err := NewManager(drv, nil)
	if err != nil {
		t.Fatalf("cannot create manager, %v", err)
	}

	fwd := mustFwd(t, hop("192.0.2.1", 1, 1))
	r1 := fibRoute("10.0.0.0/8", fwd)
	s1 := stateWith(r1)
	process(t, m, state.New(), s1)
	drv.ClearOps()

	// Same forwarding, different diagnostics: the route record differs
	// but the program is equivalent.
	r2 := fibRoute("10.0.0.0/8", fwd)
	r2.PerClient = map[route.ClientID]route.NextHopEntry{route.ClientBGP: fwd}
	s2 := stateWith(r2)
	process(t, m, s1, s2)

	for _, op := range drv.Ops() {
		if strings.HasPrefix(op, "add-route") || strings.HasPrefix(op, "delete-route") {
			t.Fatalf("equivalent reprogram reached the device: %v", drv.Ops())
		}
	}
}

func TestNeighborFlapKeepsGroup(t *testing.T) {
	drv := NewFakeDriver()
	m, err := NewManager(drv, nil)
	if err != nil {
		t.Fatalf("cannot create manager, %v", err)
	}
	for _, a := range []string{"192.0.2.1", "192.0.2.5", "192.0.2.9"} {
		if err := m.NeighborResolved(route.DefaultVrf, netip.MustParseAddr(a)); err != nil {
			t.Fatalf("cannot resolve neighbor, %v", err)
		}
	}

	s := stateWith(fibRoute("10.0.0.0/8",
		mustFwd(t, hop("192.0.2.1", 1, 1), hop("192.0.2.5", 1, 1), hop("192.0.2.9", 1, 1))))
	process(t, m, state.New(), s)
	if drv.EcmpCount() != 1 {
		t.Fatalf("got %d groups, want 1", drv.EcmpCount())
	}
	drv.ClearOps()

	flap := netip.MustParseAddr("192.0.2.5")
	if err := m.NeighborUnresolved(route.DefaultVrf, flap); err != nil {
		t.Fatalf("cannot unresolve neighbor, %v", err)
	}
	if err := m.NeighborResolved(route.DefaultVrf, flap); err != nil {
		t.Fatalf("cannot re-resolve neighbor, %v", err)
	}

	var adds, dels, routeOps int
	for _, op := range drv.Ops() {
		switch {
		case strings.HasPrefix(op, "ecmp-add"):
			adds++
		case strings.HasPrefix(op, "ecmp-del"):
			dels++
		case strings.HasPrefix(op, "add-route"), strings.HasPrefix(op, "delete-route"):
			routeOps++
		}
	}
	if dels != 1 || adds != 1 {
		t.Fatalf("got %d member removals and %d member additions, want 1 and 1; ops: %v", dels, adds, drv.Ops())
	}
	if routeOps != 0 {
		t.Fatalf("neighbor flap reprogrammed routes: %v", drv.Ops())
	}
	if drv.EcmpCount() != 1 {
		t.Fatalf("group was rebuilt")
	}
}

func TestHostRouteOptimization(t *testing.T) {
	drv := NewFakeDriver(WithHostTable())
	m, err := NewManager(drv, nil)
	if err != nil {
		t.Fatalf("cannot create manager, %v", err)
	}

	s := stateWith(fibRoute("192.0.2.10/32", mustFwd(t, hop("192.0.2.1", 1, 1))))
	process(t, m, state.New(), s)

	if drv.HostCount() != 1 {
		t.Fatalf("full-length prefix not programmed via host table")
	}
	if drv.RouteCount() != 0 {
		t.Fatalf("full-length prefix also present in LPM table")
	}

	// Removal clears the host entry.
	process(t, m, s, stateWith())
	if drv.HostCount() != 0 {
		t.Fatalf("host entry not removed")
	}
}

func TestHostRouteDisabledUsesLpm(t *testing.T) {
	drv := NewFakeDriver()
	m, err := NewManager(drv, nil)
	if err != nil {
		t.Fatalf("cannot create manager, %v", err)
	}
	s := stateWith(fibRoute("192.0.2.10/32", mustFwd(t, hop("192.0.2.1", 1, 1))))
	process(t, m, state.New(), s)
	if drv.RouteCount() != 1 || drv.HostCount() != 0 {
		t.Fatalf("expected LPM programming without host-table support")
	}
}

func TestProgramFailureRollsBack(t *testing.T) {
	drv := NewFakeDriver()
	m, err := NewManager(drv, nil)
	if err != nil {
		t.Fatalf("cannot create manager, %v", err)
	}

	fwd := mustFwd(t, hop("192.0.2.1", 1, 1))
	s1 := stateWith(fibRoute("10.0.0.0/8", fwd))
	process(t, m, state.New(), s1)

	// Fail the route-add of the second transaction; the egress created
	// within it must be reverted.
	s2 := stateWith(
		fibRoute("10.0.0.0/8", fwd),
		fibRoute("172.16.0.0/12", mustFwd(t, hop("198.51.100.1", 2, 1))),
	)
	drv.FailAfter(1, 1)
	err = m.ProcessDelta(state.ComputeDelta(s1, s2))
	if !errors.Is(err, ErrProgrammingFailed) {
		t.Fatalf("got error %v, want ErrProgrammingFailed", err)
	}

	// drop, cpu, plus the egress of the still-applied first route.
	if drv.EgressCount() != 3 {
		t.Fatalf("got %d egresses after rollback, want 3", drv.EgressCount())
	}
	if drv.RouteCount() != 1 {
		t.Fatalf("got %d routes after rollback, want 1", drv.RouteCount())
	}
	if len(m.routes) != 1 {
		t.Fatalf("manager tracks %d routes after rollback, want 1", len(m.routes))
	}
}

// TestRefcountLaw verifies that after arbitrary churn the device holds
// exactly the egresses referenced by the applied FIB plus the two
// canonical ones.
func TestRefcountLaw(t *testing.T) {
	drv := NewFakeDriver()
	m, err := NewManager(drv, nil)
	if err != nil {
		t.Fatalf("cannot create manager, %v", err)
	}

	a := mustFwd(t, hop("192.0.2.1", 1, 1))
	b := mustFwd(t, hop("192.0.2.1", 1, 1), hop("198.51.100.1", 2, 1))

	prev := state.New()
	steps := []*state.SwitchState{
		stateWith(fibRoute("10.0.0.0/8", a)),
		stateWith(fibRoute("10.0.0.0/8", b)),
		stateWith(fibRoute("10.0.0.0/8", b), fibRoute("172.16.0.0/12", a)),
		stateWith(fibRoute("172.16.0.0/12", a)),
		stateWith(),
	}
	wantEgresses := []int{3, 4, 4, 3, 2}
	for i, next := range steps {
		process(t, m, prev, next)
		if got := drv.EgressCount(); got != wantEgresses[i] {
			t.Fatalf("step %d: got %d egresses, want %d", i, got, wantEgresses[i])
		}
		prev = next
	}
	if drv.EcmpCount() != 0 {
		t.Fatalf("dangling ECMP groups remain")
	}
}

func TestLabelProgramming(t *testing.T) {
	drv := NewFakeDriver()
	m, err := NewManager(drv, nil)
	if err != nil {
		t.Fatalf("cannot create manager, %v", err)
	}

	s := state.New()
	s.LabelFib.Entries[100] = &state.LabelFibEntry{
		Label: 100,
		Fwd: mustFwd(t, route.NextHop{
			Addr:   netip.MustParseAddr("192.0.2.1"),
			Intf:   1,
			Weight: 1,
			Stack:  route.LabelStack{200},
		}),
	}
	process(t, m, state.New(), s)

	d, err := drv.Dump()
	if err != nil {
		t.Fatalf("cannot dump fake device, %v", err)
	}
	if len(d.Labels) != 1 || d.Labels[0].Label != 100 {
		t.Fatalf("label entry not programmed, dump: %+v", d.Labels)
	}

	process(t, m, s, state.New())
	if got, _ := drv.Dump(); len(got.Labels) != 0 {
		t.Fatalf("label entry not removed")
	}
}
