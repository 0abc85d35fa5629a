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
	"bytes"
	"net/netip"
	"testing"

	"github.com/openconfig/fwdgo/route"
)

func mustForward(t *testing.T, intf route.IntfID, addr string) route.NextHopEntry {
	t.Helper()
	e, err := route.NewForwardEntry(route.DistanceStatic, []route.NextHop{
		{Addr: netip.MustParseAddr(addr), Intf: intf, Weight: 1},
	})
	if err != nil {
		t.Fatalf("cannot build forward entry, %v", err)
	}
	return e
}

// testState returns a snapshot with one interface and one resolved v4
// route.
func testState(t *testing.T) *SwitchState {
	t.Helper()
	s := New()
	s.Interfaces.Interfaces[1] = &Interface{
		ID:    1,
		Name:  "eth1",
		Vlan:  100,
		Mtu:   9000,
		Addrs: map[netip.Addr]uint8{netip.MustParseAddr("192.0.2.2"): 30},
	}
	pfx := netip.MustParsePrefix("10.0.0.0/8")
	tbl := NewForwardingTable()
	tbl.V4[pfx] = &FibRoute{
		Prefix: pfx,
		Fwd:    mustForward(t, 1, "192.0.2.1"),
		PerClient: map[route.ClientID]route.NextHopEntry{
			route.ClientBGP: mustForward(t, 1, "192.0.2.1"),
		},
	}
	s.RouteTables.Tables[route.DefaultVrf] = tbl
	return s
}

func TestJSONRoundTrip(t *testing.T) {
	s := testState(t)
	s.LabelFib.Entries[100] = &LabelFibEntry{
		Label: 100,
		Fwd:   mustForward(t, 1, "192.0.2.1"),
	}

	b1, err := s.ToJSON()
	if err != nil {
		t.Fatalf("cannot marshal, %v", err)
	}
	got, err := FromJSON(b1)
	if err != nil {
		t.Fatalf("cannot unmarshal, %v", err)
	}
	b2, err := got.ToJSON()
	if err != nil {
		t.Fatalf("cannot re-marshal, %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("round trip is not stable,\nfirst:\n%s\nsecond:\n%s", b1, b2)
	}
}

func TestCloneSharesUnmodifiedChildren(t *testing.T) {
	s := testState(t)
	next := s.Clone()
	next.RouteTables = next.RouteTables.Clone()
	next.RouteTables.Tables[route.DefaultVrf] = NewForwardingTable()
	next.Generation++

	if next.Interfaces != s.Interfaces {
		t.Fatalf("unmodified Interfaces child was copied")
	}
	if next.Ports != s.Ports {
		t.Fatalf("unmodified Ports child was copied")
	}
	if next.RouteTables == s.RouteTables {
		t.Fatalf("modified RouteTables child is shared")
	}
	if s.RouteTables.Tables[route.DefaultVrf] == next.RouteTables.Tables[route.DefaultVrf] {
		t.Fatalf("modified table is shared")
	}
	if len(s.RouteTables.Tables[route.DefaultVrf].V4) != 1 {
		t.Fatalf("mutation leaked into the old snapshot")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		desc    string
		mutate  func(t *testing.T, s *SwitchState)
		wantErr bool
	}{{
		desc:   "valid state",
		mutate: func(t *testing.T, s *SwitchState) {},
	}, {
		desc: "route referencing unknown interface",
		mutate: func(t *testing.T, s *SwitchState) {
			pfx := netip.MustParsePrefix("10.1.0.0/16")
			s.RouteTables.Tables[route.DefaultVrf].V4[pfx] = &FibRoute{
				Prefix: pfx,
				Fwd:    mustForward(t, 99, "192.0.2.1"),
			}
		},
		wantErr: true,
	}, {
		desc: "unresolved route in fib",
		mutate: func(t *testing.T, s *SwitchState) {
			pfx := netip.MustParsePrefix("10.1.0.0/16")
			e, err := route.NewForwardEntry(route.DistanceEBGP, []route.NextHop{
				{Addr: netip.MustParseAddr("203.0.113.1"), Weight: 1},
			})
			if err != nil {
				t.Fatalf("cannot build entry, %v", err)
			}
			s.RouteTables.Tables[route.DefaultVrf].V4[pfx] = &FibRoute{Prefix: pfx, Fwd: e}
		},
		wantErr: true,
	}, {
		desc: "label out of range",
		mutate: func(t *testing.T, s *SwitchState) {
			s.LabelFib.Entries[route.MaxLabel+1] = &LabelFibEntry{
				Label: route.MaxLabel + 1,
				Fwd:   mustForward(t, 1, "192.0.2.1"),
			}
		},
		wantErr: true,
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			s := testState(t)
			tt.mutate(t, s)
			if err := Validate(s); (err != nil) != tt.wantErr {
				t.Fatalf("got error %v, wantErr? %v", err, tt.wantErr)
			}
		})
	}
}

func TestDeltaRouteChanges(t *testing.T) {
	old := testState(t)

	// Build a new snapshot: one route added, the existing route changed,
	// everything else shared.
	next := old.Clone()
	next.RouteTables = next.RouteTables.Clone()
	tbl := NewForwardingTable()
	p1 := netip.MustParsePrefix("10.0.0.0/8")
	p2 := netip.MustParsePrefix("10.1.0.0/16")
	tbl.V4[p1] = &FibRoute{Prefix: p1, Fwd: mustForward(t, 1, "192.0.2.9")}
	tbl.V4[p2] = &FibRoute{Prefix: p2, Fwd: mustForward(t, 1, "192.0.2.1")}
	next.RouteTables.Tables[route.DefaultVrf] = tbl

	type change struct {
		old, new netip.Prefix
	}
	var got []change
	d := ComputeDelta(old, next)
	if err := d.ForEachRouteChange(func(vrf route.RouterID, o, n *FibRoute) error {
		c := change{}
		if o != nil {
			c.old = o.Prefix
		}
		if n != nil {
			c.new = n.Prefix
		}
		got = append(got, c)
		return nil
	}); err != nil {
		t.Fatalf("walk failed, %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d changes (%v), want 2", len(got), got)
	}
	if got[0].old != p1 || got[0].new != p1 {
		t.Fatalf("first change is %v, want modify of %v", got[0], p1)
	}
	if got[1].new != p2 || got[1].old.IsValid() {
		t.Fatalf("second change is %v, want add of %v", got[1], p2)
	}
}

func TestDeltaSkipsSharedTables(t *testing.T) {
	old := testState(t)
	next := old.Clone()
	next.Generation++

	d := ComputeDelta(old, next)
	n := 0
	if err := d.ForEachRouteChange(func(route.RouterID, *FibRoute, *FibRoute) error {
		n++
		return nil
	}); err != nil {
		t.Fatalf("walk failed, %v", err)
	}
	if n != 0 {
		t.Fatalf("delta visited %d routes of a shared table, want 0", n)
	}
}

func TestDeltaUnchangedPointerSuppressed(t *testing.T) {
	old := testState(t)
	next := old.Clone()
	next.RouteTables = next.RouteTables.Clone()
	tbl := NewForwardingTable()
	// Share the route pointer, add one new route.
	p1 := netip.MustParsePrefix("10.0.0.0/8")
	p2 := netip.MustParsePrefix("172.16.0.0/12")
	tbl.V4[p1] = old.RouteTables.Tables[route.DefaultVrf].V4[p1]
	tbl.V4[p2] = &FibRoute{Prefix: p2, Fwd: mustForward(t, 1, "192.0.2.1")}
	next.RouteTables.Tables[route.DefaultVrf] = tbl

	n := 0
	if err := ComputeDelta(old, next).ForEachRouteChange(func(_ route.RouterID, o, nw *FibRoute) error {
		n++
		if o != nil || nw.Prefix != p2 {
			t.Fatalf("unexpected change (%v, %v)", o, nw)
		}
		return nil
	}); err != nil {
		t.Fatalf("walk failed, %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d changes, want 1", n)
	}
}
