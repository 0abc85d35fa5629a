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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/openconfig/fwdgo/route"
)

// connectedFixture installs 192.0.2.0/30 on interface 1 and
// 198.51.100.0/30 on interface 2.
func connectedFixture(t *testing.T, r *RIB) {
	t.Helper()
	apply(t, r, func(u *Update) {
		if err := u.AddInterfaceRoute(netip.MustParsePrefix("192.0.2.0/30"), netip.MustParseAddr("192.0.2.2"), 1); err != nil {
			t.Fatalf("cannot add interface route, %v", err)
		}
		if err := u.AddInterfaceRoute(netip.MustParsePrefix("198.51.100.0/30"), netip.MustParseAddr("198.51.100.2"), 2); err != nil {
			t.Fatalf("cannot add interface route, %v", err)
		}
	})
}

func fwdOf(t *testing.T, r *RIB, pfx string) (route.NextHopEntry, bool) {
	t.Helper()
	rt, ok := r.GetRoute(route.DefaultVrf, netip.MustParsePrefix(pfx))
	if !ok {
		t.Fatalf("route %s not found", pfx)
	}
	return rt.Forward()
}

func TestRecursiveResolution(t *testing.T) {
	r := New()
	connectedFixture(t, r)

	apply(t, r, func(u *Update) {
		u.AddRoute(netip.MustParsePrefix("10.1.0.0/16"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{Addr: netip.MustParseAddr("192.0.2.1"), Weight: 1}))
	})

	fwd, ok := fwdOf(t, r, "10.1.0.0/16")
	if !ok {
		t.Fatalf("route did not resolve")
	}
	want := []route.NextHop{{Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1, Weight: 1}}
	if diff := cmp.Diff(want, fwd.Hops, addrCmp); diff != "" {
		t.Fatalf("did not get expected hops, diff(-want,+got):\n%s", diff)
	}
}

func TestMultiLevelRecursion(t *testing.T) {
	r := New()
	connectedFixture(t, r)

	apply(t, r, func(u *Update) {
		// 10/8 via 172.16.0.1; 172.16/12 via the connected next-hop.
		u.AddRoute(netip.MustParsePrefix("172.16.0.0/12"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{Addr: netip.MustParseAddr("192.0.2.1"), Weight: 2}))
		u.AddRoute(netip.MustParsePrefix("10.0.0.0/8"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{Addr: netip.MustParseAddr("172.16.0.1"), Weight: 3}))
	})

	fwd, ok := fwdOf(t, r, "10.0.0.0/8")
	if !ok {
		t.Fatalf("route did not resolve")
	}
	// Weights multiply along the chain.
	want := []route.NextHop{{Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1, Weight: 6}}
	if diff := cmp.Diff(want, fwd.Hops, addrCmp); diff != "" {
		t.Fatalf("did not get expected hops, diff(-want,+got):\n%s", diff)
	}
}

func TestResolutionUpdatesDependents(t *testing.T) {
	r := New()
	connectedFixture(t, r)

	apply(t, r, func(u *Update) {
		u.AddRoute(netip.MustParsePrefix("10.0.0.0/8"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{Addr: netip.MustParseAddr("172.16.0.1"), Weight: 1}))
	})
	if _, ok := fwdOf(t, r, "10.0.0.0/8"); ok {
		t.Fatalf("route resolved without a covering route for its next-hop")
	}

	// Adding the covering route in a later batch resolves the dependent.
	apply(t, r, func(u *Update) {
		u.AddRoute(netip.MustParsePrefix("172.16.0.0/12"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{Addr: netip.MustParseAddr("192.0.2.1"), Weight: 1}))
	})
	fwd, ok := fwdOf(t, r, "10.0.0.0/8")
	if !ok {
		t.Fatalf("dependent route did not resolve after covering route appeared")
	}
	want := []route.NextHop{{Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1, Weight: 1}}
	if diff := cmp.Diff(want, fwd.Hops, addrCmp); diff != "" {
		t.Fatalf("did not get expected hops, diff(-want,+got):\n%s", diff)
	}

	// Deleting it unresolves the dependent again.
	apply(t, r, func(u *Update) {
		u.DelRoute(netip.MustParsePrefix("172.16.0.0/12"), route.ClientBGP)
	})
	if _, ok := fwdOf(t, r, "10.0.0.0/8"); ok {
		t.Fatalf("dependent route still resolved after covering route was deleted")
	}
}

func TestMoreSpecificChangesMatch(t *testing.T) {
	r := New()
	connectedFixture(t, r)

	apply(t, r, func(u *Update) {
		u.AddRoute(netip.MustParsePrefix("172.16.0.0/12"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{Addr: netip.MustParseAddr("192.0.2.1"), Weight: 1}))
		u.AddRoute(netip.MustParsePrefix("10.0.0.0/8"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{Addr: netip.MustParseAddr("172.16.5.1"), Weight: 1}))
	})

	// A more specific covering route through interface 2 shifts the
	// dependent's egress.
	apply(t, r, func(u *Update) {
		u.AddRoute(netip.MustParsePrefix("172.16.5.0/24"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{Addr: netip.MustParseAddr("198.51.100.1"), Weight: 1}))
	})
	fwd, ok := fwdOf(t, r, "10.0.0.0/8")
	if !ok {
		t.Fatalf("route did not resolve")
	}
	want := []route.NextHop{{Addr: netip.MustParseAddr("198.51.100.1"), Intf: 2, Weight: 1}}
	if diff := cmp.Diff(want, fwd.Hops, addrCmp); diff != "" {
		t.Fatalf("did not get expected hops, diff(-want,+got):\n%s", diff)
	}
}

func TestResolutionLoopCollapsesToUnresolved(t *testing.T) {
	r := New()
	apply(t, r, func(u *Update) {
		// 10/8 via an address inside 172.16/12; 172.16/12 via an address
		// inside 10/8.
		u.AddRoute(netip.MustParsePrefix("10.0.0.0/8"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{Addr: netip.MustParseAddr("172.16.0.1"), Weight: 1}))
		u.AddRoute(netip.MustParsePrefix("172.16.0.0/12"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{Addr: netip.MustParseAddr("10.0.0.1"), Weight: 1}))
	})
	if _, ok := fwdOf(t, r, "10.0.0.0/8"); ok {
		t.Fatalf("looping route resolved")
	}
	if _, ok := fwdOf(t, r, "172.16.0.0/12"); ok {
		t.Fatalf("looping route resolved")
	}
}

func TestSelfReferenceIsUnresolved(t *testing.T) {
	r := New()
	apply(t, r, func(u *Update) {
		u.AddRoute(netip.MustParsePrefix("10.0.0.0/8"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{Addr: netip.MustParseAddr("10.0.0.1"), Weight: 1}))
	})
	if _, ok := fwdOf(t, r, "10.0.0.0/8"); ok {
		t.Fatalf("self-referential route resolved")
	}
}

func TestDropPropagates(t *testing.T) {
	r := New()
	apply(t, r, func(u *Update) {
		u.AddRoute(netip.MustParsePrefix("172.16.0.0/12"), route.ClientStatic,
			route.NewDropEntry(route.DistanceStatic))
		u.AddRoute(netip.MustParsePrefix("10.0.0.0/8"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{Addr: netip.MustParseAddr("172.16.0.1"), Weight: 1}))
	})
	fwd, ok := fwdOf(t, r, "10.0.0.0/8")
	if !ok {
		t.Fatalf("route did not resolve")
	}
	if fwd.Action != route.Drop {
		t.Fatalf("got action %v, want Drop", fwd.Action)
	}
	if fwd.Distance != route.DistanceEBGP {
		t.Fatalf("got distance %d, want the dependent's own distance %d", fwd.Distance, route.DistanceEBGP)
	}
}

func TestEcmpResolution(t *testing.T) {
	r := New()
	connectedFixture(t, r)

	apply(t, r, func(u *Update) {
		u.AddRoute(netip.MustParsePrefix("2001:db8::/32"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP,
				route.NextHop{Addr: netip.MustParseAddr("192.0.2.1"), Weight: 1},
				route.NextHop{Addr: netip.MustParseAddr("198.51.100.1"), Weight: 1}))
	})
	fwd, ok := fwdOf(t, r, "2001:db8::/32")
	if !ok {
		t.Fatalf("route did not resolve")
	}
	want := []route.NextHop{
		{Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1, Weight: 1},
		{Addr: netip.MustParseAddr("198.51.100.1"), Intf: 2, Weight: 1},
	}
	if diff := cmp.Diff(want, fwd.Hops, addrCmp); diff != "" {
		t.Fatalf("did not get expected hops, diff(-want,+got):\n%s", diff)
	}
}

func TestLabelStackComposition(t *testing.T) {
	r := New()
	connectedFixture(t, r)

	apply(t, r, func(u *Update) {
		// Inner route pushes 300 toward the connected next-hop.
		u.AddRoute(netip.MustParsePrefix("172.16.0.0/12"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{
				Addr:   netip.MustParseAddr("192.0.2.1"),
				Weight: 1,
				Stack:  route.LabelStack{300},
			}))
		// Outer route pushes 100 then 200; being closer to the queried
		// prefix its labels are outermost.
		u.AddRoute(netip.MustParsePrefix("10.0.0.0/8"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{
				Addr:   netip.MustParseAddr("172.16.0.1"),
				Weight: 1,
				Stack:  route.LabelStack{100, 200},
			}))
	})

	fwd, ok := fwdOf(t, r, "10.0.0.0/8")
	if !ok {
		t.Fatalf("route did not resolve")
	}
	want := []route.NextHop{{
		Addr:   netip.MustParseAddr("192.0.2.1"),
		Intf:   1,
		Weight: 1,
		Stack:  route.LabelStack{100, 200, 300},
	}}
	if diff := cmp.Diff(want, fwd.Hops, addrCmp); diff != "" {
		t.Fatalf("did not get expected stack composition, diff(-want,+got):\n%s", diff)
	}
}

func TestLabelRouteFollowsPrefixChanges(t *testing.T) {
	r := New()
	connectedFixture(t, r)

	apply(t, r, func(u *Update) {
		u.AddLabelRoute(500, route.ClientStatic,
			mustFwd(t, route.DistanceStatic, route.NextHop{Addr: netip.MustParseAddr("172.16.0.1"), Weight: 1}))
	})
	if lr, ok := r.GetLabel(500); !ok {
		t.Fatalf("label route missing")
	} else if _, resolved := lr.Forward(); resolved {
		t.Fatalf("label route resolved without a covering prefix")
	}

	apply(t, r, func(u *Update) {
		u.AddRoute(netip.MustParsePrefix("172.16.0.0/12"), route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{Addr: netip.MustParseAddr("192.0.2.1"), Weight: 1}))
	})
	lr, _ := r.GetLabel(500)
	fwd, ok := lr.Forward()
	if !ok {
		t.Fatalf("label route did not resolve after covering prefix appeared")
	}
	want := []route.NextHop{{Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1, Weight: 1}}
	if diff := cmp.Diff(want, fwd.Hops, addrCmp); diff != "" {
		t.Fatalf("did not get expected hops, diff(-want,+got):\n%s", diff)
	}
}

func TestAdminDistancePreemption(t *testing.T) {
	r := New()
	connectedFixture(t, r)
	pfx := netip.MustParsePrefix("10.0.0.0/8")

	apply(t, r, func(u *Update) {
		u.AddRoute(pfx, route.ClientBGP,
			mustFwd(t, route.DistanceEBGP, route.NextHop{Addr: netip.MustParseAddr("192.0.2.1"), Weight: 1}))
	})
	apply(t, r, func(u *Update) {
		u.AddRoute(pfx, route.ClientStatic,
			mustFwd(t, route.DistanceStatic, route.NextHop{Addr: netip.MustParseAddr("198.51.100.1"), Weight: 1}))
	})

	fwd, ok := fwdOf(t, r, "10.0.0.0/8")
	if !ok {
		t.Fatalf("route did not resolve")
	}
	want := []route.NextHop{{Addr: netip.MustParseAddr("198.51.100.1"), Intf: 2, Weight: 1}}
	if diff := cmp.Diff(want, fwd.Hops, addrCmp); diff != "" {
		t.Fatalf("preferred client's next-hops not selected, diff(-want,+got):\n%s", diff)
	}
}
