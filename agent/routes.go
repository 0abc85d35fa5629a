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

package agent

import (
	"context"
	"fmt"
	"net/netip"
	"sort"

	"github.com/openconfig/fwdgo/rib"
	"github.com/openconfig/fwdgo/route"
	"github.com/openconfig/fwdgo/state"
)

// UnicastRouteUpdate is one prefix's submission on the core API.
type UnicastRouteUpdate struct {
	Prefix netip.Prefix
	Entry  route.NextHopEntry
}

// LabelRouteUpdate is one MPLS label's submission on the core API.
type LabelRouteUpdate struct {
	Label route.Label
	Entry route.NextHopEntry
}

// mutateRoutes runs one RIB batch followed by a blocking FIB push, so
// the call returns only after hardware reflects the change.
func (a *Agent) mutateRoutes(ctx context.Context, vrf route.RouterID, name string, fn func(u *rib.Update) error) (rib.Stats, error) {
	u, err := a.rib.NewUpdate(vrf)
	if err != nil {
		return rib.Stats{}, err
	}
	if err := fn(u); err != nil {
		u.Abort()
		return rib.Stats{}, err
	}
	stats, err := u.Done()
	if err != nil {
		return rib.Stats{}, err
	}
	a.stats.observeRouteStats(stats)

	// The RIB lock is released; the FIB rebuild re-acquires it read-only
	// on the update thread.
	if err := a.UpdateStateBlocking(ctx, name, rib.NewFibUpdater(a.rib, vrf).Apply); err != nil {
		return stats, err
	}
	return stats, nil
}

// mutateLabels is mutateRoutes for the MPLS FIB.
func (a *Agent) mutateLabels(ctx context.Context, name string, fn func(u *rib.Update) error) (rib.Stats, error) {
	u, err := a.rib.NewUpdate(route.DefaultVrf)
	if err != nil {
		return rib.Stats{}, err
	}
	if err := fn(u); err != nil {
		u.Abort()
		return rib.Stats{}, err
	}
	stats, err := u.Done()
	if err != nil {
		return rib.Stats{}, err
	}
	a.stats.observeRouteStats(stats)

	if err := a.UpdateStateBlocking(ctx, name, rib.NewLabelFibUpdater(a.rib).Apply); err != nil {
		return stats, err
	}
	return stats, nil
}

// AddUnicastRoutes inserts or replaces the client's submissions for the
// supplied prefixes and blocks until the FIB change is applied.
func (a *Agent) AddUnicastRoutes(ctx context.Context, vrf route.RouterID, client route.ClientID, routes []UnicastRouteUpdate) (rib.Stats, error) {
	return a.mutateRoutes(ctx, vrf, "add unicast routes", func(u *rib.Update) error {
		for _, r := range routes {
			if err := u.AddRoute(r.Prefix, client, r.Entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteUnicastRoutes removes the client's submissions for the supplied
// prefixes.
func (a *Agent) DeleteUnicastRoutes(ctx context.Context, vrf route.RouterID, client route.ClientID, prefixes []netip.Prefix) (rib.Stats, error) {
	return a.mutateRoutes(ctx, vrf, "delete unicast routes", func(u *rib.Update) error {
		for _, p := range prefixes {
			if err := u.DelRoute(p, client); err != nil {
				return err
			}
		}
		return nil
	})
}

// SyncFib atomically replaces all of the client's routes in the VRF with
// the supplied set, and latches the fib-synced state on first success.
func (a *Agent) SyncFib(ctx context.Context, vrf route.RouterID, client route.ClientID, routes []UnicastRouteUpdate) (rib.Stats, error) {
	stats, err := a.mutateRoutes(ctx, vrf, "sync fib", func(u *rib.Update) error {
		u.RemoveAllRoutesForClient(client)
		for _, r := range routes {
			if err := u.AddRoute(r.Prefix, client, r.Entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	if !a.fibSynced.Swap(true) {
		a.hw.FibSynced()
	}
	return stats, nil
}

// AddMplsRoutes inserts or replaces the client's MPLS submissions.
func (a *Agent) AddMplsRoutes(ctx context.Context, client route.ClientID, routes []LabelRouteUpdate) (rib.Stats, error) {
	return a.mutateLabels(ctx, "add mpls routes", func(u *rib.Update) error {
		for _, r := range routes {
			if err := u.AddLabelRoute(r.Label, client, r.Entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteMplsRoutes removes the client's MPLS submissions.
func (a *Agent) DeleteMplsRoutes(ctx context.Context, client route.ClientID, labels []route.Label) (rib.Stats, error) {
	return a.mutateLabels(ctx, "delete mpls routes", func(u *rib.Update) error {
		for _, l := range labels {
			if err := u.DelLabelRoute(l, client); err != nil {
				return err
			}
		}
		return nil
	})
}

// SyncMplsFib atomically replaces all of the client's MPLS routes.
func (a *Agent) SyncMplsFib(ctx context.Context, client route.ClientID, routes []LabelRouteUpdate) (rib.Stats, error) {
	return a.mutateLabels(ctx, "sync mpls fib", func(u *rib.Update) error {
		u.RemoveAllLabelsForClient(client)
		for _, r := range routes {
			if err := u.AddLabelRoute(r.Label, client, r.Entry); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRouteTable returns every route of the VRF's applied FIB, v4 before
// v6, each family sorted by prefix.
func (a *Agent) GetRouteTable(vrf route.RouterID) []*state.FibRoute {
	tbl := a.applied.Load().RouteTables.Tables[vrf]
	if tbl == nil {
		return nil
	}
	out := make([]*state.FibRoute, 0, len(tbl.V4)+len(tbl.V6))
	for _, m := range []map[netip.Prefix]*state.FibRoute{tbl.V4, tbl.V6} {
		routes := make([]*state.FibRoute, 0, len(m))
		for _, r := range m {
			routes = append(routes, r)
		}
		sort.Slice(routes, func(i, j int) bool {
			if c := routes[i].Prefix.Addr().Compare(routes[j].Prefix.Addr()); c != 0 {
				return c < 0
			}
			return routes[i].Prefix.Bits() < routes[j].Prefix.Bits()
		})
		out = append(out, routes...)
	}
	return out
}

// GetRouteTableByClient returns the routes of the applied FIB that carry
// a submission from the specified client.
func (a *Agent) GetRouteTableByClient(vrf route.RouterID, client route.ClientID) []*state.FibRoute {
	var out []*state.FibRoute
	for _, r := range a.GetRouteTable(vrf) {
		if _, ok := r.PerClient[client]; ok {
			out = append(out, r)
		}
	}
	return out
}

// GetIpRoute longest-prefix matches addr against the applied FIB.
func (a *Agent) GetIpRoute(vrf route.RouterID, addr netip.Addr) (*state.FibRoute, error) {
	tbl := a.applied.Load().RouteTables.Tables[vrf]
	if tbl == nil {
		return nil, fmt.Errorf("no route table for VRF %d", vrf)
	}
	m := tbl.V6
	if addr.Is4() {
		m = tbl.V4
	}
	var best *state.FibRoute
	for p, r := range m {
		if !p.Contains(addr) {
			continue
		}
		if best == nil || p.Bits() > best.Prefix.Bits() {
			best = r
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no route to %v in VRF %d", addr, vrf)
	}
	return best, nil
}

// GetLabelFib returns the applied MPLS FIB sorted by label.
func (a *Agent) GetLabelFib() []*state.LabelFibEntry {
	m := a.applied.Load().LabelFib.Entries
	out := make([]*state.LabelFibEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}
