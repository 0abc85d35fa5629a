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

	log "github.com/golang/glog"
	"github.com/openconfig/fwdgo/route"
)

// The resolver translates each route's best entry into a forwarding
// entry whose next-hops are all directly attached. Recursive next-hops
// are flattened by longest-prefix matching their address within the same
// VRF and expanding through the matched route's best entry. Resolution
// is iterative with an explicit frame stack; each frame carries the
// chain of prefixes already traversed so that reference cycles collapse
// to unresolved instead of looping.

// frame is one pending path of a flattening.
type frame struct {
	hop route.NextHop
	// chain is the set of prefixes traversed to reach this frame,
	// including the prefix being resolved.
	chain []netip.Prefix
}

// resolveRoute computes the forwarding entry for rt. It returns nil when
// the route is unresolved, together with every recursive next-hop
// address the resolution consulted - these become the route's dependency
// registrations regardless of the outcome.
func (r *RIB) resolveRoute(v *vrfTable, rt *Route) (*route.NextHopEntry, []netip.Addr) {
	best := rt.best
	if best == nil {
		return nil, nil
	}
	if best.Action != route.Forward {
		e := *best
		return &e, nil
	}

	var (
		stack []frame
		out   []route.NextHop
		deps  []netip.Addr
	)
	base := []netip.Prefix{rt.Prefix}
	for _, h := range best.Hops {
		stack = append(stack, frame{hop: h, chain: base})
	}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.hop.Resolved() {
			out = append(out, f.hop)
			continue
		}

		deps = append(deps, f.hop.Addr)
		mp, m, ok := v.trieForAddr(f.hop.Addr).LongestMatch(f.hop.Addr)
		if !ok {
			// Nothing covers this next-hop; the path contributes no
			// members.
			continue
		}
		if chainContains(f.chain, mp) {
			log.V(2).Infof("resolution loop for %v via %v in VRF %d", rt.Prefix, mp, v.id)
			return nil, deps
		}
		mb := m.best
		if mb == nil {
			continue
		}
		switch mb.Action {
		case route.Drop:
			e := route.NewDropEntry(best.Distance)
			return &e, deps
		case route.ToCPU:
			e := route.NewToCPUEntry(best.Distance)
			return &e, deps
		case route.Forward:
			if m.connected {
				// The next-hop is on a directly attached subnet: keep
				// its own address and adopt the subnet's interface.
				for _, ch := range mb.Hops {
					out = append(out, route.NextHop{
						Addr:   f.hop.Addr,
						Intf:   ch.Intf,
						Weight: f.hop.Weight,
						Stack:  f.hop.Stack,
					})
				}
				continue
			}
			chain := append(append([]netip.Prefix{}, f.chain...), mp)
			for _, ch := range mb.Hops {
				stack = append(stack, frame{
					hop: route.NextHop{
						Addr:   ch.Addr,
						Intf:   ch.Intf,
						Weight: route.MulSaturating(f.hop.Weight, ch.Weight),
						Stack:  composeStacks(f.hop.Stack, ch.Stack),
					},
					chain: chain,
				})
			}
		}
	}

	if len(out) == 0 {
		return nil, deps
	}
	e, err := route.NewForwardEntry(best.Distance, out)
	if err != nil {
		// The flattened hops came from canonical entries; a failure here
		// is a bug.
		log.Exitf("cannot canonicalize resolved next-hops for %v, %v", rt.Prefix, err)
	}
	return &e, deps
}

// composeStacks concatenates label stacks; outer is the stack of the hop
// closer to the queried prefix and contributes the outermost labels.
func composeStacks(outer, inner route.LabelStack) route.LabelStack {
	if len(outer) == 0 && len(inner) == 0 {
		return nil
	}
	s := make(route.LabelStack, 0, len(outer)+len(inner))
	s = append(s, outer...)
	s = append(s, inner...)
	return s
}

func chainContains(chain []netip.Prefix, p netip.Prefix) bool {
	for _, c := range chain {
		if c == p {
			return true
		}
	}
	return false
}

// registerPrefix records the dependency addresses consulted while
// resolving pfx, replacing any previous registration.
func (v *vrfTable) registerPrefix(pfx netip.Prefix, deps []netip.Addr) {
	v.unregisterPrefix(pfx)
	if len(deps) == 0 {
		return
	}
	v.prefixDeps[pfx] = deps
	for _, a := range deps {
		s, ok := v.nhDeps[a]
		if !ok {
			s = map[netip.Prefix]struct{}{}
			v.nhDeps[a] = s
		}
		s[pfx] = struct{}{}
	}
}

func (v *vrfTable) unregisterPrefix(pfx netip.Prefix) {
	for _, a := range v.prefixDeps[pfx] {
		if s, ok := v.nhDeps[a]; ok {
			delete(s, pfx)
			if len(s) == 0 {
				delete(v.nhDeps, a)
			}
		}
	}
	delete(v.prefixDeps, pfx)
}

// registerLabel records the dependency addresses consulted while
// resolving an MPLS label, replacing any previous registration.
func (v *vrfTable) registerLabel(label route.Label, deps []netip.Addr) {
	v.unregisterLabel(label)
	if len(deps) == 0 {
		return
	}
	v.labelDeps[label] = deps
	for _, a := range deps {
		s, ok := v.labelNhDeps[a]
		if !ok {
			s = map[route.Label]struct{}{}
			v.labelNhDeps[a] = s
		}
		s[label] = struct{}{}
	}
}

func (v *vrfTable) unregisterLabel(label route.Label) {
	for _, a := range v.labelDeps[label] {
		if s, ok := v.labelNhDeps[a]; ok {
			delete(s, label)
			if len(s) == 0 {
				delete(v.labelNhDeps, a)
			}
		}
	}
	delete(v.labelDeps, label)
}

// resolveBatch re-resolves every seed prefix plus its transitive
// dependents, in any order - a route's resolution depends only on the
// best entries of the RIB, which are fixed for the duration of the
// batch. It returns the set of prefixes whose forwarding changed.
func (r *RIB) resolveBatch(v *vrfTable, seeds map[netip.Prefix]struct{}) map[netip.Prefix]struct{} {
	// Transitive closure over the reverse dependency index: a change to
	// prefix p affects every prefix registered against an address p
	// covers.
	affected := map[netip.Prefix]struct{}{}
	queue := make([]netip.Prefix, 0, len(seeds))
	for p := range seeds {
		affected[p] = struct{}{}
		queue = append(queue, p)
	}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for addr, dependents := range v.nhDeps {
			if !p.Contains(addr) {
				continue
			}
			for d := range dependents {
				if _, ok := affected[d]; !ok {
					affected[d] = struct{}{}
					queue = append(queue, d)
				}
			}
		}
	}

	changed := map[netip.Prefix]struct{}{}
	for p := range affected {
		rt, ok := v.trieFor(p).Get(p)
		if !ok {
			// Deleted this batch; dependents are already in the affected
			// set.
			v.unregisterPrefix(p)
			changed[p] = struct{}{}
			continue
		}
		fwd, deps := r.resolveRoute(v, rt)
		v.registerPrefix(p, deps)
		if !entryPtrEqual(rt.fwd, fwd) {
			rt.fwd = fwd
			changed[p] = struct{}{}
		}
	}
	return changed
}

// resolveLabels re-resolves the seeded labels plus any label whose
// resolution depends on a changed prefix of the default VRF.
func (r *RIB) resolveLabels(seeds map[route.Label]struct{}, changedPrefixes map[netip.Prefix]struct{}) {
	v := r.defaultTable()
	affected := map[route.Label]struct{}{}
	for l := range seeds {
		affected[l] = struct{}{}
	}
	for p := range changedPrefixes {
		for addr, labels := range v.labelNhDeps {
			if !p.Contains(addr) {
				continue
			}
			for l := range labels {
				affected[l] = struct{}{}
			}
		}
	}

	for l := range affected {
		lr, ok := r.labels[l]
		if !ok {
			v.unregisterLabel(l)
			continue
		}
		fwd, deps := r.resolveLabelRoute(v, lr)
		v.registerLabel(l, deps)
		lr.fwd = fwd
	}
}

// resolveLabelRoute flattens a label route's best entry against the
// default VRF's IP tables.
func (r *RIB) resolveLabelRoute(v *vrfTable, lr *LabelRoute) (*route.NextHopEntry, []netip.Addr) {
	best := lr.best
	if best == nil {
		return nil, nil
	}
	if best.Action != route.Forward {
		e := *best
		return &e, nil
	}

	var (
		stack []frame
		out   []route.NextHop
		deps  []netip.Addr
	)
	for _, h := range best.Hops {
		stack = append(stack, frame{hop: h})
	}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.hop.Resolved() {
			out = append(out, f.hop)
			continue
		}
		deps = append(deps, f.hop.Addr)
		mp, m, ok := v.trieForAddr(f.hop.Addr).LongestMatch(f.hop.Addr)
		if !ok {
			continue
		}
		if chainContains(f.chain, mp) {
			return nil, deps
		}
		mb := m.best
		if mb == nil {
			continue
		}
		switch mb.Action {
		case route.Drop:
			e := route.NewDropEntry(best.Distance)
			return &e, deps
		case route.ToCPU:
			e := route.NewToCPUEntry(best.Distance)
			return &e, deps
		case route.Forward:
			if m.connected {
				for _, ch := range mb.Hops {
					out = append(out, route.NextHop{
						Addr:   f.hop.Addr,
						Intf:   ch.Intf,
						Weight: f.hop.Weight,
						Stack:  f.hop.Stack,
					})
				}
				continue
			}
			chain := append(append([]netip.Prefix{}, f.chain...), mp)
			for _, ch := range mb.Hops {
				stack = append(stack, frame{
					hop: route.NextHop{
						Addr:   ch.Addr,
						Intf:   ch.Intf,
						Weight: route.MulSaturating(f.hop.Weight, ch.Weight),
						Stack:  composeStacks(f.hop.Stack, ch.Stack),
					},
					chain: chain,
				})
			}
		}
	}
	if len(out) == 0 {
		return nil, deps
	}
	e, err := route.NewForwardEntry(best.Distance, out)
	if err != nil {
		log.Exitf("cannot canonicalize resolved next-hops for label %d, %v", lr.Label, err)
	}
	return &e, deps
}

// entryPtrEqual compares two optional entries structurally.
func entryPtrEqual(a, b *route.NextHopEntry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
