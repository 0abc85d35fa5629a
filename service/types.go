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

package service

import (
	"fmt"
	"net/netip"

	"github.com/openconfig/fwdgo/agent"
	"github.com/openconfig/fwdgo/route"
)

// BinaryAddress is an IP address on the wire, optionally scoped to an
// interface by name.
type BinaryAddress struct {
	Addr   []byte `json:"addr"`
	IfName string `json:"ifName,omitempty"`
}

// IpPrefix is a destination prefix on the wire.
type IpPrefix struct {
	Ip           BinaryAddress `json:"ip"`
	PrefixLength uint8         `json:"prefixLength"`
}

// NextHop is one path of a route on the wire.
type NextHop struct {
	Address    BinaryAddress `json:"address"`
	Weight     uint32        `json:"weight"`
	LabelStack []uint32      `json:"labelStack,omitempty"`
}

// UnicastRoute is a route submission on the wire. NextHopAddrs is the
// legacy field: when NextHops is empty and NextHopAddrs is not, unit
// weight next-hops are synthesized from it.
type UnicastRoute struct {
	Dest          IpPrefix        `json:"dest"`
	NextHops      []NextHop       `json:"nextHops,omitempty"`
	NextHopAddrs  []BinaryAddress `json:"nextHopAddrs,omitempty"`
	AdminDistance *uint8          `json:"adminDistance,omitempty"`
}

// MplsRoute is an MPLS submission on the wire.
type MplsRoute struct {
	TopLabel      uint32    `json:"topLabel"`
	NextHops      []NextHop `json:"nextHops,omitempty"`
	AdminDistance *uint8    `json:"adminDistance,omitempty"`
}

// parseAddr converts a wire address.
func parseAddr(b BinaryAddress) (netip.Addr, error) {
	a, ok := netip.AddrFromSlice(b.Addr)
	if !ok {
		return netip.Addr{}, fmt.Errorf("invalid binary address of %d bytes", len(b.Addr))
	}
	return a.Unmap(), nil
}

// parsePrefix converts a wire prefix, canonicalizing host bits.
func parsePrefix(p IpPrefix) (netip.Prefix, error) {
	a, err := parseAddr(p.Ip)
	if err != nil {
		return netip.Prefix{}, err
	}
	pfx := netip.PrefixFrom(a, int(p.PrefixLength))
	if !pfx.IsValid() {
		return netip.Prefix{}, fmt.Errorf("invalid prefix length %d for %v", p.PrefixLength, a)
	}
	return pfx.Masked(), nil
}

// intfByName resolves an interface name against the applied snapshot.
func intfByName(a *agent.Agent, name string) (route.IntfID, error) {
	if name == "" {
		return 0, nil
	}
	for _, i := range a.AppliedState().Interfaces.Interfaces {
		if i.Name == name {
			return i.ID, nil
		}
	}
	return 0, fmt.Errorf("no such interface %q", name)
}

// toEntry converts a wire route's next-hop list (including the legacy
// address-only field) into a canonical entry. An empty set of next-hops
// is a drop route.
func toEntry(a *agent.Agent, hops []NextHop, legacy []BinaryAddress, dist route.AdminDistance) (route.NextHopEntry, error) {
	if len(hops) == 0 {
		for _, la := range legacy {
			hops = append(hops, NextHop{Address: la, Weight: 1})
		}
	}
	if len(hops) == 0 {
		return route.NewDropEntry(dist), nil
	}

	out := make([]route.NextHop, 0, len(hops))
	for _, h := range hops {
		addr, err := parseAddr(h.Address)
		if err != nil {
			return route.NextHopEntry{}, err
		}
		intf, err := intfByName(a, h.Address.IfName)
		if err != nil {
			return route.NextHopEntry{}, err
		}
		stack := make(route.LabelStack, 0, len(h.LabelStack))
		for _, l := range h.LabelStack {
			stack = append(stack, route.Label(l))
		}
		out = append(out, route.NextHop{Addr: addr, Intf: intf, Weight: h.Weight, Stack: stack})
	}
	return route.NewForwardEntry(dist, out)
}

// fromFibHops converts resolved hops back to the wire shape.
func fromFibHops(hops []route.NextHop) []NextHop {
	out := make([]NextHop, 0, len(hops))
	for _, h := range hops {
		labels := make([]uint32, 0, len(h.Stack))
		for _, l := range h.Stack {
			labels = append(labels, uint32(l))
		}
		out = append(out, NextHop{
			Address:    BinaryAddress{Addr: h.Addr.AsSlice(), IfName: fmt.Sprintf("intf%d", h.Intf)},
			Weight:     h.Weight,
			LabelStack: labels,
		})
	}
	return out
}

// fromPrefix converts a prefix back to the wire shape.
func fromPrefix(p netip.Prefix) IpPrefix {
	return IpPrefix{
		Ip:           BinaryAddress{Addr: p.Addr().AsSlice()},
		PrefixLength: uint8(p.Bits()),
	}
}
