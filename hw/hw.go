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

// Package hw mirrors the forwarding tables of applied switch-state
// snapshots into a device: refcounted next-hop egress objects, shared
// ECMP groups and route entries, with warm-boot reconciliation against
// state the device already holds.
package hw

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/openconfig/fwdgo/route"
)

// EgressID names a device-side egress object. IDs are allocated by the
// driver and are stable for the lifetime of the object.
type EgressID uint32

// EgressKind distinguishes the canonical egresses from next-hop
// egresses.
type EgressKind int

const (
	_ EgressKind = iota
	// KindDrop is the canonical packet-discarding egress.
	KindDrop
	// KindToCPU is the canonical punt egress.
	KindToCPU
	// KindNextHop terminates packets onto an interface toward a
	// neighbor.
	KindNextHop
)

// EgressDesc describes an egress object to the driver. For KindNextHop,
// Punt indicates that the neighbor is not yet resolved and the egress
// temporarily punts to the CPU; resolution reprograms the object in
// place without changing its ID.
type EgressDesc struct {
	Kind  EgressKind       `json:"kind"`
	Vrf   route.RouterID   `json:"vrf,omitempty"`
	Addr  netip.Addr       `json:"addr,omitempty"`
	Intf  route.IntfID     `json:"intf,omitempty"`
	Stack route.LabelStack `json:"stack,omitempty"`
	Punt  bool             `json:"punt,omitempty"`
}

// key returns the sharing key of the descriptor: one egress object
// exists per unique (vrf, addr, intf, stack). Punt state is excluded -
// it changes in place.
func (d EgressDesc) key() string {
	switch d.Kind {
	case KindDrop:
		return "drop"
	case KindToCPU:
		return "tocpu"
	}
	labels := make([]string, 0, len(d.Stack))
	for _, l := range d.Stack {
		labels = append(labels, fmt.Sprintf("%d", l))
	}
	return fmt.Sprintf("%d|%s|%d|%s", d.Vrf, d.Addr, d.Intf, strings.Join(labels, ","))
}

// RouteFlags carries the per-route programming flags the device
// distinguishes.
type RouteFlags uint32

const (
	// FlagDrop marks a discarding route.
	FlagDrop RouteFlags = 1 << iota
	// FlagMultipath marks a route bound to an ECMP egress.
	FlagMultipath
)

// ecmpKey returns the order-independent sharing key of a weight-expanded
// member multiset.
func ecmpKey(members []EgressID) string {
	s := append([]EgressID{}, members...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	parts := make([]string, 0, len(s))
	for _, id := range s {
		parts = append(parts, fmt.Sprintf("%d", id))
	}
	return strings.Join(parts, ",")
}

// Driver is the device abstraction the manager programs against. All
// calls are synchronous; an error fails the surrounding transaction.
type Driver interface {
	// HostRouteSupport reports whether the device has a host-table fast
	// path for full-length prefixes.
	HostRouteSupport() bool

	CreateEgress(desc EgressDesc) (EgressID, error)
	// UpdateEgress reprograms an egress in place, keeping its ID.
	UpdateEgress(id EgressID, desc EgressDesc) error
	DeleteEgress(id EgressID) error

	// CreateEcmp programs a multipath egress over the weight-expanded
	// member list.
	CreateEcmp(members []EgressID) (EgressID, error)
	AddEcmpMember(group, member EgressID) error
	DelEcmpMember(group, member EgressID) error
	DeleteEcmp(id EgressID) error

	AddRoute(vrf route.RouterID, pfx netip.Prefix, egress EgressID, flags RouteFlags, replace bool) error
	DeleteRoute(vrf route.RouterID, pfx netip.Prefix) error

	AddHostEntry(vrf route.RouterID, addr netip.Addr, egress EgressID, ecmp bool, replace bool) error
	DeleteHostEntry(vrf route.RouterID, addr netip.Addr) error

	AddLabelEntry(label route.Label, egress EgressID, flags RouteFlags, replace bool) error
	DeleteLabelEntry(label route.Label) error

	// Dump returns the device's current objects for warm-boot
	// reconciliation and graceful-exit persistence.
	Dump() (*Dump, error)
}

// Dump is the device state read at warm boot and written at graceful
// exit.
type Dump struct {
	Egresses []DumpEgress `json:"egresses,omitempty"`
	Ecmps    []DumpEcmp   `json:"ecmps,omitempty"`
	Routes   []DumpRoute  `json:"routes,omitempty"`
	Hosts    []DumpHost   `json:"hosts,omitempty"`
	Labels   []DumpLabel  `json:"labels,omitempty"`
}

// DumpEgress is one device egress object.
type DumpEgress struct {
	ID   EgressID   `json:"id"`
	Desc EgressDesc `json:"desc"`
}

// DumpEcmp is one device ECMP group with its weight-expanded members.
type DumpEcmp struct {
	ID      EgressID   `json:"id"`
	Members []EgressID `json:"members"`
}

// DumpRoute is one device LPM route entry.
type DumpRoute struct {
	Vrf    route.RouterID `json:"vrf"`
	Prefix netip.Prefix   `json:"prefix"`
	Egress EgressID       `json:"egress"`
	Flags  RouteFlags     `json:"flags,omitempty"`
}

// DumpHost is one device host-table entry.
type DumpHost struct {
	Vrf    route.RouterID `json:"vrf"`
	Addr   netip.Addr     `json:"addr"`
	Egress EgressID       `json:"egress"`
	Ecmp   bool           `json:"ecmp,omitempty"`
}

// DumpLabel is one device MPLS entry.
type DumpLabel struct {
	Label  route.Label `json:"label"`
	Egress EgressID    `json:"egress"`
	Flags  RouteFlags  `json:"flags,omitempty"`
}
