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

// Package state defines the switch-state snapshot: an immutable tree
// rooted at SwitchState that is rebuilt copy-on-write by the update
// pipeline and published through an atomic pointer. Consecutive snapshots
// share every subtree that a transform did not touch, which lets the
// delta walk skip unchanged children by pointer comparison.
package state

import (
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/openconfig/fwdgo/route"
)

// PortID identifies a front-panel port.
type PortID uint32

// VlanID identifies a VLAN.
type VlanID uint16

// AggregatePortID identifies a LAG.
type AggregatePortID uint32

// SwitchState is the root of the snapshot tree. Once a snapshot has been
// published it must never be mutated; transforms clone the spine from the
// root down to the nodes they change.
type SwitchState struct {
	Ports          *PortMap          `json:"ports"`
	Vlans          *VlanMap          `json:"vlans"`
	Interfaces     *InterfaceMap     `json:"interfaces"`
	AggregatePorts *AggregatePortMap `json:"aggregatePorts"`
	Acls           *AclMap           `json:"acls"`
	RouteTables    *RouteTables      `json:"routeTables"`
	LabelFib       *LabelFib         `json:"labelFib"`
	// Generation increases by one with every applied snapshot.
	Generation int64 `json:"generation"`
}

// New returns an empty switch state.
func New() *SwitchState {
	return &SwitchState{
		Ports:          &PortMap{Ports: map[PortID]*Port{}},
		Vlans:          &VlanMap{Vlans: map[VlanID]*Vlan{}},
		Interfaces:     &InterfaceMap{Interfaces: map[route.IntfID]*Interface{}},
		AggregatePorts: &AggregatePortMap{Ports: map[AggregatePortID]*AggregatePort{}},
		Acls:           &AclMap{Acls: map[string]*Acl{}},
		RouteTables:    &RouteTables{Tables: map[route.RouterID]*ForwardingTable{}},
		LabelFib:       &LabelFib{Entries: map[route.Label]*LabelFibEntry{}},
	}
}

// Clone returns a shallow copy of the root; all children are shared with
// the receiver. A transform replaces the child pointers it modifies.
func (s *SwitchState) Clone() *SwitchState {
	c := *s
	return &c
}

// Port is a front-panel port.
type Port struct {
	ID      PortID `json:"id"`
	Name    string `json:"name"`
	AdminUp bool   `json:"adminUp"`
	Speed   uint32 `json:"speedMbps,omitempty"`
}

// PortMap holds the switch's ports.
type PortMap struct {
	Ports map[PortID]*Port `json:"ports"`
}

// Clone returns a copy of the map node sharing the Port values.
func (m *PortMap) Clone() *PortMap {
	n := &PortMap{Ports: make(map[PortID]*Port, len(m.Ports))}
	for k, v := range m.Ports {
		n.Ports[k] = v
	}
	return n
}

// Vlan is a layer-2 domain.
type Vlan struct {
	ID    VlanID   `json:"id"`
	Name  string   `json:"name"`
	Ports []PortID `json:"ports,omitempty"`
}

// VlanMap holds the switch's VLANs.
type VlanMap struct {
	Vlans map[VlanID]*Vlan `json:"vlans"`
}

// Clone returns a copy of the map node sharing the Vlan values.
func (m *VlanMap) Clone() *VlanMap {
	n := &VlanMap{Vlans: make(map[VlanID]*Vlan, len(m.Vlans))}
	for k, v := range m.Vlans {
		n.Vlans[k] = v
	}
	return n
}

// Interface is an L3 interface.
type Interface struct {
	ID   route.IntfID `json:"id"`
	Name string       `json:"name"`
	Vlan VlanID       `json:"vlan,omitempty"`
	Mtu  uint32       `json:"mtu,omitempty"`
	// Addrs maps each interface address to its subnet mask length.
	Addrs map[netip.Addr]uint8 `json:"addrs,omitempty"`
}

// InterfaceMap holds the switch's L3 interfaces.
type InterfaceMap struct {
	Interfaces map[route.IntfID]*Interface `json:"interfaces"`
}

// Clone returns a copy of the map node sharing the Interface values.
func (m *InterfaceMap) Clone() *InterfaceMap {
	n := &InterfaceMap{Interfaces: make(map[route.IntfID]*Interface, len(m.Interfaces))}
	for k, v := range m.Interfaces {
		n.Interfaces[k] = v
	}
	return n
}

// Get returns the interface with the specified ID.
func (m *InterfaceMap) Get(id route.IntfID) (*Interface, bool) {
	i, ok := m.Interfaces[id]
	return i, ok
}

// AggregatePort is a LAG of front-panel ports.
type AggregatePort struct {
	ID      AggregatePortID `json:"id"`
	Name    string          `json:"name"`
	Members []PortID        `json:"members,omitempty"`
}

// AggregatePortMap holds the switch's LAGs.
type AggregatePortMap struct {
	Ports map[AggregatePortID]*AggregatePort `json:"ports"`
}

// Clone returns a copy of the map node sharing the AggregatePort values.
func (m *AggregatePortMap) Clone() *AggregatePortMap {
	n := &AggregatePortMap{Ports: make(map[AggregatePortID]*AggregatePort, len(m.Ports))}
	for k, v := range m.Ports {
		n.Ports[k] = v
	}
	return n
}

// Acl is a single access-control entry.
type Acl struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Action   string `json:"action"`
}

// AclMap holds the switch's ACL entries.
type AclMap struct {
	Acls map[string]*Acl `json:"acls"`
}

// Clone returns a copy of the map node sharing the Acl values.
func (m *AclMap) Clone() *AclMap {
	n := &AclMap{Acls: make(map[string]*Acl, len(m.Acls))}
	for k, v := range m.Acls {
		n.Acls[k] = v
	}
	return n
}

// ToJSON serializes the snapshot to canonical JSON. Map keys are emitted
// in sorted order by encoding/json, so equal snapshots produce identical
// bytes.
func (s *SwitchState) ToJSON() ([]byte, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("cannot marshal switch state, %v", err)
	}
	return b, nil
}

// FromJSON deserializes a snapshot previously produced by ToJSON.
func FromJSON(b []byte) (*SwitchState, error) {
	s := New()
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("cannot unmarshal switch state, %v", err)
	}
	return s, nil
}

// Validate checks that a candidate snapshot is internally consistent
// before it is diffed and pushed towards hardware. A failure here is
// surfaced as an invalid state transition and the candidate is discarded.
func Validate(s *SwitchState) error {
	for vrf, tbl := range s.RouteTables.Tables {
		for _, m := range []map[netip.Prefix]*FibRoute{tbl.V4, tbl.V6} {
			for pfx, r := range m {
				if err := route.CheckCanonical(pfx); err != nil {
					return fmt.Errorf("route table %d: %v", vrf, err)
				}
				if !r.Fwd.Resolved() {
					return fmt.Errorf("route table %d: route %v is not resolved", vrf, pfx)
				}
				for _, h := range r.Fwd.Hops {
					if _, ok := s.Interfaces.Get(h.Intf); !ok {
						return fmt.Errorf("route table %d: route %v references unknown interface %d", vrf, pfx, h.Intf)
					}
				}
			}
		}
	}
	for label, e := range s.LabelFib.Entries {
		if !label.Valid() {
			return fmt.Errorf("label fib: label %d out of range", label)
		}
		if !e.Fwd.Resolved() {
			return fmt.Errorf("label fib: entry %d is not resolved", label)
		}
		for _, h := range e.Fwd.Hops {
			if _, ok := s.Interfaces.Get(h.Intf); !ok {
				return fmt.Errorf("label fib: entry %d references unknown interface %d", label, h.Intf)
			}
		}
	}
	return nil
}
