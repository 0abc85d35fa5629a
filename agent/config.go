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
	"encoding/json"
	"fmt"
	"net/netip"
	"os"

	log "github.com/golang/glog"
	"github.com/openconfig/fwdgo/rib"
	"github.com/openconfig/fwdgo/route"
	"github.com/openconfig/fwdgo/state"
)

// InterfaceConfig declares one L3 interface.
type InterfaceConfig struct {
	ID   route.IntfID   `json:"id"`
	Name string         `json:"name"`
	Vrf  route.RouterID `json:"vrf,omitempty"`
	Vlan state.VlanID   `json:"vlan,omitempty"`
	Mtu  uint32         `json:"mtu,omitempty"`
	// Addrs are the interface's addresses in prefix form, e.g.
	// "192.0.2.2/30"; each induces a connected route for its subnet.
	Addrs []string `json:"addrs,omitempty"`
}

// StaticRouteConfig declares one static route. Exactly one of NextHops,
// ToNull or ToCPU applies.
type StaticRouteConfig struct {
	Vrf      route.RouterID `json:"vrf,omitempty"`
	Prefix   string         `json:"prefix"`
	NextHops []string       `json:"nextHops,omitempty"`
	ToNull   bool           `json:"toNull,omitempty"`
	ToCPU    bool           `json:"toCpu,omitempty"`
}

// Config is the agent's startup configuration.
type Config struct {
	Vrfs         []route.RouterID    `json:"vrfs,omitempty"`
	Interfaces   []InterfaceConfig   `json:"interfaces,omitempty"`
	StaticRoutes []StaticRouteConfig `json:"staticRoutes,omitempty"`
	// ClientDistances overrides the default admin distance per client.
	ClientDistances map[route.ClientID]route.AdminDistance `json:"clientDistances,omitempty"`
	// EnableRunningConfigMutations gates PatchCurrentStateJSON.
	EnableRunningConfigMutations bool `json:"enableRunningConfigMutations,omitempty"`
}

// LoadConfig reads a JSON configuration file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config %s, %v", path, err)
	}
	c := &Config{}
	if err := json.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("cannot parse config %s, %v", path, err)
	}
	return c, nil
}

// ApplyConfig applies the configuration: interfaces enter the snapshot,
// the interface and static routes of every VRF are replaced by the
// configured set, and the agent becomes Alive. It is also the
// reconfigure path.
func (a *Agent) ApplyConfig(ctx context.Context, cfg *Config) error {
	a.cfgMu.Lock()
	a.cfg = cfg
	a.cfgMu.Unlock()

	for _, vrf := range cfg.Vrfs {
		a.rib.AddVrf(vrf)
	}

	// Interfaces first, so the FIB transforms validate against them.
	if err := a.UpdateStateBlocking(ctx, "apply config: interfaces", func(s *state.SwitchState) (*state.SwitchState, error) {
		return applyInterfaces(s, cfg)
	}); err != nil {
		return err
	}

	// Per VRF: replace the interface- and static-client routes with the
	// configured set, then push the FIB.
	vrfs := append([]route.RouterID{route.DefaultVrf}, cfg.Vrfs...)
	seen := map[route.RouterID]bool{}
	for _, vrf := range vrfs {
		if seen[vrf] {
			continue
		}
		seen[vrf] = true
		if err := a.applyConfigRoutes(ctx, vrf, cfg); err != nil {
			return err
		}
	}

	a.status.Store(int32(Alive))
	log.Infof("configuration applied, agent is %s", a.Status())
	return nil
}

// applyConfigRoutes rebuilds one VRF's config-derived routes.
func (a *Agent) applyConfigRoutes(ctx context.Context, vrf route.RouterID, cfg *Config) error {
	_, err := a.mutateRoutes(ctx, vrf, "apply config: routes", func(u *rib.Update) error {
		u.RemoveAllRoutesForClient(route.ClientInterface)
		u.RemoveAllRoutesForClient(route.ClientStatic)
		if vrf == route.DefaultVrf {
			u.AddLinkLocalRoutes()
		}

		for _, ic := range cfg.Interfaces {
			if ic.Vrf != vrf {
				continue
			}
			for _, as := range ic.Addrs {
				p, err := netip.ParsePrefix(as)
				if err != nil {
					return fmt.Errorf("invalid interface address %q, %v", as, err)
				}
				if err := u.AddInterfaceRoute(p.Masked(), p.Addr(), ic.ID); err != nil {
					return err
				}
			}
		}

		dist := a.ClientDistance(route.ClientStatic)
		for _, sc := range cfg.StaticRoutes {
			if sc.Vrf != vrf {
				continue
			}
			p, err := netip.ParsePrefix(sc.Prefix)
			if err != nil {
				return fmt.Errorf("invalid static route prefix %q, %v", sc.Prefix, err)
			}
			entry, err := staticEntry(sc, dist)
			if err != nil {
				return err
			}
			if err := u.AddRoute(p.Masked(), route.ClientStatic, entry); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// staticEntry builds the NextHopEntry for one static route config.
func staticEntry(sc StaticRouteConfig, dist route.AdminDistance) (route.NextHopEntry, error) {
	switch {
	case sc.ToNull:
		return route.NewDropEntry(dist), nil
	case sc.ToCPU:
		return route.NewToCPUEntry(dist), nil
	}
	hops := make([]route.NextHop, 0, len(sc.NextHops))
	for _, nh := range sc.NextHops {
		addr, err := netip.ParseAddr(nh)
		if err != nil {
			return route.NextHopEntry{}, fmt.Errorf("invalid static next-hop %q, %v", nh, err)
		}
		hops = append(hops, route.NextHop{Addr: addr, Weight: 1})
	}
	return route.NewForwardEntry(dist, hops)
}

// applyInterfaces rebuilds the snapshot's interface map from config.
func applyInterfaces(s *state.SwitchState, cfg *Config) (*state.SwitchState, error) {
	next := s.Clone()
	ifm := &state.InterfaceMap{Interfaces: map[route.IntfID]*state.Interface{}}
	vlans := &state.VlanMap{Vlans: map[state.VlanID]*state.Vlan{}}
	for _, ic := range cfg.Interfaces {
		intf := &state.Interface{
			ID:    ic.ID,
			Name:  ic.Name,
			Vlan:  ic.Vlan,
			Mtu:   ic.Mtu,
			Addrs: map[netip.Addr]uint8{},
		}
		for _, as := range ic.Addrs {
			p, err := netip.ParsePrefix(as)
			if err != nil {
				return nil, fmt.Errorf("invalid interface address %q, %v", as, err)
			}
			intf.Addrs[p.Addr()] = uint8(p.Bits())
		}
		ifm.Interfaces[ic.ID] = intf
		if ic.Vlan != 0 {
			vlans.Vlans[ic.Vlan] = &state.Vlan{ID: ic.Vlan, Name: fmt.Sprintf("vlan%d", ic.Vlan)}
		}
	}
	next.Interfaces = ifm
	next.Vlans = vlans
	next.Generation++
	return next, nil
}

// ReloadConfig re-reads the configuration file and re-applies it.
func (a *Agent) ReloadConfig(ctx context.Context, path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	return a.ApplyConfig(ctx, cfg)
}
