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

// Package service is the control surface of the agent: it translates
// wire shapes into core calls, enforces the lifecycle preconditions and
// maps core errors onto canonical status codes. The transport that
// carries these calls is outside the core.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/openconfig/fwdgo/agent"
	"github.com/openconfig/fwdgo/hw"
	"github.com/openconfig/fwdgo/rib"
	"github.com/openconfig/fwdgo/route"
)

// Service wraps an agent for the control RPC surface.
type Service struct {
	a *agent.Agent
	// configPath is re-read by ReloadConfig; empty when the agent was
	// started without a configuration file.
	configPath string
}

// ServiceOpt configures a Service.
type ServiceOpt interface {
	isServiceOpt()
}

type withConfigPath struct {
	path string
}

func (*withConfigPath) isServiceOpt() {}

// WithConfigPath sets the configuration file ReloadConfig re-reads.
func WithConfigPath(path string) ServiceOpt {
	return &withConfigPath{path: path}
}

// New returns a service over the supplied agent.
func New(a *agent.Agent, opts ...ServiceOpt) *Service {
	s := &Service{a: a}
	for _, o := range opts {
		if v, ok := o.(*withConfigPath); ok {
			s.configPath = v.path
		}
	}
	return s
}

// ensureConfigured rejects calls before the agent is fully configured.
func (s *Service) ensureConfigured(op string) error {
	if s.a.Status() != agent.Alive {
		return status.Errorf(codes.FailedPrecondition, "%s: switch is not fully configured (%s)", op, s.a.Status())
	}
	return nil
}

// ensureFibSynced rejects incremental mutations before the first FIB
// sync.
func (s *Service) ensureFibSynced(op string) error {
	if !s.a.FibSynced() {
		return status.Errorf(codes.FailedPrecondition, "%s: FIB is not synced", op)
	}
	return nil
}

// toStatus maps core errors to canonical codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rib.ErrNoSuchVrf):
		return status.Errorf(codes.NotFound, "%v", err)
	case errors.Is(err, rib.ErrInvalidLabel), errors.Is(err, rib.ErrInvalidPrefix):
		return status.Errorf(codes.InvalidArgument, "%v", err)
	case errors.Is(err, hw.ErrProgrammingFailed):
		return status.Errorf(codes.Internal, "%v", err)
	case errors.Is(err, agent.ErrInvalidStateTransition),
		errors.Is(err, agent.ErrMutationsDisabled):
		return status.Errorf(codes.FailedPrecondition, "%v", err)
	default:
		return status.Errorf(codes.Unknown, "%v", err)
	}
}

// distanceFor picks the route's admin distance: the explicit wire value
// when present, the client's configured default otherwise.
func (s *Service) distanceFor(client route.ClientID, explicit *uint8) route.AdminDistance {
	if explicit != nil {
		return route.AdminDistance(*explicit)
	}
	return s.a.ClientDistance(client)
}

// toUpdates converts wire routes to core updates.
func (s *Service) toUpdates(client route.ClientID, routes []UnicastRoute) ([]agent.UnicastRouteUpdate, error) {
	out := make([]agent.UnicastRouteUpdate, 0, len(routes))
	for _, r := range routes {
		pfx, err := parsePrefix(r.Dest)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%v", err)
		}
		entry, err := toEntry(s.a, r.NextHops, r.NextHopAddrs, s.distanceFor(client, r.AdminDistance))
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%v", err)
		}
		out = append(out, agent.UnicastRouteUpdate{Prefix: pfx, Entry: entry})
	}
	return out, nil
}

// toLabelUpdates converts wire MPLS routes to core updates. Label range
// is validated by the RIB.
func (s *Service) toLabelUpdates(client route.ClientID, routes []MplsRoute) ([]agent.LabelRouteUpdate, error) {
	out := make([]agent.LabelRouteUpdate, 0, len(routes))
	for _, r := range routes {
		entry, err := toEntry(s.a, r.NextHops, nil, s.distanceFor(client, r.AdminDistance))
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "%v", err)
		}
		out = append(out, agent.LabelRouteUpdate{Label: route.Label(r.TopLabel), Entry: entry})
	}
	return out, nil
}

// AddUnicastRoutes implements the addUnicastRoutes call.
func (s *Service) AddUnicastRoutes(ctx context.Context, clientID uint16, routes []UnicastRoute) error {
	if err := s.ensureConfigured("addUnicastRoutes"); err != nil {
		return err
	}
	if err := s.ensureFibSynced("addUnicastRoutes"); err != nil {
		return err
	}
	client := route.ClientID(clientID)
	updates, err := s.toUpdates(client, routes)
	if err != nil {
		return err
	}
	_, err = s.a.AddUnicastRoutes(ctx, route.DefaultVrf, client, updates)
	return toStatus(err)
}

// DeleteUnicastRoutes implements the deleteUnicastRoutes call.
func (s *Service) DeleteUnicastRoutes(ctx context.Context, clientID uint16, prefixes []IpPrefix) error {
	if err := s.ensureConfigured("deleteUnicastRoutes"); err != nil {
		return err
	}
	if err := s.ensureFibSynced("deleteUnicastRoutes"); err != nil {
		return err
	}
	ps := make([]netip.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		pfx, err := parsePrefix(p)
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "%v", err)
		}
		ps = append(ps, pfx)
	}
	_, err := s.a.DeleteUnicastRoutes(ctx, route.DefaultVrf, route.ClientID(clientID), ps)
	return toStatus(err)
}

// SyncFib implements the syncFib call: the client's routes are replaced
// atomically and the fib-synced state latches on first success.
func (s *Service) SyncFib(ctx context.Context, clientID uint16, routes []UnicastRoute) error {
	if err := s.ensureConfigured("syncFib"); err != nil {
		return err
	}
	client := route.ClientID(clientID)
	updates, err := s.toUpdates(client, routes)
	if err != nil {
		return err
	}
	_, err = s.a.SyncFib(ctx, route.DefaultVrf, client, updates)
	return toStatus(err)
}

// AddMplsRoutes implements the addMplsRoutes call.
func (s *Service) AddMplsRoutes(ctx context.Context, clientID uint16, routes []MplsRoute) error {
	if err := s.ensureConfigured("addMplsRoutes"); err != nil {
		return err
	}
	client := route.ClientID(clientID)
	updates, err := s.toLabelUpdates(client, routes)
	if err != nil {
		return err
	}
	_, err = s.a.AddMplsRoutes(ctx, client, updates)
	return toStatus(err)
}

// DeleteMplsRoutes implements the deleteMplsRoutes call.
func (s *Service) DeleteMplsRoutes(ctx context.Context, clientID uint16, topLabels []uint32) error {
	if err := s.ensureConfigured("deleteMplsRoutes"); err != nil {
		return err
	}
	labels := make([]route.Label, 0, len(topLabels))
	for _, l := range topLabels {
		labels = append(labels, route.Label(l))
	}
	_, err := s.a.DeleteMplsRoutes(ctx, route.ClientID(clientID), labels)
	return toStatus(err)
}

// SyncMplsFib implements the syncMplsFib call.
func (s *Service) SyncMplsFib(ctx context.Context, clientID uint16, routes []MplsRoute) error {
	if err := s.ensureConfigured("syncMplsFib"); err != nil {
		return err
	}
	client := route.ClientID(clientID)
	updates, err := s.toLabelUpdates(client, routes)
	if err != nil {
		return err
	}
	_, err = s.a.SyncMplsFib(ctx, client, updates)
	return toStatus(err)
}

// GetRouteTable implements getRouteTable over the applied snapshot.
func (s *Service) GetRouteTable() ([]UnicastRoute, error) {
	if err := s.ensureConfigured("getRouteTable"); err != nil {
		return nil, err
	}
	var out []UnicastRoute
	for _, r := range s.a.GetRouteTable(route.DefaultVrf) {
		out = append(out, UnicastRoute{
			Dest:     fromPrefix(r.Prefix),
			NextHops: fromFibHops(r.Fwd.Hops),
		})
	}
	return out, nil
}

// GetRouteTableByClient implements getRouteTableByClient.
func (s *Service) GetRouteTableByClient(clientID uint16) ([]UnicastRoute, error) {
	if err := s.ensureConfigured("getRouteTableByClient"); err != nil {
		return nil, err
	}
	var out []UnicastRoute
	for _, r := range s.a.GetRouteTableByClient(route.DefaultVrf, route.ClientID(clientID)) {
		e := r.PerClient[route.ClientID(clientID)]
		d := uint8(e.Distance)
		out = append(out, UnicastRoute{
			Dest:          fromPrefix(r.Prefix),
			NextHops:      fromFibHops(e.Hops),
			AdminDistance: &d,
		})
	}
	return out, nil
}

// RouteDetails is the diagnostic view of one FIB route.
type RouteDetails struct {
	Dest      IpPrefix             `json:"dest"`
	Action    string               `json:"action"`
	NextHops  []NextHop            `json:"nextHops,omitempty"`
	PerClient map[uint16][]NextHop `json:"perClient,omitempty"`
	Connected bool                 `json:"connected,omitempty"`
}

// GetRouteTableDetails implements getRouteTableDetails.
func (s *Service) GetRouteTableDetails() ([]RouteDetails, error) {
	if err := s.ensureConfigured("getRouteTableDetails"); err != nil {
		return nil, err
	}
	var out []RouteDetails
	for _, r := range s.a.GetRouteTable(route.DefaultVrf) {
		d := RouteDetails{
			Dest:      fromPrefix(r.Prefix),
			Action:    r.Fwd.Action.String(),
			NextHops:  fromFibHops(r.Fwd.Hops),
			PerClient: map[uint16][]NextHop{},
			Connected: r.Connected,
		}
		for c, e := range r.PerClient {
			d.PerClient[uint16(c)] = fromFibHops(e.Hops)
		}
		out = append(out, d)
	}
	return out, nil
}

// GetIpRoute implements getIpRoute: the longest-prefix match for addr in
// the specified VRF.
func (s *Service) GetIpRoute(addr BinaryAddress, vrfID uint32) (*UnicastRoute, error) {
	if err := s.ensureConfigured("getIpRoute"); err != nil {
		return nil, err
	}
	a, err := parseAddr(addr)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	vrf := route.RouterID(vrfID)
	if !s.a.HasVrf(vrf) {
		return nil, status.Errorf(codes.NotFound, "no such VRF %d", vrfID)
	}
	r, err := s.a.GetIpRoute(vrf, a)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "%v", err)
	}
	return &UnicastRoute{
		Dest:     fromPrefix(r.Prefix),
		NextHops: fromFibHops(r.Fwd.Hops),
	}, nil
}

// GetIpRouteDetails implements getIpRouteDetails: the diagnostic view of
// the longest-prefix match for addr.
func (s *Service) GetIpRouteDetails(addr BinaryAddress, vrfID uint32) (*RouteDetails, error) {
	if err := s.ensureConfigured("getIpRouteDetails"); err != nil {
		return nil, err
	}
	a, err := parseAddr(addr)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	vrf := route.RouterID(vrfID)
	if !s.a.HasVrf(vrf) {
		return nil, status.Errorf(codes.NotFound, "no such VRF %d", vrfID)
	}
	r, err := s.a.GetIpRoute(vrf, a)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "%v", err)
	}
	d := &RouteDetails{
		Dest:      fromPrefix(r.Prefix),
		Action:    r.Fwd.Action.String(),
		NextHops:  fromFibHops(r.Fwd.Hops),
		PerClient: map[uint16][]NextHop{},
		Connected: r.Connected,
	}
	for c, e := range r.PerClient {
		d.PerClient[uint16(c)] = fromFibHops(e.Hops)
	}
	return d, nil
}

// GetStatus implements getStatus.
func (s *Service) GetStatus() string {
	return s.a.Status().String()
}

// ReloadConfig implements reloadConfig, re-reading and re-applying the
// startup configuration file.
func (s *Service) ReloadConfig(ctx context.Context) error {
	if s.configPath == "" {
		return status.Errorf(codes.FailedPrecondition, "reloadConfig: agent was started without a configuration file")
	}
	return toStatus(s.a.ReloadConfig(ctx, s.configPath))
}

// GetRunningConfig implements getRunningConfig.
func (s *Service) GetRunningConfig() ([]byte, error) {
	b, err := json.MarshalIndent(s.a.RunningConfig(), "", "  ")
	if err != nil {
		return nil, status.Errorf(codes.Internal, "cannot marshal running config, %v", err)
	}
	return b, nil
}

// GetCurrentStateJSON implements getCurrentStateJSON.
func (s *Service) GetCurrentStateJSON(pointer string) ([]byte, error) {
	b, err := s.a.GetCurrentStateJSON(pointer)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	}
	return b, nil
}

// PatchCurrentStateJSON implements patchCurrentStateJSON, gated by the
// enable_running_config_mutations toggle.
func (s *Service) PatchCurrentStateJSON(ctx context.Context, pointer string, patch []byte) error {
	return toStatus(s.a.PatchCurrentStateJSON(ctx, pointer, patch))
}
