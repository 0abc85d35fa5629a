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

// Package agent ties the routing core together: it owns the RIB, the
// hardware manager and the serialized state-update pipeline, publishes
// applied snapshots through an atomic pointer, and exposes the entry
// points the control surface calls.
package agent

import (
	"fmt"
	"net/netip"
	"sync"

	log "github.com/golang/glog"
	"github.com/openconfig/fwdgo/hw"
	"github.com/openconfig/fwdgo/rib"
	"github.com/openconfig/fwdgo/route"
	"github.com/openconfig/fwdgo/state"
	"go.uber.org/atomic"
)

// Status is the lifecycle state of the agent.
type Status int32

const (
	// Starting means configuration has not been applied yet; mutating
	// calls are rejected.
	Starting Status = iota
	// Alive means the agent is fully configured and serving.
	Alive
	// Stopping means shutdown has begun.
	Stopping
)

func (s Status) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case Alive:
		return "ALIVE"
	case Stopping:
		return "STOPPING"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// Agent is the control-plane core of the switch.
type Agent struct {
	cfgMu sync.RWMutex
	cfg   *Config

	rib *rib.RIB
	hw  *hw.Manager
	drv hw.Driver

	// applied is the only true global: the currently applied snapshot,
	// read lock-free by every reader path.
	applied *atomic.Pointer[state.SwitchState]

	status    *atomic.Int32
	fibSynced *atomic.Bool

	updates chan *stateUpdate
	stopCh  chan struct{}
	wg      sync.WaitGroup

	neighborMu sync.Mutex
	// neighborListeners receive the add/remove sets of every neighbor
	// cache mutation; registered by the control surface's duplex
	// subscription.
	neighborListeners map[int]chan NeighborChange
	nextListenerID    int

	stats *Stats
}

// Opt configures an Agent at construction time.
type Opt interface {
	isAgentOpt()
}

type withWarmBoot struct {
	dump *hw.Dump
}

func (*withWarmBoot) isAgentOpt() {}

// WithWarmBoot seeds the hardware layer with the device objects read
// from a warm-boot dump.
func WithWarmBoot(d *hw.Dump) Opt {
	return &withWarmBoot{dump: d}
}

// New creates the agent in Starting state. ApplyConfig must be invoked
// (after Start) to reach Alive.
func New(cfg *Config, drv hw.Driver, opts ...Opt) (*Agent, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	var dump *hw.Dump
	for _, o := range opts {
		if v, ok := o.(*withWarmBoot); ok {
			dump = v.dump
		}
	}

	mgr, err := hw.NewManager(drv, hw.NewWarmBootCache(dump))
	if err != nil {
		return nil, fmt.Errorf("cannot create hardware manager, %v", err)
	}

	a := &Agent{
		cfg:               cfg,
		rib:               rib.New(rib.WithVRFs(cfg.Vrfs)),
		hw:                mgr,
		drv:               drv,
		applied:           atomic.NewPointer(state.New()),
		status:            atomic.NewInt32(int32(Starting)),
		fibSynced:         atomic.NewBool(false),
		updates:           make(chan *stateUpdate, 128),
		stopCh:            make(chan struct{}),
		neighborListeners: map[int]chan NeighborChange{},
		stats:             newStats(),
	}
	return a, nil
}

// Start launches the state-update thread.
func (a *Agent) Start() {
	a.wg.Add(1)
	go a.run()
}

// Stop drains the pipeline and stops the update thread. The applied
// snapshot remains readable.
func (a *Agent) Stop() {
	a.status.Store(int32(Stopping))
	close(a.stopCh)
	a.wg.Wait()
}

// Status returns the lifecycle state.
func (a *Agent) Status() Status {
	return Status(a.status.Load())
}

// FibSynced reports whether the first successful FIB sync happened.
func (a *Agent) FibSynced() bool {
	return a.fibSynced.Load()
}

// AppliedState returns the currently applied snapshot.
func (a *Agent) AppliedState() *state.SwitchState {
	return a.applied.Load()
}

// Stats returns the agent's metric set.
func (a *Agent) Stats() *Stats {
	return a.stats
}

// HasVrf reports whether the specified VRF is configured.
func (a *Agent) HasVrf(id route.RouterID) bool {
	return a.rib.HasVrf(id)
}

// ClientDistance returns the admin distance configured (or defaulted)
// for a client.
func (a *Agent) ClientDistance(c route.ClientID) route.AdminDistance {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	if d, ok := a.cfg.ClientDistances[c]; ok {
		return d
	}
	return route.DefaultDistance(c)
}

// RunningConfig returns the active configuration.
func (a *Agent) RunningConfig() *Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// NeighborChange is one mutation of the neighbor cache, fanned out to
// subscribers.
type NeighborChange struct {
	Vrf     route.RouterID
	Added   []netip.Addr
	Removed []netip.Addr
}

// RegisterNeighborListener subscribes to neighbor cache changes. The
// returned cancel function must be called when the subscriber goes away.
func (a *Agent) RegisterNeighborListener() (<-chan NeighborChange, func()) {
	a.neighborMu.Lock()
	defer a.neighborMu.Unlock()
	id := a.nextListenerID
	a.nextListenerID++
	ch := make(chan NeighborChange, 16)
	a.neighborListeners[id] = ch
	return ch, func() {
		a.neighborMu.Lock()
		defer a.neighborMu.Unlock()
		if c, ok := a.neighborListeners[id]; ok {
			delete(a.neighborListeners, id)
			close(c)
		}
	}
}

func (a *Agent) notifyNeighborListeners(c NeighborChange) {
	a.neighborMu.Lock()
	defer a.neighborMu.Unlock()
	for _, ch := range a.neighborListeners {
		select {
		case ch <- c:
		default:
			// Slow subscribers drop updates rather than stalling the
			// neighbor thread.
		}
	}
}

// NeighborResolved reports that a neighbor entry became reachable. The
// hardware layer reprograms pending egresses in place and re-expands
// affected ECMP groups.
func (a *Agent) NeighborResolved(vrf route.RouterID, addr netip.Addr) error {
	if err := a.hw.NeighborResolved(vrf, addr); err != nil {
		return err
	}
	a.notifyNeighborListeners(NeighborChange{Vrf: vrf, Added: []netip.Addr{addr}})
	return nil
}

// NeighborUnresolved reports that a neighbor entry went away.
func (a *Agent) NeighborUnresolved(vrf route.RouterID, addr netip.Addr) error {
	if err := a.hw.NeighborUnresolved(vrf, addr); err != nil {
		return err
	}
	a.notifyNeighborListeners(NeighborChange{Vrf: vrf, Removed: []netip.Addr{addr}})
	return nil
}

// logAndCount logs a failed fire-and-forget update.
func logAndCount(name string, err error) {
	if err != nil {
		log.Errorf("state update %q failed, %v", name, err)
	}
}
