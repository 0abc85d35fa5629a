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
	"context"

	"github.com/openconfig/fwdgo/agent"
)

// NeighborChangedMsg is one message on the registerForNeighborChanged
// stream: the addresses that appeared and disappeared in the neighbor
// cache.
type NeighborChangedMsg struct {
	Vrf     uint32   `json:"vrf"`
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// NeighborStream is one subscriber of neighbor cache changes.
type NeighborStream struct {
	ch     <-chan agent.NeighborChange
	cancel func()
}

// RegisterForNeighborChanged opens a duplex subscription: every neighbor
// cache mutation is streamed until Close (or context cancellation in
// Recv).
func (s *Service) RegisterForNeighborChanged() *NeighborStream {
	ch, cancel := s.a.RegisterNeighborListener()
	return &NeighborStream{ch: ch, cancel: cancel}
}

// Recv blocks for the next change. It returns false when the stream or
// the context is done.
func (n *NeighborStream) Recv(ctx context.Context) (NeighborChangedMsg, bool) {
	select {
	case <-ctx.Done():
		return NeighborChangedMsg{}, false
	case c, ok := <-n.ch:
		if !ok {
			return NeighborChangedMsg{}, false
		}
		msg := NeighborChangedMsg{Vrf: uint32(c.Vrf)}
		for _, a := range c.Added {
			msg.Added = append(msg.Added, a.String())
		}
		for _, a := range c.Removed {
			msg.Removed = append(msg.Removed, a.String())
		}
		return msg, true
	}
}

// Close terminates the subscription.
func (n *NeighborStream) Close() {
	n.cancel()
}
