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
	"errors"
	"fmt"
	"time"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/openconfig/fwdgo/state"
)

// ErrInvalidStateTransition is returned when the validator rejects a
// candidate snapshot; the candidate is discarded.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// StateTransform is a pure function from one snapshot to the next. A
// (nil, nil) return means "no change" and skips the apply entirely.
type StateTransform func(*state.SwitchState) (*state.SwitchState, error)

// stateUpdate is one queued transformation.
type stateUpdate struct {
	id   string
	name string
	fn   StateTransform
	// done receives the apply outcome for blocking updates; buffered so
	// a detached waiter never stalls the pipeline.
	done chan error
}

// run is the single state-update thread: exactly one update is applied
// at a time. Updates cannot be cancelled once enqueued; they either
// apply or fail.
func (a *Agent) run() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stopCh:
			// Drain what was already enqueued so blocking callers are
			// released.
			for {
				select {
				case u := <-a.updates:
					a.applyUpdate(u)
				default:
					return
				}
			}
		case u := <-a.updates:
			a.applyUpdate(u)
		}
	}
}

// applyUpdate runs one transform, validates and diffs the candidate,
// pushes the delta to hardware, and publishes the result. On any failure
// the applied pointer is not advanced.
func (a *Agent) applyUpdate(u *stateUpdate) {
	start := time.Now()
	cur := a.applied.Load()

	err := func() error {
		next, err := u.fn(cur)
		if err != nil {
			return err
		}
		if next == nil {
			log.V(2).Infof("state update %q (%s) produced no change", u.name, u.id)
			return nil
		}
		if err := state.Validate(next); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidStateTransition, err)
		}
		if err := a.hw.ProcessDelta(state.ComputeDelta(cur, next)); err != nil {
			return err
		}
		a.applied.Store(next)
		log.V(2).Infof("applied state update %q (%s), generation %d", u.name, u.id, next.Generation)
		return nil
	}()

	a.stats.observeApply(u.name, time.Since(start), err)
	if u.done != nil {
		u.done <- err
		return
	}
	logAndCount(u.name, err)
}

// UpdateState enqueues a fire-and-forget transform.
func (a *Agent) UpdateState(name string, fn StateTransform) {
	a.updates <- &stateUpdate{id: uuid.New().String(), name: name, fn: fn}
}

// UpdateStateBlocking enqueues a transform and waits for its outcome.
// Context cancellation detaches the waiter; the update itself still
// runs.
func (a *Agent) UpdateStateBlocking(ctx context.Context, name string, fn StateTransform) error {
	u := &stateUpdate{
		id:   uuid.New().String(),
		name: name,
		fn:   fn,
		done: make(chan error, 1),
	}
	select {
	case a.updates <- u:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-u.done:
		return err
	case <-ctx.Done():
		log.Warningf("caller detached from state update %q (%s)", name, u.id)
		return ctx.Err()
	}
}
