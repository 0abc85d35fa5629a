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

	"github.com/openconfig/fwdgo/state"
)

// ErrMutationsDisabled is returned by PatchCurrentStateJSON when the
// enable_running_config_mutations toggle is off.
var ErrMutationsDisabled = errors.New("running-config mutations are disabled")

// GetCurrentStateJSON serializes the applied snapshot. Only the root
// pointer ("" or "/") is supported.
func (a *Agent) GetCurrentStateJSON(pointer string) ([]byte, error) {
	if pointer != "" && pointer != "/" {
		return nil, fmt.Errorf("unsupported state pointer %q", pointer)
	}
	return a.AppliedState().ToJSON()
}

// PatchCurrentStateJSON replaces the state at the pointer with the
// supplied document and pushes the result through the normal validate /
// diff / apply pipeline. Gated by the running-config-mutations toggle;
// only the root pointer is supported.
func (a *Agent) PatchCurrentStateJSON(ctx context.Context, pointer string, patch []byte) error {
	a.cfgMu.RLock()
	enabled := a.cfg.EnableRunningConfigMutations
	a.cfgMu.RUnlock()
	if !enabled {
		return ErrMutationsDisabled
	}
	if pointer != "" && pointer != "/" {
		return fmt.Errorf("unsupported state pointer %q", pointer)
	}
	next, err := state.FromJSON(patch)
	if err != nil {
		return err
	}
	return a.UpdateStateBlocking(ctx, "patch state", func(cur *state.SwitchState) (*state.SwitchState, error) {
		next.Generation = cur.Generation + 1
		return next, nil
	})
}
