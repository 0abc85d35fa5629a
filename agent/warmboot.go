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
	"encoding/json"
	"fmt"
	"os"

	log "github.com/golang/glog"
	"github.com/openconfig/fwdgo/hw"
	"github.com/openconfig/fwdgo/state"
)

// warmBootFile is the on-disk shape of a graceful-exit dump: the applied
// switch state in canonical JSON plus the hardware tables.
type warmBootFile struct {
	State json.RawMessage `json:"state"`
	Hw    *hw.Dump        `json:"hw"`
}

// LoadWarmBoot reads a warm-boot dump written by a previous run. A
// missing file is a cold boot, not an error.
func LoadWarmBoot(path string) (*state.SwitchState, *hw.Dump, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("cannot read warm-boot file %s, %v", path, err)
	}
	f := &warmBootFile{}
	if err := json.Unmarshal(b, f); err != nil {
		return nil, nil, fmt.Errorf("cannot parse warm-boot file %s, %v", path, err)
	}
	var s *state.SwitchState
	if len(f.State) != 0 {
		if s, err = state.FromJSON(f.State); err != nil {
			return nil, nil, err
		}
	}
	return s, f.Hw, nil
}

// DumpWarmBoot persists the applied state and the device tables for the
// next start.
func (a *Agent) DumpWarmBoot(path string) error {
	sj, err := a.AppliedState().ToJSON()
	if err != nil {
		return err
	}
	hd, err := a.drv.Dump()
	if err != nil {
		return fmt.Errorf("cannot dump device state, %v", err)
	}
	b, err := json.MarshalIndent(&warmBootFile{State: sj, Hw: hd}, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal warm-boot dump, %v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("cannot write warm-boot file %s, %v", path, err)
	}
	log.Infof("wrote warm-boot dump to %s", path)
	return nil
}
