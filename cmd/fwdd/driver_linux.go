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

//go:build linux

package main

import (
	"flag"

	"github.com/openconfig/fwdgo/hw"
	"github.com/openconfig/fwdgo/hw/netlinkdrv"
)

var kernelFib = flag.Bool("kernel_fib", false, "program the Linux kernel FIB instead of the in-memory fake device")

// newDriver picks the kernel backend when requested, the fake device
// otherwise.
func newDriver() hw.Driver {
	if *kernelFib {
		return netlinkdrv.New()
	}
	return hw.NewFakeDriver(hw.WithHostTable())
}
