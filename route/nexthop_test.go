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

package route

import (
	"math"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// addrCmp lets cmp compare the netip types by ==.
var addrCmp = cmpopts.EquateComparable(netip.Addr{}, netip.Prefix{})

func TestNewForwardEntry(t *testing.T) {
	tests := []struct {
		desc     string
		inHops   []NextHop
		wantHops []NextHop
		wantErr  bool
	}{{
		desc: "single hop, zero weight normalized",
		inHops: []NextHop{
			{Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1},
		},
		wantHops: []NextHop{
			{Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1, Weight: 1},
		},
	}, {
		desc: "hops sorted by address",
		inHops: []NextHop{
			{Addr: netip.MustParseAddr("192.0.2.9"), Intf: 2, Weight: 1},
			{Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1, Weight: 1},
		},
		wantHops: []NextHop{
			{Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1, Weight: 1},
			{Addr: netip.MustParseAddr("192.0.2.9"), Intf: 2, Weight: 1},
		},
	}, {
		desc: "duplicate paths merged by summing weights",
		inHops: []NextHop{
			{Addr: netip.MustParseAddr("2001:db8::1"), Intf: 4, Weight: 2},
			{Addr: netip.MustParseAddr("2001:db8::1"), Intf: 4, Weight: 3},
		},
		wantHops: []NextHop{
			{Addr: netip.MustParseAddr("2001:db8::1"), Intf: 4, Weight: 5},
		},
	}, {
		desc: "same address, different stacks not merged",
		inHops: []NextHop{
			{Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1, Weight: 1, Stack: LabelStack{100}},
			{Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1, Weight: 1, Stack: LabelStack{200}},
		},
		wantHops: []NextHop{
			{Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1, Weight: 1, Stack: LabelStack{100}},
			{Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1, Weight: 1, Stack: LabelStack{200}},
		},
	}, {
		desc:    "empty set rejected",
		inHops:  nil,
		wantErr: true,
	}, {
		desc: "label out of range rejected",
		inHops: []NextHop{
			{Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1, Weight: 1, Stack: LabelStack{1 << 20}},
		},
		wantErr: true,
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			got, err := NewForwardEntry(DistanceStatic, tt.inHops)
			if (err != nil) != tt.wantErr {
				t.Fatalf("got unexpected error, got: %v, wantErr? %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(tt.wantHops, got.Hops, addrCmp); diff != "" {
				t.Fatalf("did not get expected hops, diff(-want,+got):\n%s", diff)
			}
		})
	}
}

func TestNextHopEntryEqual(t *testing.T) {
	mk := func(hops ...NextHop) NextHopEntry {
		e, err := NewForwardEntry(DistanceEBGP, hops)
		if err != nil {
			t.Fatalf("cannot build entry, %v", err)
		}
		return e
	}

	a := NextHop{Addr: netip.MustParseAddr("192.0.2.1"), Intf: 1, Weight: 1}
	b := NextHop{Addr: netip.MustParseAddr("192.0.2.2"), Intf: 2, Weight: 1}

	tests := []struct {
		desc string
		inA  NextHopEntry
		inB  NextHopEntry
		want bool
	}{{
		desc: "equal regardless of submission order",
		inA:  mk(a, b),
		inB:  mk(b, a),
		want: true,
	}, {
		desc: "different weights differ",
		inA:  mk(a),
		inB:  mk(NextHop{Addr: a.Addr, Intf: a.Intf, Weight: 2}),
		want: false,
	}, {
		desc: "drop equals drop",
		inA:  NewDropEntry(DistanceStatic),
		inB:  NewDropEntry(DistanceStatic),
		want: true,
	}, {
		desc: "drop and to-cpu differ",
		inA:  NewDropEntry(DistanceStatic),
		inB:  NewToCPUEntry(DistanceStatic),
		want: false,
	}, {
		desc: "distance participates in equality",
		inA:  NewDropEntry(DistanceStatic),
		inB:  NewDropEntry(DistanceEBGP),
		want: false,
	}}

	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			if got := tt.inA.Equal(tt.inB); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMulSaturating(t *testing.T) {
	if got := MulSaturating(2, 3); got != 6 {
		t.Fatalf("got %d, want 6", got)
	}
	if got := MulSaturating(math.MaxUint32, 2); got != math.MaxUint32 {
		t.Fatalf("got %d, want saturation at %d", got, uint32(math.MaxUint32))
	}
}

func TestLabelValid(t *testing.T) {
	tests := []struct {
		in   Label
		want bool
	}{
		{0, false},
		{1, true},
		{MaxLabel, true},
		{MaxLabel + 1, false},
	}
	for _, tt := range tests {
		if got := tt.in.Valid(); got != tt.want {
			t.Errorf("Label(%d).Valid(): got %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCheckCanonical(t *testing.T) {
	if err := CheckCanonical(netip.MustParsePrefix("10.0.0.0/8")); err != nil {
		t.Fatalf("canonical prefix rejected, %v", err)
	}
	if err := CheckCanonical(netip.PrefixFrom(netip.MustParseAddr("10.0.0.1"), 8)); err == nil {
		t.Fatalf("prefix with host bits accepted")
	}
}
