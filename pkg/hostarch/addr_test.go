// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hostarch

import (
	"testing"
)

func TestRoundUp(t *testing.T) {
	for _, tc := range []struct {
		in   Addr
		want Addr
		ok   bool
	}{
		{0, 0, true},
		{1, PageSize, true},
		{PageSize, PageSize, true},
		{0x40201001, 0x40202000, true},
		{^Addr(0), 0, false},
	} {
		got, ok := tc.in.RoundUp()
		if got != tc.want || ok != tc.ok {
			t.Errorf("%v.RoundUp() = %v, %v; wanted %v, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestHugeRound(t *testing.T) {
	a := Addr(0x40201000)
	if got, want := a.HugeRoundDown(), Addr(0x40200000); got != want {
		t.Errorf("%v.HugeRoundDown() = %v, wanted %v", a, got, want)
	}
	if got, ok := a.HugeRoundUp(); got != 0x40400000 || !ok {
		t.Errorf("%v.HugeRoundUp() = %v, %v", a, got, ok)
	}
}

func TestAddLength(t *testing.T) {
	if end, ok := Addr(0x1000).AddLength(0x1000); end != 0x2000 || !ok {
		t.Errorf("AddLength = %v, %v", end, ok)
	}
	if _, ok := Addr(^uint64(0) - 1).AddLength(4); ok {
		t.Errorf("AddLength overflow not reported")
	}
}

func TestAddrRange(t *testing.T) {
	r := AddrRange{0x1000, 0x3000}
	if !r.WellFormed() || r.Length() != 0x2000 {
		t.Fatalf("bad range %v", r)
	}
	for _, tc := range []struct {
		other    AddrRange
		overlaps bool
		superset bool
	}{
		{AddrRange{0, 0x1000}, false, false},
		{AddrRange{0, 0x1001}, true, false},
		{AddrRange{0x1000, 0x3000}, true, true},
		{AddrRange{0x2000, 0x2800}, true, true},
		{AddrRange{0x2fff, 0x4000}, true, false},
		{AddrRange{0x3000, 0x4000}, false, false},
	} {
		if got := r.Overlaps(tc.other); got != tc.overlaps {
			t.Errorf("%v.Overlaps(%v) = %v, wanted %v", r, tc.other, got, tc.overlaps)
		}
		if got := r.IsSupersetOf(tc.other); got != tc.superset {
			t.Errorf("%v.IsSupersetOf(%v) = %v, wanted %v", r, tc.other, got, tc.superset)
		}
	}
	if r.CanSplitAt(0x1000) || !r.CanSplitAt(0x2000) {
		t.Errorf("CanSplitAt mismatch for %v", r)
	}
}
