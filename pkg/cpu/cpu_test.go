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

package cpu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBitNames(t *testing.T) {
	if diff := cmp.Diff([]string{"PE", "MP", "PG"}, CR0.BitNames(CR0PE|CR0MP|CR0PG)); diff != "" {
		t.Errorf("CR0 names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"PAE", "OSFXSR"}, CR4.BitNames(CR4PAE|CR4OSFXSR|1<<30)); diff != "" {
		t.Errorf("CR4 names mismatch (-want +got):\n%s", diff)
	}
}

func TestState(t *testing.T) {
	s := State{CR0: ResetCR0, RFLAGS: RFLAGSReserved | RFLAGSIF}
	if s.Paging() || s.LongMode() || s.FPUUsable() || !s.InterruptsEnabled() {
		t.Errorf("reset state %v misreported", &s)
	}
	s.CR0 |= CR0PG | CR0MP
	s.CR4 |= CR4OSFXSR
	s.EFER |= EFERLME | EFERLMA
	if !s.Paging() || !s.LongMode() || !s.FPUUsable() {
		t.Errorf("state %v misreported", &s)
	}
	s.CR0 |= CR0EM
	if s.FPUUsable() {
		t.Errorf("FPU usable with CR0.EM set")
	}
}
