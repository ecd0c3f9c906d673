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

package pagetables

import (
	"testing"

	"coldboot.dev/coldboot/pkg/hostarch"
)

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

func TestEntryFormat(t *testing.T) {
	var l LegacyPTE
	l.SetSuper(0x00400000, hostarch.LegacyHugePageSize, MapOpts{Writable: true})
	if got, want := uint32(l), uint32(0x004000E3); got != want {
		t.Errorf("legacy page entry = %#x, want %#x", got, want)
	}
	if !l.Valid() || !l.IsSuper() || l.Address() != 0x00400000 {
		t.Errorf("legacy entry %v decoded incorrectly", l)
	}

	var p PTE
	p.SetTable(0x3000, MapOpts{Writable: true, User: true})
	if got, want := uint64(p), uint64(0x3007); got != want {
		t.Errorf("table entry = %#x, want %#x", got, want)
	}
	if p.IsSuper() {
		t.Errorf("table entry %v has the large page bit", p)
	}

	p.SetSuper(0x80000000_00000000>>12, hostarch.GiantPageSize, MapOpts{})
	if p.Address() != 0x80000000_00000000>>12 || p.Opts().Writable {
		t.Errorf("giant entry %v decoded incorrectly", p)
	}
	p.Clear()
	if p.Valid() {
		t.Errorf("cleared entry is valid")
	}
}

func TestMisaligned(t *testing.T) {
	var p PTE
	expectPanic(t, "SetTable(0x1008)", func() { p.SetTable(0x1008, MapOpts{}) })
	expectPanic(t, "SetSuper(1MiB, 2MiB)", func() { p.SetSuper(hostarch.MiB, hostarch.HugePageSize, MapOpts{}) })
	expectPanic(t, "SetSuper(4KiB page)", func() { p.SetSuper(0, hostarch.PageSize, MapOpts{}) })
	expectPanic(t, "SetSuper(beyond 52 bits)", func() { p.SetSuper(1<<52, hostarch.GiantPageSize, MapOpts{}) })

	var l LegacyPTE
	expectPanic(t, "legacy SetSuper(2MiB)", func() { l.SetSuper(hostarch.HugePageSize, hostarch.LegacyHugePageSize, MapOpts{}) })
	expectPanic(t, "legacy SetTable(4GiB)", func() { l.SetTable(4*hostarch.GiB, MapOpts{}) })
}

func TestEntrySize(t *testing.T) {
	if got := entrySize[LegacyPTE](); got != 4 {
		t.Errorf("entrySize[LegacyPTE] = %d, want 4", got)
	}
	if got := entrySize[PTE](); got != 8 {
		t.Errorf("entrySize[PTE] = %d, want 8", got)
	}
	if got, want := addressMask[PTE](), uint64(0x000FFFFFFFFFF000); got != want {
		t.Errorf("addressMask[PTE] = %#x, want %#x", got, want)
	}
}
