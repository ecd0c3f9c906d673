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
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"coldboot.dev/coldboot/pkg/hostarch"
)

// testMemory is flat physical memory starting at zero.
type testMemory []byte

func (m testMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, io.ErrUnexpectedEOF
	}
	return copy(p, m[off:]), nil
}

func (m testMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, io.ErrShortWrite
	}
	return copy(m[off:], p), nil
}

const testBase = 0x10000

func newTestMemory() testMemory {
	return make(testMemory, 4*hostarch.MiB)
}

func mustBuild(t *testing.T, v Variant, mem Memory, opts Options) *Tree {
	t.Helper()
	tree, err := Build(v, mem, testBase, opts)
	if err != nil {
		t.Fatalf("Build(%v, %+v) failed: %v", v, opts, err)
	}
	return tree
}

func checkMappings(t *testing.T, mem Memory, tree *Tree, want []Mapping) {
	t.Helper()
	got, err := tree.Mappings(mem)
	if err != nil {
		t.Fatalf("Mappings failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func identity(size, page uint64, opts MapOpts) []Mapping {
	var m []Mapping
	for a := uint64(0); a < size; a += page {
		m = append(m, Mapping{Start: a, Length: page, Physical: a, Opts: opts})
	}
	return m
}

func TestRootConstants(t *testing.T) {
	for _, v := range []Variant{Long2M, Long1G} {
		s := v.Scheme()
		root, sub := s.Levels[0], s.Levels[1]
		if root.Entries == sub.Entries {
			t.Errorf("%v: root entries = subordinate entries = %d", v, root.Entries)
		}
		if root.Size() == sub.Size() {
			t.Errorf("%v: root size = subordinate size = %d", v, root.Size())
		}
		if root.Entries != 1 || root.Size() != 8 {
			t.Errorf("%v: root = %d entries / %d bytes, want 1 / 8", v, root.Entries, root.Size())
		}
		if sub.Entries != 512 || sub.Size() != hostarch.PageSize {
			t.Errorf("%v: subordinate = %d entries / %d bytes, want 512 / 4096", v, sub.Entries, sub.Size())
		}
		if root.Align != hostarch.PageSize {
			t.Errorf("%v: root alignment = %#x, want page alignment", v, root.Align)
		}
	}

	s := PAE32.Scheme()
	root, sub := s.Levels[0], s.Levels[1]
	if root.Entries == sub.Entries || root.Size() == sub.Size() || root.Align == sub.Align {
		t.Errorf("pae32: root %+v indistinguishable from subordinate %+v", root, sub)
	}
	if root.Align != 32 || root.Size() != 32 {
		t.Errorf("pae32: root = %d bytes aligned to %d, want 32 / 32", root.Size(), root.Align)
	}
}

func TestSchemes(t *testing.T) {
	for _, tc := range []struct {
		v        Variant
		depth    int
		built    int
		pageSize uint64
		entry    int
		longMode bool
	}{
		{Legacy32, 2, 1, 4 * hostarch.MiB, 4, false},
		{PAE32, 3, 2, 2 * hostarch.MiB, 8, false},
		{Long2M, 4, 3, 2 * hostarch.MiB, 8, true},
		{Long1G, 4, 2, hostarch.GiB, 8, true},
	} {
		t.Run(tc.v.String(), func(t *testing.T) {
			s := tc.v.Scheme()
			if s.Depth() != tc.depth || len(s.Built()) != tc.built {
				t.Errorf("depth %d / built %d, want %d / %d", s.Depth(), len(s.Built()), tc.depth, tc.built)
			}
			if s.PageSize() != tc.pageSize {
				t.Errorf("page size %#x, want %#x", s.PageSize(), tc.pageSize)
			}
			if s.EntrySize() != tc.entry || s.PAE != (tc.entry == 8) {
				t.Errorf("entry size %d PAE %v, want %d", s.EntrySize(), s.PAE, tc.entry)
			}
			if s.LongMode != tc.longMode {
				t.Errorf("long mode %v, want %v", s.LongMode, tc.longMode)
			}
			if !s.Built()[s.Terminal].Super {
				t.Errorf("terminal level %s cannot map large pages", s.Built()[s.Terminal].Name)
			}
			got, err := ParseVariant(tc.v.String())
			if err != nil || got != tc.v {
				t.Errorf("ParseVariant(%q) = %v, %v", tc.v.String(), got, err)
			}
		})
	}
	if _, err := ParseVariant("long4k"); err == nil {
		t.Errorf("ParseVariant(long4k) succeeded")
	}
}

func TestGeometry(t *testing.T) {
	for _, tc := range []struct {
		v       Variant
		size    uint64
		tables  []int
		entries []int
	}{
		{Legacy32, 4 * hostarch.GiB, []int{1}, []int{1024}},
		{Legacy32, 8 * hostarch.MiB, []int{1}, []int{2}},
		{PAE32, 4 * hostarch.GiB, []int{1, 4}, []int{4, 2048}},
		{PAE32, 1026 * hostarch.MiB, []int{1, 2}, []int{2, 513}},
		{Long2M, 4 * hostarch.GiB, []int{1, 1, 4}, []int{1, 4, 2048}},
		{Long2M, 2 * hostarch.MiB, []int{1, 1, 1}, []int{1, 1, 1}},
		{Long1G, 4 * hostarch.GiB, []int{1, 1}, []int{1, 4}},
		{Long1G, 512 * hostarch.GiB, []int{1, 1}, []int{1, 512}},
	} {
		t.Run(fmt.Sprintf("%v/%#x", tc.v, tc.size), func(t *testing.T) {
			g, err := NewGeometry(tc.v, Options{Size: tc.size})
			if err != nil {
				t.Fatalf("NewGeometry failed: %v", err)
			}
			if diff := cmp.Diff(tc.tables, g.Tables); diff != "" {
				t.Errorf("tables mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.entries, g.Entries); diff != "" {
				t.Errorf("entries mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBadRange(t *testing.T) {
	for _, tc := range []struct {
		v    Variant
		size uint64
		want error
	}{
		{Long2M, 0, ErrRangeAlignment},
		{Long2M, 3 * hostarch.MiB, ErrRangeAlignment},
		{Long1G, hostarch.GiB + 2*hostarch.MiB, ErrRangeAlignment},
		{Legacy32, 2 * hostarch.MiB, ErrRangeAlignment},
		{Legacy32, 8 * hostarch.GiB, ErrRangeTooLarge},
		{PAE32, 5 * hostarch.GiB, ErrRangeTooLarge},
		{Long1G, 513 * hostarch.GiB, ErrRangeTooLarge},
	} {
		if _, err := NewGeometry(tc.v, Options{Size: tc.size}); !errors.Is(err, tc.want) {
			t.Errorf("NewGeometry(%v, %#x) = %v, want %v", tc.v, tc.size, err, tc.want)
		}
	}
}

func TestMappings(t *testing.T) {
	for _, tc := range []struct {
		v    Variant
		opts Options
	}{
		{Legacy32, Options{Size: 4 * hostarch.GiB}},
		{Legacy32, Options{Size: 16 * hostarch.MiB, User: true}},
		{PAE32, Options{Size: 4 * hostarch.GiB}},
		{PAE32, Options{Size: 8 * hostarch.MiB, User: true}},
		{Long2M, Options{Size: 4 * hostarch.GiB}},
		{Long2M, Options{Size: 1030 * hostarch.MiB, User: true}},
		{Long1G, Options{Size: 4 * hostarch.GiB}},
		{Long1G, Options{Size: 64 * hostarch.GiB, User: true}},
	} {
		t.Run(fmt.Sprintf("%v/%#x/user=%v", tc.v, tc.opts.Size, tc.opts.User), func(t *testing.T) {
			mem := newTestMemory()
			tree := mustBuild(t, tc.v, mem, tc.opts)
			opts := MapOpts{Writable: true, User: tc.opts.User}
			checkMappings(t, mem, tree, identity(tc.opts.Size, tc.v.PageSize(), opts))
		})
	}
}

func TestWellFormed(t *testing.T) {
	for _, v := range Variants {
		t.Run(v.String(), func(t *testing.T) {
			mem := newTestMemory()
			tree := mustBuild(t, v, mem, Options{Size: 4 * hostarch.GiB})
			built := v.Scheme().Built()
			for i, l := range built {
				want := uint64(1) << l.Shift
				if i < len(built)-1 {
					want = built[i+1].Align
				}
				for tbl := 0; tbl < tree.Tables[i]; tbl++ {
					for j := 0; j < l.Capacity; j++ {
						raw, err := readEntry(mem, tree.Table(i, tbl)+uint64(j*l.EntrySize), l.EntrySize)
						if err != nil {
							t.Fatalf("readEntry failed: %v", err)
						}
						if raw&present == 0 {
							continue
						}
						addr := raw & (physicalTop - 1) &^ optionMask
						if addr%want != 0 {
							t.Errorf("%s[%d][%d] = %#x: address not aligned to %#x", l.Name, tbl, j, raw, want)
						}
						isSuper := raw&super != 0
						if isSuper != (i == len(built)-1) {
							t.Errorf("%s[%d][%d] = %#x: large page bit %v at built level %d", l.Name, tbl, j, raw, isSuper, i)
						}
						if l.PointerOnly && raw&(writable|user) != 0 {
							t.Errorf("%s[%d][%d] = %#x: reserved permission bits set", l.Name, tbl, j, raw)
						}
					}
				}
			}
		})
	}
}

func TestChaining(t *testing.T) {
	mem := newTestMemory()
	tree := mustBuild(t, Long2M, mem, Options{Size: 4 * hostarch.GiB})
	const pdpt, pd = 1, 2
	if got, want := tree.Tables[pd], 4; got != want {
		t.Fatalf("PD tables = %d, want %d", got, want)
	}
	for k := 0; k < tree.Tables[pd]; k++ {
		raw, err := readEntry(mem, tree.Table(pdpt, 0)+uint64(k*8), 8)
		if err != nil {
			t.Fatalf("readEntry failed: %v", err)
		}
		if got, want := PTE(raw).Address(), tree.Bases[pd]+uint64(k)*hostarch.PageSize; got != want {
			t.Errorf("PDPT[%d] -> %#x, want %#x", k, got, want)
		}
	}
	// First, middle and last PD tables: entry 0 maps k GiB and the last
	// entry maps the top 2 MiB of that gigabyte.
	for _, k := range []int{0, 1, 3} {
		base := tree.Table(pd, k)
		first, _ := readEntry(mem, base, 8)
		last, _ := readEntry(mem, base+511*8, 8)
		if got, want := PTE(first).Address(), uint64(k)<<30; got != want {
			t.Errorf("PD%d[0] = %#x, want %#x", k, got, want)
		}
		if got, want := PTE(last).Address(), uint64(k)<<30|511<<21; got != want {
			t.Errorf("PD%d[511] = %#x, want %#x", k, got, want)
		}
	}

	// The largest giant page must not be truncated to 32 bits.
	tree = mustBuild(t, Long1G, mem, Options{Size: 512 * hostarch.GiB})
	raw, _ := readEntry(mem, tree.Table(pdpt, 0)+511*8, 8)
	if got, want := PTE(raw).Address(), uint64(511)<<30; got != want {
		t.Errorf("PDPT[511] = %#x, want %#x", got, want)
	}
}

func TestEndToEnd(t *testing.T) {
	mem := newTestMemory()
	tree := mustBuild(t, Long2M, mem, Options{Size: 4 * hostarch.GiB})
	tr, err := Walk(mem, Long2M, tree.Root(), 0x40201000)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if len(tr.Visits) != 3 {
		t.Fatalf("visits = %+v, want 3", tr.Visits)
	}
	pd := tr.Visits[2]
	if pd.Table != tree.Table(2, 1) {
		t.Errorf("PD table = %#x, want second PD table %#x", pd.Table, tree.Table(2, 1))
	}
	if pd.Index != 1 {
		t.Errorf("PD index = %d, want 1", pd.Index)
	}
	if got := PTE(pd.Entry).Address(); got != 0x40200000 {
		t.Errorf("PD entry maps %#x, want 0x40200000", got)
	}
	want := Translation{
		Virtual:  0x40201000,
		Physical: 0x40201000,
		PageSize: 2 * hostarch.MiB,
		Opts:     MapOpts{Writable: true},
	}
	if diff := cmp.Diff(want, tr, cmpopts.IgnoreFields(Translation{}, "Visits")); diff != "" {
		t.Errorf("translation mismatch (-want +got):\n%s", diff)
	}
}

func TestWalkUnmapped(t *testing.T) {
	for _, v := range Variants {
		mem := newTestMemory()
		tree := mustBuild(t, v, mem, Options{Size: hostarch.GiB})
		if _, err := Walk(mem, v, tree.Root(), hostarch.GiB-1); err != nil {
			t.Errorf("%v: Walk(last byte) failed: %v", v, err)
		}
		if _, err := Walk(mem, v, tree.Root(), hostarch.GiB); !errors.Is(err, ErrNotMapped) {
			t.Errorf("%v: Walk(end) = %v, want %v", v, err, ErrNotMapped)
		}
		if _, err := Walk(mem, v, tree.Root(), 1<<40); !errors.Is(err, ErrNotMapped) {
			t.Errorf("%v: Walk(1TiB) = %v, want %v", v, err, ErrNotMapped)
		}
	}
}

func TestWalkNonCanonical(t *testing.T) {
	for _, v := range []Variant{Long2M, Long1G} {
		mem := newTestMemory()
		tree := mustBuild(t, v, mem, Options{Size: hostarch.GiB})
		for _, va := range []uint64{1<<48 | 0x201000, 1<<47 | 0x201000, 0xffff000000201000} {
			if tr, err := Walk(mem, v, tree.Root(), va); !errors.Is(err, ErrNotMapped) {
				t.Errorf("%v: Walk(%#x) = %#x, %v, want %v", v, va, tr.Physical, err, ErrNotMapped)
			}
		}
	}
	for _, tc := range []struct {
		va   uint64
		want bool
	}{
		{0, true},
		{1<<47 - 1, true},
		{1 << 47, false},
		{1<<48 | 0x201000, false},
		{0xffff800000000000, true},
		{0xfffe800000000000, false},
		{^uint64(0), true},
	} {
		if got := Canonical(tc.va); got != tc.want {
			t.Errorf("Canonical(%#x) = %t, want %t", tc.va, got, tc.want)
		}
	}
}

func TestPlacement(t *testing.T) {
	mem := newTestMemory()
	g, err := NewGeometry(PAE32, Options{Size: 4 * hostarch.GiB})
	if err != nil {
		t.Fatalf("NewGeometry failed: %v", err)
	}
	// A 32-byte root may sit anywhere 32-byte aligned.
	tree, err := BuildAt(mem, g, []uint64{0x20020, 0x21000})
	if err != nil {
		t.Fatalf("BuildAt failed: %v", err)
	}
	if tr, err := Walk(mem, PAE32, tree.Root(), 0xC0000000); err != nil || tr.Physical != 0xC0000000 {
		t.Errorf("Walk(3GiB) = %+v, %v", tr, err)
	}
	for _, bases := range [][]uint64{
		{0x20010, 0x21000}, // misaligned root
		{0x20000, 0x21800}, // misaligned directory
		{0x22000, 0x21000}, // root inside the directories
		{0x20000},          // missing level
	} {
		if _, err := BuildAt(mem, g, bases); !errors.Is(err, ErrMisplaced) {
			t.Errorf("BuildAt(%#x) = %v, want %v", bases, err, ErrMisplaced)
		}
	}
}

func TestTotalSize(t *testing.T) {
	g, err := NewGeometry(Long2M, Options{Size: 4 * hostarch.GiB})
	if err != nil {
		t.Fatalf("NewGeometry failed: %v", err)
	}
	if got, want := g.TotalSize(), uint64(6*hostarch.PageSize); got != want {
		t.Errorf("TotalSize = %#x, want %#x", got, want)
	}
}
