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

package image

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"coldboot.dev/coldboot/pkg/hostarch"
	"coldboot.dev/coldboot/pkg/multiboot"
	"coldboot.dev/coldboot/pkg/pagetables"
	"coldboot.dev/coldboot/pkg/segment"
)

func testConfig(v pagetables.Variant) Config {
	return Config{
		Variant:     v,
		LoadAddress: 0x100000,
		RangeSize:   hostarch.GiB,
		StackSize:   16 * hostarch.KiB,
		KernelEntry: 0x200000,
		KernelStub:  true,
	}
}

func TestBuild(t *testing.T) {
	for _, v := range pagetables.Variants {
		t.Run(v.String(), func(t *testing.T) {
			img, err := Build(testConfig(v))
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if err := img.Plan.Validate(); err != nil {
				t.Errorf("Plan.Validate() = %v", err)
			}

			// The header is the first thing a loader finds.
			h, off, err := multiboot.Find(img.Bytes())
			if err != nil {
				t.Fatalf("multiboot.Find failed: %v", err)
			}
			if off != 0 {
				t.Errorf("header at offset %#x, want 0", off)
			}
			want := multiboot.Header{
				HeaderAddr:  0x100000,
				LoadAddr:    0x100000,
				LoadEndAddr: uint32(0x100000 + len(img.Bytes())),
				BSSEndAddr:  uint32(img.Plan.StackTop),
				Entry:       uint32(img.Entry()),
			}
			if diff := cmp.Diff(want, h); diff != "" {
				t.Errorf("header mismatch (-want +got):\n%s", diff)
			}

			// The stored table matches the built one.
			gdt, ok := img.Layout.Lookup(RegionGDT)
			if !ok {
				t.Fatalf("no %s region", RegionGDT)
			}
			if gdt.Addr%segment.TableAlign != 0 {
				t.Errorf("gdt at %#x, want %d-byte alignment", gdt.Addr, segment.TableAlign)
			}
			ptr, _ := img.Layout.Lookup(RegionGDTPointer)
			stored := img.Memory().Bytes()[ptr.Addr : ptr.Addr+segment.PointerSize32]
			if got, want := segment.DecodePointer(stored), img.Table.Pointer(gdt.Addr); got != want {
				t.Errorf("stored pointer = %+v, want %+v", got, want)
			}

			// Every level is placed at its own alignment.
			for _, l := range v.Scheme().Built() {
				r, ok := img.TablesRegion(l.Name)
				if !ok {
					t.Fatalf("no region for level %s", l.Name)
				}
				if r.Addr%l.Align != 0 {
					t.Errorf("%s at %#x, want alignment %#x", l.Name, r.Addr, l.Align)
				}
			}
			if got, want := img.Tree.Root(), img.Plan.PageTableRoot; got != want {
				t.Errorf("root = %#x, plan root = %#x", got, want)
			}

			// The boot code, the tables and the kernel entry are identity
			// mapped.
			for _, va := range []uint64{img.Entry(), img.Tree.Root(), img.Plan.StackTop - 8, img.Config.KernelEntry} {
				tr, err := pagetables.Walk(img.Memory(), v, img.Tree.Root(), va)
				if err != nil {
					t.Errorf("Walk(%#x) failed: %v", va, err)
					continue
				}
				if tr.Physical != va {
					t.Errorf("Walk(%#x) = %#x, want identity", va, tr.Physical)
				}
			}

			stub, ok := img.Layout.Lookup(RegionKernelStub)
			if !ok {
				t.Fatalf("no %s region", RegionKernelStub)
			}
			if stub.End() <= img.Layout.FileEnd() && stub.Addr >= img.Layout.Base() {
				t.Errorf("kernel stub %v stored in the image", stub)
			}
		})
	}
}

func TestBuildDeterministic(t *testing.T) {
	for _, v := range pagetables.Variants {
		a, err := Build(testConfig(v))
		if err != nil {
			t.Fatalf("Build(%v) failed: %v", v, err)
		}
		b, err := Build(testConfig(v))
		if err != nil {
			t.Fatalf("Build(%v) failed: %v", v, err)
		}
		if !bytes.Equal(a.Bytes(), b.Bytes()) {
			t.Errorf("Build(%v) is not deterministic", v)
		}
	}
}

func TestBuildErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{
			name:   "unaligned load address",
			modify: func(c *Config) { c.LoadAddress = 0x100010 },
			want:   ErrConfig,
		},
		{
			name:   "small stack",
			modify: func(c *Config) { c.StackSize = 0x100 },
			want:   ErrConfig,
		},
		{
			name:   "unaligned stack",
			modify: func(c *Config) { c.StackSize = 0x1008 },
			want:   ErrConfig,
		},
		{
			name:   "entry not mapped",
			modify: func(c *Config) { c.KernelEntry = 2 * hostarch.GiB },
			want:   ErrConfig,
		},
		{
			name:   "range not a page multiple",
			modify: func(c *Config) { c.RangeSize = hostarch.GiB + hostarch.PageSize },
			want:   pagetables.ErrRangeAlignment,
		},
		{
			name: "kernel overlaps image",
			modify: func(c *Config) {
				c.Kernel = hostarch.AddrRange{Start: 0x101000, End: 0x300000}
				c.KernelEntry = 0x101000
				c.KernelStub = false
			},
			want: ErrOverlap,
		},
		{
			name:   "stub overlaps image",
			modify: func(c *Config) { c.KernelEntry = 0x100000 },
			want:   ErrOverlap,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(pagetables.Long2M)
			tc.modify(&cfg)
			if _, err := Build(cfg); !errors.Is(err, tc.want) {
				t.Errorf("Build got err %v, want %v", err, tc.want)
			}
		})
	}
}

func TestWriteTo(t *testing.T) {
	img, err := Build(testConfig(pagetables.PAE32))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	var buf bytes.Buffer
	n, err := img.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo failed: %v", err)
	}
	if want := int64(img.Layout.FileEnd() - img.Layout.Base()); n != want {
		t.Errorf("WriteTo wrote %d bytes, want %d", n, want)
	}
	if !bytes.Equal(buf.Bytes(), img.Bytes()) {
		t.Errorf("WriteTo output differs from Bytes()")
	}
}

func TestLoad(t *testing.T) {
	img, err := Build(testConfig(pagetables.Long1G))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := img.AddGuest("info", 0x9000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("AddGuest failed: %v", err)
	}
	mem := NewMemory(4 * hostarch.MiB)
	// Garbage where the stack goes must be cleared.
	stack, _ := img.Layout.Lookup(RegionStack)
	for i := stack.Addr; i < stack.End(); i++ {
		mem.Bytes()[i] = 0xff
	}
	if err := img.Load(mem); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(mem.Bytes()[:img.Memory().Size()], img.Memory().Bytes()) {
		t.Errorf("loaded memory differs from the image memory")
	}
	if got := mem.Bytes()[0x9000:0x9004]; !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Errorf("guest region = %x", got)
	}
}
