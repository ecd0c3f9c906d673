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

//go:build linux && amd64
// +build linux,amd64

package kvm

import (
	"context"
	"errors"
	"testing"
	"time"

	"coldboot.dev/coldboot/pkg/hostarch"
	"coldboot.dev/coldboot/pkg/image"
	"coldboot.dev/coldboot/pkg/pagetables"
	"coldboot.dev/coldboot/pkg/sequencer"
)

func TestLayouts(t *testing.T) {
	// The structures are passed to the kernel by pointer.
	for _, tc := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"kvm_regs", sizeof[userRegs](), 0x90},
		{"kvm_sregs", sizeof[systemRegs](), 0x138},
		{"kvm_userspace_memory_region", sizeof[memoryRegion](), 0x20},
		{"kvm_cpuid_entry2", sizeof[cpuidEntry](), 40},
	} {
		if tc.got != tc.want {
			t.Errorf("sizeof(%s) = %#x, want %#x", tc.name, tc.got, tc.want)
		}
	}
}

func testImage(t *testing.T, v pagetables.Variant) *image.Image {
	t.Helper()
	img, err := image.Build(image.Config{
		Variant:     v,
		LoadAddress: 0x100000,
		RangeSize:   hostarch.GiB,
		StackSize:   16 * hostarch.KiB,
		KernelEntry: 0x200000,
		KernelStub:  true,
	})
	if err != nil {
		t.Fatalf("image.Build(%v) failed: %v", v, err)
	}
	return img
}

func TestBoot(t *testing.T) {
	if !Available() {
		t.Skip("KVM not available")
	}
	for _, v := range pagetables.Variants {
		t.Run(v.String(), func(t *testing.T) {
			img := testImage(t, v)
			r, err := Boot(context.Background(), img, Options{MaxExits: 16, Timeout: 10 * time.Second})
			if errors.Is(err, ErrFeature) {
				t.Skipf("Boot: %v", err)
			}
			if err != nil {
				t.Fatalf("Boot failed: %v", err)
			}
			if err := r.Verify(img); err != nil {
				t.Errorf("Verify failed: %v", err)
			}
		})
	}
}

func TestCheckFeatures(t *testing.T) {
	features := func(leaf1ECX, extEDX uint32) *cpuidEntries {
		c := &cpuidEntries{nr: 2}
		c.entries[0] = cpuidEntry{function: 1, ecx: leaf1ECX}
		c.entries[1] = cpuidEntry{function: 0x80000001, edx: extEDX}
		return c
	}
	for _, tc := range []struct {
		name    string
		cpuid   *cpuidEntries
		variant pagetables.Variant
		xsave   bool
		wantErr bool
	}{
		{"long2m without 1GiB pages", features(0, 0), pagetables.Long2M, false, false},
		{"long1g without 1GiB pages", features(0, 0x20100800), pagetables.Long1G, false, true},
		{"long1g", features(0, cpuidGiantPages), pagetables.Long1G, false, false},
		{"long1g without extended leaf", &cpuidEntries{nr: 0}, pagetables.Long1G, false, true},
		{"xsave missing", features(0, cpuidGiantPages), pagetables.PAE32, true, true},
		{"xsave", features(cpuidXSave, 0), pagetables.Legacy32, true, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cpuid.check(image.Config{Variant: tc.variant, XSave: tc.xsave})
			if got := errors.Is(err, ErrFeature); got != tc.wantErr {
				t.Errorf("check() = %v, want ErrFeature: %t", err, tc.wantErr)
			}
		})
	}
}

func TestTripleFault(t *testing.T) {
	if !Available() {
		t.Skip("KVM not available")
	}
	img := testImage(t, pagetables.Long2M)

	// Without a root the first fetch after enabling paging faults, and
	// with no handlers installed the fault escalates.
	if img.Program.Index(sequencer.InstallPageTableRoot) < 0 {
		t.Fatalf("no step %s", sequencer.InstallPageTableRoot)
	}
	img.Plan.PageTableRoot = 0x1000
	text, _ := img.Layout.Lookup(image.RegionText)
	code, err := reencode(img, text.Addr)
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	text.Contents = code
	if err := img.Load(img.Memory()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := Boot(context.Background(), img, Options{MaxExits: 16, Timeout: 10 * time.Second}); !errors.Is(err, ErrTripleFault) {
		t.Errorf("Boot got err %v, want %v", err, ErrTripleFault)
	}
}
