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

package x86

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"coldboot.dev/coldboot/pkg/cpu"
	"coldboot.dev/coldboot/pkg/pagetables"
	"coldboot.dev/coldboot/pkg/segment"
	"coldboot.dev/coldboot/pkg/sequencer"
)

const origin = 0x100000

func TestPrimitives(t *testing.T) {
	for _, tc := range []struct {
		name string
		fn   func(e *Encoder) error
		want []byte
	}{
		{
			name: "cli",
			fn:   func(e *Encoder) error { return e.DisableInterrupts() },
			want: []byte{0xfa},
		},
		{
			name: "boot words",
			fn:   func(e *Encoder) error { return e.PreserveBootWords() },
			want: []byte{0x89, 0xc7, 0x89, 0xde},
		},
		{
			name: "lgdt",
			fn:   func(e *Encoder) error { return e.LoadGDT(0x101020) },
			want: []byte{0x0f, 0x01, 0x15, 0x20, 0x10, 0x10, 0x00},
		},
		{
			name: "data segments",
			fn:   func(e *Encoder) error { return e.LoadDataSegments(segment.Data) },
			want: []byte{
				0x66, 0xb8, 0x10, 0x00,
				0x8e, 0xd8, 0x8e, 0xc0, 0x8e, 0xe0, 0x8e, 0xe8, 0x8e, 0xd0,
			},
		},
		{
			name: "far jump",
			fn:   func(e *Encoder) error { return e.ReloadCode(segment.Code32, false) },
			want: []byte{0xea, 0x07, 0x00, 0x10, 0x00, 0x18, 0x00},
		},
		{
			name: "stack",
			fn:   func(e *Encoder) error { return e.SetStack(0x120000) },
			want: []byte{0xbc, 0x00, 0x00, 0x12, 0x00},
		},
		{
			name: "set cr4",
			fn:   func(e *Encoder) error { return e.SetControl(cpu.CR4, cpu.CR4PAE) },
			want: []byte{0x0f, 0x20, 0xe0, 0x0d, 0x20, 0x00, 0x00, 0x00, 0x0f, 0x22, 0xe0},
		},
		{
			name: "set cr0 paging",
			fn:   func(e *Encoder) error { return e.SetControl(cpu.CR0, cpu.CR0PG) },
			want: []byte{0x0f, 0x20, 0xc0, 0x0d, 0x00, 0x00, 0x00, 0x80, 0x0f, 0x22, 0xc0},
		},
		{
			name: "clear cr0",
			fn:   func(e *Encoder) error { return e.ClearControl(cpu.CR0, cpu.CR0EM|cpu.CR0TS) },
			want: []byte{0x0f, 0x20, 0xc0, 0x25, 0xf3, 0xff, 0xff, 0xff, 0x0f, 0x22, 0xc0},
		},
		{
			name: "efer",
			fn:   func(e *Encoder) error { return e.SetMSR(cpu.MSREFER, cpu.EFERLME) },
			want: []byte{
				0xb9, 0x80, 0x00, 0x00, 0xc0,
				0x0f, 0x32,
				0x0d, 0x00, 0x01, 0x00, 0x00,
				0x0f, 0x30,
			},
		},
		{
			name: "cr3",
			fn:   func(e *Encoder) error { return e.WriteCR3(0x102000) },
			want: []byte{0xb8, 0x00, 0x20, 0x10, 0x00, 0x0f, 0x22, 0xd8},
		},
		{
			name: "handoff32",
			fn:   func(e *Encoder) error { return e.Handoff(0x200000) },
			want: []byte{
				0x83, 0xec, 0x08, 0x56, 0x57,
				0xb8, 0x00, 0x00, 0x20, 0x00,
				0xff, 0xd0,
				0xfa, 0xf4, 0xeb, 0xfd,
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEncoder(origin)
			if err := tc.fn(e); err != nil {
				t.Fatalf("failed: %v", err)
			}
			if diff := cmp.Diff(tc.want, e.Bytes()); diff != "" {
				t.Errorf("bytes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLongMode(t *testing.T) {
	e := NewEncoder(origin)
	if err := e.ReloadCode(segment.Code, true); err != nil {
		t.Fatalf("ReloadCode failed: %v", err)
	}
	if !e.Long() {
		t.Fatalf("encoder still 32-bit after far jump to 64-bit code")
	}
	start := e.Len()
	if err := e.Handoff(0xffff800000200000); err != nil {
		t.Fatalf("Handoff failed: %v", err)
	}
	want := []byte{
		0x89, 0xe4, 0x89, 0xff, 0x89, 0xf6,
		0x48, 0xb8, 0x00, 0x00, 0x20, 0x00, 0x00, 0x80, 0xff, 0xff,
		0xff, 0xd0,
		0xfa, 0xf4, 0xeb, 0xfd,
	}
	if diff := cmp.Diff(want, e.Bytes()[start:]); diff != "" {
		t.Errorf("bytes mismatch (-want +got):\n%s", diff)
	}

	for name, fn := range map[string]func() error{
		"lgdt":  func() error { return e.LoadGDT(0x1000) },
		"ljmp":  func() error { return e.ReloadCode(segment.Code, true) },
		"cr0":   func() error { return e.SetControl(cpu.CR0, cpu.CR0PG) },
		"cr3":   func() error { return e.WriteCR3(0x1000) },
		"wrmsr": func() error { return e.SetMSR(cpu.MSREFER, cpu.EFERNX) },
	} {
		if err := fn(); !errors.Is(err, ErrMode) {
			t.Errorf("%s in 64-bit code = %v, want %v", name, err, ErrMode)
		}
	}
}

func TestOperands(t *testing.T) {
	e := NewEncoder(origin)
	for name, fn := range map[string]func() error{
		"lgdt":  func() error { return e.LoadGDT(1 << 32) },
		"stack": func() error { return e.SetStack(1 << 32) },
		"cr3":   func() error { return e.WriteCR3(1 << 40) },
		"call":  func() error { return e.Handoff(1 << 32) },
		"cr4":   func() error { return e.SetControl(cpu.CR4, 1<<33) },
		"reg":   func() error { return e.SetControl(cpu.Register(9), 1) },
	} {
		if err := fn(); !errors.Is(err, ErrOperand) {
			t.Errorf("%s = %v, want %v", name, err, ErrOperand)
		}
	}
	if e.Len() != 0 {
		t.Errorf("rejected primitives emitted % x", e.Bytes())
	}
}

func TestProgram(t *testing.T) {
	for _, v := range pagetables.Variants {
		t.Run(v.String(), func(t *testing.T) {
			p := &sequencer.Plan{
				Variant:       v,
				GDTPointer:    0x101000,
				StackTop:      0x110000,
				PageTableRoot: 0x102000,
				Entry:         0x200000,
			}
			p.Selectors = segment.Build(p.Mode()).Selectors()
			e := NewEncoder(origin)
			if err := sequencer.Run(e, sequencer.ProgramFor(v), p); err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if e.Long() != v.LongMode() {
				t.Errorf("Long = %v, want %v", e.Long(), v.LongMode())
			}
			b := e.Bytes()
			if b[0] != 0xfa {
				t.Errorf("program starts with %#x, want cli", b[0])
			}
			if diff := cmp.Diff([]byte{0xfa, 0xf4, 0xeb, 0xfd}, b[len(b)-4:]); diff != "" {
				t.Errorf("program does not end in a halt loop (-want +got):\n%s", diff)
			}
		})
	}
}
