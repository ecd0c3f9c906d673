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

package segment

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFlat(t *testing.T) {
	for _, mode := range []Mode{Protected32, Long64} {
		t.Run(mode.String(), func(t *testing.T) {
			tbl := Build(mode)
			if !tbl.Descriptor(0).IsNull() {
				t.Errorf("descriptor 0 = %v, want null", tbl.Descriptor(0))
			}
			for i := 1; i < tbl.Len(); i++ {
				d := tbl.Descriptor(i)
				if !d.Present() {
					t.Errorf("descriptor %d not present: %v", i, d)
				}
				if !d.Flat() {
					t.Errorf("descriptor %d not flat: %v", i, d)
				}
				if d.DPL() != 0 {
					t.Errorf("descriptor %d DPL = %d, want 0", i, d.DPL())
				}
				if d.Flags()&DescriptorG == 0 {
					t.Errorf("descriptor %d has byte granularity: %v", i, d)
				}
			}
		})
	}
}

func TestProtected32(t *testing.T) {
	tbl := Build(Protected32)
	if got, want := tbl.Len(), 3; got != want {
		t.Fatalf("Len = %d, want %d", got, want)
	}
	code, ok := tbl.Lookup(Code)
	if !ok || !code.IsCode() {
		t.Errorf("code selector %v -> %v, want code", Code, code)
	}
	if code.Flags()&DescriptorDB == 0 || code.Flags()&DescriptorLong != 0 {
		t.Errorf("code descriptor flags %#x, want 32-bit", uint32(code.Flags()))
	}
	data, ok := tbl.Lookup(Data)
	if !ok || !data.IsData() {
		t.Errorf("data selector %v -> %v, want data", Data, data)
	}
	if _, ok := tbl.Lookup(Code32); ok {
		t.Errorf("Lookup(%v) succeeded in a protected mode table", Code32)
	}
	if got := tbl.TransitionCode(); got != Code {
		t.Errorf("TransitionCode = %v, want %v", got, Code)
	}
}

func TestLong64(t *testing.T) {
	tbl := Build(Long64)
	if got, want := tbl.Len(), 4; got != want {
		t.Fatalf("Len = %d, want %d", got, want)
	}
	code, _ := tbl.Lookup(Code)
	if code.Flags()&DescriptorLong == 0 || code.Flags()&DescriptorDB != 0 {
		t.Errorf("code descriptor flags %#x, want L=1 D=0", uint32(code.Flags()))
	}
	code32, _ := tbl.Lookup(Code32)
	if !code32.IsCode() || code32.Flags()&DescriptorDB == 0 {
		t.Errorf("code32 descriptor = %v, want 32-bit code", code32)
	}
	want := Selectors{Code: 0x08, Transition: 0x18, Data: 0x10}
	if diff := cmp.Diff(want, tbl.Selectors()); diff != "" {
		t.Errorf("Selectors mismatch (-want +got):\n%s", diff)
	}
}

func TestEncoding(t *testing.T) {
	tbl := Build(Protected32)
	want := []byte{
		0, 0, 0, 0, 0, 0, 0, 0,
		0xFF, 0xFF, 0, 0, 0, 0x9B, 0xCF, 0,
		0xFF, 0xFF, 0, 0, 0, 0x93, 0xCF, 0,
	}
	if diff := cmp.Diff(want, tbl.Encode()); diff != "" {
		t.Errorf("Encode mismatch (-want +got):\n%s", diff)
	}

	ds, err := DecodeTable(Build(Long64).Encode())
	if err != nil {
		t.Fatalf("DecodeTable failed: %v", err)
	}
	if got := ds[Code.Index()].Encode(); got != [8]byte{0xFF, 0xFF, 0, 0, 0, 0x9B, 0xAF, 0} {
		t.Errorf("code64 encoding = % x", got)
	}
	if _, err := DecodeTable(make([]byte, 12)); err == nil {
		t.Errorf("DecodeTable of 12 bytes succeeded")
	}
}

func TestPointer(t *testing.T) {
	tbl := Build(Long64)
	p := tbl.Pointer(0x101000)
	if diff := cmp.Diff(Pointer{Limit: 31, Base: 0x101000}, p); diff != "" {
		t.Errorf("Pointer mismatch (-want +got):\n%s", diff)
	}
	enc := p.Encode(false)
	if diff := cmp.Diff([]byte{31, 0, 0x00, 0x10, 0x10, 0x00}, enc); diff != "" {
		t.Errorf("Encode(false) mismatch (-want +got):\n%s", diff)
	}
	if got := DecodePointer(enc); got != p {
		t.Errorf("DecodePointer = %+v, want %+v", got, p)
	}
	if got := len(p.Encode(true)); got != PointerSize64 {
		t.Errorf("len(Encode(true)) = %d, want %d", got, PointerSize64)
	}
}
