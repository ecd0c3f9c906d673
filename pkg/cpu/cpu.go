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

// Package cpu defines the processor state touched during boot and the
// primitives used to change it.
package cpu

import "fmt"

// Control register bits.
const (
	CR0PE = 1 << 0
	CR0MP = 1 << 1
	CR0EM = 1 << 2
	CR0TS = 1 << 3
	CR0ET = 1 << 4
	CR0NE = 1 << 5
	CR0WP = 1 << 16
	CR0AM = 1 << 18
	CR0PG = 1 << 31

	CR4PSE        = 1 << 4
	CR4PAE        = 1 << 5
	CR4OSFXSR     = 1 << 9
	CR4OSXMMEXCPT = 1 << 10
	CR4OSXSAVE    = 1 << 18
)

// Model specific registers.
const (
	MSREFER = 0xc0000080

	EFERSCE = 1 << 0
	EFERLME = 1 << 8
	EFERLMA = 1 << 10
	EFERNX  = 1 << 11
)

// RFLAGS bits.
const (
	RFLAGSIF       = 1 << 9
	RFLAGSReserved = 1 << 1
)

// Boot protocol values.
const (
	// ResetCR0 is CR0 as left by a multiboot2 loader: protected mode,
	// paging off.
	ResetCR0 = CR0PE | CR0ET

	// StackAlign is the stack alignment required at a call.
	StackAlign = 16
)

// Register is a control register.
type Register int

// Control registers that are changed bit by bit.
const (
	CR0 Register = iota
	CR4
)

// String implements fmt.Stringer.String.
func (r Register) String() string {
	switch r {
	case CR0:
		return "cr0"
	case CR4:
		return "cr4"
	default:
		return fmt.Sprintf("Register(%d)", int(r))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Register) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

var cr0Names = []struct {
	bit  uint64
	name string
}{
	{CR0PE, "PE"}, {CR0MP, "MP"}, {CR0EM, "EM"}, {CR0TS, "TS"}, {CR0ET, "ET"},
	{CR0NE, "NE"}, {CR0WP, "WP"}, {CR0AM, "AM"}, {CR0PG, "PG"},
}

var cr4Names = []struct {
	bit  uint64
	name string
}{
	{CR4PSE, "PSE"}, {CR4PAE, "PAE"}, {CR4OSFXSR, "OSFXSR"},
	{CR4OSXMMEXCPT, "OSXMMEXCPT"}, {CR4OSXSAVE, "OSXSAVE"},
}

// BitNames returns the names of the known bits of r set in v.
func (r Register) BitNames(v uint64) []string {
	table := cr0Names
	if r == CR4 {
		table = cr4Names
	}
	var names []string
	for _, b := range table {
		if v&b.bit != 0 {
			names = append(names, b.name)
		}
	}
	return names
}
