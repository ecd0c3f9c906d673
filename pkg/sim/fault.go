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

package sim

import "fmt"

// Vector is an exception vector.
type Vector int

// Exception vectors raised by the model.
const (
	UD Vector = 6  // Invalid opcode.
	NP Vector = 11 // Segment not present.
	GP Vector = 13 // General protection.
	PF Vector = 14 // Page fault.
)

// String implements fmt.Stringer.String.
func (v Vector) String() string {
	switch v {
	case UD:
		return "#UD"
	case NP:
		return "#NP"
	case GP:
		return "#GP"
	case PF:
		return "#PF"
	default:
		return fmt.Sprintf("vector %d", int(v))
	}
}

// Fault is an exception raised by a primitive. No handlers are installed
// during boot, so every fault is fatal: the processor shuts down.
type Fault struct {
	// Vector is the exception vector.
	Vector Vector

	// Op is the primitive that faulted.
	Op string

	// Addr is the faulting linear address for page faults.
	Addr uint64

	// Reason describes the violated rule.
	Reason string
}

// Error implements error.Error.
func (f *Fault) Error() string {
	if f.Vector == PF {
		return fmt.Sprintf("%v at %#x in %s: %s (triple fault)", f.Vector, f.Addr, f.Op, f.Reason)
	}
	return fmt.Sprintf("%v in %s: %s (triple fault)", f.Vector, f.Op, f.Reason)
}

func gp(op, format string, v ...any) *Fault {
	return &Fault{Vector: GP, Op: op, Reason: fmt.Sprintf(format, v...)}
}

func pf(op string, addr uint64, format string, v ...any) *Fault {
	return &Fault{Vector: PF, Op: op, Addr: addr, Reason: fmt.Sprintf(format, v...)}
}
