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

package sequencer

import (
	"fmt"

	"coldboot.dev/coldboot/pkg/cpu"
	"coldboot.dev/coldboot/pkg/segment"
)

// Call is one recorded primitive.
type Call struct {
	Op   string   `yaml:"op"`
	Args []uint64 `yaml:"args,flow,omitempty"`
}

// String implements fmt.Stringer.String.
func (c Call) String() string {
	s := c.Op
	for i, a := range c.Args {
		if i == 0 {
			s += " "
		} else {
			s += ", "
		}
		s += fmt.Sprintf("%#x", a)
	}
	return s
}

// Recorder is a cpu.Machine that records the primitives applied to it.
type Recorder struct {
	Calls []Call
}

var _ cpu.Machine = (*Recorder)(nil)

func (r *Recorder) record(op string, args ...uint64) error {
	r.Calls = append(r.Calls, Call{Op: op, Args: args})
	return nil
}

// DisableInterrupts implements cpu.Machine.DisableInterrupts.
func (r *Recorder) DisableInterrupts() error {
	return r.record("cli")
}

// PreserveBootWords implements cpu.Machine.PreserveBootWords.
func (r *Recorder) PreserveBootWords() error {
	return r.record("save-boot-words")
}

// LoadGDT implements cpu.Machine.LoadGDT.
func (r *Recorder) LoadGDT(pointer uint64) error {
	return r.record("lgdt", pointer)
}

// LoadDataSegments implements cpu.Machine.LoadDataSegments.
func (r *Recorder) LoadDataSegments(sel segment.Selector) error {
	return r.record("load-data-segments", uint64(sel))
}

// ReloadCode implements cpu.Machine.ReloadCode.
func (r *Recorder) ReloadCode(sel segment.Selector, long bool) error {
	if long {
		return r.record("ljmp64", uint64(sel))
	}
	return r.record("ljmp", uint64(sel))
}

// SetStack implements cpu.Machine.SetStack.
func (r *Recorder) SetStack(top uint64) error {
	return r.record("set-stack", top)
}

// SetControl implements cpu.Machine.SetControl.
func (r *Recorder) SetControl(reg cpu.Register, bits uint64) error {
	return r.record("set-"+reg.String(), bits)
}

// ClearControl implements cpu.Machine.ClearControl.
func (r *Recorder) ClearControl(reg cpu.Register, bits uint64) error {
	return r.record("clear-"+reg.String(), bits)
}

// SetMSR implements cpu.Machine.SetMSR.
func (r *Recorder) SetMSR(msr uint32, bits uint64) error {
	return r.record("set-msr", uint64(msr), bits)
}

// WriteCR3 implements cpu.Machine.WriteCR3.
func (r *Recorder) WriteCR3(root uint64) error {
	return r.record("write-cr3", root)
}

// Handoff implements cpu.Machine.Handoff.
func (r *Recorder) Handoff(entry uint64) error {
	return r.record("call", entry)
}

// Index returns the position of the first call with the given op, or -1.
func (r *Recorder) Index(op string) int {
	for i, c := range r.Calls {
		if c.Op == op {
			return i
		}
	}
	return -1
}
