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
	"errors"
	"fmt"

	"coldboot.dev/coldboot/pkg/cpu"
	"coldboot.dev/coldboot/pkg/log"
	"coldboot.dev/coldboot/pkg/pagetables"
)

// ID identifies a step. IDs order the sequence; long mode steps carry a
// suffix and sit between the numbered steps.
type ID string

// Step IDs.
const (
	MaskInterrupts           ID = "1"
	LoadDescriptorTable      ID = "2"
	ReloadSegments           ID = "3"
	EstablishStack           ID = "4"
	EnableExtendedAddressing ID = "5"
	EnableLongMode           ID = "5a"
	InstallPageTableRoot     ID = "6"
	EnablePaging             ID = "7"
	EnableFloatingPoint      ID = "8"
	EnterLongMode            ID = "8a"
	Handoff                  ID = "9"
)

// ErrOrder is returned when a step runs before its requirement.
var ErrOrder = errors.New("step requirement not satisfied")

// Step is one processor state transition.
type Step struct {
	ID   ID     `yaml:"id"`
	Name string `yaml:"name"`

	// Requires is the step whose postcondition is this step's
	// precondition. It is empty only for the first step.
	Requires ID `yaml:"requires,omitempty"`

	// Pre and Post describe the processor state before and after.
	Pre  string `yaml:"pre"`
	Post string `yaml:"post"`

	// Apply performs the step.
	Apply func(m cpu.Machine, p *Plan) error `yaml:"-"`

	// longOnly is set for steps that only exist in long mode programs.
	longOnly bool

	// longRequires replaces Requires in long mode programs.
	longRequires ID
}

var steps = []Step{
	{
		ID:   MaskInterrupts,
		Name: "MaskInterrupts",
		Pre:  "loader handoff state: protected mode, paging off, boot words in EAX and EBX",
		Post: "interrupts masked, boot words preserved in EDI and ESI",
		Apply: func(m cpu.Machine, p *Plan) error {
			if err := m.DisableInterrupts(); err != nil {
				return err
			}
			return m.PreserveBootWords()
		},
	},
	{
		ID:       LoadDescriptorTable,
		Name:     "LoadDescriptorTable",
		Requires: MaskInterrupts,
		Pre:      "descriptor table built and placed",
		Post:     "descriptor table register loaded; segment loads are well defined",
		Apply: func(m cpu.Machine, p *Plan) error {
			return m.LoadGDT(p.GDTPointer)
		},
	},
	{
		ID:       ReloadSegments,
		Name:     "ReloadSegments",
		Requires: LoadDescriptorTable,
		Pre:      "descriptor table register loaded",
		Post:     "all segment registers hold flat descriptors",
		Apply: func(m cpu.Machine, p *Plan) error {
			if err := m.ReloadCode(p.Selectors.Transition, false); err != nil {
				return err
			}
			return m.LoadDataSegments(p.Selectors.Data)
		},
	},
	{
		ID:       EstablishStack,
		Name:     "EstablishStack",
		Requires: ReloadSegments,
		Pre:      "flat segments loaded",
		Post:     "stack pointer at the top of the reserved stack; calls and pushes are safe",
		Apply: func(m cpu.Machine, p *Plan) error {
			return m.SetStack(p.StackTop)
		},
	},
	{
		ID:       EnableExtendedAddressing,
		Name:     "EnableExtendedAddressing",
		Requires: EstablishStack,
		Pre:      "stack established",
		Post:     "the page table entry format of the variant is interpretable",
		Apply: func(m cpu.Machine, p *Plan) error {
			return m.SetControl(cpu.CR4, ExtendedAddressing(p.Variant))
		},
	},
	{
		ID:       EnableLongMode,
		Name:     "EnableLongMode",
		Requires: EnableExtendedAddressing,
		Pre:      "physical address extension enabled",
		Post:     "EFER.LME set; enabling paging activates long mode",
		Apply: func(m cpu.Machine, p *Plan) error {
			return m.SetMSR(cpu.MSREFER, cpu.EFERLME)
		},
		longOnly: true,
	},
	{
		ID:           InstallPageTableRoot,
		Name:         "InstallPageTableRoot",
		Requires:     EnableExtendedAddressing,
		Pre:          "entry format enabled",
		Post:         "CR3 holds the root table; enabling paging uses the built tree",
		longRequires: EnableLongMode,
		Apply: func(m cpu.Machine, p *Plan) error {
			return m.WriteCR3(p.PageTableRoot)
		},
	},
	{
		ID:       EnablePaging,
		Name:     "EnablePaging",
		Requires: InstallPageTableRoot,
		Pre:      "CR3 holds the root table",
		Post:     "all memory accesses are translated through the built tree",
		Apply: func(m cpu.Machine, p *Plan) error {
			return m.SetControl(cpu.CR0, cpu.CR0PG)
		},
	},
	{
		ID:       EnableFloatingPoint,
		Name:     "EnableFloatingPoint",
		Requires: EnablePaging,
		Pre:      "paging enabled",
		Post:     "floating point and vector instructions do not fault",
		Apply: func(m cpu.Machine, p *Plan) error {
			cr0Clear, cr0Set, cr4Set := FloatingPoint(p.XSave)
			if err := m.ClearControl(cpu.CR0, cr0Clear); err != nil {
				return err
			}
			if err := m.SetControl(cpu.CR0, cr0Set); err != nil {
				return err
			}
			return m.SetControl(cpu.CR4, cr4Set)
		},
	},
	{
		ID:       EnterLongMode,
		Name:     "EnterLongMode",
		Requires: EnableFloatingPoint,
		Pre:      "long mode active in compatibility mode",
		Post:     "executing 64-bit code",
		Apply: func(m cpu.Machine, p *Plan) error {
			return m.ReloadCode(p.Selectors.Code, true)
		},
		longOnly: true,
	},
	{
		ID:           Handoff,
		Name:         "Handoff",
		Requires:     EnableFloatingPoint,
		Pre:          "final addressing mode, paging on, stack valid, floating point usable",
		Post:         "kernel entry point running with the boot words as arguments",
		longRequires: EnterLongMode,
		Apply: func(m cpu.Machine, p *Plan) error {
			return m.Handoff(p.Entry)
		},
	},
}

// Program is the sequence of steps for one variant.
type Program struct {
	Variant pagetables.Variant `yaml:"variant"`
	Steps   []Step             `yaml:"steps"`
}

// ProgramFor returns the program for v.
func ProgramFor(v pagetables.Variant) Program {
	long := v.LongMode()
	prog := Program{Variant: v}
	for _, s := range steps {
		if s.longOnly && !long {
			continue
		}
		if long && s.longRequires != "" {
			s.Requires = s.longRequires
		}
		prog.Steps = append(prog.Steps, s)
	}
	return prog
}

// Index returns the position of id in the program, or -1.
func (p Program) Index(id ID) int {
	for i, s := range p.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Validate checks that every step's requirement is the step immediately
// before it.
func (p Program) Validate() error {
	for i, s := range p.Steps {
		var want ID
		if i > 0 {
			want = p.Steps[i-1].ID
		}
		if s.Requires != want {
			return fmt.Errorf("%w: step %s (%s) requires %q, preceded by %q", ErrOrder, s.ID, s.Name, s.Requires, want)
		}
	}
	return nil
}

// Run applies the program to m. It stops at the first failing step.
func Run(m cpu.Machine, prog Program, p *Plan) error {
	if p.Variant != prog.Variant {
		return fmt.Errorf("%w: plan for %v, program for %v", ErrInvalidPlan, p.Variant, prog.Variant)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	done := make(map[ID]bool, len(prog.Steps))
	for _, s := range prog.Steps {
		if s.Requires != "" && !done[s.Requires] {
			return fmt.Errorf("step %s (%s): %w: %s has not run", s.ID, s.Name, ErrOrder, s.Requires)
		}
		log.Debugf("Step %s (%s): %s", s.ID, s.Name, s.Post)
		if err := s.Apply(m, p); err != nil {
			return fmt.Errorf("step %s (%s): %w", s.ID, s.Name, err)
		}
		done[s.ID] = true
	}
	return nil
}
