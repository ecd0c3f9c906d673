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
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"coldboot.dev/coldboot/pkg/cpu"
	"coldboot.dev/coldboot/pkg/hostarch"
	"coldboot.dev/coldboot/pkg/image"
	"coldboot.dev/coldboot/pkg/log"
	"coldboot.dev/coldboot/pkg/multiboot"
)

// Errors returned by Boot.
var (
	// ErrTripleFault is returned when the guest shuts down.
	ErrTripleFault = errors.New("guest triple faulted")

	// ErrEntry is returned when KVM fails to enter the guest.
	ErrEntry = errors.New("guest entry failed")

	// ErrExits is returned when the guest exits too often without halting.
	ErrExits = errors.New("too many guest exits")

	// ErrFeature is returned when KVM does not expose a feature the image
	// needs.
	ErrFeature = errors.New("feature not supported by KVM")
)

// maxInterrupts bounds KVM_RUN retries after signals.
const maxInterrupts = 100

// exitLog logs unexpected exits. A guest spinning on port I/O would
// otherwise flood the log.
var exitLog = log.BasicRateLimitedLogger(time.Second)

// Available returns true if KVM can be opened.
func Available() bool {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return false
	}
	unix.Close(fd)
	return true
}

// Machine is a VM with a single vCPU and memory at guest physical zero.
type Machine struct {
	// fd is the /dev/kvm fd.
	fd int

	// vm is the VM fd.
	vm int

	// vcpu is the vCPU fd.
	vcpu int

	// mem is guest memory.
	mem []byte

	// run is the vCPU's kvm_run mapping.
	run []byte

	// cpuid is the feature set given to the vCPU.
	cpuid *cpuidEntries
}

// New creates a VM with size bytes of guest memory.
func New(size uint64) (m *Machine, retErr error) {
	if size == 0 || size%hostarch.PageSize != 0 || size >= tssAddr {
		return nil, fmt.Errorf("guest memory size %#x is not a page multiple below %#x", size, tssAddr)
	}
	m = &Machine{fd: -1, vm: -1, vcpu: -1}
	defer func() {
		if retErr != nil {
			m.Close()
		}
	}()

	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening /dev/kvm: %w", err)
	}
	m.fd = fd
	if v, err := ioctl(m.fd, _KVM_GET_API_VERSION, 0); err != nil || v != _KVM_API_VERSION {
		return nil, fmt.Errorf("KVM API version %d, want %d: %v", v, _KVM_API_VERSION, err)
	}
	vm, err := ioctl(m.fd, _KVM_CREATE_VM, 0)
	if err != nil {
		return nil, fmt.Errorf("creating VM: %w", err)
	}
	m.vm = int(vm)
	if _, err := ioctl(m.vm, _KVM_SET_TSS_ADDR, tssAddr); err != nil {
		return nil, fmt.Errorf("setting TSS address: %w", err)
	}

	m.mem, err = unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("allocating guest memory: %w", err)
	}
	if err := m.setMemory(m.mem); err != nil {
		return nil, fmt.Errorf("mapping guest memory: %w", err)
	}

	vcpu, err := ioctl(m.vm, _KVM_CREATE_VCPU, 0)
	if err != nil {
		return nil, fmt.Errorf("creating vCPU: %w", err)
	}
	m.vcpu = int(vcpu)
	runSize, err := ioctl(m.fd, _KVM_GET_VCPU_MMAP_SIZE, 0)
	if err != nil {
		return nil, fmt.Errorf("getting vCPU mapping size: %w", err)
	}
	m.run, err = unix.Mmap(m.vcpu, 0, int(runSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping vCPU: %w", err)
	}

	// The host's supported features are passed through, so the guest can
	// enable long mode, large pages and extended state where the host can.
	m.cpuid = &cpuidEntries{nr: _KVM_NR_CPUID_ENTRIES}
	if _, err := ioctlPtr(m.fd, _KVM_GET_SUPPORTED_CPUID, m.cpuid); err != nil {
		return nil, fmt.Errorf("getting supported CPUID: %w", err)
	}
	if _, err := ioctlPtr(m.vcpu, _KVM_SET_CPUID2, m.cpuid); err != nil {
		return nil, fmt.Errorf("setting CPUID: %w", err)
	}
	return m, nil
}

// Memory returns guest physical memory.
func (m *Machine) Memory() *image.Memory {
	return image.WrapMemory(m.mem)
}

// Close releases the VM.
func (m *Machine) Close() error {
	if m.run != nil {
		unix.Munmap(m.run)
		m.run = nil
	}
	for _, fd := range []*int{&m.vcpu, &m.vm, &m.fd} {
		if *fd >= 0 {
			unix.Close(*fd)
			*fd = -1
		}
	}
	if m.mem != nil {
		unix.Munmap(m.mem)
		m.mem = nil
	}
	return nil
}

// Start sets the vCPU to the loader handoff state at entry.
func (m *Machine) Start(entry uint64, magic, info uint32) error {
	var sregs systemRegs
	if _, err := ioctlPtr(m.vcpu, _KVM_GET_SREGS, &sregs); err != nil {
		return fmt.Errorf("getting system registers: %w", err)
	}
	sregs.loaderState()
	if _, err := ioctlPtr(m.vcpu, _KVM_SET_SREGS, &sregs); err != nil {
		return fmt.Errorf("setting system registers: %w", err)
	}
	regs := userRegs{
		RAX:    uint64(magic),
		RBX:    uint64(info),
		RIP:    entry,
		RFLAGS: cpu.RFLAGSReserved | cpu.RFLAGSIF,
	}
	if _, err := ioctlPtr(m.vcpu, _KVM_SET_REGS, &regs); err != nil {
		return fmt.Errorf("setting registers: %w", err)
	}
	return nil
}

// enter runs the vCPU until the next exit and returns the exit reason.
func (m *Machine) enter(ctx context.Context) (uint32, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, maxInterrupts), ctx)
	err := backoff.Retry(func() error {
		_, err := ioctl(m.vcpu, _KVM_RUN, 0)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			return err
		default:
			return backoff.Permanent(err)
		}
	}, b)
	if err != nil {
		return 0, fmt.Errorf("running vCPU: %w", err)
	}
	return binary.LittleEndian.Uint32(m.run[runExitReason:]), nil
}

// Run runs the vCPU until it halts. At most maxExits other exits are
// tolerated.
func (m *Machine) Run(ctx context.Context, maxExits int) error {
	for exits := 0; ; exits++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if exits > maxExits {
			return fmt.Errorf("%w: %d", ErrExits, exits)
		}
		reason, err := m.enter(ctx)
		if err != nil {
			return err
		}
		u := m.run[runUnion:]
		switch reason {
		case _KVM_EXIT_HLT:
			return nil
		case _KVM_EXIT_SHUTDOWN:
			return ErrTripleFault
		case _KVM_EXIT_FAIL_ENTRY:
			return fmt.Errorf("%w: hardware reason %#x", ErrEntry, binary.LittleEndian.Uint64(u))
		case _KVM_EXIT_INTERNAL_ERROR:
			return fmt.Errorf("%w: internal error %d", ErrEntry, binary.LittleEndian.Uint32(u))
		case _KVM_EXIT_IO:
			exitLog.Warningf("Guest port I/O: direction %d, size %d, port %#x", u[0], u[1], binary.LittleEndian.Uint16(u[2:]))
		case _KVM_EXIT_MMIO:
			exitLog.Warningf("Guest MMIO at %#x", binary.LittleEndian.Uint64(u))
		case _KVM_EXIT_INTR, _KVM_EXIT_IRQ_WINDOW_OPEN:
		default:
			exitLog.Warningf("Unexpected exit reason %d", reason)
		}
	}
}

// State returns the vCPU's architectural state.
func (m *Machine) State() (cpu.State, bool, error) {
	var (
		regs  userRegs
		sregs systemRegs
	)
	if _, err := ioctlPtr(m.vcpu, _KVM_GET_REGS, &regs); err != nil {
		return cpu.State{}, false, fmt.Errorf("getting registers: %w", err)
	}
	if _, err := ioctlPtr(m.vcpu, _KVM_GET_SREGS, &sregs); err != nil {
		return cpu.State{}, false, fmt.Errorf("getting system registers: %w", err)
	}
	return state(&regs, &sregs), sregs.CS.L != 0, nil
}

// Options configure Boot.
type Options struct {
	// MaxExits is the number of non-halt exits tolerated.
	MaxExits int

	// Timeout bounds the run. It is only checked between exits.
	Timeout time.Duration
}

// Result is the outcome of a boot.
type Result struct {
	// State is the vCPU state when it halted.
	State cpu.State

	// Handoff is the kernel entry inferred from the halted state.
	Handoff *image.Handoff
}

// Boot boots img on a fresh VM. img must have been built with a kernel stub,
// whose halt ends the run.
func Boot(ctx context.Context, img *image.Image, opts Options) (*Result, error) {
	if !img.Config.KernelStub {
		return nil, errors.New("image has no kernel stub to halt the run")
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	m, err := New(uint64(hostarch.Addr(img.GuestSize()).MustRoundUp()))
	if err != nil {
		return nil, err
	}
	defer m.Close()
	if err := m.cpuid.check(img.Config); err != nil {
		return nil, err
	}
	mem := m.Memory()
	if err := img.LoadGuest(mem); err != nil {
		return nil, err
	}
	if err := m.Start(img.Entry(), multiboot.BootMagic, image.InfoAddr); err != nil {
		return nil, err
	}
	log.Infof("Running %v image on KVM, pid %d", img.Config.Variant, os.Getpid())
	if err := m.Run(ctx, opts.MaxExits); err != nil {
		if s, _, serr := m.State(); serr == nil {
			log.Warningf("Guest stopped: %s", &s)
		}
		return nil, err
	}
	s, long, err := m.State()
	if err != nil {
		return nil, err
	}
	r := &Result{State: s}

	// The stub is a single halt, so a run that reached it stops just past
	// the entry point.
	if s.RIP != img.Config.KernelEntry+1 {
		log.Warningf("Guest halted at %#x, not in the kernel stub", s.RIP)
		return r, nil
	}
	h := &image.Handoff{Entry: s.RIP - 1, Long: long}
	if long {
		h.Args = [2]uint64{s.RDI, s.RSI}
	} else {
		var b [12]byte
		if _, err := mem.ReadAt(b[:], int64(s.RSP)); err != nil {
			return nil, fmt.Errorf("reading guest stack at %#x: %w", s.RSP, err)
		}
		h.Args = [2]uint64{uint64(binary.LittleEndian.Uint32(b[4:])), uint64(binary.LittleEndian.Uint32(b[8:]))}
	}
	r.Handoff = h
	return r, nil
}

// Verify checks the result against img.
func (r *Result) Verify(img *image.Image) error {
	return img.Verify(r.State, r.Handoff)
}
