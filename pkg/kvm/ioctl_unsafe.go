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
	"unsafe"

	"golang.org/x/exp/constraints"
	"golang.org/x/sys/unix"
)

// ioctlPtr makes an ioctl with a pointer to params.
func ioctlPtr[Cmd constraints.Integer, Params any](fd int, cmd Cmd, params *Params) (uintptr, error) {
	return ioctl(fd, cmd, uintptr(unsafe.Pointer(params)))
}

// ioctl makes an ioctl with an integer argument.
func ioctl[Cmd, Arg constraints.Integer](fd int, cmd Cmd, arg Arg) (uintptr, error) {
	n, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(cmd), uintptr(arg))
	if errno != 0 {
		return n, errno
	}
	return n, nil
}

// setMemory maps mem at guest physical address zero.
func (m *Machine) setMemory(mem []byte) error {
	region := memoryRegion{
		slot:          0,
		guestPhysAddr: 0,
		memorySize:    uint64(len(mem)),
		userspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	_, err := ioctlPtr(m.vm, _KVM_SET_USER_MEMORY_REGION, &region)
	return err
}
