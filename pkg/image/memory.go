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
	"fmt"
	"io"
)

// Memory is flat physical memory starting at address zero. It implements
// pagetables.Memory.
type Memory struct {
	b []byte
}

// NewMemory returns zeroed memory of the given size.
func NewMemory(size uint64) *Memory {
	return &Memory{b: make([]byte, size)}
}

// WrapMemory returns Memory backed by b, which may be a mapping shared with
// a virtual machine.
func WrapMemory(b []byte) *Memory {
	return &Memory{b: b}
}

// Size returns the memory size.
func (m *Memory) Size() uint64 {
	return uint64(len(m.b))
}

// Bytes returns the backing slice.
func (m *Memory) Bytes() []byte {
	return m.b
}

func (m *Memory) check(off int64, n int) error {
	if off < 0 || uint64(off)+uint64(n) > uint64(len(m.b)) {
		return fmt.Errorf("physical range [%#x, %#x) outside memory of size %#x: %w", off, uint64(off)+uint64(n), len(m.b), io.ErrUnexpectedEOF)
	}
	return nil
}

// ReadAt implements io.ReaderAt.ReadAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if err := m.check(off, len(p)); err != nil {
		return 0, err
	}
	return copy(p, m.b[off:]), nil
}

// WriteAt implements io.WriterAt.WriteAt.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	if err := m.check(off, len(p)); err != nil {
		return 0, err
	}
	return copy(m.b[off:], p), nil
}
