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

package pagetables

import (
	"errors"
	"fmt"
)

// ErrNotMapped is returned by Walk when the address has no translation.
var ErrNotMapped = errors.New("address not mapped")

// Visit records one level of a walk.
type Visit struct {
	// Level is the name of the level.
	Level string `yaml:"level"`

	// Table is the address of the table read.
	Table uint64 `yaml:"table"`

	// Index is the entry index within the table.
	Index int `yaml:"index"`

	// Entry is the raw entry value.
	Entry uint64 `yaml:"entry"`
}

// Translation is the result of a walk.
type Translation struct {
	Virtual  uint64  `yaml:"virtual"`
	Physical uint64  `yaml:"physical"`
	PageSize uint64  `yaml:"page-size"`
	Opts     MapOpts `yaml:"opts"`
	Visits   []Visit `yaml:"visits"`
}

// Canonical returns true if bits 63:47 of va are all equal, as four-level
// paging requires.
func Canonical(va uint64) bool {
	top := va >> 47
	return top == 0 || top == 1<<17-1
}

// Walk translates va using the tables rooted at root, the way the hardware
// does for variant v. Permissions are the intersection of every level's.
func Walk(mem Memory, v Variant, root uint64, va uint64) (Translation, error) {
	s := v.Scheme()
	if !s.LongMode && va>>32 != 0 {
		return Translation{}, fmt.Errorf("%w: %#x is beyond the 32-bit space", ErrNotMapped, va)
	}
	if s.LongMode && !Canonical(va) {
		return Translation{}, fmt.Errorf("%w: %#x is not canonical", ErrNotMapped, va)
	}
	tr := Translation{
		Virtual: va,
		Opts:    MapOpts{Writable: true, User: true},
	}
	table := root
	for _, l := range s.Levels {
		idx := l.index(va)
		raw, err := readEntry(mem, table+uint64(idx*l.EntrySize), l.EntrySize)
		if err != nil {
			return Translation{}, err
		}
		tr.Visits = append(tr.Visits, Visit{Level: l.Name, Table: table, Index: idx, Entry: raw})
		if raw&present == 0 {
			return tr, fmt.Errorf("%w: %#x at %s[%d]", ErrNotMapped, va, l.Name, idx)
		}
		if !l.PointerOnly {
			tr.Opts.Writable = tr.Opts.Writable && raw&writable != 0
			tr.Opts.User = tr.Opts.User && raw&user != 0
		}
		addr := raw &^ optionMask
		if l.EntrySize == 4 {
			addr &= 0xffffffff
		} else {
			addr &= physicalTop - 1
		}
		last := l.Shift == s.Levels[len(s.Levels)-1].Shift
		if last || (l.Super && raw&super != 0) {
			size := uint64(1) << l.Shift
			tr.PageSize = size
			tr.Physical = addr&^(size-1) | va&(size-1)
			return tr, nil
		}
		table = addr
	}
	panic("unreachable")
}

// Mapping is a contiguous range of a tree mapped by one terminal entry.
type Mapping struct {
	Start    uint64
	Length   uint64
	Physical uint64
	Opts     MapOpts
}

// Mappings returns every terminal mapping of t in address order.
func (t *Tree) Mappings(mem Memory) ([]Mapping, error) {
	var ms []Mapping
	err := t.iterate(mem, 0, t.Root(), 0, func(start uint64, l Level, raw uint64) {
		size := uint64(1) << l.Shift
		ms = append(ms, Mapping{
			Start:    start,
			Length:   size,
			Physical: raw & (physicalTop - 1) &^ optionMask,
			Opts:     MapOpts{Writable: raw&writable != 0, User: raw&user != 0},
		})
	})
	return ms, err
}

// iterate visits every valid terminal entry below the table at addr.
func (t *Tree) iterate(mem Memory, i int, addr, start uint64, fn func(start uint64, l Level, raw uint64)) error {
	built := t.Scheme().Built()
	l := built[i]
	for j := 0; j < l.Capacity; j++ {
		raw, err := readEntry(mem, addr+uint64(j*l.EntrySize), l.EntrySize)
		if err != nil {
			return err
		}
		if raw&present == 0 {
			continue
		}
		va := start + uint64(j)<<l.Shift
		if raw&super != 0 || i == len(built)-1 {
			fn(va, l, raw)
			continue
		}
		if err := t.iterate(mem, i+1, raw&(physicalTop-1)&^optionMask, va, fn); err != nil {
			return err
		}
	}
	return nil
}
