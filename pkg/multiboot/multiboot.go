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

// Package multiboot encodes the multiboot2 image header and the boot
// information structure handed to the kernel.
package multiboot

import (
	"encoding/binary"
	"errors"
	"fmt"

	"coldboot.dev/coldboot/pkg/bits"
)

// Protocol constants.
const (
	// HeaderMagic identifies the image header.
	HeaderMagic = 0xe85250d6

	// BootMagic is passed in EAX by a compliant loader.
	BootMagic = 0x36d76289

	// ArchI386 selects 32-bit protected mode entry.
	ArchI386 = 0

	// HeaderSearch is the part of the image the loader searches.
	HeaderSearch = 32 << 10

	// HeaderAlign is the header and tag alignment.
	HeaderAlign = 8
)

// Header tag types.
const (
	tagEnd          = 0
	tagAddress      = 2
	tagEntryAddress = 3
)

// Header describes a flat (non-ELF) image. Addresses are physical.
type Header struct {
	// HeaderAddr is the load address of the header itself.
	HeaderAddr uint32

	// LoadAddr is the address of the first byte of the file.
	LoadAddr uint32

	// LoadEndAddr is the end of the file's loaded contents.
	LoadEndAddr uint32

	// BSSEndAddr is the end of the zeroed region following the file.
	BSSEndAddr uint32

	// Entry is the 32-bit entry point.
	Entry uint32
}

// HeaderSize is the encoded size of a Header.
const HeaderSize = 16 + 24 + 16 + 8

func putTag(b []byte, typ, size uint32) {
	binary.LittleEndian.PutUint16(b[0:], uint16(typ))
	binary.LittleEndian.PutUint16(b[2:], 0)
	binary.LittleEndian.PutUint32(b[4:], size)
}

// Encode returns the header bytes.
func (h Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:], HeaderMagic)
	binary.LittleEndian.PutUint32(b[4:], ArchI386)
	binary.LittleEndian.PutUint32(b[8:], HeaderSize)
	sum := uint32(HeaderMagic + ArchI386 + HeaderSize)
	binary.LittleEndian.PutUint32(b[12:], -sum)

	t := b[16:]
	putTag(t, tagAddress, 24)
	binary.LittleEndian.PutUint32(t[8:], h.HeaderAddr)
	binary.LittleEndian.PutUint32(t[12:], h.LoadAddr)
	binary.LittleEndian.PutUint32(t[16:], h.LoadEndAddr)
	binary.LittleEndian.PutUint32(t[20:], h.BSSEndAddr)

	// The entry tag is 12 bytes, padded to the tag alignment.
	t = t[24:]
	putTag(t, tagEntryAddress, 12)
	binary.LittleEndian.PutUint32(t[8:], h.Entry)

	putTag(t[16:], tagEnd, 8)
	return b
}

// ErrNoHeader is returned by Find when no valid header is present.
var ErrNoHeader = errors.New("no multiboot2 header")

// Find locates and decodes the header in an image, as a loader does.
func Find(image []byte) (Header, int, error) {
	n := min(len(image), HeaderSearch)
	for off := 0; off+16 <= n; off += HeaderAlign {
		b := image[off:]
		if binary.LittleEndian.Uint32(b) != HeaderMagic {
			continue
		}
		arch := binary.LittleEndian.Uint32(b[4:])
		length := binary.LittleEndian.Uint32(b[8:])
		sum := binary.LittleEndian.Uint32(b[12:])
		if HeaderMagic+arch+length+sum != 0 || int(length) > len(b) || length < 16 {
			continue
		}
		h, err := decodeTags(b[16:length])
		if err != nil {
			return Header{}, 0, fmt.Errorf("header at %#x: %w", off, err)
		}
		return h, off, nil
	}
	return Header{}, 0, ErrNoHeader
}

func decodeTags(b []byte) (Header, error) {
	var h Header
	for len(b) >= 8 {
		typ := binary.LittleEndian.Uint16(b)
		size := binary.LittleEndian.Uint32(b[4:])
		if size < 8 || int(size) > len(b) {
			return Header{}, fmt.Errorf("tag %d has bad size %d", typ, size)
		}
		switch typ {
		case tagEnd:
			return h, nil
		case tagAddress:
			h.HeaderAddr = binary.LittleEndian.Uint32(b[8:])
			h.LoadAddr = binary.LittleEndian.Uint32(b[12:])
			h.LoadEndAddr = binary.LittleEndian.Uint32(b[16:])
			h.BSSEndAddr = binary.LittleEndian.Uint32(b[20:])
		case tagEntryAddress:
			h.Entry = binary.LittleEndian.Uint32(b[8:])
		}
		next := bits.AlignUp(size, HeaderAlign)
		if int(next) > len(b) {
			break
		}
		b = b[next:]
	}
	return Header{}, errors.New("missing end tag")
}

// Info tag types.
const (
	InfoEnd         = 0
	InfoCommandLine = 1
	InfoLoaderName  = 2
)

// InfoTag is one boot information tag.
type InfoTag struct {
	Type uint32
	Data []byte
}

// Info is the boot information structure a loader passes in EBX.
type Info struct {
	Tags []InfoTag
}

// Encode returns the structure, terminated by an end tag.
func (i Info) Encode() []byte {
	b := make([]byte, 8)
	for _, t := range i.Tags {
		tag := make([]byte, bits.AlignUp(uint(8+len(t.Data)), HeaderAlign))
		binary.LittleEndian.PutUint32(tag[0:], t.Type)
		binary.LittleEndian.PutUint32(tag[4:], uint32(8+len(t.Data)))
		copy(tag[8:], t.Data)
		b = append(b, tag...)
	}
	end := make([]byte, 8)
	binary.LittleEndian.PutUint32(end[4:], 8)
	b = append(b, end...)
	binary.LittleEndian.PutUint32(b[0:], uint32(len(b)))
	return b
}

// ParseInfo decodes a boot information structure.
func ParseInfo(b []byte) (Info, error) {
	if len(b) < 16 {
		return Info{}, fmt.Errorf("boot information too short: %d bytes", len(b))
	}
	total := binary.LittleEndian.Uint32(b)
	if int(total) > len(b) || total < 16 {
		return Info{}, fmt.Errorf("boot information size %d out of range", total)
	}
	var info Info
	for off := 8; off+8 <= int(total); {
		typ := binary.LittleEndian.Uint32(b[off:])
		size := int(binary.LittleEndian.Uint32(b[off+4:]))
		if size < 8 || off+size > int(total) {
			return Info{}, fmt.Errorf("tag %d at %d has bad size %d", typ, off, size)
		}
		if typ == InfoEnd {
			return info, nil
		}
		info.Tags = append(info.Tags, InfoTag{Type: typ, Data: append([]byte(nil), b[off+8:off+size]...)})
		off += int(bits.AlignUp(uint(size), HeaderAlign))
	}
	return Info{}, errors.New("boot information has no end tag")
}

// LoaderName returns an info structure naming the loader.
func LoaderName(name string) Info {
	return Info{Tags: []InfoTag{{Type: InfoLoaderName, Data: append([]byte(name), 0)}}}
}
