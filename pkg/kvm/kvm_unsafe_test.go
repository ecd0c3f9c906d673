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

	"coldboot.dev/coldboot/pkg/image"
	"coldboot.dev/coldboot/pkg/sequencer"
	"coldboot.dev/coldboot/pkg/x86"
)

func sizeof[T any]() uintptr {
	var v T
	return unsafe.Sizeof(v)
}

// reencode encodes img's program at origin with img's current plan.
func reencode(img *image.Image, origin uint64) ([]byte, error) {
	e := x86.NewEncoder(origin)
	if err := sequencer.Run(e, img.Program, &img.Plan); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}
