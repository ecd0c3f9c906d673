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

//go:build !(linux && amd64)
// +build !linux !amd64

package kvm

import (
	"context"
	"errors"
	"time"

	"coldboot.dev/coldboot/pkg/cpu"
	"coldboot.dev/coldboot/pkg/image"
)

// ErrUnsupported is returned on hosts without KVM support for x86 guests.
var ErrUnsupported = errors.New("KVM is only supported on linux/amd64")

// ErrFeature is never returned on hosts without KVM.
var ErrFeature = errors.New("feature not supported by KVM")

// Available returns false.
func Available() bool {
	return false
}

// Options configure Boot.
type Options struct {
	MaxExits int
	Timeout  time.Duration
}

// Result is the outcome of a boot.
type Result struct {
	State   cpu.State
	Handoff *image.Handoff
}

// Boot returns ErrUnsupported.
func Boot(context.Context, *image.Image, Options) (*Result, error) {
	return nil, ErrUnsupported
}

// Verify checks the result against img.
func (r *Result) Verify(img *image.Image) error {
	return img.Verify(r.State, r.Handoff)
}
