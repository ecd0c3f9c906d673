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

// Package hostarch contains address and page size definitions for the x86
// boot environment.
package hostarch

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the PAE large page size.
	HugePageShift = 21

	// HugePageSize is the PAE large page size (2MB).
	HugePageSize = 1 << HugePageShift

	// LegacyHugePageShift is the binary log of the 32-bit PSE page size.
	LegacyHugePageShift = 22

	// LegacyHugePageSize is the 32-bit PSE page size (4MB).
	LegacyHugePageSize = 1 << LegacyHugePageShift

	// GiantPageShift is the binary log of the long mode giant page size.
	GiantPageShift = 30

	// GiantPageSize is the long mode giant page size (1GB).
	GiantPageSize = 1 << GiantPageShift

	// KiB, MiB and GiB are binary size units.
	KiB = 1 << 10
	MiB = 1 << 20
	GiB = 1 << 30
)
