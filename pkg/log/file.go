// Copyright 2026 The gVisor Authors.
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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileOpts are substituted into a log file pattern.
type FileOpts struct {
	// Command replaces %COMMAND%.
	Command string

	// Variant replaces %VARIANT%.
	Variant string

	// Time replaces %TIMESTAMP%.
	Time time.Time
}

// Build constructs the log file path from the given pattern.
func (o FileOpts) Build(pattern string) string {
	r := strings.NewReplacer(
		"%COMMAND%", o.Command,
		"%VARIANT%", o.Variant,
		"%TIMESTAMP%", o.Time.Format("20060102-150405.000000"),
	)
	return r.Replace(pattern)
}

// OpenFile opens a log file for appending. It returns nil if pattern is
// empty.
func OpenFile(pattern string, opts FileOpts) (*os.File, error) {
	if len(pattern) == 0 {
		return nil, nil
	}
	path := opts.Build(pattern)

	// Create parent directory if it doesn't exist.
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %w", path, err)
	}
	return f, nil
}
