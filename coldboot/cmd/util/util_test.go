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

package util

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/subcommands"
)

func TestErrorf(t *testing.T) {
	var buf bytes.Buffer
	ErrorLogger = &buf
	defer func() { ErrorLogger = nil }()

	err := errors.New(`invalid range "100%"`)
	if got := Errorf("%v", err); got != subcommands.ExitFailure {
		t.Errorf("Errorf() = %v, want %v", got, subcommands.ExitFailure)
	}
	var got jsonError
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if got.Msg != err.Error() || got.Level != "error" {
		t.Errorf("error record = %+v, want msg %q", got, err.Error())
	}
}
