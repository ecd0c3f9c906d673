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

package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(expected, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestNewline(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	w.Emit(0, Info, time.Now(), "no newline %d", 1)
	if diff := cmp.Diff([]string{"no newline 1", "\n"}, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestGoogleEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := GoogleEmitter{&Writer{Next: &buf}}
	ts := time.Date(2024, time.May, 7, 13, 4, 5, 6000, time.UTC)
	e.Emit(0, Warning, ts, "cr3=%#x", 0x1000)
	re := regexp.MustCompile(`^W0507 13:04:05\.000006 +\d+ log_test\.go:\d+\] cr3=0x1000\n$`)
	if !re.MatchString(buf.String()) {
		t.Errorf("got %q, want match for %v", buf.String(), re)
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e := JSONEmitter{&Writer{Next: &buf}}
	e.Emit(0, Debug, time.Now(), "step %s", "EnablePaging")
	var got jsonLog
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", buf.String(), err)
	}
	if got.Msg != "step EnablePaging" || got.Level != Debug {
		t.Errorf("got %+v", got)
	}
	if !strings.HasPrefix(got.Caller, "log_test.go:") {
		t.Errorf("caller = %q, want log_test.go:<line>", got.Caller)
	}
}

func TestLevels(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("hidden")
	l.Infof("shown")
	l.SetLevel(Warning)
	l.Infof("hidden")
	l.Warningf("shown")
	if diff := cmp.Diff([]string{"shown", "\n", "shown", "\n"}, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestMultiEmitter(t *testing.T) {
	a, b := &testWriter{}, &testWriter{}
	m := MultiEmitter{&Writer{Next: a}, &Writer{Next: b}}
	m.Emit(0, Info, time.Now(), "x\n")
	if len(a.lines) != 1 || len(b.lines) != 1 {
		t.Errorf("got %v and %v, want one line each", a.lines, b.lines)
	}
}

func TestRateLimited(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}
	l := RateLimitedLogger(base, time.Hour)
	for i := 0; i < 3; i++ {
		l.Infof("exit %d\n", i)
	}
	l.(*rateLimitedLogger).limit.SetLimit(rate.Inf)
	l.Infof("exit %d\n", 3)
	want := []string{
		"exit 0\n",
		"exit 3\n (2 similar messages suppressed)",
		"\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestFileOpts(t *testing.T) {
	opts := FileOpts{
		Command: "run",
		Variant: "long2m",
		Time:    time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC),
	}
	got := opts.Build("/tmp/coldboot/%COMMAND%-%VARIANT%-%TIMESTAMP%.log")
	if want := "/tmp/coldboot/run-long2m-20240102-030405.000000.log"; got != want {
		t.Errorf("Build = %q, want %q", got, want)
	}
	if f, err := OpenFile("", opts); f != nil || err != nil {
		t.Errorf("OpenFile(\"\") = %v, %v, want nil, nil", f, err)
	}
}
