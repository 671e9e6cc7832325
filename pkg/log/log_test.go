// Copyright 2023 The Strata Authors.
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
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(b []byte) (int, error) {
	if w.fail {
		return 0, errors.New("simulated failure")
	}
	w.lines = append(w.lines, string(b))
	return len(b), nil
}

func TestTextEmitter(t *testing.T) {
	tw := &testWriter{}
	e := TextEmitter{&Writer{Next: tw}}
	l := &BasicLogger{Level: Debug, Emitter: e}

	l.Warningf("warning %d", 1)
	l.Infof("info")
	l.Debugf("debug")
	if len(tw.lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(tw.lines))
	}
	for i, prefix := range []string{"W", "I", "D"} {
		if !strings.HasPrefix(tw.lines[i], prefix) {
			t.Errorf("line %q does not start with %q", tw.lines[i], prefix)
		}
	}
	if !strings.HasSuffix(tw.lines[0], "warning 1\n") {
		t.Errorf("line %q does not end with the message", tw.lines[0])
	}
}

func TestLevelFilter(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Warning, Emitter: &Writer{Next: tw}}

	l.Debugf("dropped")
	l.Infof("dropped")
	l.Warningf("kept")
	if len(tw.lines) != 1 || !strings.Contains(tw.lines[0], "kept") {
		t.Errorf("got lines %q, want only the warning", tw.lines)
	}
	if l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = true at warning level")
	}

	l.SetLevel(Debug)
	l.Debugf("kept too")
	if len(tw.lines) != 2 {
		t.Errorf("got %d lines after SetLevel(Debug), want 2", len(tw.lines))
	}
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false at debug level")
	}
}

func TestWriterErrors(t *testing.T) {
	tw := &testWriter{fail: true}
	w := &Writer{Next: tw}
	l := &BasicLogger{Level: Info, Emitter: w}

	l.Infof("lost")
	l.Infof("lost")
	if got := w.Errors.Load(); got != 2 {
		t.Errorf("Errors = %d, want 2", got)
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	e.Emit(0, Warning, time.Now(), "hello %d", 42)
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(tw.lines))
	}
	var j jsonEntry
	if err := json.Unmarshal([]byte(tw.lines[0]), &j); err != nil {
		t.Fatalf("Unmarshal(%q): %v", tw.lines[0], err)
	}
	if j.Level != Warning || j.Msg != "hello 42" {
		t.Errorf("decoded %+v", j)
	}
	if !strings.Contains(j.Caller, ":") {
		t.Errorf("caller %q missing file:line", j.Caller)
	}
}

func TestLevelJSON(t *testing.T) {
	for _, test := range []struct {
		level Level
		text  string
	}{
		{Warning, `"warning"`},
		{Info, `"info"`},
		{Debug, `"debug"`},
	} {
		b, err := json.Marshal(test.level)
		if err != nil || string(b) != test.text {
			t.Errorf("Marshal(%v) = %q, %v, want %q", test.level, b, err, test.text)
		}
		var l Level
		if err := json.Unmarshal([]byte(test.text), &l); err != nil || l != test.level {
			t.Errorf("Unmarshal(%q) = %v, %v, want %v", test.text, l, err, test.level)
		}
	}
	var l Level
	if err := json.Unmarshal([]byte(`"trace"`), &l); err == nil {
		t.Errorf("Unmarshal accepted an unknown level")
	}
}
