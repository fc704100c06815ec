// Copyright 2023 Google Inc. All Rights Reserved.
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

package logger

import (
	"bytes"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	textInfoString    = `severity=INFO msg="Test: www.infoExample.com"`
	textWarningString = `severity=WARNING msg="Test: www.warningExample.com"`
	textErrorString   = `severity=ERROR msg="Test: www.errorExample.com"`
)

func logAllLevels() []func() {
	return []func(){
		func() { Tracef("www.traceExample.com") },
		func() { Debugf("www.debugExample.com") },
		func() { Infof("www.infoExample.com") },
		func() { Warnf("www.warningExample.com") },
		func() { Errorf("www.errorExample.com") },
	}
}

func captureAtLevel(t *testing.T, level slog.Level, format Format) []string {
	t.Helper()

	var out []string
	for _, f := range logAllLevels() {
		var buf bytes.Buffer
		Init(&buf, format, level, "Test: ")
		f()
		out = append(out, buf.String())
	}
	return out
}

func TestTextFormatLogLevelInfo(t *testing.T) {
	out := captureAtLevel(t, slog.LevelInfo, FormatText)

	assert.Empty(t, out[0], "trace should be suppressed")
	assert.Empty(t, out[1], "debug should be suppressed")
	assert.Regexp(t, regexp.MustCompile(regexp.QuoteMeta(textInfoString)), out[2])
	assert.Regexp(t, regexp.MustCompile(regexp.QuoteMeta(textWarningString)), out[3])
	assert.Regexp(t, regexp.MustCompile(regexp.QuoteMeta(textErrorString)), out[4])
}

func TestTextFormatLogLevelTrace(t *testing.T) {
	out := captureAtLevel(t, LevelTrace, FormatText)

	assert.Contains(t, out[0], "severity=TRACE")
	assert.Contains(t, out[1], "severity=DEBUG")
}

func TestJSONFormatUsesSeverityKey(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, FormatJSON, slog.LevelInfo, "Test: ")

	Warnf("www.%s.com", "warningExample")

	assert.Contains(t, buf.String(), `"severity":"WARNING"`)
	assert.Contains(t, buf.String(), `"msg":"Test: www.warningExample.com"`)
}

func TestLevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	Init(&buf, FormatText, slog.LevelError, "")

	Infof("should not appear")
	Errorf("should appear")

	assert.NotContains(t, buf.String(), "should not appear")
	assert.Contains(t, buf.String(), "should appear")
}
