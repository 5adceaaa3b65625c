// Copyright 2026 fanjia1024
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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orch.log")
	logger, err := NewLogger(&Config{Level: "debug", Format: "text", File: path})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.With("component", "sched").Info("tick 完成", "promoted", 2)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "component=sched") {
		t.Errorf("missing With field in output: %s", out)
	}
	if !strings.Contains(out, "promoted=2") {
		t.Errorf("missing record attr in output: %s", out)
	}
}

func TestNewLoggerBadFile(t *testing.T) {
	_, err := NewLogger(&Config{File: filepath.Join(t.TempDir(), "no", "such", "dir.log")})
	if err == nil {
		t.Fatal("unwritable file must return an error")
	}
}
