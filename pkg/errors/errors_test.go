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

package errors

import (
	"errors"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified", E(KindConflict, "busy"), KindConflict},
		{"formatted", Ef(KindValidation, "bad %s", "field"), KindValidation},
		{"plain error", errors.New("boom"), KindInternal},
		{"wrapped keeps kind", Wrap(E(KindNotFound, "missing"), "lookup"), KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReasonOf(t *testing.T) {
	err := WithReason(KindForbidden, "quota_exhausted", "project quota exhausted")
	if got := ReasonOf(err); got != "quota_exhausted" {
		t.Errorf("ReasonOf() = %q", got)
	}
	if got := ReasonOf(errors.New("plain")); got != "" {
		t.Errorf("ReasonOf(plain) = %q, want empty", got)
	}
	wrapped := Wrap(err, "tick")
	if got := ReasonOf(wrapped); got != "quota_exhausted" {
		t.Errorf("ReasonOf(wrapped) = %q", got)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "msg") != nil {
		t.Error("Wrap(nil, msg) should return nil")
	}
	base := errors.New("base")
	wrapped := Wrap(base, "context")
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to base")
	}
}

func TestWrapf(t *testing.T) {
	if Wrapf(nil, "format %s", "x") != nil {
		t.Error("Wrapf(nil, ...) should return nil")
	}
	base := E(KindTransient, "db down")
	wrapped := Wrapf(base, "claim run %d", 7)
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error should unwrap to base")
	}
	if KindOf(wrapped) != KindTransient {
		t.Error("Wrapf should preserve kind")
	}
}
