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

package retry

import (
	"testing"
	"time"

	"codex-orchestrator/internal/orchestrator/store"
)

func TestResolve(t *testing.T) {
	def := Policy{MaxRetries: 3, BackoffBase: 10 * time.Second, BackoffJitter: 2 * time.Second}

	if got := Resolve(nil, def); got != def {
		t.Errorf("nil work item should return defaults, got %+v", got)
	}
	if got := Resolve(&store.WorkItem{}, def); got != def {
		t.Errorf("no overrides should return defaults, got %+v", got)
	}

	mr, base := 5, 30
	got := Resolve(&store.WorkItem{MaxRetries: &mr, BackoffBaseSeconds: &base}, def)
	if got.MaxRetries != 5 || got.BackoffBase != 30*time.Second {
		t.Errorf("overrides not applied: %+v", got)
	}
	if got.BackoffJitter != def.BackoffJitter {
		t.Errorf("jitter should fall back to default, got %v", got.BackoffJitter)
	}

	zero := 0
	got = Resolve(&store.WorkItem{MaxRetries: &zero}, def)
	if got.MaxRetries != 0 {
		t.Errorf("explicit zero override must win, got %d", got.MaxRetries)
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{MaxRetries: 2}
	for failures, want := range map[int]bool{0: false, 1: false, 2: false, 3: true} {
		if got := p.Exhausted(failures); got != want {
			t.Errorf("Exhausted(%d) = %v, want %v", failures, got, want)
		}
	}
	if !(Policy{MaxRetries: 0}).Exhausted(1) {
		t.Error("MaxRetries 0: first failure must exhaust the budget")
	}
}

func TestDelayDoubling(t *testing.T) {
	p := Policy{BackoffBase: 10 * time.Second}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 10 * time.Second}, // n<1 归一为 1
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestDelayCap(t *testing.T) {
	p := Policy{BackoffBase: time.Hour}
	if got := p.Delay(30); got != 24*time.Hour {
		t.Errorf("Delay should cap at 24h, got %v", got)
	}
}

func TestDelayJitterRange(t *testing.T) {
	p := Policy{BackoffBase: 10 * time.Second, BackoffJitter: 5 * time.Second}
	for i := 0; i < 50; i++ {
		d := p.Delay(1)
		if d < 10*time.Second || d >= 15*time.Second {
			t.Fatalf("Delay with jitter out of range: %v", d)
		}
	}
}
