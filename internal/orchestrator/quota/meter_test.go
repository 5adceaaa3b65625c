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

package quota

import (
	"context"
	"testing"
	"time"

	"codex-orchestrator/internal/orchestrator/clock"
	"codex-orchestrator/internal/orchestrator/store"
)

// fakeSource 记录收到的 since 并返回固定计数
type fakeSource struct {
	count int
	since time.Time
}

func (f *fakeSource) CountRunStartsSince(ctx context.Context, projectID int64, since time.Time) (int, error) {
	f.since = since
	return f.count, nil
}

func TestAdmitsUnlimited(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	m := NewMeter(clk)
	src := &fakeSource{count: 1000}
	ok, err := m.Admits(context.Background(), src, &store.Project{ID: 1, QuotaMaxRuns: 0})
	if err != nil {
		t.Fatalf("Admits: %v", err)
	}
	if !ok {
		t.Error("max_runs=0 must admit regardless of usage")
	}
}

func TestAdmitsBoundary(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	m := NewMeter(clk)
	p := &store.Project{ID: 1, QuotaWindowSeconds: 3600, QuotaMaxRuns: 3}

	tests := []struct {
		used int
		want bool
	}{
		{2, true},
		{3, false},
		{4, false},
	}
	for _, tt := range tests {
		ok, err := m.Admits(context.Background(), &fakeSource{count: tt.used}, p)
		if err != nil {
			t.Fatalf("Admits(used=%d): %v", tt.used, err)
		}
		if ok != tt.want {
			t.Errorf("Admits(used=%d) = %v, want %v", tt.used, ok, tt.want)
		}
	}
}

func TestSnapshotWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	m := NewMeter(clk)

	src := &fakeSource{count: 2}
	u, err := m.Snapshot(context.Background(), src, &store.Project{ID: 1, QuotaWindowSeconds: 600, QuotaMaxRuns: 5})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if u.Used != 2 || u.MaxRuns != 5 || u.WindowSeconds != 600 {
		t.Errorf("usage: %+v", u)
	}
	if want := now.Add(-10 * time.Minute); !src.since.Equal(want) {
		t.Errorf("since = %v, want %v", src.since, want)
	}
}

func TestSnapshotDefaultWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManual(now)
	m := NewMeter(clk)

	src := &fakeSource{}
	u, err := m.Snapshot(context.Background(), src, &store.Project{ID: 1, QuotaMaxRuns: 5})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if u.WindowSeconds != 86400 {
		t.Errorf("window_seconds = %d, want 86400", u.WindowSeconds)
	}
	if want := now.Add(-24 * time.Hour); !src.since.Equal(want) {
		t.Errorf("since = %v, want %v", src.since, want)
	}
}
