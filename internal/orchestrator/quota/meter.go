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

// Package quota 项目级滚动窗口配额
package quota

import (
	"context"
	"time"

	"codex-orchestrator/internal/orchestrator/clock"
	"codex-orchestrator/internal/orchestrator/store"
)

// Source 窗口内 Run 启动计数查询面；store.Store 与 store.Tx 均实现
type Source interface {
	CountRunStartsSince(ctx context.Context, projectID int64, since time.Time) (int, error)
}

// Meter 滚动窗口配额：(now-window, now] 内启动数达到 max_runs 即拒绝。
// max_runs = 0 表示不限。
type Meter struct {
	clock clock.Clock
}

// NewMeter 创建配额计量器
func NewMeter(clk clock.Clock) *Meter {
	return &Meter{clock: clk}
}

// Usage 配额用量快照
type Usage struct {
	WindowSeconds int `json:"window_seconds"`
	MaxRuns       int `json:"max_runs"`
	Used          int `json:"used"`
}

// Admits 项目当前是否允许再启动一个 Run
func (m *Meter) Admits(ctx context.Context, src Source, p *store.Project) (bool, error) {
	if p.QuotaMaxRuns <= 0 {
		return true, nil
	}
	u, err := m.Snapshot(ctx, src, p)
	if err != nil {
		return false, err
	}
	return u.Used < u.MaxRuns, nil
}

// Snapshot 当前窗口用量
func (m *Meter) Snapshot(ctx context.Context, src Source, p *store.Project) (*Usage, error) {
	u := &Usage{WindowSeconds: p.QuotaWindowSeconds, MaxRuns: p.QuotaMaxRuns}
	window := time.Duration(p.QuotaWindowSeconds) * time.Second
	if window <= 0 {
		window = 24 * time.Hour
		u.WindowSeconds = int(window / time.Second)
	}
	used, err := src.CountRunStartsSince(ctx, p.ID, m.clock.Now().Add(-window))
	if err != nil {
		return nil, err
	}
	u.Used = used
	return u, nil
}
