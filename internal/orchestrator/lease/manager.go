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

// Package lease Run 认领租约：claim / heartbeat / 过期回收
package lease

import (
	"context"
	"fmt"
	"time"

	"codex-orchestrator/internal/orchestrator/clock"
	"codex-orchestrator/internal/orchestrator/logbus"
	"codex-orchestrator/internal/orchestrator/retry"
	"codex-orchestrator/internal/orchestrator/store"
	pkgerrors "codex-orchestrator/pkg/errors"
	"codex-orchestrator/pkg/log"
	"codex-orchestrator/pkg/metrics"
	"codex-orchestrator/pkg/tracing"
)

// Manager 租约管理器。所有状态迁移在单事务行锁下完成；
// 同一 Run 的并发 claim 恰有一个成功。
type Manager struct {
	store      store.Store
	bus        *logbus.Bus
	clock      clock.Clock
	logger     *log.Logger
	defaultTTL time.Duration
	defaults   retry.Policy
}

// NewManager 创建租约管理器；defaultTTL <=0 时取 300s
func NewManager(st store.Store, bus *logbus.Bus, clk clock.Clock, logger *log.Logger, defaultTTL time.Duration, defaults retry.Policy) *Manager {
	if defaultTTL <= 0 {
		defaultTTL = 300 * time.Second
	}
	return &Manager{store: st, bus: bus, clock: clk, logger: logger, defaultTTL: defaultTTL, defaults: defaults}
}

// DefaultTTL 默认租约时长
func (m *Manager) DefaultTTL() time.Duration { return m.defaultTTL }

// ClaimResult 认领结果；Granted=false 表示 Run 正被他人持有（busy，非错误）
type ClaimResult struct {
	Granted   bool
	Run       *store.Run
	ExpiresAt time.Time
}

// Claim 认领 Run。queued 直接授予；running 且租约已过期时接管（attempt+1，
// 消耗一次重试预算，预算尽则转 failed）；同持有者重复 claim 视为续租。
func (m *Manager) Claim(ctx context.Context, runID int64, agentID string, ttl time.Duration) (*ClaimResult, error) {
	if agentID == "" {
		return nil, pkgerrors.E(pkgerrors.KindValidation, "agent_id is required")
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	ctx, span := tracing.StartClaimSpan(ctx, runID, agentID)
	defer span.End()
	res := &ClaimResult{}
	var events []logbus.Event
	var exhaustedErr error
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		now := m.clock.Now()
		r, err := tx.RunForUpdate(ctx, runID)
		if err != nil {
			return err
		}
		if r.State.Terminal() {
			return pkgerrors.Ef(pkgerrors.KindConflict, "run %d already %s", runID, r.State)
		}

		takeover := false
		switch r.State {
		case store.RunQueued:
			// 首次（或回收后）授予
		case store.RunRunning:
			if r.ClaimedBy == agentID {
				// 同持有者续租
			} else if r.ClaimExpiresAt != nil && !r.ClaimExpiresAt.After(now) {
				takeover = true
			} else {
				res.Granted = false
				res.Run = r
				return nil
			}
		}

		if takeover {
			r.Attempt++
			wi, err := tx.GetWorkItem(ctx, r.WorkItemID)
			if err != nil {
				return err
			}
			policy := retry.Resolve(wi, m.defaults)
			if policy.Exhausted(r.Attempt - 1) {
				r.State = store.RunFailed
				r.ClaimedBy = ""
				r.ClaimExpiresAt = nil
				r.FinishedAt = &now
				if err := tx.UpdateRun(ctx, r); err != nil {
					return err
				}
				entry, err := tx.AppendLog(ctx, r.ID, now, store.StreamSystem,
					"lease expired, retry budget exhausted, run failed")
				if err != nil {
					return err
				}
				events = append(events, logbus.Event{Kind: logbus.KindLog, RunID: r.ID, Log: entry})
				metrics.RunTerminalTotal.WithLabelValues(string(store.RunFailed)).Inc()
				// failed 迁移需随事务提交，conflict 在事务外返回
				exhaustedErr = pkgerrors.WithReason(pkgerrors.KindConflict, "retry_exhausted",
					fmt.Sprintf("run %d lease expired and retry budget exhausted", runID))
				return nil
			}
			entry, err := tx.AppendLog(ctx, r.ID, now, store.StreamSystem,
				fmt.Sprintf("lease taken over by agent %s (attempt %d)", agentID, r.Attempt))
			if err != nil {
				return err
			}
			events = append(events, logbus.Event{Kind: logbus.KindLog, RunID: r.ID, Log: entry})
		}

		expires := now.Add(ttl)
		r.State = store.RunRunning
		r.ClaimedBy = agentID
		r.ClaimExpiresAt = &expires
		r.LastHeartbeatAt = &now
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
		if err := tx.UpdateRun(ctx, r); err != nil {
			return err
		}
		if err := tx.TouchAgent(ctx, agentID, now); err != nil {
			return err
		}
		res.Granted = true
		res.Run = r
		res.ExpiresAt = expires
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		m.bus.Publish(ctx, ev)
	}
	if exhaustedErr != nil {
		return nil, exhaustedErr
	}
	if res.Granted {
		metrics.ClaimTotal.WithLabelValues("granted").Inc()
	} else {
		metrics.ClaimTotal.WithLabelValues("busy").Inc()
	}
	return res, nil
}

// Heartbeat 续租。非持有者、租约已过期或 Run 非 running 时返回 conflict（租约已失）。
func (m *Manager) Heartbeat(ctx context.Context, runID int64, agentID string, ttl time.Duration) (*store.Run, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	var out *store.Run
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		now := m.clock.Now()
		r, err := tx.RunForUpdate(ctx, runID)
		if err != nil {
			return err
		}
		if r.State != store.RunRunning || r.ClaimedBy != agentID ||
			(r.ClaimExpiresAt != nil && !r.ClaimExpiresAt.After(now)) {
			return pkgerrors.WithReason(pkgerrors.KindConflict, "lease_lost",
				fmt.Sprintf("agent %s no longer holds the lease on run %d", agentID, runID))
		}
		expires := now.Add(ttl)
		r.ClaimExpiresAt = &expires
		r.LastHeartbeatAt = &now
		if err := tx.UpdateRun(ctx, r); err != nil {
			return err
		}
		if err := tx.TouchAgent(ctx, agentID, now); err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// ReleaseLocked 在调用方事务内校验持有者并清除租约字段；
// agentID 为空表示操作员路径，跳过持有者校验。
func ReleaseLocked(r *store.Run, agentID string) error {
	if agentID != "" && r.ClaimedBy != agentID {
		return pkgerrors.WithReason(pkgerrors.KindConflict, "lease_holder_mismatch",
			fmt.Sprintf("run %d is held by %q, not %q", r.ID, r.ClaimedBy, agentID))
	}
	r.ClaimedBy = ""
	r.ClaimExpiresAt = nil
	return nil
}

// ExpireScan 回收过期租约：预算未尽的 Run 回到 queued（attempt+1），
// 预算尽的转 failed。返回处理的 Run 数。
func (m *Manager) ExpireScan(ctx context.Context) (int, error) {
	ids, err := m.store.ExpiredRunIDs(ctx, m.clock.Now())
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, id := range ids {
		var events []logbus.Event
		err := m.store.InTx(ctx, func(tx store.Tx) error {
			now := m.clock.Now()
			r, err := tx.RunForUpdate(ctx, id)
			if err != nil {
				return err
			}
			// 扫描与认领并发时重查：已续租或已终态则跳过
			if r.State != store.RunRunning || r.ClaimExpiresAt == nil || r.ClaimExpiresAt.After(now) {
				return nil
			}
			prevHolder := r.ClaimedBy
			r.Attempt++
			r.ClaimedBy = ""
			r.ClaimExpiresAt = nil
			wi, err := tx.GetWorkItem(ctx, r.WorkItemID)
			if err != nil {
				return err
			}
			policy := retry.Resolve(wi, m.defaults)
			var text string
			if policy.Exhausted(r.Attempt - 1) {
				r.State = store.RunFailed
				r.FinishedAt = &now
				text = fmt.Sprintf("lease of agent %s expired, retry budget exhausted, run failed", prevHolder)
				metrics.RunTerminalTotal.WithLabelValues(string(store.RunFailed)).Inc()
			} else {
				r.State = store.RunQueued
				text = fmt.Sprintf("lease of agent %s expired, run requeued (attempt %d)", prevHolder, r.Attempt)
			}
			if err := tx.UpdateRun(ctx, r); err != nil {
				return err
			}
			entry, err := tx.AppendLog(ctx, r.ID, now, store.StreamSystem, text)
			if err != nil {
				return err
			}
			events = append(events, logbus.Event{Kind: logbus.KindLog, RunID: r.ID, Log: entry})
			handled++
			return nil
		})
		if err != nil {
			m.logger.Warn("expire scan: reclaim failed", "run_id", id, "err", err)
			continue
		}
		for _, ev := range events {
			m.bus.Publish(ctx, ev)
		}
	}
	return handled, nil
}
