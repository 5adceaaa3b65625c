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

// Package sched 依赖感知调度器：入队与 tick 晋升
package sched

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"codex-orchestrator/internal/orchestrator/approval"
	"codex-orchestrator/internal/orchestrator/clock"
	"codex-orchestrator/internal/orchestrator/quota"
	"codex-orchestrator/internal/orchestrator/retry"
	"codex-orchestrator/internal/orchestrator/store"
	pkgerrors "codex-orchestrator/pkg/errors"
	"codex-orchestrator/pkg/log"
	"codex-orchestrator/pkg/metrics"
	"codex-orchestrator/pkg/tracing"
)

// 跳过原因
const (
	SkipDependency     = "dependency"
	SkipApproval       = "approval"
	SkipQuota          = "quota"
	SkipAlreadyRunning = "already_running"
)

// Scheduler 调度器。Tick 在单事务内锁定到期条目并反复扫描至不动点，
// 扫描次数有界。晋升产生的 Run 是 queued 态，而依赖判定要求最近一次
// 终态 Run 为 succeeded，因此同一 tick 内晋升不会解锁其它条目的依赖；
// 重扫只会让配额与 already_running 判定随先前晋升收紧，直至结果稳定。
type Scheduler struct {
	store    store.Store
	gate     *approval.Gate
	meter    *quota.Meter
	clock    clock.Clock
	logger   *log.Logger
	defaults retry.Policy

	tickMu sync.Mutex // 手动与后台 tick 单飞
}

// NewScheduler 创建调度器
func NewScheduler(st store.Store, gate *approval.Gate, meter *quota.Meter, clk clock.Clock, logger *log.Logger, defaults retry.Policy) *Scheduler {
	return &Scheduler{store: st, gate: gate, meter: meter, clock: clk, logger: logger, defaults: defaults}
}

// NewTraceID 生成 32 位十六进制 trace id
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// runTraceID 从 run span 取 trace id；tracing 未启用时随机生成
func runTraceID(ctx context.Context, workItemID int64) string {
	_, span := tracing.StartRunSpan(ctx, workItemID)
	defer span.End()
	if id := tracing.TraceIDFrom(span); id != "" {
		return id
	}
	return NewTraceID()
}

// Enqueue 入队；delay 为相对 now 的延迟（可为 0），dependsOn 为依赖工单 id
func (s *Scheduler) Enqueue(ctx context.Context, workItemID int64, dependsOn *int64, priority int, delay time.Duration) (*store.QueueEntry, error) {
	if delay < 0 {
		return nil, pkgerrors.E(pkgerrors.KindValidation, "delay must not be negative")
	}
	if _, err := s.store.GetWorkItem(ctx, workItemID); err != nil {
		return nil, err
	}
	if dependsOn != nil {
		if *dependsOn == workItemID {
			return nil, pkgerrors.E(pkgerrors.KindValidation, "work item cannot depend on itself")
		}
		if _, err := s.store.GetWorkItem(ctx, *dependsOn); err != nil {
			return nil, pkgerrors.Wrap(err, "depends_on")
		}
	}
	now := s.clock.Now()
	e := &store.QueueEntry{
		WorkItemID:          workItemID,
		DependsOnWorkItemID: dependsOn,
		Priority:            priority,
		ScheduledFor:        now.Add(delay),
		EnqueuedAt:          now,
		State:               store.QueueEntryQueued,
	}
	id, err := s.store.CreateQueueEntry(ctx, e)
	if err != nil {
		return nil, err
	}
	e.ID = id
	return e, nil
}

// TickSummary 一次 tick 的结果
type TickSummary struct {
	Due      int            `json:"due"`
	Promoted []int64        `json:"promoted"` // 新建 Run 的 id，按晋升顺序
	Skipped  map[string]int `json:"skipped"`  // 不动点时仍被跳过的条目数，按原因
	Passes   int            `json:"passes"`
}

// Tick 将满足条件的到期条目晋升为 queued Run。
// 判定顺序：依赖 → 审批 → 配额 → 同工单活跃 Run。
func (s *Scheduler) Tick(ctx context.Context) (*TickSummary, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	ctx, span := tracing.StartTickSpan(ctx)
	defer span.End()

	started := time.Now()
	summary := &TickSummary{Skipped: map[string]int{}}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		now := s.clock.Now()
		entries, err := tx.DueEntriesForUpdate(ctx, now)
		if err != nil {
			return err
		}
		summary.Due = len(entries)

		pending := entries
		for pass := 0; pass <= len(entries); pass++ {
			summary.Passes = pass + 1
			var next []*store.QueueEntry
			skipped := map[string]int{}
			progress := false
			for _, e := range pending {
				reason, err := s.admit(ctx, tx, e)
				if err != nil {
					return err
				}
				if reason != "" {
					skipped[reason]++
					next = append(next, e)
					continue
				}
				if err := s.promote(ctx, tx, e, now, summary); err != nil {
					return err
				}
				progress = true
			}
			pending = next
			summary.Skipped = skipped
			if !progress || len(pending) == 0 {
				break
			}
		}
		return nil
	})
	metrics.TickDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		return nil, err
	}
	metrics.PromotionTotal.Add(float64(len(summary.Promoted)))
	for reason, n := range summary.Skipped {
		metrics.PromotionSkipTotal.WithLabelValues(reason).Add(float64(n))
	}
	if len(summary.Promoted) > 0 {
		s.logger.Info("tick promoted runs",
			"promoted", len(summary.Promoted), "due", summary.Due, "passes", summary.Passes)
	}
	return summary, nil
}

// admit 晋升判定；返回空串表示放行
func (s *Scheduler) admit(ctx context.Context, tx store.Tx, e *store.QueueEntry) (string, error) {
	if e.DependsOnWorkItemID != nil {
		lt, err := tx.LatestTerminalRun(ctx, *e.DependsOnWorkItemID)
		if err != nil {
			return "", err
		}
		if lt == nil || lt.State != store.RunSucceeded {
			return SkipDependency, nil
		}
	}

	ok, _, err := s.gate.Admits(ctx, tx, e.WorkItemID)
	if err != nil {
		return "", err
	}
	if !ok {
		return SkipApproval, nil
	}

	wi, err := tx.GetWorkItem(ctx, e.WorkItemID)
	if err != nil {
		return "", err
	}
	project, err := tx.GetProject(ctx, wi.ProjectID)
	if err != nil {
		return "", err
	}
	admits, err := s.meter.Admits(ctx, tx, project)
	if err != nil {
		return "", err
	}
	if !admits {
		return SkipQuota, nil
	}

	active, err := tx.HasActiveRun(ctx, e.WorkItemID)
	if err != nil {
		return "", err
	}
	if active {
		return SkipAlreadyRunning, nil
	}
	return "", nil
}

func (s *Scheduler) promote(ctx context.Context, tx store.Tx, e *store.QueueEntry, now time.Time, summary *TickSummary) error {
	e.State = store.QueueEntryConsumed
	if err := tx.UpdateQueueEntry(ctx, e); err != nil {
		return err
	}
	failures, err := tx.CountFailedRuns(ctx, e.WorkItemID)
	if err != nil {
		return err
	}
	run := &store.Run{
		WorkItemID: e.WorkItemID,
		State:      store.RunQueued,
		Attempt:    failures + 1,
		TraceID:    runTraceID(ctx, e.WorkItemID),
		CreatedAt:  now,
	}
	id, err := tx.CreateRun(ctx, run)
	if err != nil {
		return err
	}
	summary.Promoted = append(summary.Promoted, id)
	return nil
}

// StartRun 绕过队列直接创建 queued Run（仍过审批与配额；同工单已有活跃 Run 时 conflict）
func (s *Scheduler) StartRun(ctx context.Context, workItemID int64) (*store.Run, error) {
	var out *store.Run
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		now := s.clock.Now()
		wi, err := tx.GetWorkItem(ctx, workItemID)
		if err != nil {
			return err
		}
		ok, reason, err := s.gate.Admits(ctx, tx, workItemID)
		if err != nil {
			return err
		}
		if !ok {
			return pkgerrors.WithReason(pkgerrors.KindForbidden, reason, "work item is not approved to start")
		}
		project, err := tx.GetProject(ctx, wi.ProjectID)
		if err != nil {
			return err
		}
		admits, err := s.meter.Admits(ctx, tx, project)
		if err != nil {
			return err
		}
		if !admits {
			return pkgerrors.WithReason(pkgerrors.KindForbidden, "quota_exhausted", "project quota exhausted")
		}
		active, err := tx.HasActiveRun(ctx, workItemID)
		if err != nil {
			return err
		}
		if active {
			return pkgerrors.Ef(pkgerrors.KindConflict, "work item %d already has an active run", workItemID)
		}
		failures, err := tx.CountFailedRuns(ctx, workItemID)
		if err != nil {
			return err
		}
		run := &store.Run{
			WorkItemID: workItemID,
			State:      store.RunQueued,
			Attempt:    failures + 1,
			TraceID:    runTraceID(ctx, workItemID),
			CreatedAt:  now,
		}
		id, err := tx.CreateRun(ctx, run)
		if err != nil {
			return err
		}
		run.ID = id
		out = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.PromotionTotal.Inc()
	return out, nil
}

// RequeueRun 操作员将某 Run 的工单重新入队。backoff 为真且未显式给延迟时，
// 按该工单当前失败数套用退避策略。
func (s *Scheduler) RequeueRun(ctx context.Context, runID int64, priority int, backoff bool, delay time.Duration) (*store.QueueEntry, error) {
	if delay < 0 {
		return nil, pkgerrors.E(pkgerrors.KindValidation, "delay must not be negative")
	}
	var out *store.QueueEntry
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.RunForUpdate(ctx, runID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		d := delay
		if backoff && d == 0 {
			wi, err := tx.GetWorkItem(ctx, r.WorkItemID)
			if err != nil {
				return err
			}
			failures, err := tx.CountFailedRuns(ctx, r.WorkItemID)
			if err != nil {
				return err
			}
			if failures == 0 {
				failures = 1
			}
			d = retry.Resolve(wi, s.defaults).Delay(failures)
		}
		e := &store.QueueEntry{
			WorkItemID:   r.WorkItemID,
			Priority:     priority,
			ScheduledFor: now.Add(d),
			EnqueuedAt:   now,
			State:        store.QueueEntryQueued,
		}
		id, err := tx.CreateQueueEntry(ctx, e)
		if err != nil {
			return err
		}
		e.ID = id
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListQueue 当前 queued 条目，按晋升评估顺序
func (s *Scheduler) ListQueue(ctx context.Context) ([]*store.QueueEntry, error) {
	return s.store.ListQueued(ctx)
}
