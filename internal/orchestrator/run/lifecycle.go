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

// Package run Run 生命周期：日志与步骤摄入、完成、取消
package run

import (
	"context"
	"fmt"
	"time"

	"codex-orchestrator/internal/orchestrator/clock"
	"codex-orchestrator/internal/orchestrator/lease"
	"codex-orchestrator/internal/orchestrator/logbus"
	"codex-orchestrator/internal/orchestrator/retry"
	"codex-orchestrator/internal/orchestrator/store"
	pkgerrors "codex-orchestrator/pkg/errors"
	"codex-orchestrator/pkg/log"
	"codex-orchestrator/pkg/metrics"
)

// Lifecycle Run 生命周期服务。持久化先于总线发布；
// 失败完成在同事务内按退避策略重新入队。
type Lifecycle struct {
	store    store.Store
	bus      *logbus.Bus
	clock    clock.Clock
	logger   *log.Logger
	defaults retry.Policy
}

// NewLifecycle 创建生命周期服务
func NewLifecycle(st store.Store, bus *logbus.Bus, clk clock.Clock, logger *log.Logger, defaults retry.Policy) *Lifecycle {
	return &Lifecycle{store: st, bus: bus, clock: clk, logger: logger, defaults: defaults}
}

// AppendLog 追加一条日志；seq 在 run 行锁下分配，落盘成功后发布到总线
func (l *Lifecycle) AppendLog(ctx context.Context, runID int64, stream store.LogStream, text string) (*store.LogEntry, error) {
	if !store.ValidLogStream(stream) {
		return nil, pkgerrors.Ef(pkgerrors.KindValidation, "unknown log stream %q", stream)
	}
	var entry *store.LogEntry
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		entry, err = tx.AppendLog(ctx, runID, l.clock.Now(), stream, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.LogAppendTotal.WithLabelValues(string(stream)).Inc()
	l.bus.Publish(ctx, logbus.Event{Kind: logbus.KindLog, RunID: runID, Log: entry})
	return entry, nil
}

// CreateStep 创建步骤。idx 由 Agent 给定，必须等于当前步骤数（自 0 起稠密）；
// 重复或跳号返回 conflict。
func (l *Lifecycle) CreateStep(ctx context.Context, runID int64, idx int, name string) (*store.RunStep, error) {
	if name == "" {
		return nil, pkgerrors.E(pkgerrors.KindValidation, "step name is required")
	}
	var step *store.RunStep
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		// run 行锁串行化同 run 的并发建步
		r, err := tx.RunForUpdate(ctx, runID)
		if err != nil {
			return err
		}
		if r.State.Terminal() {
			return pkgerrors.Ef(pkgerrors.KindConflict, "run %d already %s", runID, r.State)
		}
		count, err := tx.CountSteps(ctx, runID)
		if err != nil {
			return err
		}
		if idx != count {
			return pkgerrors.Ef(pkgerrors.KindConflict, "step idx %d out of order, expected %d", idx, count)
		}
		step = &store.RunStep{RunID: runID, Idx: idx, Name: name, Status: store.StepPending}
		id, err := tx.CreateStep(ctx, step)
		if err != nil {
			return err
		}
		step.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.bus.Publish(ctx, logbus.Event{Kind: logbus.KindStep, RunID: runID, Step: step})
	return step, nil
}

// StepUpdate 步骤更新载荷；nil 字段不变
type StepUpdate struct {
	Status   *store.StepStatus
	Metadata map[string]interface{}
}

// UpdateStep 更新步骤状态/元数据；时间与时长由服务端按状态迁移填写
func (l *Lifecycle) UpdateStep(ctx context.Context, stepID int64, upd StepUpdate) (*store.RunStep, error) {
	if upd.Status != nil && !store.ValidStepStatus(*upd.Status) {
		return nil, pkgerrors.Ef(pkgerrors.KindValidation, "unknown step status %q", *upd.Status)
	}
	var step *store.RunStep
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		s, err := tx.StepForUpdate(ctx, stepID)
		if err != nil {
			return err
		}
		now := l.clock.Now()
		if upd.Status != nil && *upd.Status != s.Status {
			s.Status = *upd.Status
			switch s.Status {
			case store.StepRunning:
				if s.StartedAt == nil {
					s.StartedAt = &now
				}
			case store.StepSucceeded, store.StepFailed, store.StepSkipped:
				if s.FinishedAt == nil {
					s.FinishedAt = &now
				}
				if s.StartedAt != nil {
					d := s.FinishedAt.Sub(*s.StartedAt).Seconds()
					s.DurationSeconds = &d
				}
			}
		}
		if upd.Metadata != nil {
			s.Metadata = upd.Metadata
		}
		if err := tx.UpdateStep(ctx, s); err != nil {
			return err
		}
		step = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.bus.Publish(ctx, logbus.Event{Kind: logbus.KindStep, RunID: step.RunID, Step: step})
	return step, nil
}

// Complete Agent 上报完成。success=false 时按策略在同事务内重新入队；
// 终态 Run 的重复完成返回 conflict（首个完成生效）。
func (l *Lifecycle) Complete(ctx context.Context, runID int64, agentID string, success bool) (*store.Run, error) {
	var out *store.Run
	var events []logbus.Event
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		now := l.clock.Now()
		r, err := tx.RunForUpdate(ctx, runID)
		if err != nil {
			return err
		}
		if r.State.Terminal() {
			return pkgerrors.Ef(pkgerrors.KindConflict, "run %d already %s", runID, r.State)
		}
		if r.State != store.RunRunning {
			return pkgerrors.Ef(pkgerrors.KindConflict, "run %d is %s, not running", runID, r.State)
		}
		if err := lease.ReleaseLocked(r, agentID); err != nil {
			return err
		}
		if success {
			r.State = store.RunSucceeded
		} else {
			r.State = store.RunFailed
		}
		r.FinishedAt = &now
		if err := tx.UpdateRun(ctx, r); err != nil {
			return err
		}
		entry, err := tx.AppendLog(ctx, runID, now, store.StreamSystem,
			fmt.Sprintf("run %s (attempt %d)", r.State, r.Attempt))
		if err != nil {
			return err
		}
		events = append(events, logbus.Event{Kind: logbus.KindLog, RunID: runID, Log: entry})

		if !success {
			if err := l.scheduleRetry(ctx, tx, r, now, &events); err != nil {
				return err
			}
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RunTerminalTotal.WithLabelValues(string(out.State)).Inc()
	for _, ev := range events {
		l.bus.Publish(ctx, ev)
	}
	return out, nil
}

// scheduleRetry 失败后按 base·2^(n−1)+jitter 延迟重新入队；预算尽则仅记日志
func (l *Lifecycle) scheduleRetry(ctx context.Context, tx store.Tx, r *store.Run, now time.Time, events *[]logbus.Event) error {
	wi, err := tx.GetWorkItem(ctx, r.WorkItemID)
	if err != nil {
		return err
	}
	failures, err := tx.CountFailedRuns(ctx, r.WorkItemID)
	if err != nil {
		return err
	}
	policy := retry.Resolve(wi, l.defaults)
	if policy.Exhausted(failures) {
		entry, err := tx.AppendLog(ctx, r.ID, now, store.StreamSystem,
			fmt.Sprintf("retry budget exhausted after %d failures", failures))
		if err != nil {
			return err
		}
		*events = append(*events, logbus.Event{Kind: logbus.KindLog, RunID: r.ID, Log: entry})
		return nil
	}
	delay := policy.Delay(failures)
	if _, err := tx.CreateQueueEntry(ctx, &store.QueueEntry{
		WorkItemID:   r.WorkItemID,
		ScheduledFor: now.Add(delay),
		EnqueuedAt:   now,
		State:        store.QueueEntryQueued,
	}); err != nil {
		return err
	}
	entry, err := tx.AppendLog(ctx, r.ID, now, store.StreamSystem,
		fmt.Sprintf("retry %d/%d scheduled in %s", failures, policy.MaxRetries, delay))
	if err != nil {
		return err
	}
	*events = append(*events, logbus.Event{Kind: logbus.KindLog, RunID: r.ID, Log: entry})
	return nil
}

// Cancel 操作员取消；任意非终态皆可取消，不重试、不计入重试预算
func (l *Lifecycle) Cancel(ctx context.Context, runID int64) (*store.Run, error) {
	var out *store.Run
	var events []logbus.Event
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		now := l.clock.Now()
		r, err := tx.RunForUpdate(ctx, runID)
		if err != nil {
			return err
		}
		if r.State.Terminal() {
			return pkgerrors.Ef(pkgerrors.KindConflict, "run %d already %s", runID, r.State)
		}
		r.State = store.RunCancelled
		r.ClaimedBy = ""
		r.ClaimExpiresAt = nil
		r.FinishedAt = &now
		if err := tx.UpdateRun(ctx, r); err != nil {
			return err
		}
		entry, err := tx.AppendLog(ctx, runID, now, store.StreamSystem, "run cancelled by operator")
		if err != nil {
			return err
		}
		events = append(events, logbus.Event{Kind: logbus.KindLog, RunID: runID, Log: entry})
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RunTerminalTotal.WithLabelValues(string(store.RunCancelled)).Inc()
	for _, ev := range events {
		l.bus.Publish(ctx, ev)
	}
	return out, nil
}
