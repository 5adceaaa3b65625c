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

package sched

import (
	"context"
	"testing"
	"time"

	"codex-orchestrator/internal/orchestrator/approval"
	"codex-orchestrator/internal/orchestrator/clock"
	"codex-orchestrator/internal/orchestrator/quota"
	"codex-orchestrator/internal/orchestrator/retry"
	"codex-orchestrator/internal/orchestrator/store"
	pkgerrors "codex-orchestrator/pkg/errors"
	"codex-orchestrator/pkg/log"
)

var start = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

type env struct {
	store *store.MemoryStore
	clock *clock.Manual
	sched *Scheduler
}

func newEnv(t *testing.T, approvalRequired bool) *env {
	t.Helper()
	st := store.NewMemoryStore()
	clk := clock.NewManual(start)
	logger, err := log.NewLogger(nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	s := NewScheduler(st, approval.NewGate(approvalRequired), quota.NewMeter(clk), clk, logger,
		retry.Policy{MaxRetries: 2, BackoffBase: 10 * time.Second})
	return &env{store: st, clock: clk, sched: s}
}

func (e *env) project(t *testing.T, maxRuns int) int64 {
	t.Helper()
	id, err := e.store.CreateProject(context.Background(), &store.Project{
		Name: "p", QuotaWindowSeconds: 3600, QuotaMaxRuns: maxRuns, CreatedAt: e.clock.Now(),
	})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return id
}

func (e *env) workItem(t *testing.T, projectID int64) int64 {
	t.Helper()
	id, err := e.store.CreateWorkItem(context.Background(), &store.WorkItem{
		ProjectID: projectID, Title: "w", CreatedAt: e.clock.Now(),
	})
	if err != nil {
		t.Fatalf("CreateWorkItem: %v", err)
	}
	return id
}

// finishRun 将 Run 置为给定终态
func (e *env) finishRun(t *testing.T, runID int64, state store.RunState) {
	t.Helper()
	ctx := context.Background()
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.RunForUpdate(ctx, runID)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		r.State = state
		r.FinishedAt = &now
		return tx.UpdateRun(ctx, r)
	})
	if err != nil {
		t.Fatalf("finishRun: %v", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	pid := e.project(t, 0)
	wid := e.workItem(t, pid)

	if _, err := e.sched.Enqueue(ctx, wid, nil, 0, -time.Second); pkgerrors.KindOf(err) != pkgerrors.KindValidation {
		t.Errorf("negative delay: want validation, got %v", err)
	}
	if _, err := e.sched.Enqueue(ctx, 999, nil, 0, 0); pkgerrors.KindOf(err) != pkgerrors.KindNotFound {
		t.Errorf("missing work item: want not found, got %v", err)
	}
	if _, err := e.sched.Enqueue(ctx, wid, &wid, 0, 0); pkgerrors.KindOf(err) != pkgerrors.KindValidation {
		t.Errorf("self dependency: want validation, got %v", err)
	}
	missing := int64(999)
	if _, err := e.sched.Enqueue(ctx, wid, &missing, 0, 0); pkgerrors.KindOf(err) != pkgerrors.KindNotFound {
		t.Errorf("missing dependency: want not found, got %v", err)
	}
}

func TestTickPromotesDueEntry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	pid := e.project(t, 0)
	wid := e.workItem(t, pid)

	entry, err := e.sched.Enqueue(ctx, wid, nil, 0, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	summary, err := e.sched.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if summary.Due != 1 || len(summary.Promoted) != 1 {
		t.Fatalf("summary: %+v", summary)
	}
	r, err := e.store.GetRun(ctx, summary.Promoted[0])
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.State != store.RunQueued || r.Attempt != 1 || r.WorkItemID != wid || r.TraceID == "" {
		t.Errorf("promoted run: %+v", r)
	}
	got, err := e.store.GetQueueEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetQueueEntry: %v", err)
	}
	if got.State != store.QueueEntryConsumed {
		t.Errorf("entry state = %s, want consumed", got.State)
	}
}

func TestTickHonoursDelay(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	pid := e.project(t, 0)
	wid := e.workItem(t, pid)

	if _, err := e.sched.Enqueue(ctx, wid, nil, 0, time.Hour); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	summary, err := e.sched.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if summary.Due != 0 || len(summary.Promoted) != 0 {
		t.Fatalf("entry promoted before its time: %+v", summary)
	}
	e.clock.Advance(time.Hour)
	summary, err = e.sched.Tick(ctx)
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if len(summary.Promoted) != 1 {
		t.Errorf("summary after delay: %+v", summary)
	}
}

func TestTickDependencyChain(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	pid := e.project(t, 0)
	a := e.workItem(t, pid)
	b := e.workItem(t, pid)

	if _, err := e.sched.Enqueue(ctx, a, nil, 0, 0); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if _, err := e.sched.Enqueue(ctx, b, &a, 0, 0); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	summary, err := e.sched.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(summary.Promoted) != 1 || summary.Skipped[SkipDependency] != 1 {
		t.Fatalf("first tick: %+v", summary)
	}
	aRun := summary.Promoted[0]

	// 依赖 Run 失败不解锁
	e.finishRun(t, aRun, store.RunFailed)
	summary, err = e.sched.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick after failure: %v", err)
	}
	if len(summary.Promoted) != 0 || summary.Skipped[SkipDependency] != 1 {
		t.Fatalf("tick after dependency failure: %+v", summary)
	}

	// 最近一次终态 Run 为 succeeded 才放行
	e.clock.Advance(time.Second)
	rerun, err := e.sched.StartRun(ctx, a)
	if err != nil {
		t.Fatalf("StartRun a: %v", err)
	}
	e.clock.Advance(time.Second)
	e.finishRun(t, rerun.ID, store.RunSucceeded)
	summary, err = e.sched.Tick(ctx)
	if err != nil {
		t.Fatalf("final Tick: %v", err)
	}
	if len(summary.Promoted) != 1 {
		t.Fatalf("dependent entry not promoted: %+v", summary)
	}
	r, _ := e.store.GetRun(ctx, summary.Promoted[0])
	if r.WorkItemID != b {
		t.Errorf("promoted run belongs to %d, want %d", r.WorkItemID, b)
	}
}

func TestTickFanInDependents(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	pid := e.project(t, 0)
	x := e.workItem(t, pid)
	b := e.workItem(t, pid)
	c := e.workItem(t, pid)

	xRun, err := e.sched.StartRun(ctx, x)
	if err != nil {
		t.Fatalf("StartRun x: %v", err)
	}
	e.finishRun(t, xRun.ID, store.RunSucceeded)

	if _, err := e.sched.Enqueue(ctx, b, &x, 0, 0); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	if _, err := e.sched.Enqueue(ctx, c, &x, 0, 0); err != nil {
		t.Fatalf("enqueue c: %v", err)
	}

	// 同依赖的两个条目在同一 tick 内一起晋升
	summary, err := e.sched.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(summary.Promoted) != 2 || summary.Skipped[SkipDependency] != 0 {
		t.Fatalf("summary: %+v", summary)
	}
	got := map[int64]bool{}
	for _, runID := range summary.Promoted {
		r, err := e.store.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if r.State != store.RunQueued {
			t.Errorf("run %d state = %s, want queued", runID, r.State)
		}
		got[r.WorkItemID] = true
	}
	if !got[b] || !got[c] {
		t.Errorf("promoted work items = %v, want both %d and %d", got, b, c)
	}
}

func TestTickPriorityOrder(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	pid := e.project(t, 0)
	low := e.workItem(t, pid)
	high := e.workItem(t, pid)

	if _, err := e.sched.Enqueue(ctx, low, nil, 0, 0); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if _, err := e.sched.Enqueue(ctx, high, nil, 10, 0); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}
	summary, err := e.sched.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(summary.Promoted) != 2 {
		t.Fatalf("promoted = %v", summary.Promoted)
	}
	first, _ := e.store.GetRun(ctx, summary.Promoted[0])
	if first.WorkItemID != high {
		t.Errorf("first promoted work item = %d, want %d", first.WorkItemID, high)
	}
}

func TestTickSkipsAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	pid := e.project(t, 0)
	wid := e.workItem(t, pid)

	if _, err := e.sched.Enqueue(ctx, wid, nil, 0, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := e.sched.Enqueue(ctx, wid, nil, 0, 0); err != nil {
		t.Fatalf("enqueue twice: %v", err)
	}
	summary, err := e.sched.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(summary.Promoted) != 1 || summary.Skipped[SkipAlreadyRunning] != 1 {
		t.Errorf("summary: %+v", summary)
	}
}

func TestTickQuotaSkip(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	pid := e.project(t, 1)
	a := e.workItem(t, pid)
	b := e.workItem(t, pid)

	if _, err := e.sched.Enqueue(ctx, a, nil, 5, 0); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if _, err := e.sched.Enqueue(ctx, b, nil, 0, 0); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	summary, err := e.sched.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(summary.Promoted) != 1 || summary.Skipped[SkipQuota] != 1 {
		t.Errorf("summary: %+v", summary)
	}
}

func TestTickApprovalGate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	pid := e.project(t, 0)
	wid := e.workItem(t, pid)

	if _, err := e.sched.Enqueue(ctx, wid, nil, 0, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	summary, err := e.sched.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if len(summary.Promoted) != 0 || summary.Skipped[SkipApproval] != 1 {
		t.Fatalf("unapproved entry: %+v", summary)
	}

	if _, err := e.store.CreateApproval(ctx, &store.ApprovalRequest{
		WorkItemID: wid, State: store.ApprovalApproved, CreatedAt: e.clock.Now(),
	}); err != nil {
		t.Fatalf("CreateApproval: %v", err)
	}
	summary, err = e.sched.Tick(ctx)
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if len(summary.Promoted) != 1 {
		t.Errorf("approved entry not promoted: %+v", summary)
	}
}

func TestStartRun(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	pid := e.project(t, 0)
	wid := e.workItem(t, pid)

	r, err := e.sched.StartRun(ctx, wid)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if r.State != store.RunQueued || r.Attempt != 1 || r.TraceID == "" {
		t.Errorf("run: %+v", r)
	}
	if _, err := e.sched.StartRun(ctx, wid); pkgerrors.KindOf(err) != pkgerrors.KindConflict {
		t.Errorf("second StartRun: want conflict, got %v", err)
	}
}

func TestStartRunForbiddenWithoutApproval(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, true)
	pid := e.project(t, 0)
	wid := e.workItem(t, pid)

	_, err := e.sched.StartRun(ctx, wid)
	if pkgerrors.KindOf(err) != pkgerrors.KindForbidden || pkgerrors.ReasonOf(err) != "approval_missing" {
		t.Errorf("want forbidden/approval_missing, got %v", err)
	}
}

func TestRequeueRun(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, false)
	pid := e.project(t, 0)
	wid := e.workItem(t, pid)

	r, err := e.sched.StartRun(ctx, wid)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	e.finishRun(t, r.ID, store.RunFailed)

	if _, err := e.sched.RequeueRun(ctx, r.ID, 0, false, -time.Second); pkgerrors.KindOf(err) != pkgerrors.KindValidation {
		t.Errorf("negative delay: want validation, got %v", err)
	}

	entry, err := e.sched.RequeueRun(ctx, r.ID, 3, false, 5*time.Minute)
	if err != nil {
		t.Fatalf("RequeueRun: %v", err)
	}
	if entry.WorkItemID != wid || entry.Priority != 3 {
		t.Errorf("entry: %+v", entry)
	}
	if want := e.clock.Now().Add(5 * time.Minute); !entry.ScheduledFor.Equal(want) {
		t.Errorf("scheduled_for = %v, want %v", entry.ScheduledFor, want)
	}

	// backoff 未显式给延迟时按失败数套退避（1 次失败 → base）
	entry, err = e.sched.RequeueRun(ctx, r.ID, 0, true, 0)
	if err != nil {
		t.Fatalf("RequeueRun backoff: %v", err)
	}
	if want := e.clock.Now().Add(10 * time.Second); !entry.ScheduledFor.Equal(want) {
		t.Errorf("backoff scheduled_for = %v, want %v", entry.ScheduledFor, want)
	}
}
