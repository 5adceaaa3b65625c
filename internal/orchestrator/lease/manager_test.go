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

package lease

import (
	"context"
	"testing"
	"time"

	"codex-orchestrator/internal/orchestrator/clock"
	"codex-orchestrator/internal/orchestrator/logbus"
	"codex-orchestrator/internal/orchestrator/retry"
	"codex-orchestrator/internal/orchestrator/store"
	pkgerrors "codex-orchestrator/pkg/errors"
	"codex-orchestrator/pkg/log"
)

var start = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store *store.MemoryStore
	clock *clock.Manual
	mgr   *Manager
	runID int64
}

func newFixture(t *testing.T, defaults retry.Policy) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := clock.NewManual(start)
	logger, err := log.NewLogger(nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	mgr := NewManager(st, logbus.NewBus(16), clk, logger, 60*time.Second, defaults)

	pid, err := st.CreateProject(ctx, &store.Project{Name: "p"})
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	wid, err := st.CreateWorkItem(ctx, &store.WorkItem{ProjectID: pid, Title: "w"})
	if err != nil {
		t.Fatalf("CreateWorkItem: %v", err)
	}
	var runID int64
	err = st.InTx(ctx, func(tx store.Tx) error {
		runID, err = tx.CreateRun(ctx, &store.Run{
			WorkItemID: wid, State: store.RunQueued, Attempt: 1, CreatedAt: clk.Now(),
		})
		return err
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return &fixture{store: st, clock: clk, mgr: mgr, runID: runID}
}

func TestClaimGrantsQueuedRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retry.Policy{MaxRetries: 2, BackoffBase: 10 * time.Second})

	res, err := f.mgr.Claim(ctx, f.runID, "agent-1", 30*time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !res.Granted {
		t.Fatal("claim on queued run must be granted")
	}
	r := res.Run
	if r.State != store.RunRunning || r.ClaimedBy != "agent-1" || r.Attempt != 1 {
		t.Errorf("run after claim: %+v", r)
	}
	if r.StartedAt == nil || !r.StartedAt.Equal(start) {
		t.Errorf("started_at = %v", r.StartedAt)
	}
	if !res.ExpiresAt.Equal(start.Add(30 * time.Second)) {
		t.Errorf("expires_at = %v", res.ExpiresAt)
	}
}

func TestClaimSameHolderRenews(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retry.Policy{MaxRetries: 2})

	if _, err := f.mgr.Claim(ctx, f.runID, "agent-1", 30*time.Second); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	f.clock.Advance(10 * time.Second)
	res, err := f.mgr.Claim(ctx, f.runID, "agent-1", 30*time.Second)
	if err != nil {
		t.Fatalf("renew claim: %v", err)
	}
	if !res.Granted || res.Run.Attempt != 1 {
		t.Errorf("renew must not bump attempt: %+v", res.Run)
	}
	if !res.ExpiresAt.Equal(start.Add(40 * time.Second)) {
		t.Errorf("expires_at = %v", res.ExpiresAt)
	}
}

func TestClaimBusyIsNotAnError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retry.Policy{MaxRetries: 2})

	if _, err := f.mgr.Claim(ctx, f.runID, "agent-1", 30*time.Second); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	res, err := f.mgr.Claim(ctx, f.runID, "agent-2", 30*time.Second)
	if err != nil {
		t.Fatalf("competing claim: %v", err)
	}
	if res.Granted {
		t.Fatal("unexpired lease must not be taken over")
	}
	if res.Run.ClaimedBy != "agent-1" {
		t.Errorf("holder = %q", res.Run.ClaimedBy)
	}
}

func TestClaimTakeoverAfterExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retry.Policy{MaxRetries: 2, BackoffBase: 10 * time.Second})

	if _, err := f.mgr.Claim(ctx, f.runID, "agent-1", 30*time.Second); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	f.clock.Advance(31 * time.Second)
	res, err := f.mgr.Claim(ctx, f.runID, "agent-2", 30*time.Second)
	if err != nil {
		t.Fatalf("takeover claim: %v", err)
	}
	if !res.Granted || res.Run.ClaimedBy != "agent-2" {
		t.Fatalf("takeover not granted: %+v", res)
	}
	if res.Run.Attempt != 2 {
		t.Errorf("takeover must bump attempt, got %d", res.Run.Attempt)
	}
}

func TestClaimTakeoverExhaustsBudget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retry.Policy{MaxRetries: 0})

	if _, err := f.mgr.Claim(ctx, f.runID, "agent-1", 30*time.Second); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	f.clock.Advance(time.Minute)
	_, err := f.mgr.Claim(ctx, f.runID, "agent-2", 30*time.Second)
	if pkgerrors.KindOf(err) != pkgerrors.KindConflict || pkgerrors.ReasonOf(err) != "retry_exhausted" {
		t.Fatalf("want conflict/retry_exhausted, got %v", err)
	}
	// failed 迁移须随事务提交
	r, err := f.store.GetRun(ctx, f.runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.State != store.RunFailed || r.ClaimedBy != "" || r.FinishedAt == nil {
		t.Errorf("run after exhausted takeover: %+v", r)
	}
}

func TestClaimValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retry.Policy{})

	if _, err := f.mgr.Claim(ctx, f.runID, "", 0); pkgerrors.KindOf(err) != pkgerrors.KindValidation {
		t.Errorf("empty agent_id: want validation error, got %v", err)
	}
	if _, err := f.mgr.Claim(ctx, 999, "agent-1", 0); pkgerrors.KindOf(err) != pkgerrors.KindNotFound {
		t.Errorf("missing run: want not found, got %v", err)
	}
}

func TestClaimTerminalRunConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retry.Policy{})
	err := f.store.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.RunForUpdate(ctx, f.runID)
		if err != nil {
			return err
		}
		r.State = store.RunCancelled
		return tx.UpdateRun(ctx, r)
	})
	if err != nil {
		t.Fatalf("seed cancel: %v", err)
	}
	if _, err := f.mgr.Claim(ctx, f.runID, "agent-1", 0); pkgerrors.KindOf(err) != pkgerrors.KindConflict {
		t.Errorf("claim on cancelled run: want conflict, got %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retry.Policy{MaxRetries: 2})

	if _, err := f.mgr.Claim(ctx, f.runID, "agent-1", 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	f.clock.Advance(20 * time.Second)
	r, err := f.mgr.Heartbeat(ctx, f.runID, "agent-1", 30*time.Second)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if want := start.Add(50 * time.Second); r.ClaimExpiresAt == nil || !r.ClaimExpiresAt.Equal(want) {
		t.Errorf("claim_expires_at = %v, want %v", r.ClaimExpiresAt, want)
	}

	// 非持有者
	if _, err := f.mgr.Heartbeat(ctx, f.runID, "agent-2", 0); pkgerrors.ReasonOf(err) != "lease_lost" {
		t.Errorf("foreign heartbeat: want lease_lost, got %v", err)
	}
	// 过期后续租失败
	f.clock.Advance(time.Minute)
	if _, err := f.mgr.Heartbeat(ctx, f.runID, "agent-1", 0); pkgerrors.ReasonOf(err) != "lease_lost" {
		t.Errorf("expired heartbeat: want lease_lost, got %v", err)
	}
}

func TestExpireScanRequeues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retry.Policy{MaxRetries: 2, BackoffBase: 10 * time.Second})

	if _, err := f.mgr.Claim(ctx, f.runID, "agent-1", 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// 未过期时扫描不动作
	n, err := f.mgr.ExpireScan(ctx)
	if err != nil || n != 0 {
		t.Fatalf("premature scan: n=%d err=%v", n, err)
	}

	f.clock.Advance(time.Minute)
	n, err = f.mgr.ExpireScan(ctx)
	if err != nil {
		t.Fatalf("ExpireScan: %v", err)
	}
	if n != 1 {
		t.Fatalf("handled = %d, want 1", n)
	}
	r, err := f.store.GetRun(ctx, f.runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.State != store.RunQueued || r.ClaimedBy != "" || r.Attempt != 2 {
		t.Errorf("run after scan: %+v", r)
	}
}

func TestExpireScanFailsExhaustedRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, retry.Policy{MaxRetries: 0})

	if _, err := f.mgr.Claim(ctx, f.runID, "agent-1", 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	f.clock.Advance(time.Minute)
	if _, err := f.mgr.ExpireScan(ctx); err != nil {
		t.Fatalf("ExpireScan: %v", err)
	}
	r, err := f.store.GetRun(ctx, f.runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.State != store.RunFailed || r.FinishedAt == nil {
		t.Errorf("run after exhausted scan: %+v", r)
	}
}

func TestReleaseLocked(t *testing.T) {
	r := &store.Run{ID: 1, ClaimedBy: "agent-1"}
	if err := ReleaseLocked(r, "agent-2"); pkgerrors.ReasonOf(err) != "lease_holder_mismatch" {
		t.Errorf("foreign release: want lease_holder_mismatch, got %v", err)
	}
	if err := ReleaseLocked(r, "agent-1"); err != nil {
		t.Fatalf("release by holder: %v", err)
	}
	if r.ClaimedBy != "" || r.ClaimExpiresAt != nil {
		t.Errorf("lease fields not cleared: %+v", r)
	}
	// 操作员路径跳过持有者校验
	r2 := &store.Run{ID: 2, ClaimedBy: "agent-1"}
	if err := ReleaseLocked(r2, ""); err != nil {
		t.Errorf("operator release: %v", err)
	}
}
