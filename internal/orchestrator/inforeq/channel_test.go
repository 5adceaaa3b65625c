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

package inforeq

import (
	"context"
	"testing"
	"time"

	"codex-orchestrator/internal/orchestrator/clock"
	"codex-orchestrator/internal/orchestrator/store"
	pkgerrors "codex-orchestrator/pkg/errors"
)

var start = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func seedRunning(t *testing.T, st *store.MemoryStore, clk *clock.Manual, agentID string) int64 {
	t.Helper()
	ctx := context.Background()
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
		now := clk.Now()
		expires := now.Add(time.Hour)
		runID, err = tx.CreateRun(ctx, &store.Run{
			WorkItemID:     wid,
			State:          store.RunRunning,
			Attempt:        1,
			ClaimedBy:      agentID,
			ClaimExpiresAt: &expires,
			StartedAt:      &now,
			CreatedAt:      now,
		})
		return err
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return runID
}

func keys(names ...string) []store.InfoKey {
	out := make([]store.InfoKey, 0, len(names))
	for _, n := range names {
		out = append(out, store.InfoKey{Name: n, Secret: true})
	}
	return out
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := clock.NewManual(start)
	ch := NewChannel(st, clk, nil)
	runID := seedRunning(t, st, clk, "agent-1")

	if _, err := ch.Create(ctx, runID, "agent-1", "creds?", nil); pkgerrors.KindOf(err) != pkgerrors.KindValidation {
		t.Errorf("no keys: want validation, got %v", err)
	}
	if _, err := ch.Create(ctx, runID, "agent-1", "creds?", keys("")); pkgerrors.KindOf(err) != pkgerrors.KindValidation {
		t.Errorf("empty key name: want validation, got %v", err)
	}
	if _, err := ch.Create(ctx, runID, "agent-1", "creds?", keys("token", "token")); pkgerrors.KindOf(err) != pkgerrors.KindValidation {
		t.Errorf("duplicate key: want validation, got %v", err)
	}
}

func TestCreateRequiresLease(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := clock.NewManual(start)
	ch := NewChannel(st, clk, nil)
	runID := seedRunning(t, st, clk, "agent-1")

	if _, err := ch.Create(ctx, runID, "agent-2", "creds?", keys("token")); pkgerrors.ReasonOf(err) != "lease_lost" {
		t.Errorf("non-holder: want lease_lost, got %v", err)
	}
	clk.Advance(2 * time.Hour) // 租约过期
	if _, err := ch.Create(ctx, runID, "agent-1", "creds?", keys("token")); pkgerrors.ReasonOf(err) != "lease_lost" {
		t.Errorf("expired lease: want lease_lost, got %v", err)
	}
}

func TestRespondPlaintext(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := clock.NewManual(start)
	ch := NewChannel(st, clk, nil) // NoopSealer
	runID := seedRunning(t, st, clk, "agent-1")

	ir, err := ch.Create(ctx, runID, "agent-1", "creds?", keys("token", "user"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ir.State != store.InfoPending {
		t.Errorf("state = %s", ir.State)
	}

	// 键不匹配
	if _, err := ch.Respond(ctx, ir.ID, map[string]string{"token": "t"}); pkgerrors.KindOf(err) != pkgerrors.KindValidation {
		t.Errorf("missing key: want validation, got %v", err)
	}
	if _, err := ch.Respond(ctx, ir.ID, map[string]string{"token": "t", "other": "x"}); pkgerrors.KindOf(err) != pkgerrors.KindValidation {
		t.Errorf("wrong key: want validation, got %v", err)
	}

	got, err := ch.Respond(ctx, ir.ID, map[string]string{"token": "t", "user": "u"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got.State != store.InfoAnswered || got.CipherAlgo != "" || got.Response["token"] != "t" {
		t.Errorf("answered request: %+v", got)
	}

	// 重复响应 conflict
	if _, err := ch.Respond(ctx, ir.ID, map[string]string{"token": "t", "user": "u"}); pkgerrors.KindOf(err) != pkgerrors.KindConflict {
		t.Errorf("double respond: want conflict, got %v", err)
	}

	// NoopSealer 下 reveal 直接返回明文
	v, err := ch.Get(ctx, ir.ID, "", true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.Values["user"] != "u" {
		t.Errorf("values: %+v", v.Values)
	}
}

func TestRespondSealed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := clock.NewManual(start)
	sealer, err := NewAESGCMSealer("shared-key")
	if err != nil {
		t.Fatalf("NewAESGCMSealer: %v", err)
	}
	ch := NewChannel(st, clk, sealer)
	runID := seedRunning(t, st, clk, "agent-1")

	ir, err := ch.Create(ctx, runID, "agent-1", "creds?", keys("token"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := ch.Respond(ctx, ir.ID, map[string]string{"token": "s3cret"})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got.CipherAlgo == "" || len(got.ResponseCipher) == 0 || got.Response != nil {
		t.Fatalf("response not sealed: %+v", got)
	}

	// 默认打码
	v, err := ch.Get(ctx, ir.ID, "", false)
	if err != nil {
		t.Fatalf("Get redacted: %v", err)
	}
	if v.Values != nil {
		t.Errorf("redacted view leaked values: %+v", v.Values)
	}

	// 密钥不符拒绝
	if _, err := ch.Get(ctx, ir.ID, "wrong-key", true); pkgerrors.KindOf(err) != pkgerrors.KindForbidden {
		t.Errorf("wrong key: want forbidden, got %v", err)
	}
	if _, err := ch.Get(ctx, ir.ID, "", true); pkgerrors.KindOf(err) != pkgerrors.KindForbidden {
		t.Errorf("empty key: want forbidden, got %v", err)
	}

	// 密钥一致时解出明文
	v, err = ch.Get(ctx, ir.ID, "shared-key", true)
	if err != nil {
		t.Fatalf("Get reveal: %v", err)
	}
	if v.Values["token"] != "s3cret" {
		t.Errorf("values: %+v", v.Values)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := clock.NewManual(start)
	ch := NewChannel(st, clk, nil)
	runID := seedRunning(t, st, clk, "agent-1")

	ir, err := ch.Create(ctx, runID, "agent-1", "creds?", keys("token"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := ch.Cancel(ctx, ir.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.State != store.InfoCancelled || got.ResolvedAt == nil {
		t.Errorf("cancelled request: %+v", got)
	}
	if _, err := ch.Cancel(ctx, ir.ID); pkgerrors.KindOf(err) != pkgerrors.KindConflict {
		t.Errorf("second cancel: want conflict, got %v", err)
	}
	if _, err := ch.Respond(ctx, ir.ID, map[string]string{"token": "t"}); pkgerrors.KindOf(err) != pkgerrors.KindConflict {
		t.Errorf("respond after cancel: want conflict, got %v", err)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	clk := clock.NewManual(start)
	ch := NewChannel(st, clk, nil)
	runID := seedRunning(t, st, clk, "agent-1")

	for i := 0; i < 2; i++ {
		if _, err := ch.Create(ctx, runID, "agent-1", "creds?", keys("token")); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}
	views, err := ch.List(ctx, runID, "", false)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(views) != 2 {
		t.Errorf("views = %d, want 2", len(views))
	}
}

func TestSealerRoundTrip(t *testing.T) {
	s, err := NewAESGCMSealer("k1")
	if err != nil {
		t.Fatalf("NewAESGCMSealer: %v", err)
	}
	cipherText, algo, err := s.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if algo == "" {
		t.Fatal("algo tag must not be empty")
	}
	plain, err := s.Open(cipherText, algo)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(plain) != "payload" {
		t.Errorf("round trip: %q", plain)
	}

	// 不同密钥解不开
	other, _ := NewAESGCMSealer("k2")
	if _, err := other.Open(cipherText, algo); err == nil {
		t.Error("foreign key must not open the payload")
	}
	if _, err := s.Open(cipherText, "bogus"); err == nil {
		t.Error("unknown algo must be rejected")
	}
	if _, err := s.Open([]byte("short"), algo); err == nil {
		t.Error("truncated ciphertext must be rejected")
	}
}
