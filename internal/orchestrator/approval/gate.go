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

// Package approval 审批门禁与审批生命周期
package approval

import (
	"context"

	"codex-orchestrator/internal/orchestrator/clock"
	"codex-orchestrator/internal/orchestrator/store"
	pkgerrors "codex-orchestrator/pkg/errors"
)

// Source 门禁判定所需的审批查询面；store.Tx 实现之
type Source interface {
	PendingApprovalExists(ctx context.Context, workItemID int64) (bool, error)
	ApprovedApprovalExists(ctx context.Context, workItemID int64) (bool, error)
}

// Gate 审批门禁。required=false 时放行一切（开发模式）。
// 放行条件：无 pending 审批，且至少一条 approved。
type Gate struct {
	required bool
}

// NewGate 创建门禁
func NewGate(required bool) *Gate {
	return &Gate{required: required}
}

// Admits 工单是否可启动；拒绝时返回机器可读 reason（approval_pending | approval_missing）
func (g *Gate) Admits(ctx context.Context, src Source, workItemID int64) (bool, string, error) {
	if !g.required {
		return true, "", nil
	}
	pending, err := src.PendingApprovalExists(ctx, workItemID)
	if err != nil {
		return false, "", err
	}
	if pending {
		return false, "approval_pending", nil
	}
	approved, err := src.ApprovedApprovalExists(ctx, workItemID)
	if err != nil {
		return false, "", err
	}
	if !approved {
		return false, "approval_missing", nil
	}
	return true, "", nil
}

// Service 审批请求的创建与裁决
type Service struct {
	store store.Store
	clock clock.Clock
}

// NewService 创建审批服务
func NewService(st store.Store, clk clock.Clock) *Service {
	return &Service{store: st, clock: clk}
}

// Request 为工单创建 pending 审批
func (s *Service) Request(ctx context.Context, workItemID int64, reason string) (*store.ApprovalRequest, error) {
	a := &store.ApprovalRequest{
		WorkItemID: workItemID,
		State:      store.ApprovalPending,
		Reason:     reason,
		CreatedAt:  s.clock.Now(),
	}
	id, err := s.store.CreateApproval(ctx, a)
	if err != nil {
		return nil, err
	}
	a.ID = id
	return a, nil
}

// Decide 裁决 pending 审批；重复裁决返回 conflict
func (s *Service) Decide(ctx context.Context, id int64, approve bool) (*store.ApprovalRequest, error) {
	var out *store.ApprovalRequest
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		a, err := tx.ApprovalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if a.State != store.ApprovalPending {
			return pkgerrors.Ef(pkgerrors.KindConflict, "approval %d already %s", id, a.State)
		}
		if approve {
			a.State = store.ApprovalApproved
		} else {
			a.State = store.ApprovalRejected
		}
		now := s.clock.Now()
		a.DecidedAt = &now
		if err := tx.UpdateApproval(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}
