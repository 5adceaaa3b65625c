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

// Package inforeq 运行中 Agent 与操作员之间的信息请求通道
package inforeq

import (
	"context"
	"encoding/json"
	"fmt"

	"codex-orchestrator/internal/orchestrator/clock"
	"codex-orchestrator/internal/orchestrator/store"
	pkgerrors "codex-orchestrator/pkg/errors"
)

// Channel 信息请求通道。响应按 Sealer 封存；
// 明文读取需请求方共享密钥与封存密钥一致。
type Channel struct {
	store  store.Store
	clock  clock.Clock
	sealer Sealer
}

// NewChannel 创建通道
func NewChannel(st store.Store, clk clock.Clock, sealer Sealer) *Channel {
	if sealer == nil {
		sealer = NoopSealer{}
	}
	return &Channel{store: st, clock: clk, sealer: sealer}
}

// Create Agent 持有效租约时创建 pending 请求
func (c *Channel) Create(ctx context.Context, runID int64, agentID, prompt string, keys []store.InfoKey) (*store.InfoRequest, error) {
	if len(keys) == 0 {
		return nil, pkgerrors.E(pkgerrors.KindValidation, "at least one key is required")
	}
	seen := map[string]bool{}
	for _, k := range keys {
		if k.Name == "" {
			return nil, pkgerrors.E(pkgerrors.KindValidation, "key name is required")
		}
		if seen[k.Name] {
			return nil, pkgerrors.Ef(pkgerrors.KindValidation, "duplicate key %q", k.Name)
		}
		seen[k.Name] = true
	}
	var out *store.InfoRequest
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		now := c.clock.Now()
		r, err := tx.RunForUpdate(ctx, runID)
		if err != nil {
			return err
		}
		if r.State != store.RunRunning || r.ClaimedBy != agentID ||
			(r.ClaimExpiresAt != nil && !r.ClaimExpiresAt.After(now)) {
			return pkgerrors.WithReason(pkgerrors.KindConflict, "lease_lost",
				fmt.Sprintf("agent %s does not hold the lease on run %d", agentID, runID))
		}
		ir := &store.InfoRequest{
			RunID:     runID,
			Prompt:    prompt,
			Keys:      keys,
			State:     store.InfoPending,
			CreatedAt: now,
		}
		id, err := tx.CreateInfoRequest(ctx, ir)
		if err != nil {
			return err
		}
		ir.ID = id
		out = ir
		return nil
	})
	return out, err
}

// Respond 操作员提交响应；pending 之外的状态返回 conflict。
// values 的键必须与请求的 keys 完全一致。
func (c *Channel) Respond(ctx context.Context, id int64, values map[string]string) (*store.InfoRequest, error) {
	var out *store.InfoRequest
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		ir, err := tx.InfoRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if ir.State != store.InfoPending {
			return pkgerrors.Ef(pkgerrors.KindConflict, "info request %d already %s", id, ir.State)
		}
		if len(values) != len(ir.Keys) {
			return pkgerrors.E(pkgerrors.KindValidation, "response keys do not match requested keys")
		}
		for _, k := range ir.Keys {
			if _, ok := values[k.Name]; !ok {
				return pkgerrors.Ef(pkgerrors.KindValidation, "missing value for key %q", k.Name)
			}
		}
		now := c.clock.Now()
		if c.sealer.Enabled() {
			plain, err := json.Marshal(values)
			if err != nil {
				return err
			}
			cipherText, algo, err := c.sealer.Seal(plain)
			if err != nil {
				return err
			}
			ir.ResponseCipher = cipherText
			ir.CipherAlgo = algo
			ir.Response = nil
		} else {
			ir.Response = values
		}
		ir.State = store.InfoAnswered
		ir.ResolvedAt = &now
		if err := tx.UpdateInfoRequest(ctx, ir); err != nil {
			return err
		}
		out = ir
		return nil
	})
	return out, err
}

// Cancel 取消 pending 请求
func (c *Channel) Cancel(ctx context.Context, id int64) (*store.InfoRequest, error) {
	var out *store.InfoRequest
	err := c.store.InTx(ctx, func(tx store.Tx) error {
		ir, err := tx.InfoRequestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if ir.State != store.InfoPending {
			return pkgerrors.Ef(pkgerrors.KindConflict, "info request %d already %s", id, ir.State)
		}
		now := c.clock.Now()
		ir.State = store.InfoCancelled
		ir.ResolvedAt = &now
		if err := tx.UpdateInfoRequest(ctx, ir); err != nil {
			return err
		}
		out = ir
		return nil
	})
	return out, err
}

// View 对外视图：默认打码，providedKey 与封存密钥一致时返回明文
type View struct {
	*store.InfoRequest
	Values map[string]string
}

// Get 读取请求；reveal 为真且 providedKey 匹配时解出明文
func (c *Channel) Get(ctx context.Context, id int64, providedKey string, reveal bool) (*View, error) {
	ir, err := c.store.GetInfoRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.view(ir, providedKey, reveal)
}

// List 某 Run 的全部请求
func (c *Channel) List(ctx context.Context, runID int64, providedKey string, reveal bool) ([]*View, error) {
	irs, err := c.store.ListInfoRequests(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]*View, 0, len(irs))
	for _, ir := range irs {
		v, err := c.view(ir, providedKey, reveal)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (c *Channel) view(ir *store.InfoRequest, providedKey string, reveal bool) (*View, error) {
	v := &View{InfoRequest: ir}
	if ir.State != store.InfoAnswered || !reveal {
		return v, nil
	}
	if !c.sealer.Match(providedKey) {
		return nil, pkgerrors.E(pkgerrors.KindForbidden, "shared key does not match")
	}
	if ir.CipherAlgo == "" {
		v.Values = ir.Response
		return v, nil
	}
	plain, err := c.sealer.Open(ir.ResponseCipher, ir.CipherAlgo)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "open sealed response")
	}
	var values map[string]string
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, err
	}
	v.Values = values
	return v, nil
}
