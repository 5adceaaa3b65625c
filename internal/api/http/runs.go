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

package http

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"codex-orchestrator/internal/orchestrator/run"
	"codex-orchestrator/internal/orchestrator/store"
	pkgerrors "codex-orchestrator/pkg/errors"
)

// GetRun GET /work-items/runs/:id
func (h *Handler) GetRun(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	r, err := h.store.GetRun(c, id)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, viewRun(r))
}

type claimReq struct {
	AgentID    string `json:"agent_id"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// Claim POST /work-items/runs/:id/claim
// granted=false（他人持有未过期租约）是正常结果而非错误
func (h *Handler) Claim(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	var req claimReq
	if err := ctx.BindJSON(&req); err != nil {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "invalid request body"))
		return
	}
	res, err := h.leases.Claim(c, id, req.AgentID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	body := map[string]interface{}{
		"granted": res.Granted,
		"run":     viewRun(res.Run),
	}
	if res.Granted {
		body["expires_at"] = fmtTime(res.ExpiresAt)
	}
	ctx.JSON(consts.StatusOK, body)
}

// Heartbeat POST /work-items/runs/:id/heartbeat
func (h *Handler) Heartbeat(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	var req claimReq
	if err := ctx.BindJSON(&req); err != nil {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "invalid request body"))
		return
	}
	if req.AgentID == "" {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "agent_id is required"))
		return
	}
	r, err := h.leases.Heartbeat(c, id, req.AgentID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, viewRun(r))
}

type completeReq struct {
	AgentID string `json:"agent_id"`
}

// Complete POST /work-items/runs/:id/complete?success=true|false
func (h *Handler) Complete(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	var success bool
	switch ctx.Query("success") {
	case "true":
		success = true
	case "false":
		success = false
	default:
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "success=true|false is required"))
		return
	}
	var req completeReq
	_ = ctx.BindJSON(&req) // agent_id 缺省走操作员路径
	r, err := h.runs.Complete(c, id, req.AgentID, success)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, viewRun(r))
}

// CancelRun POST /work-items/runs/:id/cancel
func (h *Handler) CancelRun(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	r, err := h.runs.Cancel(c, id)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, viewRun(r))
}

type appendLogReq struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// AppendLog POST /work-items/runs/:id/logs
func (h *Handler) AppendLog(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	var req appendLogReq
	if err := ctx.BindJSON(&req); err != nil {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "invalid request body"))
		return
	}
	entry, err := h.runs.AppendLog(c, id, store.LogStream(req.Stream), req.Text)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, viewLogEntry(entry))
}

// ListLogs GET /work-items/runs/:id/logs?format=text|json&q=&limit=&offset=
func (h *Handler) ListLogs(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	if _, err := h.store.GetRun(c, id); err != nil {
		h.respondErr(ctx, err)
		return
	}
	all, err := h.store.ListLogs(c, id)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	if q := ctx.Query("q"); q != "" {
		filtered := all[:0]
		for _, e := range all {
			if strings.Contains(e.Text, q) {
				filtered = append(filtered, e)
			}
		}
		all = filtered
	}
	total := len(all)
	offset := queryInt(ctx, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	page := all[offset:]
	if limit := queryInt(ctx, "limit", 0); limit > 0 && limit < len(page) {
		page = page[:limit]
	}

	if ctx.Query("format") == "text" {
		var b strings.Builder
		for _, e := range page {
			fmt.Fprintf(&b, "%s [%s] %s\n", fmtTime(e.Timestamp), e.Stream, e.Text)
		}
		ctx.Data(consts.StatusOK, "text/plain; charset=utf-8", []byte(b.String()))
		return
	}
	entries := make([]*logEntryView, 0, len(page))
	for _, e := range page {
		entries = append(entries, viewLogEntry(e))
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"total":    total,
		"returned": len(entries),
		"entries":  entries,
	})
}

type createStepReq struct {
	Idx  int    `json:"idx"`
	Name string `json:"name"`
}

// CreateStep POST /work-items/runs/:id/steps
func (h *Handler) CreateStep(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	var req createStepReq
	if err := ctx.BindJSON(&req); err != nil {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "invalid request body"))
		return
	}
	if req.Idx < 0 {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "idx must not be negative"))
		return
	}
	step, err := h.runs.CreateStep(c, id, req.Idx, req.Name)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, viewStep(step))
}

// ListSteps GET /work-items/runs/:id/steps
func (h *Handler) ListSteps(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	if _, err := h.store.GetRun(c, id); err != nil {
		h.respondErr(ctx, err)
		return
	}
	steps, err := h.store.ListSteps(c, id)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	out := make([]*stepView, 0, len(steps))
	for _, s := range steps {
		out = append(out, viewStep(s))
	}
	ctx.JSON(consts.StatusOK, out)
}

type updateStepReq struct {
	Status   *string                `json:"status"`
	Metadata map[string]interface{} `json:"metadata"`
}

// UpdateStep PATCH /work-items/runs/steps/:id
func (h *Handler) UpdateStep(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	var req updateStepReq
	if err := ctx.BindJSON(&req); err != nil {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "invalid request body"))
		return
	}
	upd := run.StepUpdate{Metadata: req.Metadata}
	if req.Status != nil {
		status := store.StepStatus(*req.Status)
		upd.Status = &status
	}
	step, err := h.runs.UpdateStep(c, id, upd)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, viewStep(step))
}

type createInfoRequestReq struct {
	AgentID string          `json:"agent_id"`
	Prompt  string          `json:"prompt"`
	Keys    []store.InfoKey `json:"keys"`
}

// CreateInfoRequest POST /work-items/runs/:id/info-requests（Agent 持有效租约）
func (h *Handler) CreateInfoRequest(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	var req createInfoRequestReq
	if err := ctx.BindJSON(&req); err != nil {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "invalid request body"))
		return
	}
	if req.AgentID == "" {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "agent_id is required"))
		return
	}
	ir, err := h.info.Create(c, id, req.AgentID, req.Prompt, req.Keys)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, viewInfoRequest(h.redacted(ir)))
}

// ListInfoRequests GET /work-items/runs/:id/info-requests?reveal=true
// reveal 需携带与封存密钥一致的 X-Orch-Secret 头
func (h *Handler) ListInfoRequests(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	if _, err := h.store.GetRun(c, id); err != nil {
		h.respondErr(ctx, err)
		return
	}
	views, err := h.info.List(c, id, string(ctx.GetHeader(SharedKeyHeader)), ctx.Query("reveal") == "true")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	out := make([]*infoRequestView, 0, len(views))
	for _, v := range views {
		out = append(out, viewInfoRequest(v))
	}
	ctx.JSON(consts.StatusOK, out)
}

// GetInfoRequest GET /work-items/runs/info-requests/:id?reveal=true
func (h *Handler) GetInfoRequest(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	v, err := h.info.Get(c, id, string(ctx.GetHeader(SharedKeyHeader)), ctx.Query("reveal") == "true")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, viewInfoRequest(v))
}

type respondInfoRequestReq struct {
	Values map[string]string `json:"values"`
}

// RespondInfoRequest POST /work-items/runs/info-requests/:id/respond
func (h *Handler) RespondInfoRequest(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	var req respondInfoRequestReq
	if err := ctx.BindJSON(&req); err != nil {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "invalid request body"))
		return
	}
	ir, err := h.info.Respond(c, id, req.Values)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, viewInfoRequest(h.redacted(ir)))
}

// CancelInfoRequest POST /work-items/runs/info-requests/:id/cancel
func (h *Handler) CancelInfoRequest(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ir, err := h.info.Cancel(c, id)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, viewInfoRequest(h.redacted(ir)))
}
