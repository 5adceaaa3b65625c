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

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"codex-orchestrator/internal/orchestrator/store"
	"codex-orchestrator/internal/recipe"
	pkgerrors "codex-orchestrator/pkg/errors"
)

type createWorkItemReq struct {
	ProjectID   int64  `json:"project_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// CreateWorkItem POST /work-items/
func (h *Handler) CreateWorkItem(c context.Context, ctx *app.RequestContext) {
	var req createWorkItemReq
	if err := ctx.BindJSON(&req); err != nil {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "invalid request body"))
		return
	}
	if req.Title == "" {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "title is required"))
		return
	}
	if _, err := h.store.GetProject(c, req.ProjectID); err != nil {
		h.respondErr(ctx, err)
		return
	}
	wi := &store.WorkItem{
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
		CreatedAt:   h.clock.Now(),
	}
	id, err := h.store.CreateWorkItem(c, wi)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	wi.ID = id
	ctx.JSON(consts.StatusCreated, viewWorkItem(wi))
}

// GetWorkItem GET /work-items/:id
func (h *Handler) GetWorkItem(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	wi, err := h.store.GetWorkItem(c, id)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, viewWorkItem(wi))
}

// ListWorkItems GET /work-items/?project_id=
func (h *Handler) ListWorkItems(c context.Context, ctx *app.RequestContext) {
	projectID := int64(queryInt(ctx, "project_id", 0))
	if projectID <= 0 {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "project_id is required"))
		return
	}
	items, err := h.store.ListWorkItems(c, projectID)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	out := make([]*workItemView, 0, len(items))
	for _, wi := range items {
		out = append(out, viewWorkItem(wi))
	}
	ctx.JSON(consts.StatusOK, out)
}

type setPolicyReq struct {
	MaxRetries           *int `json:"max_retries"`
	BackoffBaseSeconds   *int `json:"backoff_base_seconds"`
	BackoffJitterSeconds *int `json:"backoff_jitter_seconds"`
}

// SetWorkItemPolicy POST /work-items/:id/policy 设置工单级重试覆盖；nil 字段回落全局默认
func (h *Handler) SetWorkItemPolicy(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	var req setPolicyReq
	if err := ctx.BindJSON(&req); err != nil {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "invalid request body"))
		return
	}
	for _, v := range []*int{req.MaxRetries, req.BackoffBaseSeconds, req.BackoffJitterSeconds} {
		if v != nil && *v < 0 {
			h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "policy values must not be negative"))
			return
		}
	}
	if err := h.store.UpdateWorkItemPolicy(c, id, req.MaxRetries, req.BackoffBaseSeconds, req.BackoffJitterSeconds); err != nil {
		h.respondErr(ctx, err)
		return
	}
	wi, err := h.store.GetWorkItem(c, id)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, viewWorkItem(wi))
}

type toolRecipeReq struct {
	YAML string `json:"yaml"`
}

type toolRecipeView struct {
	WorkItemID int64  `json:"work_item_id"`
	YAML       string `json:"yaml"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}

func viewToolRecipe(r *store.ToolRecipe) *toolRecipeView {
	return &toolRecipeView{
		WorkItemID: r.WorkItemID,
		YAML:       r.YAML,
		Status:     string(r.Status),
		Error:      r.Error,
		UpdatedAt:  fmtTime(r.UpdatedAt),
	}
}

// PutToolRecipe POST /work-items/:id/tool-recipe
// 配方校验失败仍会存档（status=invalid），调度语义不受配方内容影响。
func (h *Handler) PutToolRecipe(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	var req toolRecipeReq
	if err := ctx.BindJSON(&req); err != nil {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "invalid request body"))
		return
	}
	if req.YAML == "" {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "yaml is required"))
		return
	}
	if _, err := h.store.GetWorkItem(c, id); err != nil {
		h.respondErr(ctx, err)
		return
	}
	r := &store.ToolRecipe{
		WorkItemID: id,
		YAML:       req.YAML,
		Status:     store.RecipeValid,
		UpdatedAt:  h.clock.Now(),
	}
	if _, err := recipe.Parse(req.YAML); err != nil {
		r.Status = store.RecipeInvalid
		r.Error = err.Error()
	}
	if _, err := h.store.UpsertToolRecipe(c, r); err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, viewToolRecipe(r))
}

// GetToolRecipe GET /work-items/:id/tool-recipe
func (h *Handler) GetToolRecipe(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	r, err := h.store.GetToolRecipe(c, id)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, viewToolRecipe(r))
}

type requestApprovalReq struct {
	Reason string `json:"reason"`
}

// RequestApproval POST /work-items/:id/approvals
func (h *Handler) RequestApproval(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	var req requestApprovalReq
	_ = ctx.BindJSON(&req) // reason 可缺省
	if _, err := h.store.GetWorkItem(c, id); err != nil {
		h.respondErr(ctx, err)
		return
	}
	a, err := h.approvals.Request(c, id, req.Reason)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, viewApproval(a))
}

// ListApprovals GET /work-items/:id/approvals
func (h *Handler) ListApprovals(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	as, err := h.store.ListApprovals(c, id)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	out := make([]*approvalView, 0, len(as))
	for _, a := range as {
		out = append(out, viewApproval(a))
	}
	ctx.JSON(consts.StatusOK, out)
}

type decideApprovalReq struct {
	Approve *bool `json:"approve"`
}

// DecideApproval POST /work-items/approvals/:id/approve
// body 省略或 approve=true 为批准，approve=false 为驳回
func (h *Handler) DecideApproval(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	var req decideApprovalReq
	_ = ctx.BindJSON(&req)
	approve := req.Approve == nil || *req.Approve
	a, err := h.approvals.Decide(c, id, approve)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, viewApproval(a))
}

// StartRun POST /work-items/:id/start 绕过队列直接创建 Run（仍过审批与配额）
func (h *Handler) StartRun(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	r, err := h.sched.StartRun(c, id)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, viewRun(r))
}

// ListWorkItemRuns GET /work-items/:id/runs
func (h *Handler) ListWorkItemRuns(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	if _, err := h.store.GetWorkItem(c, id); err != nil {
		h.respondErr(ctx, err)
		return
	}
	runs, err := h.store.ListRunsByWorkItem(c, id)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	out := make([]*runView, 0, len(runs))
	for _, r := range runs {
		out = append(out, viewRun(r))
	}
	ctx.JSON(consts.StatusOK, out)
}
