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
	pkgerrors "codex-orchestrator/pkg/errors"
)

type createProjectReq struct {
	Name               string `json:"name"`
	Description        string `json:"description"`
	QuotaWindowSeconds int    `json:"quota_window_seconds"`
	QuotaMaxRuns       int    `json:"quota_max_runs"`
}

// CreateProject POST /projects/
func (h *Handler) CreateProject(c context.Context, ctx *app.RequestContext) {
	var req createProjectReq
	if err := ctx.BindJSON(&req); err != nil {
		h.respondErr(ctx, pkgerrors.Wrap(pkgerrors.E(pkgerrors.KindValidation, "invalid request body"), err.Error()))
		return
	}
	if req.Name == "" {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "name is required"))
		return
	}
	if req.QuotaWindowSeconds < 0 || req.QuotaMaxRuns < 0 {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "quota must not be negative"))
		return
	}
	p := &store.Project{
		Name:               req.Name,
		Description:        req.Description,
		QuotaWindowSeconds: req.QuotaWindowSeconds,
		QuotaMaxRuns:       req.QuotaMaxRuns,
		CreatedAt:          h.clock.Now(),
	}
	id, err := h.store.CreateProject(c, p)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	p.ID = id
	ctx.JSON(consts.StatusCreated, viewProject(p))
}

// ListProjects GET /projects/
func (h *Handler) ListProjects(c context.Context, ctx *app.RequestContext) {
	ps, err := h.store.ListProjects(c)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	out := make([]*projectView, 0, len(ps))
	for _, p := range ps {
		out = append(out, viewProject(p))
	}
	ctx.JSON(consts.StatusOK, out)
}

type setQuotaReq struct {
	WindowSeconds int `json:"window_seconds"`
	MaxRuns       int `json:"max_runs"`
}

// SetProjectQuota POST /projects/:id/quota
func (h *Handler) SetProjectQuota(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	var req setQuotaReq
	if err := ctx.BindJSON(&req); err != nil {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "invalid request body"))
		return
	}
	if req.WindowSeconds < 0 || req.MaxRuns < 0 {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "quota must not be negative"))
		return
	}
	if err := h.store.UpdateProjectQuota(c, id, req.WindowSeconds, req.MaxRuns); err != nil {
		h.respondErr(ctx, err)
		return
	}
	p, err := h.store.GetProject(c, id)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, viewProject(p))
}
