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
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	pkgerrors "codex-orchestrator/pkg/errors"
)

type enqueueReq struct {
	WorkItemID          int64  `json:"work_item_id"`
	DependsOnWorkItemID *int64 `json:"depends_on_work_item_id"`
	Priority            int    `json:"priority"`
	DelaySeconds        int    `json:"delay_seconds"`
}

// Enqueue POST /scheduler/enqueue
func (h *Handler) Enqueue(c context.Context, ctx *app.RequestContext) {
	var req enqueueReq
	if err := ctx.BindJSON(&req); err != nil {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "invalid request body"))
		return
	}
	e, err := h.sched.Enqueue(c, req.WorkItemID, req.DependsOnWorkItemID, req.Priority,
		time.Duration(req.DelaySeconds)*time.Second)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, viewQueueEntry(e))
}

// Tick POST /scheduler/tick 手动触发一次晋升
func (h *Handler) Tick(c context.Context, ctx *app.RequestContext) {
	summary, err := h.sched.Tick(c)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, summary)
}

// Queue GET /scheduler/queue 当前 queued 条目，按晋升评估顺序
func (h *Handler) Queue(c context.Context, ctx *app.RequestContext) {
	entries, err := h.sched.ListQueue(c)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	out := make([]*queueEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewQueueEntry(e))
	}
	ctx.JSON(consts.StatusOK, out)
}

type requeueWorkItemReq struct {
	WorkItemID   int64 `json:"work_item_id"`
	Priority     int   `json:"priority"`
	DelaySeconds int   `json:"delay_seconds"`
}

// RequeueWorkItem POST /scheduler/requeue/work-item 操作员显式重新入队
func (h *Handler) RequeueWorkItem(c context.Context, ctx *app.RequestContext) {
	var req requeueWorkItemReq
	if err := ctx.BindJSON(&req); err != nil {
		h.respondErr(ctx, pkgerrors.E(pkgerrors.KindValidation, "invalid request body"))
		return
	}
	e, err := h.sched.Enqueue(c, req.WorkItemID, nil, req.Priority,
		time.Duration(req.DelaySeconds)*time.Second)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, viewQueueEntry(e))
}

type requeueRunReq struct {
	Priority     int  `json:"priority"`
	Backoff      bool `json:"backoff"`
	DelaySeconds int  `json:"delay_seconds"`
}

// RequeueRun POST /scheduler/requeue/run/:id
func (h *Handler) RequeueRun(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	var req requeueRunReq
	_ = ctx.BindJSON(&req)
	e, err := h.sched.RequeueRun(c, id, req.Priority, req.Backoff,
		time.Duration(req.DelaySeconds)*time.Second)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.JSON(consts.StatusCreated, viewQueueEntry(e))
}
