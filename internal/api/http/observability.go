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
	"bytes"
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"codex-orchestrator/pkg/metrics"
)

// Health GET /observability/health
func (h *Handler) Health(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   fmtTime(h.clock.Now()),
	})
}

// Metrics GET /observability/metrics Prometheus 文本格式
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		h.respondErr(ctx, err)
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

type traceView struct {
	RunID      int64   `json:"run_id"`
	WorkItemID int64   `json:"work_item_id"`
	TraceID    string  `json:"trace_id"`
	State      string  `json:"state"`
	Attempt    int     `json:"attempt"`
	StartedAt  *string `json:"started_at,omitempty"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

// Traces GET /observability/traces 最近 Run 的 trace 索引（至多 100 条）
func (h *Handler) Traces(c context.Context, ctx *app.RequestContext) {
	limit := queryInt(ctx, "limit", 100)
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	runs, err := h.store.RecentRuns(c, limit)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	out := make([]*traceView, 0, len(runs))
	for _, r := range runs {
		out = append(out, &traceView{
			RunID:      r.ID,
			WorkItemID: r.WorkItemID,
			TraceID:    r.TraceID,
			State:      string(r.State),
			Attempt:    r.Attempt,
			StartedAt:  fmtTimePtr(r.StartedAt),
			FinishedAt: fmtTimePtr(r.FinishedAt),
		})
	}
	ctx.JSON(consts.StatusOK, out)
}

// RunDetail GET /observability/runs/:id Run 聚合视图（步骤、日志量、信息请求）
func (h *Handler) RunDetail(c context.Context, ctx *app.RequestContext) {
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
	steps, err := h.store.ListSteps(c, id)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	logCount, err := h.store.CountLogs(c, id)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	infoViews, err := h.info.List(c, id, "", false)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	stepViews := make([]*stepView, 0, len(steps))
	for _, s := range steps {
		stepViews = append(stepViews, viewStep(s))
	}
	irViews := make([]*infoRequestView, 0, len(infoViews))
	for _, v := range infoViews {
		irViews = append(irViews, viewInfoRequest(v))
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"run":           viewRun(r),
		"steps":         stepViews,
		"log_count":     logCount,
		"info_requests": irViews,
	})
}

type usageView struct {
	ProjectID     int64  `json:"project_id"`
	Name          string `json:"name"`
	WindowSeconds int    `json:"window_seconds"`
	MaxRuns       int    `json:"max_runs"`
	Used          int    `json:"used"`
}

// Usage GET /observability/usage 各项目当前窗口配额用量
func (h *Handler) Usage(c context.Context, ctx *app.RequestContext) {
	projects, err := h.store.ListProjects(c)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	out := make([]*usageView, 0, len(projects))
	for _, p := range projects {
		u, err := h.meter.Snapshot(c, h.store, p)
		if err != nil {
			h.respondErr(ctx, err)
			return
		}
		out = append(out, &usageView{
			ProjectID:     p.ID,
			Name:          p.Name,
			WindowSeconds: u.WindowSeconds,
			MaxRuns:       u.MaxRuns,
			Used:          u.Used,
		})
	}
	ctx.JSON(consts.StatusOK, out)
}

type agentView struct {
	ID         string `json:"id"`
	LastSeenAt string `json:"last_seen_at"`
}

// Agents GET /observability/agents 认领过 Run 的 Agent 注册表
func (h *Handler) Agents(c context.Context, ctx *app.RequestContext) {
	agents, err := h.store.ListAgents(c)
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	out := make([]*agentView, 0, len(agents))
	for _, a := range agents {
		out = append(out, &agentView{ID: a.ID, LastSeenAt: fmtTime(a.LastSeenAt)})
	}
	ctx.JSON(consts.StatusOK, out)
}
