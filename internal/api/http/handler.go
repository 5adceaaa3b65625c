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

// Package http 编排器 HTTP/WS 接口
package http

import (
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"codex-orchestrator/internal/orchestrator/approval"
	"codex-orchestrator/internal/orchestrator/clock"
	"codex-orchestrator/internal/orchestrator/inforeq"
	"codex-orchestrator/internal/orchestrator/lease"
	"codex-orchestrator/internal/orchestrator/logbus"
	"codex-orchestrator/internal/orchestrator/quota"
	"codex-orchestrator/internal/orchestrator/run"
	"codex-orchestrator/internal/orchestrator/sched"
	"codex-orchestrator/internal/orchestrator/store"
	pkgerrors "codex-orchestrator/pkg/errors"
	"codex-orchestrator/pkg/log"
)

// SharedKeyHeader 明文读取信息请求响应所需的共享密钥头
const SharedKeyHeader = "X-Orch-Secret"

// Handler HTTP 处理器
type Handler struct {
	store     store.Store
	sched     *sched.Scheduler
	leases    *lease.Manager
	runs      *run.Lifecycle
	approvals *approval.Service
	info      *inforeq.Channel
	meter     *quota.Meter
	bus       *logbus.Bus
	clock     clock.Clock
	logger    *log.Logger
}

// NewHandler 创建处理器
func NewHandler(
	st store.Store,
	scheduler *sched.Scheduler,
	leases *lease.Manager,
	runs *run.Lifecycle,
	approvals *approval.Service,
	info *inforeq.Channel,
	meter *quota.Meter,
	bus *logbus.Bus,
	clk clock.Clock,
	logger *log.Logger,
) *Handler {
	return &Handler{
		store:     st,
		sched:     scheduler,
		leases:    leases,
		runs:      runs,
		approvals: approvals,
		info:      info,
		meter:     meter,
		bus:       bus,
		clock:     clk,
		logger:    logger,
	}
}

// respondErr 统一错误映射：validation 400 / conflict 409 / not-found 404 /
// forbidden 403 / transient 503 / 其余 500
func (h *Handler) respondErr(ctx *app.RequestContext, err error) {
	status := consts.StatusInternalServerError
	switch pkgerrors.KindOf(err) {
	case pkgerrors.KindValidation:
		status = consts.StatusBadRequest
	case pkgerrors.KindConflict:
		status = consts.StatusConflict
	case pkgerrors.KindNotFound:
		status = consts.StatusNotFound
	case pkgerrors.KindForbidden:
		status = consts.StatusForbidden
	case pkgerrors.KindTransient:
		status = consts.StatusServiceUnavailable
	}
	if status == consts.StatusInternalServerError {
		h.logger.Error("request failed", "err", err)
	}
	body := map[string]interface{}{"error": err.Error()}
	if reason := pkgerrors.ReasonOf(err); reason != "" {
		body["reason"] = reason
	}
	ctx.JSON(status, body)
}

// redacted 不带明文值的信息请求视图
func (h *Handler) redacted(ir *store.InfoRequest) *inforeq.View {
	return &inforeq.View{InfoRequest: ir}
}

func pathID(ctx *app.RequestContext, name string) (int64, error) {
	id, err := strconv.ParseInt(ctx.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, pkgerrors.Ef(pkgerrors.KindValidation, "invalid %s", name)
	}
	return id, nil
}

func queryInt(ctx *app.RequestContext, name string, def int) int {
	v := ctx.Query(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// --- 视图（时间统一 RFC3339 UTC）---

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

type projectView struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	Description        string `json:"description,omitempty"`
	QuotaWindowSeconds int    `json:"quota_window_seconds"`
	QuotaMaxRuns       int    `json:"quota_max_runs"`
	CreatedAt          string `json:"created_at"`
}

func viewProject(p *store.Project) *projectView {
	return &projectView{
		ID:                 p.ID,
		Name:               p.Name,
		Description:        p.Description,
		QuotaWindowSeconds: p.QuotaWindowSeconds,
		QuotaMaxRuns:       p.QuotaMaxRuns,
		CreatedAt:          fmtTime(p.CreatedAt),
	}
}

type workItemView struct {
	ID                   int64  `json:"id"`
	ProjectID            int64  `json:"project_id"`
	Title                string `json:"title"`
	Description          string `json:"description,omitempty"`
	MaxRetries           *int   `json:"max_retries,omitempty"`
	BackoffBaseSeconds   *int   `json:"backoff_base_seconds,omitempty"`
	BackoffJitterSeconds *int   `json:"backoff_jitter_seconds,omitempty"`
	CreatedAt            string `json:"created_at"`
}

func viewWorkItem(wi *store.WorkItem) *workItemView {
	return &workItemView{
		ID:                   wi.ID,
		ProjectID:            wi.ProjectID,
		Title:                wi.Title,
		Description:          wi.Description,
		MaxRetries:           wi.MaxRetries,
		BackoffBaseSeconds:   wi.BackoffBaseSeconds,
		BackoffJitterSeconds: wi.BackoffJitterSeconds,
		CreatedAt:            fmtTime(wi.CreatedAt),
	}
}

type runView struct {
	ID              int64    `json:"id"`
	WorkItemID      int64    `json:"work_item_id"`
	State           string   `json:"state"`
	Attempt         int      `json:"attempt"`
	TraceID         string   `json:"trace_id,omitempty"`
	ClaimedBy       string   `json:"claimed_by,omitempty"`
	ClaimExpiresAt  *string  `json:"claim_expires_at,omitempty"`
	LastHeartbeatAt *string  `json:"last_heartbeat_at,omitempty"`
	StartedAt       *string  `json:"started_at,omitempty"`
	FinishedAt      *string  `json:"finished_at,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	CreatedAt       string   `json:"created_at"`
}

func viewRun(r *store.Run) *runView {
	return &runView{
		ID:              r.ID,
		WorkItemID:      r.WorkItemID,
		State:           string(r.State),
		Attempt:         r.Attempt,
		TraceID:         r.TraceID,
		ClaimedBy:       r.ClaimedBy,
		ClaimExpiresAt:  fmtTimePtr(r.ClaimExpiresAt),
		LastHeartbeatAt: fmtTimePtr(r.LastHeartbeatAt),
		StartedAt:       fmtTimePtr(r.StartedAt),
		FinishedAt:      fmtTimePtr(r.FinishedAt),
		DurationSeconds: r.DurationSeconds(),
		CreatedAt:       fmtTime(r.CreatedAt),
	}
}

type queueEntryView struct {
	ID                  int64  `json:"id"`
	WorkItemID          int64  `json:"work_item_id"`
	DependsOnWorkItemID *int64 `json:"depends_on_work_item_id,omitempty"`
	Priority            int    `json:"priority"`
	ScheduledFor        string `json:"scheduled_for"`
	EnqueuedAt          string `json:"enqueued_at"`
	State               string `json:"state"`
}

func viewQueueEntry(e *store.QueueEntry) *queueEntryView {
	return &queueEntryView{
		ID:                  e.ID,
		WorkItemID:          e.WorkItemID,
		DependsOnWorkItemID: e.DependsOnWorkItemID,
		Priority:            e.Priority,
		ScheduledFor:        fmtTime(e.ScheduledFor),
		EnqueuedAt:          fmtTime(e.EnqueuedAt),
		State:               string(e.State),
	}
}

type stepView struct {
	ID              int64                  `json:"id"`
	RunID           int64                  `json:"run_id"`
	Idx             int                    `json:"idx"`
	Name            string                 `json:"name"`
	Status          string                 `json:"status"`
	StartedAt       *string                `json:"started_at,omitempty"`
	FinishedAt      *string                `json:"finished_at,omitempty"`
	DurationSeconds *float64               `json:"duration_seconds,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

func viewStep(s *store.RunStep) *stepView {
	return &stepView{
		ID:              s.ID,
		RunID:           s.RunID,
		Idx:             s.Idx,
		Name:            s.Name,
		Status:          string(s.Status),
		StartedAt:       fmtTimePtr(s.StartedAt),
		FinishedAt:      fmtTimePtr(s.FinishedAt),
		DurationSeconds: s.DurationSeconds,
		Metadata:        s.Metadata,
	}
}

type logEntryView struct {
	RunID     int64  `json:"run_id"`
	Seq       int64  `json:"seq"`
	Timestamp string `json:"timestamp"`
	Stream    string `json:"stream"`
	Text      string `json:"text"`
}

func viewLogEntry(e *store.LogEntry) *logEntryView {
	return &logEntryView{
		RunID:     e.RunID,
		Seq:       e.Seq,
		Timestamp: fmtTime(e.Timestamp),
		Stream:    string(e.Stream),
		Text:      e.Text,
	}
}

type approvalView struct {
	ID         int64   `json:"id"`
	WorkItemID int64   `json:"work_item_id"`
	State      string  `json:"state"`
	Reason     string  `json:"reason,omitempty"`
	CreatedAt  string  `json:"created_at"`
	DecidedAt  *string `json:"decided_at,omitempty"`
}

func viewApproval(a *store.ApprovalRequest) *approvalView {
	return &approvalView{
		ID:         a.ID,
		WorkItemID: a.WorkItemID,
		State:      string(a.State),
		Reason:     a.Reason,
		CreatedAt:  fmtTime(a.CreatedAt),
		DecidedAt:  fmtTimePtr(a.DecidedAt),
	}
}

type infoRequestView struct {
	ID         int64             `json:"id"`
	RunID      int64             `json:"run_id"`
	Prompt     string            `json:"prompt,omitempty"`
	Keys       []store.InfoKey   `json:"keys"`
	State      string            `json:"state"`
	Encrypted  bool              `json:"encrypted"`
	Values     map[string]string `json:"values,omitempty"`
	CreatedAt  string            `json:"created_at"`
	ResolvedAt *string           `json:"resolved_at,omitempty"`
}

func viewInfoRequest(v *inforeq.View) *infoRequestView {
	return &infoRequestView{
		ID:         v.ID,
		RunID:      v.RunID,
		Prompt:     v.Prompt,
		Keys:       v.Keys,
		State:      string(v.State),
		Encrypted:  v.CipherAlgo != "",
		Values:     v.Values,
		CreatedAt:  fmtTime(v.CreatedAt),
		ResolvedAt: fmtTimePtr(v.ResolvedAt),
	}
}
