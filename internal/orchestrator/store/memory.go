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

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	pkgerrors "codex-orchestrator/pkg/errors"
)

// MemoryStore 进程内存储，开发与测试用。
// 以全店互斥近似事务：InTx 持锁执行 fn，出错不回滚（单机语义下调用方
// 在首个写操作前完成全部校验即可保持一致）。
type MemoryStore struct {
	mu sync.Mutex

	nextID map[string]int64

	projects     map[int64]*Project
	workItems    map[int64]*WorkItem
	recipes      map[int64]*ToolRecipe // keyed by work item id
	approvals    map[int64]*ApprovalRequest
	queueEntries map[int64]*QueueEntry
	runs         map[int64]*Run
	steps        map[int64]*RunStep
	logs         map[int64][]*LogEntry // keyed by run id
	logSeq       map[int64]int64       // keyed by run id
	infoReqs     map[int64]*InfoRequest
	agents       map[string]*Agent
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:       make(map[string]int64),
		projects:     make(map[int64]*Project),
		workItems:    make(map[int64]*WorkItem),
		recipes:      make(map[int64]*ToolRecipe),
		approvals:    make(map[int64]*ApprovalRequest),
		queueEntries: make(map[int64]*QueueEntry),
		runs:         make(map[int64]*Run),
		steps:        make(map[int64]*RunStep),
		logs:         make(map[int64][]*LogEntry),
		logSeq:       make(map[int64]int64),
		infoReqs:     make(map[int64]*InfoRequest),
		agents:       make(map[string]*Agent),
	}
}

func (m *MemoryStore) alloc(kind string) int64 {
	m.nextID[kind]++
	return m.nextID[kind]
}

func notFound(what string) error {
	return pkgerrors.E(pkgerrors.KindNotFound, what+" not found")
}

// --- 项目 ---

func (m *MemoryStore) CreateProject(ctx context.Context, p *Project) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.ID = m.alloc("project")
	m.projects[cp.ID] = &cp
	return cp.ID, nil
}

func (m *MemoryStore) GetProject(ctx context.Context, id int64) (*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getProjectLocked(id)
}

func (m *MemoryStore) getProjectLocked(id int64) (*Project, error) {
	p, ok := m.projects[id]
	if !ok {
		return nil, notFound("project")
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListProjects(ctx context.Context) ([]*Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Project, 0, len(m.projects))
	for _, p := range m.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateProjectQuota(ctx context.Context, id int64, windowSeconds, maxRuns int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return notFound("project")
	}
	p.QuotaWindowSeconds = windowSeconds
	p.QuotaMaxRuns = maxRuns
	return nil
}

// --- 工单 ---

func (m *MemoryStore) CreateWorkItem(ctx context.Context, wi *WorkItem) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[wi.ProjectID]; !ok {
		return 0, notFound("project")
	}
	cp := *wi
	cp.ID = m.alloc("work_item")
	m.workItems[cp.ID] = &cp
	return cp.ID, nil
}

func (m *MemoryStore) GetWorkItem(ctx context.Context, id int64) (*WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getWorkItemLocked(id)
}

func (m *MemoryStore) getWorkItemLocked(id int64) (*WorkItem, error) {
	wi, ok := m.workItems[id]
	if !ok {
		return nil, notFound("work item")
	}
	cp := *wi
	return &cp, nil
}

func (m *MemoryStore) ListWorkItems(ctx context.Context, projectID int64) ([]*WorkItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*WorkItem
	for _, wi := range m.workItems {
		if projectID == 0 || wi.ProjectID == projectID {
			cp := *wi
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateWorkItemPolicy(ctx context.Context, id int64, maxRetries, backoffBase, backoffJitter *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wi, ok := m.workItems[id]
	if !ok {
		return notFound("work item")
	}
	wi.MaxRetries = maxRetries
	wi.BackoffBaseSeconds = backoffBase
	wi.BackoffJitterSeconds = backoffJitter
	return nil
}

// --- 工具配方 ---

func (m *MemoryStore) UpsertToolRecipe(ctx context.Context, r *ToolRecipe) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workItems[r.WorkItemID]; !ok {
		return 0, notFound("work item")
	}
	cp := *r
	if prev, ok := m.recipes[r.WorkItemID]; ok {
		cp.ID = prev.ID
	} else {
		cp.ID = m.alloc("tool_recipe")
	}
	m.recipes[r.WorkItemID] = &cp
	return cp.ID, nil
}

func (m *MemoryStore) GetToolRecipe(ctx context.Context, workItemID int64) (*ToolRecipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipes[workItemID]
	if !ok {
		return nil, notFound("tool recipe")
	}
	cp := *r
	return &cp, nil
}

// --- 审批 ---

func (m *MemoryStore) CreateApproval(ctx context.Context, a *ApprovalRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workItems[a.WorkItemID]; !ok {
		return 0, notFound("work item")
	}
	cp := *a
	cp.ID = m.alloc("approval")
	m.approvals[cp.ID] = &cp
	return cp.ID, nil
}

func (m *MemoryStore) GetApproval(ctx context.Context, id int64) (*ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[id]
	if !ok {
		return nil, notFound("approval")
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListApprovals(ctx context.Context, workItemID int64) ([]*ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ApprovalRequest
	for _, a := range m.approvals {
		if a.WorkItemID == workItemID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- 队列 ---

func (m *MemoryStore) CreateQueueEntry(ctx context.Context, e *QueueEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createQueueEntryLocked(e)
}

func (m *MemoryStore) createQueueEntryLocked(e *QueueEntry) (int64, error) {
	if _, ok := m.workItems[e.WorkItemID]; !ok {
		return 0, notFound("work item")
	}
	cp := *e
	cp.ID = m.alloc("queue_entry")
	if cp.State == "" {
		cp.State = QueueEntryQueued
	}
	m.queueEntries[cp.ID] = &cp
	return cp.ID, nil
}

func (m *MemoryStore) GetQueueEntry(ctx context.Context, id int64) (*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queueEntries[id]
	if !ok {
		return nil, notFound("queue entry")
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListQueued(ctx context.Context) ([]*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*QueueEntry
	for _, e := range m.queueEntries {
		if e.State == QueueEntryQueued {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortQueueEntries(out)
	return out, nil
}

func sortQueueEntries(entries []*QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID < b.ID
	})
}

// --- Run ---

func (m *MemoryStore) GetRun(ctx context.Context, id int64) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getRunLocked(id)
}

func (m *MemoryStore) getRunLocked(id int64) (*Run, error) {
	r, ok := m.runs[id]
	if !ok {
		return nil, notFound("run")
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRunsByWorkItem(ctx context.Context, workItemID int64) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Run
	for _, r := range m.runs {
		if r.WorkItemID == workItemID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) RecentRuns(ctx context.Context, limit int) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ExpiredRunIDs(ctx context.Context, now time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for _, r := range m.runs {
		if r.State == RunRunning && r.ClaimExpiresAt != nil && !r.ClaimExpiresAt.After(now) {
			ids = append(ids, r.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryStore) CountRunStartsSince(ctx context.Context, projectID int64, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countRunStartsSinceLocked(projectID, since)
}

func (m *MemoryStore) countRunStartsSinceLocked(projectID int64, since time.Time) (int, error) {
	n := 0
	for _, r := range m.runs {
		wi, ok := m.workItems[r.WorkItemID]
		if !ok || wi.ProjectID != projectID {
			continue
		}
		if r.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

// --- 步骤与日志 ---

func (m *MemoryStore) ListSteps(ctx context.Context, runID int64) ([]*RunStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RunStep
	for _, s := range m.steps {
		if s.RunID == runID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Idx < out[j].Idx })
	return out, nil
}

func (m *MemoryStore) GetStep(ctx context.Context, id int64) (*RunStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return nil, notFound("run step")
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListLogs(ctx context.Context, runID int64) ([]*LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.logs[runID]
	out := make([]*LogEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) CountLogs(ctx context.Context, runID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs[runID]), nil
}

// --- 信息请求 ---

func (m *MemoryStore) GetInfoRequest(ctx context.Context, id int64) (*InfoRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ir, ok := m.infoReqs[id]
	if !ok {
		return nil, notFound("info request")
	}
	cp := cloneInfoRequest(ir)
	return cp, nil
}

func (m *MemoryStore) ListInfoRequests(ctx context.Context, runID int64) ([]*InfoRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*InfoRequest
	for _, ir := range m.infoReqs {
		if ir.RunID == runID {
			out = append(out, cloneInfoRequest(ir))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneInfoRequest(ir *InfoRequest) *InfoRequest {
	cp := *ir
	cp.Keys = append([]InfoKey(nil), ir.Keys...)
	if ir.Response != nil {
		cp.Response = make(map[string]string, len(ir.Response))
		for k, v := range ir.Response {
			cp.Response[k] = v
		}
	}
	cp.ResponseCipher = append([]byte(nil), ir.ResponseCipher...)
	return &cp
}

// --- Agent ---

func (m *MemoryStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].ID, out[j].ID) < 0 })
	return out, nil
}

// --- 事务 ---

// InTx 持全店锁执行 fn；memTx 的 *ForUpdate 直接返回底层对象引用，
// fn 内的修改经 Update* 提交后生效。
func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{s: m})
}

func (m *MemoryStore) Close() {}

type memTx struct {
	s *MemoryStore
}

func (t *memTx) GetProject(ctx context.Context, id int64) (*Project, error) {
	return t.s.getProjectLocked(id)
}

func (t *memTx) GetWorkItem(ctx context.Context, id int64) (*WorkItem, error) {
	return t.s.getWorkItemLocked(id)
}

func (t *memTx) RunForUpdate(ctx context.Context, id int64) (*Run, error) {
	return t.s.getRunLocked(id)
}

func (t *memTx) UpdateRun(ctx context.Context, r *Run) error {
	if _, ok := t.s.runs[r.ID]; !ok {
		return notFound("run")
	}
	cp := *r
	t.s.runs[r.ID] = &cp
	return nil
}

func (t *memTx) CreateRun(ctx context.Context, r *Run) (int64, error) {
	if _, ok := t.s.workItems[r.WorkItemID]; !ok {
		return 0, notFound("work item")
	}
	cp := *r
	cp.ID = t.s.alloc("run")
	t.s.runs[cp.ID] = &cp
	return cp.ID, nil
}

func (t *memTx) QueueEntryForUpdate(ctx context.Context, id int64) (*QueueEntry, error) {
	e, ok := t.s.queueEntries[id]
	if !ok {
		return nil, notFound("queue entry")
	}
	cp := *e
	return &cp, nil
}

func (t *memTx) UpdateQueueEntry(ctx context.Context, e *QueueEntry) error {
	if _, ok := t.s.queueEntries[e.ID]; !ok {
		return notFound("queue entry")
	}
	cp := *e
	t.s.queueEntries[e.ID] = &cp
	return nil
}

func (t *memTx) CreateQueueEntry(ctx context.Context, e *QueueEntry) (int64, error) {
	return t.s.createQueueEntryLocked(e)
}

func (t *memTx) DueEntriesForUpdate(ctx context.Context, now time.Time) ([]*QueueEntry, error) {
	var out []*QueueEntry
	for _, e := range t.s.queueEntries {
		if e.State == QueueEntryQueued && !e.ScheduledFor.After(now) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sortQueueEntries(out)
	return out, nil
}

func (t *memTx) ApprovalForUpdate(ctx context.Context, id int64) (*ApprovalRequest, error) {
	a, ok := t.s.approvals[id]
	if !ok {
		return nil, notFound("approval")
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) UpdateApproval(ctx context.Context, a *ApprovalRequest) error {
	if _, ok := t.s.approvals[a.ID]; !ok {
		return notFound("approval")
	}
	cp := *a
	t.s.approvals[a.ID] = &cp
	return nil
}

func (t *memTx) PendingApprovalExists(ctx context.Context, workItemID int64) (bool, error) {
	for _, a := range t.s.approvals {
		if a.WorkItemID == workItemID && a.State == ApprovalPending {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ApprovedApprovalExists(ctx context.Context, workItemID int64) (bool, error) {
	for _, a := range t.s.approvals {
		if a.WorkItemID == workItemID && a.State == ApprovalApproved {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) AppendLog(ctx context.Context, runID int64, at time.Time, stream LogStream, text string) (*LogEntry, error) {
	if _, ok := t.s.runs[runID]; !ok {
		return nil, notFound("run")
	}
	t.s.logSeq[runID]++
	entry := &LogEntry{
		RunID:     runID,
		Seq:       t.s.logSeq[runID],
		Timestamp: at,
		Stream:    stream,
		Text:      text,
	}
	t.s.logs[runID] = append(t.s.logs[runID], entry)
	cp := *entry
	return &cp, nil
}

func (t *memTx) CreateStep(ctx context.Context, s *RunStep) (int64, error) {
	if _, ok := t.s.runs[s.RunID]; !ok {
		return 0, notFound("run")
	}
	cp := *s
	cp.ID = t.s.alloc("run_step")
	t.s.steps[cp.ID] = &cp
	return cp.ID, nil
}

func (t *memTx) StepForUpdate(ctx context.Context, id int64) (*RunStep, error) {
	s, ok := t.s.steps[id]
	if !ok {
		return nil, notFound("run step")
	}
	cp := *s
	return &cp, nil
}

func (t *memTx) UpdateStep(ctx context.Context, s *RunStep) error {
	if _, ok := t.s.steps[s.ID]; !ok {
		return notFound("run step")
	}
	cp := *s
	t.s.steps[s.ID] = &cp
	return nil
}

func (t *memTx) CountSteps(ctx context.Context, runID int64) (int, error) {
	n := 0
	for _, s := range t.s.steps {
		if s.RunID == runID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) CreateInfoRequest(ctx context.Context, ir *InfoRequest) (int64, error) {
	if _, ok := t.s.runs[ir.RunID]; !ok {
		return 0, notFound("run")
	}
	cp := cloneInfoRequest(ir)
	cp.ID = t.s.alloc("info_request")
	t.s.infoReqs[cp.ID] = cp
	return cp.ID, nil
}

func (t *memTx) InfoRequestForUpdate(ctx context.Context, id int64) (*InfoRequest, error) {
	ir, ok := t.s.infoReqs[id]
	if !ok {
		return nil, notFound("info request")
	}
	return cloneInfoRequest(ir), nil
}

func (t *memTx) UpdateInfoRequest(ctx context.Context, ir *InfoRequest) error {
	if _, ok := t.s.infoReqs[ir.ID]; !ok {
		return notFound("info request")
	}
	t.s.infoReqs[ir.ID] = cloneInfoRequest(ir)
	return nil
}

func (t *memTx) LatestTerminalRun(ctx context.Context, workItemID int64) (*Run, error) {
	var latest *Run
	for _, r := range t.s.runs {
		if r.WorkItemID != workItemID || !r.State.Terminal() {
			continue
		}
		if latest == nil || laterRun(r, latest) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// laterRun 比较终态时间，finished_at 相同（或缺失）时以 id 大者为新
func laterRun(a, b *Run) bool {
	switch {
	case a.FinishedAt == nil && b.FinishedAt == nil:
		return a.ID > b.ID
	case a.FinishedAt == nil:
		return false
	case b.FinishedAt == nil:
		return true
	case a.FinishedAt.Equal(*b.FinishedAt):
		return a.ID > b.ID
	default:
		return a.FinishedAt.After(*b.FinishedAt)
	}
}

func (t *memTx) HasActiveRun(ctx context.Context, workItemID int64) (bool, error) {
	for _, r := range t.s.runs {
		if r.WorkItemID == workItemID && !r.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) CountFailedRuns(ctx context.Context, workItemID int64) (int, error) {
	n := 0
	for _, r := range t.s.runs {
		if r.WorkItemID == workItemID && r.State == RunFailed {
			n++
		}
	}
	return n, nil
}

func (t *memTx) CountRunStartsSince(ctx context.Context, projectID int64, since time.Time) (int, error) {
	return t.s.countRunStartsSinceLocked(projectID, since)
}

func (t *memTx) TouchAgent(ctx context.Context, agentID string, at time.Time) error {
	a, ok := t.s.agents[agentID]
	if !ok {
		t.s.agents[agentID] = &Agent{ID: agentID, LastSeenAt: at}
		return nil
	}
	if at.After(a.LastSeenAt) {
		a.LastSeenAt = at
	}
	return nil
}
