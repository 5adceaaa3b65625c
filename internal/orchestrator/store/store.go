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
	"time"
)

// Store 存储接口。单发读写自动提交；状态迁移（认领、晋升、完成、审批裁决等）
// 必须经 InTx 在单事务内基于行锁完成。
type Store interface {
	// 项目
	CreateProject(ctx context.Context, p *Project) (int64, error)
	GetProject(ctx context.Context, id int64) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	UpdateProjectQuota(ctx context.Context, id int64, windowSeconds, maxRuns int) error

	// 工单
	CreateWorkItem(ctx context.Context, wi *WorkItem) (int64, error)
	GetWorkItem(ctx context.Context, id int64) (*WorkItem, error)
	ListWorkItems(ctx context.Context, projectID int64) ([]*WorkItem, error)
	UpdateWorkItemPolicy(ctx context.Context, id int64, maxRetries, backoffBase, backoffJitter *int) error

	// 工具配方（每工单至多一份）
	UpsertToolRecipe(ctx context.Context, r *ToolRecipe) (int64, error)
	GetToolRecipe(ctx context.Context, workItemID int64) (*ToolRecipe, error)

	// 审批
	CreateApproval(ctx context.Context, a *ApprovalRequest) (int64, error)
	GetApproval(ctx context.Context, id int64) (*ApprovalRequest, error)
	ListApprovals(ctx context.Context, workItemID int64) ([]*ApprovalRequest, error)

	// 队列
	CreateQueueEntry(ctx context.Context, e *QueueEntry) (int64, error)
	GetQueueEntry(ctx context.Context, id int64) (*QueueEntry, error)
	// ListQueued 按 (priority DESC, enqueued_at ASC, id ASC) 返回 state=queued 的条目
	ListQueued(ctx context.Context) ([]*QueueEntry, error)

	// Run
	GetRun(ctx context.Context, id int64) (*Run, error)
	ListRunsByWorkItem(ctx context.Context, workItemID int64) ([]*Run, error)
	RecentRuns(ctx context.Context, limit int) ([]*Run, error)
	// ExpiredRunIDs 返回 running 且 claim_expires_at <= now 的 Run id
	ExpiredRunIDs(ctx context.Context, now time.Time) ([]int64, error)
	CountRunStartsSince(ctx context.Context, projectID int64, since time.Time) (int, error)

	// 步骤与日志
	ListSteps(ctx context.Context, runID int64) ([]*RunStep, error)
	GetStep(ctx context.Context, id int64) (*RunStep, error)
	ListLogs(ctx context.Context, runID int64) ([]*LogEntry, error)
	CountLogs(ctx context.Context, runID int64) (int, error)

	// 信息请求
	GetInfoRequest(ctx context.Context, id int64) (*InfoRequest, error)
	ListInfoRequests(ctx context.Context, runID int64) ([]*InfoRequest, error)

	// Agent 注册表
	ListAgents(ctx context.Context) ([]*Agent, error)

	// InTx 在单事务内执行 fn；fn 返回错误时回滚
	InTx(ctx context.Context, fn func(tx Tx) error) error

	Close()
}

// Tx 事务视图。*ForUpdate 方法获取行锁（postgres: SELECT … FOR UPDATE；
// memory: 全店互斥），并发状态迁移据此串行化。
type Tx interface {
	GetProject(ctx context.Context, id int64) (*Project, error)
	GetWorkItem(ctx context.Context, id int64) (*WorkItem, error)

	RunForUpdate(ctx context.Context, id int64) (*Run, error)
	UpdateRun(ctx context.Context, r *Run) error
	CreateRun(ctx context.Context, r *Run) (int64, error)

	QueueEntryForUpdate(ctx context.Context, id int64) (*QueueEntry, error)
	UpdateQueueEntry(ctx context.Context, e *QueueEntry) error
	CreateQueueEntry(ctx context.Context, e *QueueEntry) (int64, error)
	// DueEntriesForUpdate 锁定并返回 scheduled_for <= now 的 queued 条目，
	// 按 (priority DESC, enqueued_at ASC, id ASC) 排序
	DueEntriesForUpdate(ctx context.Context, now time.Time) ([]*QueueEntry, error)

	ApprovalForUpdate(ctx context.Context, id int64) (*ApprovalRequest, error)
	UpdateApproval(ctx context.Context, a *ApprovalRequest) error
	PendingApprovalExists(ctx context.Context, workItemID int64) (bool, error)
	ApprovedApprovalExists(ctx context.Context, workItemID int64) (bool, error)

	// AppendLog 分配该 Run 的下一个 seq 并落盘
	AppendLog(ctx context.Context, runID int64, at time.Time, stream LogStream, text string) (*LogEntry, error)

	CreateStep(ctx context.Context, s *RunStep) (int64, error)
	StepForUpdate(ctx context.Context, id int64) (*RunStep, error)
	UpdateStep(ctx context.Context, s *RunStep) error
	CountSteps(ctx context.Context, runID int64) (int, error)

	CreateInfoRequest(ctx context.Context, ir *InfoRequest) (int64, error)
	InfoRequestForUpdate(ctx context.Context, id int64) (*InfoRequest, error)
	UpdateInfoRequest(ctx context.Context, ir *InfoRequest) error

	// LatestTerminalRun 该工单最近一次终态 Run（按 finished_at 最大）；无则返回 nil
	LatestTerminalRun(ctx context.Context, workItemID int64) (*Run, error)
	// HasActiveRun 该工单是否存在 queued/running 的 Run
	HasActiveRun(ctx context.Context, workItemID int64) (bool, error)
	CountFailedRuns(ctx context.Context, workItemID int64) (int, error)
	CountRunStartsSince(ctx context.Context, projectID int64, since time.Time) (int, error)

	TouchAgent(ctx context.Context, agentID string, at time.Time) error
}
