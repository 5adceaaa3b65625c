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

// Package store 持久化实体与存储接口；memory 与 postgres 两种实现
package store

import "time"

// Project 项目：工单的归属与配额边界
type Project struct {
	ID          int64
	Name        string
	Description string
	// QuotaWindowSeconds 滚动窗口长度（秒）；QuotaMaxRuns 为 0 表示不限
	QuotaWindowSeconds int
	QuotaMaxRuns       int
	CreatedAt          time.Time
}

// WorkItem 工单：一次可调度的任务定义，可多次执行（多个 Run）
type WorkItem struct {
	ID          int64
	ProjectID   int64
	Title       string
	Description string
	// 工单级重试策略覆盖，nil 表示用全局默认
	MaxRetries           *int
	BackoffBaseSeconds   *int
	BackoffJitterSeconds *int
	CreatedAt            time.Time
}

// RecipeStatus 工具配方校验结果
type RecipeStatus string

const (
	RecipeValid   RecipeStatus = "valid"
	RecipeInvalid RecipeStatus = "invalid"
)

// ToolRecipe 工单的工具配方（YAML 原文 + 校验结果），每工单至多一份
type ToolRecipe struct {
	ID         int64
	WorkItemID int64
	YAML       string
	Status     RecipeStatus
	Error      string
	UpdatedAt  time.Time
}

// ApprovalState 审批状态
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// ApprovalRequest 工单的审批请求
type ApprovalRequest struct {
	ID         int64
	WorkItemID int64
	State      ApprovalState
	Reason     string
	CreatedAt  time.Time
	DecidedAt  *time.Time
}

// QueueEntryState 队列条目状态
type QueueEntryState string

const (
	QueueEntryQueued   QueueEntryState = "queued"
	QueueEntryConsumed QueueEntryState = "consumed"
)

// QueueEntry 调度队列条目；晋升（创建 Run）时置为 consumed
type QueueEntry struct {
	ID         int64
	WorkItemID int64
	// DependsOnWorkItemID 依赖工单：其最近一次终态 Run 为 succeeded 前不得晋升
	DependsOnWorkItemID *int64
	Priority            int
	ScheduledFor        time.Time
	EnqueuedAt          time.Time
	State               QueueEntryState
}

// RunState Run 状态机：queued → running → succeeded|failed；cancelled 可自任意非终态进入
type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal 是否终态
func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// Run 工单的一次执行
type Run struct {
	ID         int64
	WorkItemID int64
	State      RunState
	// Attempt 第几次执行（首次为 1；重试与租约回收递增）
	Attempt int
	TraceID string
	// 租约字段：running 时 ClaimedBy/ClaimExpiresAt 非空
	ClaimedBy       string
	ClaimExpiresAt  *time.Time
	LastHeartbeatAt *time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	CreatedAt       time.Time
}

// DurationSeconds 执行时长；未结束返回 nil
func (r *Run) DurationSeconds() *float64 {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return nil
	}
	d := r.FinishedAt.Sub(*r.StartedAt).Seconds()
	return &d
}

// StepStatus 步骤状态
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ValidStepStatus 校验步骤状态取值
func ValidStepStatus(s StepStatus) bool {
	switch s {
	case StepPending, StepRunning, StepSucceeded, StepFailed, StepSkipped:
		return true
	}
	return false
}

// RunStep Run 内的结构化步骤；Idx 自 0 起稠密且唯一
type RunStep struct {
	ID              int64
	RunID           int64
	Idx             int
	Name            string
	Status          StepStatus
	StartedAt       *time.Time
	FinishedAt      *time.Time
	DurationSeconds *float64
	Metadata        map[string]interface{}
}

// LogStream 日志流
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSystem LogStream = "system"
)

// ValidLogStream 校验日志流取值
func ValidLogStream(s LogStream) bool {
	return s == StreamStdout || s == StreamStderr || s == StreamSystem
}

// LogEntry 追加式日志条目；Seq 每 Run 内自 1 起严格递增无空洞
type LogEntry struct {
	RunID     int64
	Seq       int64
	Timestamp time.Time
	Stream    LogStream
	Text      string
}

// InfoRequestState 信息请求状态
type InfoRequestState string

const (
	InfoPending   InfoRequestState = "pending"
	InfoAnswered  InfoRequestState = "answered"
	InfoCancelled InfoRequestState = "cancelled"
)

// InfoKey 信息请求中向操作员索取的单个字段
type InfoKey struct {
	Name   string `json:"name"`
	Label  string `json:"label,omitempty"`
	Secret bool   `json:"secret,omitempty"`
}

// InfoRequest 运行中 Agent 向操作员发起的信息请求。
// 响应按 CipherAlgo 标注的方案存储：空表示明文（Response），非空表示密文（ResponseCipher）。
type InfoRequest struct {
	ID             int64
	RunID          int64
	Prompt         string
	Keys           []InfoKey
	State          InfoRequestState
	Response       map[string]string
	ResponseCipher []byte
	CipherAlgo     string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// Agent 认领过 Run 的 Agent 注册表（advisory，按 claim/heartbeat 刷新）
type Agent struct {
	ID         string
	LastSeenAt time.Time
}
