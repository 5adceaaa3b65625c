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
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	pkgerrors "codex-orchestrator/pkg/errors"
)

// PgStore Postgres 存储（pgx/v5 + pgxpool）。
// 行锁经 SELECT … FOR UPDATE；log seq 经 runs.log_seq 计数列在行锁下分配。
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore 连接并建表
func NewPgStore(ctx context.Context, dsn string, poolSize int) (*PgStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse postgres dsn")
	}
	if poolSize > 0 {
		cfg.MaxConns = int32(poolSize)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "connect postgres")
	}
	s := &PgStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	quota_window_seconds INT NOT NULL DEFAULT 0,
	quota_max_runs INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS work_items (
	id BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id),
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	max_retries INT,
	backoff_base_seconds INT,
	backoff_jitter_seconds INT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS tool_recipes (
	id BIGSERIAL PRIMARY KEY,
	work_item_id BIGINT NOT NULL UNIQUE REFERENCES work_items(id),
	yaml TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS approvals (
	id BIGSERIAL PRIMARY KEY,
	work_item_id BIGINT NOT NULL REFERENCES work_items(id),
	state TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	decided_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_approvals_work_item ON approvals (work_item_id, state);
CREATE TABLE IF NOT EXISTS queue_entries (
	id BIGSERIAL PRIMARY KEY,
	work_item_id BIGINT NOT NULL REFERENCES work_items(id),
	depends_on_work_item_id BIGINT,
	priority INT NOT NULL DEFAULT 0,
	scheduled_for TIMESTAMPTZ NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL,
	state TEXT NOT NULL DEFAULT 'queued'
);
CREATE INDEX IF NOT EXISTS idx_queue_entries_due ON queue_entries (state, scheduled_for);
CREATE TABLE IF NOT EXISTS runs (
	id BIGSERIAL PRIMARY KEY,
	work_item_id BIGINT NOT NULL REFERENCES work_items(id),
	state TEXT NOT NULL,
	attempt INT NOT NULL DEFAULT 1,
	trace_id TEXT NOT NULL DEFAULT '',
	claimed_by TEXT NOT NULL DEFAULT '',
	claim_expires_at TIMESTAMPTZ,
	last_heartbeat_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	log_seq BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_work_item ON runs (work_item_id);
CREATE INDEX IF NOT EXISTS idx_runs_claim_expiry ON runs (state, claim_expires_at);
CREATE TABLE IF NOT EXISTS run_steps (
	id BIGSERIAL PRIMARY KEY,
	run_id BIGINT NOT NULL REFERENCES runs(id),
	idx INT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	duration_seconds DOUBLE PRECISION,
	metadata JSONB,
	UNIQUE (run_id, idx)
);
CREATE TABLE IF NOT EXISTS log_entries (
	run_id BIGINT NOT NULL REFERENCES runs(id),
	seq BIGINT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	stream TEXT NOT NULL,
	text TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS info_requests (
	id BIGSERIAL PRIMARY KEY,
	run_id BIGINT NOT NULL REFERENCES runs(id),
	prompt TEXT NOT NULL DEFAULT '',
	keys JSONB NOT NULL,
	state TEXT NOT NULL,
	response JSONB,
	response_cipher BYTEA,
	cipher_algo TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	last_seen_at TIMESTAMPTZ NOT NULL
);
`

func (s *PgStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return pkgerrors.Wrap(err, "ensure schema")
}

// pgQuerier pgxpool.Pool 与 pgx.Tx 的公共查询面
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func mapNoRows(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(what)
	}
	return err
}

// --- 项目 ---

func (s *PgStore) CreateProject(ctx context.Context, p *Project) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO projects (name, description, quota_window_seconds, quota_max_runs, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		p.Name, p.Description, p.QuotaWindowSeconds, p.QuotaMaxRuns, p.CreatedAt).Scan(&id)
	return id, err
}

func getProject(ctx context.Context, q pgQuerier, id int64) (*Project, error) {
	var p Project
	err := q.QueryRow(ctx,
		`SELECT id, name, description, quota_window_seconds, quota_max_runs, created_at
		 FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.QuotaWindowSeconds, &p.QuotaMaxRuns, &p.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err, "project")
	}
	return &p, nil
}

func (s *PgStore) GetProject(ctx context.Context, id int64) (*Project, error) {
	return getProject(ctx, s.pool, id)
}

func (s *PgStore) ListProjects(ctx context.Context) ([]*Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, quota_window_seconds, quota_max_runs, created_at
		 FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.QuotaWindowSeconds, &p.QuotaMaxRuns, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PgStore) UpdateProjectQuota(ctx context.Context, id int64, windowSeconds, maxRuns int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET quota_window_seconds = $2, quota_max_runs = $3 WHERE id = $1`,
		id, windowSeconds, maxRuns)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("project")
	}
	return nil
}

// --- 工单 ---

func (s *PgStore) CreateWorkItem(ctx context.Context, wi *WorkItem) (int64, error) {
	if _, err := getProject(ctx, s.pool, wi.ProjectID); err != nil {
		return 0, err
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO work_items (project_id, title, description, max_retries, backoff_base_seconds, backoff_jitter_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		wi.ProjectID, wi.Title, wi.Description, wi.MaxRetries, wi.BackoffBaseSeconds, wi.BackoffJitterSeconds, wi.CreatedAt).Scan(&id)
	return id, err
}

func getWorkItem(ctx context.Context, q pgQuerier, id int64) (*WorkItem, error) {
	var wi WorkItem
	err := q.QueryRow(ctx,
		`SELECT id, project_id, title, description, max_retries, backoff_base_seconds, backoff_jitter_seconds, created_at
		 FROM work_items WHERE id = $1`, id).
		Scan(&wi.ID, &wi.ProjectID, &wi.Title, &wi.Description, &wi.MaxRetries, &wi.BackoffBaseSeconds, &wi.BackoffJitterSeconds, &wi.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err, "work item")
	}
	return &wi, nil
}

func (s *PgStore) GetWorkItem(ctx context.Context, id int64) (*WorkItem, error) {
	return getWorkItem(ctx, s.pool, id)
}

func (s *PgStore) ListWorkItems(ctx context.Context, projectID int64) ([]*WorkItem, error) {
	sql := `SELECT id, project_id, title, description, max_retries, backoff_base_seconds, backoff_jitter_seconds, created_at
		 FROM work_items`
	args := []any{}
	if projectID != 0 {
		sql += ` WHERE project_id = $1`
		args = append(args, projectID)
	}
	sql += ` ORDER BY id`
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*WorkItem
	for rows.Next() {
		var wi WorkItem
		if err := rows.Scan(&wi.ID, &wi.ProjectID, &wi.Title, &wi.Description, &wi.MaxRetries, &wi.BackoffBaseSeconds, &wi.BackoffJitterSeconds, &wi.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &wi)
	}
	return out, rows.Err()
}

func (s *PgStore) UpdateWorkItemPolicy(ctx context.Context, id int64, maxRetries, backoffBase, backoffJitter *int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE work_items SET max_retries = $2, backoff_base_seconds = $3, backoff_jitter_seconds = $4 WHERE id = $1`,
		id, maxRetries, backoffBase, backoffJitter)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("work item")
	}
	return nil
}

// --- 工具配方 ---

func (s *PgStore) UpsertToolRecipe(ctx context.Context, r *ToolRecipe) (int64, error) {
	if _, err := getWorkItem(ctx, s.pool, r.WorkItemID); err != nil {
		return 0, err
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tool_recipes (work_item_id, yaml, status, error, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (work_item_id)
		 DO UPDATE SET yaml = EXCLUDED.yaml, status = EXCLUDED.status, error = EXCLUDED.error, updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		r.WorkItemID, r.YAML, r.Status, r.Error, r.UpdatedAt).Scan(&id)
	return id, err
}

func (s *PgStore) GetToolRecipe(ctx context.Context, workItemID int64) (*ToolRecipe, error) {
	var r ToolRecipe
	err := s.pool.QueryRow(ctx,
		`SELECT id, work_item_id, yaml, status, error, updated_at FROM tool_recipes WHERE work_item_id = $1`,
		workItemID).
		Scan(&r.ID, &r.WorkItemID, &r.YAML, &r.Status, &r.Error, &r.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err, "tool recipe")
	}
	return &r, nil
}

// --- 审批 ---

func (s *PgStore) CreateApproval(ctx context.Context, a *ApprovalRequest) (int64, error) {
	if _, err := getWorkItem(ctx, s.pool, a.WorkItemID); err != nil {
		return 0, err
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO approvals (work_item_id, state, reason, created_at, decided_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		a.WorkItemID, a.State, a.Reason, a.CreatedAt, a.DecidedAt).Scan(&id)
	return id, err
}

func scanApproval(row pgx.Row) (*ApprovalRequest, error) {
	var a ApprovalRequest
	err := row.Scan(&a.ID, &a.WorkItemID, &a.State, &a.Reason, &a.CreatedAt, &a.DecidedAt)
	if err != nil {
		return nil, mapNoRows(err, "approval")
	}
	return &a, nil
}

func (s *PgStore) GetApproval(ctx context.Context, id int64) (*ApprovalRequest, error) {
	return scanApproval(s.pool.QueryRow(ctx,
		`SELECT id, work_item_id, state, reason, created_at, decided_at FROM approvals WHERE id = $1`, id))
}

func (s *PgStore) ListApprovals(ctx context.Context, workItemID int64) ([]*ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, work_item_id, state, reason, created_at, decided_at
		 FROM approvals WHERE work_item_id = $1 ORDER BY id`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ApprovalRequest
	for rows.Next() {
		var a ApprovalRequest
		if err := rows.Scan(&a.ID, &a.WorkItemID, &a.State, &a.Reason, &a.CreatedAt, &a.DecidedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// --- 队列 ---

func createQueueEntry(ctx context.Context, q pgQuerier, e *QueueEntry) (int64, error) {
	if _, err := getWorkItem(ctx, q, e.WorkItemID); err != nil {
		return 0, err
	}
	state := e.State
	if state == "" {
		state = QueueEntryQueued
	}
	var id int64
	err := q.QueryRow(ctx,
		`INSERT INTO queue_entries (work_item_id, depends_on_work_item_id, priority, scheduled_for, enqueued_at, state)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.WorkItemID, e.DependsOnWorkItemID, e.Priority, e.ScheduledFor, e.EnqueuedAt, state).Scan(&id)
	return id, err
}

func (s *PgStore) CreateQueueEntry(ctx context.Context, e *QueueEntry) (int64, error) {
	return createQueueEntry(ctx, s.pool, e)
}

const queueEntryCols = `id, work_item_id, depends_on_work_item_id, priority, scheduled_for, enqueued_at, state`

func scanQueueEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	err := row.Scan(&e.ID, &e.WorkItemID, &e.DependsOnWorkItemID, &e.Priority, &e.ScheduledFor, &e.EnqueuedAt, &e.State)
	if err != nil {
		return nil, mapNoRows(err, "queue entry")
	}
	return &e, nil
}

func (s *PgStore) GetQueueEntry(ctx context.Context, id int64) (*QueueEntry, error) {
	return scanQueueEntry(s.pool.QueryRow(ctx,
		`SELECT `+queueEntryCols+` FROM queue_entries WHERE id = $1`, id))
}

func queueEntriesFromRows(rows pgx.Rows) ([]*QueueEntry, error) {
	defer rows.Close()
	var out []*QueueEntry
	for rows.Next() {
		var e QueueEntry
		if err := rows.Scan(&e.ID, &e.WorkItemID, &e.DependsOnWorkItemID, &e.Priority, &e.ScheduledFor, &e.EnqueuedAt, &e.State); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PgStore) ListQueued(ctx context.Context) ([]*QueueEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+queueEntryCols+` FROM queue_entries WHERE state = 'queued'
		 ORDER BY priority DESC, enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return queueEntriesFromRows(rows)
}

// --- Run ---

const runCols = `id, work_item_id, state, attempt, trace_id, claimed_by, claim_expires_at, last_heartbeat_at, started_at, finished_at, created_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.WorkItemID, &r.State, &r.Attempt, &r.TraceID, &r.ClaimedBy,
		&r.ClaimExpiresAt, &r.LastHeartbeatAt, &r.StartedAt, &r.FinishedAt, &r.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err, "run")
	}
	return &r, nil
}

func runsFromRows(rows pgx.Rows) ([]*Run, error) {
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.WorkItemID, &r.State, &r.Attempt, &r.TraceID, &r.ClaimedBy,
			&r.ClaimExpiresAt, &r.LastHeartbeatAt, &r.StartedAt, &r.FinishedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PgStore) GetRun(ctx context.Context, id int64) (*Run, error) {
	return scanRun(s.pool.QueryRow(ctx, `SELECT `+runCols+` FROM runs WHERE id = $1`, id))
}

func (s *PgStore) ListRunsByWorkItem(ctx context.Context, workItemID int64) ([]*Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runCols+` FROM runs WHERE work_item_id = $1 ORDER BY id`, workItemID)
	if err != nil {
		return nil, err
	}
	return runsFromRows(rows)
}

func (s *PgStore) RecentRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runCols+` FROM runs ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return runsFromRows(rows)
}

func (s *PgStore) ExpiredRunIDs(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM runs WHERE state = 'running' AND claim_expires_at IS NOT NULL AND claim_expires_at <= $1 ORDER BY id`,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func countRunStartsSince(ctx context.Context, q pgQuerier, projectID int64, since time.Time) (int, error) {
	var n int
	err := q.QueryRow(ctx,
		`SELECT count(*) FROM runs r JOIN work_items wi ON wi.id = r.work_item_id
		 WHERE wi.project_id = $1 AND r.created_at > $2`, projectID, since).Scan(&n)
	return n, err
}

func (s *PgStore) CountRunStartsSince(ctx context.Context, projectID int64, since time.Time) (int, error) {
	return countRunStartsSince(ctx, s.pool, projectID, since)
}

// --- 步骤与日志 ---

const stepCols = `id, run_id, idx, name, status, started_at, finished_at, duration_seconds, metadata`

func scanStep(row pgx.Row) (*RunStep, error) {
	var st RunStep
	var meta []byte
	err := row.Scan(&st.ID, &st.RunID, &st.Idx, &st.Name, &st.Status, &st.StartedAt, &st.FinishedAt, &st.DurationSeconds, &meta)
	if err != nil {
		return nil, mapNoRows(err, "run step")
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &st.Metadata); err != nil {
			return nil, err
		}
	}
	return &st, nil
}

func (s *PgStore) ListSteps(ctx context.Context, runID int64) ([]*RunStep, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepCols+` FROM run_steps WHERE run_id = $1 ORDER BY idx`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*RunStep
	for rows.Next() {
		var st RunStep
		var meta []byte
		if err := rows.Scan(&st.ID, &st.RunID, &st.Idx, &st.Name, &st.Status, &st.StartedAt, &st.FinishedAt, &st.DurationSeconds, &meta); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &st.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *PgStore) GetStep(ctx context.Context, id int64) (*RunStep, error) {
	return scanStep(s.pool.QueryRow(ctx, `SELECT `+stepCols+` FROM run_steps WHERE id = $1`, id))
}

func (s *PgStore) ListLogs(ctx context.Context, runID int64) ([]*LogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, seq, ts, stream, text FROM log_entries WHERE run_id = $1 ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Timestamp, &e.Stream, &e.Text); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PgStore) CountLogs(ctx context.Context, runID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM log_entries WHERE run_id = $1`, runID).Scan(&n)
	return n, err
}

// --- 信息请求 ---

const infoReqCols = `id, run_id, prompt, keys, state, response, response_cipher, cipher_algo, created_at, resolved_at`

func scanInfoRequest(row pgx.Row) (*InfoRequest, error) {
	var ir InfoRequest
	var keys, resp []byte
	err := row.Scan(&ir.ID, &ir.RunID, &ir.Prompt, &keys, &ir.State, &resp, &ir.ResponseCipher, &ir.CipherAlgo, &ir.CreatedAt, &ir.ResolvedAt)
	if err != nil {
		return nil, mapNoRows(err, "info request")
	}
	if len(keys) > 0 {
		if err := json.Unmarshal(keys, &ir.Keys); err != nil {
			return nil, err
		}
	}
	if len(resp) > 0 {
		if err := json.Unmarshal(resp, &ir.Response); err != nil {
			return nil, err
		}
	}
	return &ir, nil
}

func (s *PgStore) GetInfoRequest(ctx context.Context, id int64) (*InfoRequest, error) {
	return scanInfoRequest(s.pool.QueryRow(ctx,
		`SELECT `+infoReqCols+` FROM info_requests WHERE id = $1`, id))
}

func (s *PgStore) ListInfoRequests(ctx context.Context, runID int64) ([]*InfoRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+infoReqCols+` FROM info_requests WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*InfoRequest
	for rows.Next() {
		var ir InfoRequest
		var keys, resp []byte
		if err := rows.Scan(&ir.ID, &ir.RunID, &ir.Prompt, &keys, &ir.State, &resp, &ir.ResponseCipher, &ir.CipherAlgo, &ir.CreatedAt, &ir.ResolvedAt); err != nil {
			return nil, err
		}
		if len(keys) > 0 {
			if err := json.Unmarshal(keys, &ir.Keys); err != nil {
				return nil, err
			}
		}
		if len(resp) > 0 {
			if err := json.Unmarshal(resp, &ir.Response); err != nil {
				return nil, err
			}
		}
		out = append(out, &ir)
	}
	return out, rows.Err()
}

// --- Agent ---

func (s *PgStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, last_seen_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.ID, &a.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// --- 事务 ---

func (s *PgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "begin tx")
	}
	defer func() { _ = pgtx.Rollback(ctx) }()
	if err := fn(&pgTx{q: pgtx}); err != nil {
		return err
	}
	return pgtx.Commit(ctx)
}

func (s *PgStore) Close() { s.pool.Close() }

type pgTx struct {
	q pgx.Tx
}

func (t *pgTx) GetProject(ctx context.Context, id int64) (*Project, error) {
	return getProject(ctx, t.q, id)
}

func (t *pgTx) GetWorkItem(ctx context.Context, id int64) (*WorkItem, error) {
	return getWorkItem(ctx, t.q, id)
}

func (t *pgTx) RunForUpdate(ctx context.Context, id int64) (*Run, error) {
	return scanRun(t.q.QueryRow(ctx, `SELECT `+runCols+` FROM runs WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateRun(ctx context.Context, r *Run) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE runs SET state = $2, attempt = $3, trace_id = $4, claimed_by = $5,
		 claim_expires_at = $6, last_heartbeat_at = $7, started_at = $8, finished_at = $9
		 WHERE id = $1`,
		r.ID, r.State, r.Attempt, r.TraceID, r.ClaimedBy,
		r.ClaimExpiresAt, r.LastHeartbeatAt, r.StartedAt, r.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("run")
	}
	return nil
}

func (t *pgTx) CreateRun(ctx context.Context, r *Run) (int64, error) {
	if _, err := getWorkItem(ctx, t.q, r.WorkItemID); err != nil {
		return 0, err
	}
	var id int64
	err := t.q.QueryRow(ctx,
		`INSERT INTO runs (work_item_id, state, attempt, trace_id, claimed_by, claim_expires_at, last_heartbeat_at, started_at, finished_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		r.WorkItemID, r.State, r.Attempt, r.TraceID, r.ClaimedBy,
		r.ClaimExpiresAt, r.LastHeartbeatAt, r.StartedAt, r.FinishedAt, r.CreatedAt).Scan(&id)
	return id, err
}

func (t *pgTx) QueueEntryForUpdate(ctx context.Context, id int64) (*QueueEntry, error) {
	return scanQueueEntry(t.q.QueryRow(ctx,
		`SELECT `+queueEntryCols+` FROM queue_entries WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateQueueEntry(ctx context.Context, e *QueueEntry) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE queue_entries SET priority = $2, scheduled_for = $3, state = $4 WHERE id = $1`,
		e.ID, e.Priority, e.ScheduledFor, e.State)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("queue entry")
	}
	return nil
}

func (t *pgTx) CreateQueueEntry(ctx context.Context, e *QueueEntry) (int64, error) {
	return createQueueEntry(ctx, t.q, e)
}

func (t *pgTx) DueEntriesForUpdate(ctx context.Context, now time.Time) ([]*QueueEntry, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+queueEntryCols+` FROM queue_entries
		 WHERE state = 'queued' AND scheduled_for <= $1
		 ORDER BY priority DESC, enqueued_at ASC, id ASC
		 FOR UPDATE`, now)
	if err != nil {
		return nil, err
	}
	return queueEntriesFromRows(rows)
}

func (t *pgTx) ApprovalForUpdate(ctx context.Context, id int64) (*ApprovalRequest, error) {
	return scanApproval(t.q.QueryRow(ctx,
		`SELECT id, work_item_id, state, reason, created_at, decided_at FROM approvals WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateApproval(ctx context.Context, a *ApprovalRequest) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE approvals SET state = $2, reason = $3, decided_at = $4 WHERE id = $1`,
		a.ID, a.State, a.Reason, a.DecidedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("approval")
	}
	return nil
}

func (t *pgTx) PendingApprovalExists(ctx context.Context, workItemID int64) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM approvals WHERE work_item_id = $1 AND state = 'pending')`,
		workItemID).Scan(&exists)
	return exists, err
}

func (t *pgTx) ApprovedApprovalExists(ctx context.Context, workItemID int64) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM approvals WHERE work_item_id = $1 AND state = 'approved')`,
		workItemID).Scan(&exists)
	return exists, err
}

// AppendLog 在 run 行锁下推进 log_seq，保证每 Run 内 seq 连续且唯一
func (t *pgTx) AppendLog(ctx context.Context, runID int64, at time.Time, stream LogStream, text string) (*LogEntry, error) {
	var seq int64
	err := t.q.QueryRow(ctx,
		`UPDATE runs SET log_seq = log_seq + 1 WHERE id = $1 RETURNING log_seq`, runID).Scan(&seq)
	if err != nil {
		return nil, mapNoRows(err, "run")
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO log_entries (run_id, seq, ts, stream, text) VALUES ($1, $2, $3, $4, $5)`,
		runID, seq, at, stream, text)
	if err != nil {
		return nil, err
	}
	return &LogEntry{RunID: runID, Seq: seq, Timestamp: at, Stream: stream, Text: text}, nil
}

func (t *pgTx) CreateStep(ctx context.Context, s *RunStep) (int64, error) {
	var meta []byte
	if s.Metadata != nil {
		var err error
		meta, err = json.Marshal(s.Metadata)
		if err != nil {
			return 0, err
		}
	}
	var id int64
	err := t.q.QueryRow(ctx,
		`INSERT INTO run_steps (run_id, idx, name, status, started_at, finished_at, duration_seconds, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		s.RunID, s.Idx, s.Name, s.Status, s.StartedAt, s.FinishedAt, s.DurationSeconds, meta).Scan(&id)
	return id, err
}

func (t *pgTx) StepForUpdate(ctx context.Context, id int64) (*RunStep, error) {
	return scanStep(t.q.QueryRow(ctx, `SELECT `+stepCols+` FROM run_steps WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateStep(ctx context.Context, s *RunStep) error {
	var meta []byte
	if s.Metadata != nil {
		var err error
		meta, err = json.Marshal(s.Metadata)
		if err != nil {
			return err
		}
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE run_steps SET status = $2, started_at = $3, finished_at = $4, duration_seconds = $5, metadata = $6
		 WHERE id = $1`,
		s.ID, s.Status, s.StartedAt, s.FinishedAt, s.DurationSeconds, meta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("run step")
	}
	return nil
}

func (t *pgTx) CountSteps(ctx context.Context, runID int64) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `SELECT count(*) FROM run_steps WHERE run_id = $1`, runID).Scan(&n)
	return n, err
}

func (t *pgTx) CreateInfoRequest(ctx context.Context, ir *InfoRequest) (int64, error) {
	keys, err := json.Marshal(ir.Keys)
	if err != nil {
		return 0, err
	}
	var resp []byte
	if ir.Response != nil {
		resp, err = json.Marshal(ir.Response)
		if err != nil {
			return 0, err
		}
	}
	var id int64
	err = t.q.QueryRow(ctx,
		`INSERT INTO info_requests (run_id, prompt, keys, state, response, response_cipher, cipher_algo, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		ir.RunID, ir.Prompt, keys, ir.State, resp, ir.ResponseCipher, ir.CipherAlgo, ir.CreatedAt, ir.ResolvedAt).Scan(&id)
	return id, err
}

func (t *pgTx) InfoRequestForUpdate(ctx context.Context, id int64) (*InfoRequest, error) {
	return scanInfoRequest(t.q.QueryRow(ctx,
		`SELECT `+infoReqCols+` FROM info_requests WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) UpdateInfoRequest(ctx context.Context, ir *InfoRequest) error {
	var resp []byte
	if ir.Response != nil {
		var err error
		resp, err = json.Marshal(ir.Response)
		if err != nil {
			return err
		}
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE info_requests SET state = $2, response = $3, response_cipher = $4, cipher_algo = $5, resolved_at = $6
		 WHERE id = $1`,
		ir.ID, ir.State, resp, ir.ResponseCipher, ir.CipherAlgo, ir.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("info request")
	}
	return nil
}

func (t *pgTx) LatestTerminalRun(ctx context.Context, workItemID int64) (*Run, error) {
	r, err := scanRun(t.q.QueryRow(ctx,
		`SELECT `+runCols+` FROM runs
		 WHERE work_item_id = $1 AND state IN ('succeeded', 'failed', 'cancelled')
		 ORDER BY finished_at DESC NULLS LAST, id DESC LIMIT 1`, workItemID))
	if err != nil {
		if pkgerrors.KindOf(err) == pkgerrors.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return r, nil
}

func (t *pgTx) HasActiveRun(ctx context.Context, workItemID int64) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM runs WHERE work_item_id = $1 AND state IN ('queued', 'running'))`,
		workItemID).Scan(&exists)
	return exists, err
}

func (t *pgTx) CountFailedRuns(ctx context.Context, workItemID int64) (int, error) {
	var n int
	err := t.q.QueryRow(ctx,
		`SELECT count(*) FROM runs WHERE work_item_id = $1 AND state = 'failed'`, workItemID).Scan(&n)
	return n, err
}

func (t *pgTx) CountRunStartsSince(ctx context.Context, projectID int64, since time.Time) (int, error) {
	return countRunStartsSince(ctx, t.q, projectID, since)
}

func (t *pgTx) TouchAgent(ctx context.Context, agentID string, at time.Time) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO agents (id, last_seen_at) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET last_seen_at = GREATEST(agents.last_seen_at, EXCLUDED.last_seen_at)`,
		agentID, at)
	return err
}
