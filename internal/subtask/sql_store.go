package subtask

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"DevCrew/internal/agent"
	xerrors "DevCrew/internal/errors"
)

// sqlStore 是 SQLite 与 MySQL 状态存储的公共实现，方言差异由
// 构造方注入（建表语句与唯一键冲突判定）。
type sqlStore struct {
	db          *sql.DB
	isDuplicate func(error) bool
}

const subtaskColumns = `id, task_text, role, filename, is_rework, status, agent_id,
        result_output, result_notes, error_kind, error_message,
        submitted_at, started_at, completed_at`

// Create 插入新的子任务记录。
func (s *sqlStore) Create(ctx context.Context, sub *Subtask) error {
	if sub == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "subtask 不能为空")
	}
	if strings.TrimSpace(sub.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "子任务 ID 不能为空")
	}
	if sub.SubmittedAt == 0 {
		sub.SubmittedAt = time.Now().Unix()
	}
	if sub.Status == "" {
		sub.Status = StatusQueued
	}

	const stmt = `INSERT INTO subtask_states
        (id, task_text, role, filename, is_rework, status, agent_id,
         result_output, result_notes, error_kind, error_message,
         submitted_at, started_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', '', '', '', ?, 0, 0)`

	_, err := s.db.ExecContext(ctx, stmt,
		sub.ID,
		sub.TaskText,
		string(sub.Role),
		sub.Filename,
		boolToInt(sub.IsRework),
		string(sub.Status),
		sub.SubmittedAt,
	)
	if err != nil {
		if s.isDuplicate != nil && s.isDuplicate(err) {
			return ErrDuplicate
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入子任务失败")
	}
	return nil
}

// Get 返回子任务当前记录。
func (s *sqlStore) Get(ctx context.Context, id string) (*Subtask, error) {
	query := fmt.Sprintf(`SELECT %s FROM subtask_states WHERE id = ?`, subtaskColumns)
	row := s.db.QueryRowContext(ctx, query, id)
	return scanSubtask(row)
}

// Claim 以条件更新的方式完成 queued → running 迁移，避免并发重复领取。
func (s *sqlStore) Claim(ctx context.Context, id, agentID string) (*Subtask, error) {
	const stmt = `UPDATE subtask_states
        SET status = ?, agent_id = ?, started_at = ?
        WHERE id = ? AND status = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusRunning), agentID, time.Now().Unix(), id, string(StatusQueued))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取子任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取领取结果失败")
	}

	sub, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 1 {
		return sub, nil
	}
	if sub.Status.Terminal() {
		return sub, ErrTerminal
	}
	return sub, ErrConflict
}

// MarkCompleted 记录成功产出，终态记录不会被覆盖。
func (s *sqlStore) MarkCompleted(ctx context.Context, id string, result ExecutionResult) error {
	const stmt = `UPDATE subtask_states
        SET status = ?, result_output = ?, result_notes = ?,
            error_kind = '', error_message = '', completed_at = ?
        WHERE id = ? AND status IN (?, ?)`

	return s.markTerminal(ctx, id, stmt,
		string(StatusCompleted), result.Output, result.Notes, time.Now().Unix(),
		id, string(StatusQueued), string(StatusRunning))
}

// MarkFailed 记录失败种类与描述，终态记录不会被覆盖。
func (s *sqlStore) MarkFailed(ctx context.Context, id string, kind xerrors.Code, message string) error {
	const stmt = `UPDATE subtask_states
        SET status = ?, error_kind = ?, error_message = ?,
            result_output = '', result_notes = '', completed_at = ?
        WHERE id = ? AND status IN (?, ?)`

	return s.markTerminal(ctx, id, stmt,
		string(StatusFailed), string(kind), message, time.Now().Unix(),
		id, string(StatusQueued), string(StatusRunning))
}

func (s *sqlStore) markTerminal(ctx context.Context, id, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新子任务终态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 1 {
		return nil
	}
	sub, getErr := s.Get(ctx, id)
	if getErr != nil {
		return getErr
	}
	if sub.Status.Terminal() {
		return ErrTerminal
	}
	return ErrConflict
}

// List 返回符合过滤条件的子任务。
func (s *sqlStore) List(ctx context.Context, opts ListOptions) ([]*Subtask, error) {
	opts.applyDefaults()

	where, args := buildWhere(opts)
	order := "DESC"
	if opts.Order == SortBySubmittedAsc {
		order = "ASC"
	}
	query := fmt.Sprintf(`SELECT %s FROM subtask_states %s ORDER BY submitted_at %s, id %s LIMIT ? OFFSET ?`,
		subtaskColumns, where, order, order)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询子任务失败")
	}
	defer rows.Close()

	results := make([]*Subtask, 0, opts.Limit)
	for rows.Next() {
		sub, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历子任务失败")
	}
	return results, nil
}

// Stats 统计符合过滤条件的子任务数量与提交时间范围。
func (s *sqlStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	where, args := buildWhere(opts)
	query := fmt.Sprintf(`SELECT status, submitted_at FROM subtask_states %s`, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计子任务失败")
	}
	defer rows.Close()

	stats := Stats{}
	for rows.Next() {
		var status string
		var submittedAt int64
		if err := rows.Scan(&status, &submittedAt); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取统计行失败")
		}
		stats.Total++
		switch Status(status) {
		case StatusQueued:
			stats.Queued++
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
		if submittedAt > stats.NewestSubmittedAt {
			stats.NewestSubmittedAt = submittedAt
		}
		if stats.OldestSubmittedAt == 0 || (submittedAt != 0 && submittedAt < stats.OldestSubmittedAt) {
			stats.OldestSubmittedAt = submittedAt
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计行失败")
	}
	return stats, nil
}

// Close 释放数据库连接。
func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildWhere(opts ListOptions) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if opts.Role != "" {
		clauses = append(clauses, "role = ?")
		args = append(args, string(opts.Role))
	}
	if opts.Rework != nil {
		clauses = append(clauses, "is_rework = ?")
		args = append(args, boolToInt(*opts.Rework))
	}
	if opts.SubmittedGTE > 0 {
		clauses = append(clauses, "submitted_at >= ?")
		args = append(args, opts.SubmittedGTE)
	}
	if opts.SubmittedLTE > 0 {
		clauses = append(clauses, "submitted_at <= ?")
		args = append(args, opts.SubmittedLTE)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubtask(row rowScanner) (*Subtask, error) {
	var (
		sub          Subtask
		role         string
		status       string
		isRework     int
		resultOutput string
		resultNotes  string
		errorKind    string
		errorMessage string
	)
	err := row.Scan(
		&sub.ID,
		&sub.TaskText,
		&role,
		&sub.Filename,
		&isRework,
		&status,
		&sub.AgentID,
		&resultOutput,
		&resultNotes,
		&errorKind,
		&errorMessage,
		&sub.SubmittedAt,
		&sub.StartedAt,
		&sub.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取子任务行失败")
	}

	sub.Role = agent.Role(role)
	sub.Status = Status(status)
	sub.IsRework = isRework != 0
	if sub.Status == StatusCompleted {
		sub.Result = &ExecutionResult{Output: resultOutput, Notes: resultNotes}
	}
	if sub.Status == StatusFailed {
		sub.Error = &ExecutionError{Kind: errorKind, Message: errorMessage}
	}
	return &sub, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
