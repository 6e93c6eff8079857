package subtask

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	xerrors "DevCrew/internal/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS subtask_states (
    id            TEXT PRIMARY KEY,
    task_text     TEXT NOT NULL,
    role          TEXT NOT NULL,
    filename      TEXT NOT NULL DEFAULT '',
    is_rework     INTEGER NOT NULL DEFAULT 0,
    status        TEXT NOT NULL,
    agent_id      TEXT NOT NULL DEFAULT '',
    result_output TEXT NOT NULL DEFAULT '',
    result_notes  TEXT NOT NULL DEFAULT '',
    error_kind    TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    submitted_at  INTEGER NOT NULL,
    started_at    INTEGER NOT NULL DEFAULT 0,
    completed_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_subtask_status ON subtask_states (status);
CREATE INDEX IF NOT EXISTS idx_subtask_submitted ON subtask_states (submitted_at);
`

// SQLiteStore 基于 SQLite 的子任务状态存储，适合单机部署但需要
// 跨进程重启保留状态的场景。
type SQLiteStore struct {
	sqlStore
}

// NewSQLiteStore 打开（必要时创建）SQLite 数据库并初始化表结构。
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sqlite dsn 不能为空")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 sqlite 数据库失败")
	}
	// SQLite 写入走单连接，避免 database is locked。
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 sqlite 表结构失败")
	}

	return &SQLiteStore{sqlStore: sqlStore{
		db:          db,
		isDuplicate: isSQLiteDuplicate,
	}}, nil
}

func isSQLiteDuplicate(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Store = (*SQLiteStore)(nil)
