package subtask

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "DevCrew/internal/errors"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS subtask_states (
    id            VARCHAR(64) PRIMARY KEY,
    task_text     TEXT NOT NULL,
    role          VARCHAR(32) NOT NULL,
    filename      VARCHAR(255) NOT NULL DEFAULT '',
    is_rework     TINYINT NOT NULL DEFAULT 0,
    status        VARCHAR(16) NOT NULL,
    agent_id      VARCHAR(64) NOT NULL DEFAULT '',
    result_output MEDIUMTEXT,
    result_notes  TEXT,
    error_kind    VARCHAR(64) NOT NULL DEFAULT '',
    error_message TEXT,
    submitted_at  BIGINT NOT NULL,
    started_at    BIGINT NOT NULL DEFAULT 0,
    completed_at  BIGINT NOT NULL DEFAULT 0,
    INDEX idx_subtask_status (status),
    INDEX idx_subtask_submitted (submitted_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
`

// MySQLStore 基于 MySQL 的子任务状态存储，支持多实例共享状态。
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore 建立 MySQL 连接池并初始化表结构。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mysql dsn 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 mysql 连接失败")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 mysql 失败")
	}
	if _, err := db.ExecContext(ctx, mysqlSchema); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 mysql 表结构失败")
	}

	return &MySQLStore{sqlStore: sqlStore{
		db:          db,
		isDuplicate: isMySQLDuplicate,
	}}, nil
}

func isMySQLDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

var _ Store = (*MySQLStore)(nil)
