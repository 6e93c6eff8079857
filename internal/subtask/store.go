package subtask

import (
	"context"

	xerrors "DevCrew/internal/errors"
)

// Store 抽象了子任务状态的持久化接口。状态迁移只由调度侧写入，
// 读取方永远能看到某个 ID 最近一次完成的写入。
type Store interface {
	// Create 记录一个新提交的子任务（状态必须为 queued）。
	// 若 ID 已存在则返回 ErrDuplicate。
	Create(ctx context.Context, sub *Subtask) error
	// Get 返回子任务当前记录，未知 ID 返回 ErrNotFound。
	Get(ctx context.Context, id string) (*Subtask, error)
	// Claim 将 queued 的子任务迁移为 running 并绑定智能体。
	// 终态返回 ErrTerminal，已在运行返回 ErrConflict。
	Claim(ctx context.Context, id, agentID string) (*Subtask, error)
	// MarkCompleted 记录成功产出并写入完成时间。终态记录拒绝覆盖。
	MarkCompleted(ctx context.Context, id string, result ExecutionResult) error
	// MarkFailed 记录失败种类与描述并写入完成时间。终态记录拒绝覆盖。
	MarkFailed(ctx context.Context, id string, kind xerrors.Code, message string) error
	// List 返回符合过滤条件的子任务快照。
	List(ctx context.Context, opts ListOptions) ([]*Subtask, error)
	// Stats 统计符合过滤条件的子任务数量。
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
