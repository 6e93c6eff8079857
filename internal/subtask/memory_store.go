package subtask

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "DevCrew/internal/errors"
)

// MemoryStore 以内存方式保存子任务状态，是单进程部署的默认实现。
type MemoryStore struct {
	mu       sync.RWMutex
	subtasks map[string]*Subtask
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subtasks: make(map[string]*Subtask)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, sub *Subtask) error {
	if sub == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "subtask 不能为空")
	}
	if sub.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "子任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subtasks[sub.ID]; ok {
		return ErrDuplicate
	}
	if sub.SubmittedAt == 0 {
		sub.SubmittedAt = time.Now().Unix()
	}
	if sub.Status == "" {
		sub.Status = StatusQueued
	}
	m.subtasks[sub.ID] = cloneSubtask(sub)
	return nil
}

// Get 返回子任务快照。
func (m *MemoryStore) Get(_ context.Context, id string) (*Subtask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subtasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubtask(sub), nil
}

// Claim 将子任务迁移为运行中并绑定智能体。
func (m *MemoryStore) Claim(_ context.Context, id, agentID string) (*Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subtasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if sub.Status.Terminal() {
		return cloneSubtask(sub), ErrTerminal
	}
	if sub.Status == StatusRunning {
		return cloneSubtask(sub), ErrConflict
	}
	sub.Status = StatusRunning
	sub.AgentID = agentID
	sub.StartedAt = time.Now().Unix()
	return cloneSubtask(sub), nil
}

// MarkCompleted 记录成功产出。
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, result ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subtasks[id]
	if !ok {
		return ErrNotFound
	}
	if sub.Status.Terminal() {
		return ErrTerminal
	}
	sub.Status = StatusCompleted
	sub.Result = &result
	sub.Error = nil
	sub.CompletedAt = time.Now().Unix()
	return nil
}

// MarkFailed 记录失败种类与描述。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, kind xerrors.Code, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subtasks[id]
	if !ok {
		return ErrNotFound
	}
	if sub.Status.Terminal() {
		return ErrTerminal
	}
	sub.Status = StatusFailed
	sub.Error = &ExecutionError{Kind: string(kind), Message: message}
	sub.Result = nil
	sub.CompletedAt = time.Now().Unix()
	return nil
}

// List 返回符合过滤条件的子任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Subtask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Subtask, 0, len(m.subtasks))
	for _, sub := range m.subtasks {
		if !matchesListFilters(sub, opts) {
			continue
		}
		results = append(results, cloneSubtask(sub))
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].SubmittedAt == results[j].SubmittedAt {
			if opts.Order == SortBySubmittedAsc {
				return results[i].ID < results[j].ID
			}
			return results[i].ID > results[j].ID
		}
		if opts.Order == SortBySubmittedAsc {
			return results[i].SubmittedAt < results[j].SubmittedAt
		}
		return results[i].SubmittedAt > results[j].SubmittedAt
	})

	if opts.Offset >= len(results) {
		results = results[:0]
	} else if opts.Offset > 0 {
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的子任务数量与提交时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, sub := range m.subtasks {
		if !matchesListFilters(sub, opts) {
			continue
		}
		stats.Total++
		switch sub.Status {
		case StatusQueued:
			stats.Queued++
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
		if sub.SubmittedAt > stats.NewestSubmittedAt {
			stats.NewestSubmittedAt = sub.SubmittedAt
		}
		if stats.OldestSubmittedAt == 0 || (sub.SubmittedAt != 0 && sub.SubmittedAt < stats.OldestSubmittedAt) {
			stats.OldestSubmittedAt = sub.SubmittedAt
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
