package subtask

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"DevCrew/internal/agent"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore("file:" + filepath.Join(t.TempDir(), "subtasks.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore 失败: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSQLiteStoreLifecycle(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, newQueuedSubtask("s-1", agent.RoleExecutor)); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}
	if err := store.Create(ctx, newQueuedSubtask("s-1", agent.RoleExecutor)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("期望 ErrDuplicate, 实际 %v", err)
	}

	claimed, err := store.Claim(ctx, "s-1", "agent-1")
	if err != nil {
		t.Fatalf("Claim 失败: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.AgentID != "agent-1" {
		t.Fatalf("领取结果不对: %+v", claimed)
	}
	if _, err := store.Claim(ctx, "s-1", "agent-2"); !errors.Is(err, ErrConflict) {
		t.Fatalf("期望 ErrConflict, 实际 %v", err)
	}

	if err := store.MarkCompleted(ctx, "s-1", ExecutionResult{Output: "done", Notes: "n"}); err != nil {
		t.Fatalf("MarkCompleted 失败: %v", err)
	}
	if err := store.MarkFailed(ctx, "s-1", CodeExecutionFailure, "boom"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("终态记录应拒绝覆盖, 实际 %v", err)
	}

	got, err := store.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if got.Status != StatusCompleted || got.Result == nil || got.Result.Output != "done" {
		t.Fatalf("终态记录不对: %+v", got)
	}
	if got.CompletedAt == 0 || got.StartedAt == 0 || got.SubmittedAt == 0 {
		t.Fatalf("时间戳缺失: %+v", got)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("期望 ErrNotFound, 实际 %v", err)
	}
}

func TestSQLiteStoreListAndStats(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	seed := []*Subtask{
		{ID: "a", TaskText: "t", Role: agent.RoleExecutor, Status: StatusQueued, SubmittedAt: 100},
		{ID: "b", TaskText: "t", Role: agent.RoleTester, Status: StatusQueued, SubmittedAt: 200},
		{ID: "c", TaskText: "t", Role: agent.RoleExecutor, IsRework: true, Status: StatusQueued, SubmittedAt: 300},
	}
	for _, sub := range seed {
		if err := store.Create(ctx, sub); err != nil {
			t.Fatalf("Create(%s) 失败: %v", sub.ID, err)
		}
	}
	if err := store.MarkFailed(ctx, "b", CodeExecutionFailure, "boom"); err != nil {
		t.Fatalf("MarkFailed 失败: %v", err)
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List 失败: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Fatalf("默认倒序不对: %v", ids(all))
	}

	paged, err := store.List(ctx, ListOptions{Offset: 1, Order: SortBySubmittedAsc})
	if err != nil {
		t.Fatalf("List 失败: %v", err)
	}
	if len(paged) != 2 || paged[0].ID != "b" || paged[1].ID != "c" {
		t.Fatalf("偏移分页不对: %v", ids(paged))
	}

	rework := true
	reworks, err := store.List(ctx, ListOptions{Rework: &rework})
	if err != nil {
		t.Fatalf("List 失败: %v", err)
	}
	if len(reworks) != 1 || reworks[0].ID != "c" {
		t.Fatalf("返工过滤不对: %v", ids(reworks))
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("Stats 失败: %v", err)
	}
	if stats.Total != 3 || stats.Queued != 2 || stats.Failed != 1 {
		t.Fatalf("统计不对: %+v", stats)
	}
	if stats.OldestSubmittedAt != 100 || stats.NewestSubmittedAt != 300 {
		t.Fatalf("时间范围不对: %+v", stats)
	}
}
