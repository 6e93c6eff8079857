package subtask

import (
	"context"
	"errors"
	"testing"
	"time"

	"DevCrew/internal/agent"
	xerrors "DevCrew/internal/errors"
)

func newTestService(t *testing.T) (*Service, *MemoryStore, *MemoryQueue) {
	t.Helper()
	store := NewMemoryStore()
	queue := NewMemoryQueue()
	svc, err := NewService(store, queue)
	if err != nil {
		t.Fatalf("NewService 失败: %v", err)
	}
	return svc, store, queue
}

func TestSubmitRejectsEmptyTaskText(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{TaskText: "   "})
	if err == nil {
		t.Fatal("空任务描述应被拒绝")
	}
	if xerrors.CodeOf(err) != CodeValidation {
		t.Fatalf("期望 %s, 实际 %s", CodeValidation, xerrors.CodeOf(err))
	}

	// 校验失败不应留下任何记录。
	subs, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List 失败: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("校验失败留下了 %d 条记录", len(subs))
	}
}

func TestSubmitRejectsInvalidRole(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{TaskText: "写一个解析器", Role: "pilot"})
	if err == nil {
		t.Fatal("未知角色应被拒绝")
	}
	if xerrors.CodeOf(err) != CodeValidation {
		t.Fatalf("期望 %s, 实际 %s", CodeValidation, xerrors.CodeOf(err))
	}

	subs, _ := store.List(ctx, ListOptions{})
	if len(subs) != 0 {
		t.Fatal("校验失败不应留下记录")
	}
}

func TestSubmitDefaultsRoleAndGeneratesID(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sub, err := svc.Submit(ctx, SubmitRequest{TaskText: "写一个解析器"})
	if err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}
	if sub.ID == "" {
		t.Fatal("应自动生成子任务 ID")
	}
	if sub.Role != agent.DefaultRole {
		t.Fatalf("未指定角色时应使用默认角色, 实际 %s", sub.Role)
	}
	if sub.Status != StatusQueued {
		t.Fatalf("新提交的子任务应为 queued, 实际 %s", sub.Status)
	}
	if sub.SubmittedAt == 0 {
		t.Fatal("SubmittedAt 应被写入")
	}

	// 提交确认后必须立刻可查。
	got, err := svc.Get(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if got.Status != StatusQueued && !got.Status.Terminal() && got.Status != StatusRunning {
		t.Fatalf("提交后应至少处于 queued, 实际 %s", got.Status)
	}
}

func TestSubmitRejectsDuplicateID(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, SubmitRequest{SubtaskID: "dup", TaskText: "任务一"}); err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}
	_, err := svc.Submit(ctx, SubmitRequest{SubtaskID: "dup", TaskText: "任务二"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("期望 ErrDuplicate, 实际 %v", err)
	}

	// 原记录不受影响。
	got, err := svc.Get(ctx, "dup")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if got.TaskText != "任务一" {
		t.Fatalf("重复提交篡改了原记录: %q", got.TaskText)
	}
}

func TestSubmitEnqueuesSubtask(t *testing.T) {
	svc, _, queue := newTestService(t)
	ctx := context.Background()

	sub, err := svc.Submit(ctx, SubmitRequest{TaskText: "写一个解析器"})
	if err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}

	id, _, err := queue.pop(ctx)
	if err != nil {
		t.Fatalf("pop 失败: %v", err)
	}
	if id != sub.ID {
		t.Fatalf("入队的 ID 不对: 期望 %s 实际 %s", sub.ID, id)
	}
}

func TestWaitUntilCompleted(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	sub, err := svc.Submit(ctx, SubmitRequest{TaskText: "写一个解析器"})
	if err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = store.MarkCompleted(ctx, sub.ID, ExecutionResult{Output: "done"})
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	final, err := svc.WaitUntilCompleted(waitCtx, sub.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitUntilCompleted 失败: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("期望 completed, 实际 %s", final.Status)
	}
}

func TestServiceStats(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	for _, text := range []string{"任务一", "任务二"} {
		if _, err := svc.Submit(ctx, SubmitRequest{TaskText: text}); err != nil {
			t.Fatalf("Submit 失败: %v", err)
		}
	}
	subs, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List 失败: %v", err)
	}
	if err := store.MarkFailed(ctx, subs[0].ID, CodeExecutionFailure, "boom"); err != nil {
		t.Fatalf("MarkFailed 失败: %v", err)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats 失败: %v", err)
	}
	if stats.Total != 2 || stats.Queued != 1 || stats.Failed != 1 {
		t.Fatalf("统计不对: %+v", stats)
	}
}
