package legacy

import (
	"context"
	"testing"
	"time"

	xerrors "DevCrew/internal/errors"
	"DevCrew/internal/subtask"
)

func newTestAdapter(t *testing.T, opts ...Option) (*Adapter, *subtask.MemoryStore, *subtask.MemoryQueue) {
	t.Helper()
	store := subtask.NewMemoryStore()
	queue := subtask.NewMemoryQueue()
	svc, err := subtask.NewService(store, queue)
	if err != nil {
		t.Fatalf("NewService 失败: %v", err)
	}
	adapter, err := NewAdapter(svc, opts...)
	if err != nil {
		t.Fatalf("NewAdapter 失败: %v", err)
	}
	return adapter, store, queue
}

func TestExecuteReturnsTerminalResult(t *testing.T) {
	adapter, store, queue := newTestAdapter(t,
		WithTimeout(2*time.Second),
		WithPollInterval(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer queue.Close()

	// 模拟调度器：出队后直接写入完成结果。
	go func() {
		_ = queue.Consume(ctx, 1, func(ctx context.Context, id string) error {
			return store.MarkCompleted(ctx, id, subtask.ExecutionResult{Output: "生成完成"})
		})
	}()

	resp, err := adapter.Execute(ctx, Request{
		Task:    "为解析器补充测试",
		Context: map[string]string{"role": "tester", "filename": "parser_test.go"},
	})
	if err != nil {
		t.Fatalf("Execute 失败: %v", err)
	}
	if resp.Status != subtask.StatusCompleted {
		t.Fatalf("期望 completed, 实际 %s", resp.Status)
	}
	if resp.Role != "tester" {
		t.Fatalf("角色应取自 context, 实际 %s", resp.Role)
	}
	if resp.Result == nil || resp.Result.Output != "生成完成" {
		t.Fatalf("产出不对: %+v", resp.Result)
	}
	if resp.SubtaskID == "" {
		t.Fatal("应返回子任务 ID")
	}
}

func TestExecuteTimesOutButSubtaskSurvives(t *testing.T) {
	adapter, store, _ := newTestAdapter(t,
		WithTimeout(100*time.Millisecond),
		WithPollInterval(10*time.Millisecond),
	)

	// 没有任何消费者，等待必然超时。
	resp, err := adapter.Execute(context.Background(), Request{Task: "永远等不到的任务"})
	if err == nil {
		t.Fatal("超时应返回错误")
	}
	if xerrors.CodeOf(err) != subtask.CodeExecutionTimeout {
		t.Fatalf("期望 %s, 实际 %s", subtask.CodeExecutionTimeout, xerrors.CodeOf(err))
	}
	if resp == nil || resp.SubtaskID == "" {
		t.Fatal("超时响应应携带子任务 ID 以便继续查询")
	}

	// 超时只是等待结束，子任务记录仍然存在且未被破坏。
	got, getErr := store.Get(context.Background(), resp.SubtaskID)
	if getErr != nil {
		t.Fatalf("Get 失败: %v", getErr)
	}
	if got.Status != subtask.StatusQueued {
		t.Fatalf("无消费者时子任务应保持 queued, 实际 %s", got.Status)
	}
}

func TestExecuteRejectsEmptyTask(t *testing.T) {
	adapter, store, _ := newTestAdapter(t)

	_, err := adapter.Execute(context.Background(), Request{Task: ""})
	if err == nil {
		t.Fatal("空任务应被拒绝")
	}
	if xerrors.CodeOf(err) != subtask.CodeValidation {
		t.Fatalf("期望 %s, 实际 %s", subtask.CodeValidation, xerrors.CodeOf(err))
	}

	subs, _ := store.List(context.Background(), subtask.ListOptions{})
	if len(subs) != 0 {
		t.Fatal("校验失败不应留下记录")
	}
}

func TestExecuteDefaultsRole(t *testing.T) {
	adapter, store, queue := newTestAdapter(t,
		WithTimeout(2*time.Second),
		WithPollInterval(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer queue.Close()

	go func() {
		_ = queue.Consume(ctx, 1, func(ctx context.Context, id string) error {
			return store.MarkCompleted(ctx, id, subtask.ExecutionResult{Output: "ok"})
		})
	}()

	resp, err := adapter.Execute(ctx, Request{Task: "没有指定角色的任务"})
	if err != nil {
		t.Fatalf("Execute 失败: %v", err)
	}
	if resp.Role != "executor" {
		t.Fatalf("缺省角色应为 executor, 实际 %s", resp.Role)
	}
}
