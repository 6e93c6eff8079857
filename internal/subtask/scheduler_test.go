package subtask

import (
	"context"
	"sync"
	"testing"
	"time"

	"DevCrew/internal/agent"
	xerrors "DevCrew/internal/errors"
	"DevCrew/internal/executor"
)

type stubExecutor struct {
	mu   sync.Mutex
	seen []string
	fn   func(req executor.Request) (*executor.Result, error)
}

func (s *stubExecutor) Execute(_ context.Context, req executor.Request) (*executor.Result, error) {
	s.mu.Lock()
	s.seen = append(s.seen, req.SubtaskID)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(req)
	}
	return &executor.Result{Output: "ok"}, nil
}

func (s *stubExecutor) executed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func newTestScheduler(t *testing.T, exec Executor, store Store, registry *agent.Registry) *Scheduler {
	t.Helper()
	sched, err := NewScheduler(exec, store, registry, NewMemoryQueue(), WithWorkerCount(1))
	if err != nil {
		t.Fatalf("NewScheduler 失败: %v", err)
	}
	return sched
}

func TestSchedulerCompletesSubtask(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	registry := agent.NewRegistry()
	sched := newTestScheduler(t, executor.NewLocalExecutor(nil), store, registry)

	if err := store.Create(ctx, newQueuedSubtask("s-1", agent.RoleExecutor)); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}

	if err := sched.handle(ctx, "s-1"); err != nil {
		t.Fatalf("handle 失败: %v", err)
	}

	got, err := store.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("期望 completed, 实际 %s", got.Status)
	}
	if got.Result == nil || got.Result.Output == "" {
		t.Fatal("完成的子任务应当有非空产出")
	}
	if got.AgentID == "" {
		t.Fatal("完成的子任务应记录执行它的智能体")
	}

	// 角色当时不存在，应被按需创建并在执行后释放。
	agents := registry.ListAgents()
	if len(agents) != 1 {
		t.Fatalf("期望自动创建 1 个智能体, 实际 %d", len(agents))
	}
	if agents[0].State != agent.StateIdle {
		t.Fatal("执行结束后智能体应被释放为空闲")
	}
}

func TestSchedulerRecordsFailureKind(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	registry := agent.NewRegistry()
	exec := &stubExecutor{fn: func(executor.Request) (*executor.Result, error) {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "生成内容失败")
	}}
	sched := newTestScheduler(t, exec, store, registry)

	if err := store.Create(ctx, newQueuedSubtask("s-1", agent.RoleTester)); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}
	if err := sched.handle(ctx, "s-1"); err != nil {
		t.Fatalf("handle 失败: %v", err)
	}

	got, err := store.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get 失败: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("期望 failed, 实际 %s", got.Status)
	}
	if got.Error == nil || got.Error.Kind != string(CodeExecutionFailure) {
		t.Fatalf("失败种类不对: %+v", got.Error)
	}
	if got.Error.Message == "" {
		t.Fatal("失败描述不应为空")
	}

	agents := registry.ListAgents()
	if len(agents) != 1 || agents[0].State != agent.StateIdle {
		t.Fatal("失败后智能体也应被释放")
	}
}

func TestSchedulerMapsTimeoutKind(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	exec := &stubExecutor{fn: func(executor.Request) (*executor.Result, error) {
		return nil, xerrors.New(xerrors.CodeTimeout, "推理超时")
	}}
	sched := newTestScheduler(t, exec, store, agent.NewRegistry())

	if err := store.Create(ctx, newQueuedSubtask("s-1", agent.RoleExecutor)); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}
	if err := sched.handle(ctx, "s-1"); err != nil {
		t.Fatalf("handle 失败: %v", err)
	}

	got, _ := store.Get(ctx, "s-1")
	if got.Error == nil || got.Error.Kind != string(CodeExecutionTimeout) {
		t.Fatalf("超时应折算为 %s, 实际 %+v", CodeExecutionTimeout, got.Error)
	}
}

func TestSchedulerSkipsUnknownAndTerminalSubtasks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	registry := agent.NewRegistry()
	exec := &stubExecutor{}
	sched := newTestScheduler(t, exec, store, registry)

	if err := sched.handle(ctx, "missing"); err != nil {
		t.Fatalf("未知子任务应被跳过, 实际 %v", err)
	}

	if err := store.Create(ctx, newQueuedSubtask("done", agent.RoleExecutor)); err != nil {
		t.Fatalf("Create 失败: %v", err)
	}
	if err := store.MarkCompleted(ctx, "done", ExecutionResult{Output: "x"}); err != nil {
		t.Fatalf("MarkCompleted 失败: %v", err)
	}
	if err := sched.handle(ctx, "done"); err != nil {
		t.Fatalf("终态子任务应被跳过, 实际 %v", err)
	}

	if len(exec.executed()) != 0 {
		t.Fatal("跳过的子任务不应触发执行")
	}
	if len(registry.ListAgents()) != 0 {
		t.Fatal("跳过的子任务不应占用智能体")
	}
}

func TestSchedulerReworkRunsFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue()
	defer queue.Close()
	exec := &stubExecutor{}

	sched, err := NewScheduler(exec, store, agent.NewRegistry(), queue, WithWorkerCount(1))
	if err != nil {
		t.Fatalf("NewScheduler 失败: %v", err)
	}

	// 先把三个子任务全部入队，再启动单个工作协程，保证出队顺序可观测。
	seed := []struct {
		id     string
		rework bool
	}{
		{"n-1", false},
		{"n-2", false},
		{"r-1", true},
	}
	for _, item := range seed {
		sub := newQueuedSubtask(item.id, agent.RoleExecutor)
		sub.IsRework = item.rework
		if err := store.Create(ctx, sub); err != nil {
			t.Fatalf("Create(%s) 失败: %v", item.id, err)
		}
		if err := queue.Publish(ctx, item.id, item.rework); err != nil {
			t.Fatalf("Publish(%s) 失败: %v", item.id, err)
		}
	}

	go func() {
		_ = sched.Start(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for len(exec.executed()) < len(seed) {
		select {
		case <-deadline:
			t.Fatalf("只执行了 %d/%d 个子任务", len(exec.executed()), len(seed))
		case <-time.After(10 * time.Millisecond):
		}
	}

	order := exec.executed()
	if order[0] != "r-1" {
		t.Fatalf("返工子任务应最先执行, 实际顺序 %v", order)
	}
}
