package executor

import (
	"context"
	"strings"
	"testing"

	"DevCrew/internal/agent"
	xerrors "DevCrew/internal/errors"
	"DevCrew/internal/knowledge"
	"DevCrew/internal/llm"
)

type fakeLLM struct {
	reply string
	err   error
	last  llm.Request
}

func (f *fakeLLM) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Reply: f.reply}, nil
}

func TestLocalExecutorProducesDeterministicOutput(t *testing.T) {
	exec := NewLocalExecutor(knowledge.Builtin(3))

	result, err := exec.Execute(context.Background(), Request{
		SubtaskID: "s-1",
		Role:      agent.RoleExecutor,
		TaskText:  "实现一个限流器",
		Filename:  "ratelimit.go",
	})
	if err != nil {
		t.Fatalf("Execute 失败: %v", err)
	}
	if !strings.Contains(result.Output, "限流器") || !strings.Contains(result.Output, "ratelimit.go") {
		t.Fatalf("产出缺少关键信息: %q", result.Output)
	}
}

func TestLocalExecutorRejectsEmptyTask(t *testing.T) {
	exec := NewLocalExecutor(nil)

	if _, err := exec.Execute(context.Background(), Request{Role: agent.RoleExecutor}); err == nil {
		t.Fatal("空任务文本应被拒绝")
	}
}

func TestLLMExecutorBuildsRolePrompt(t *testing.T) {
	client := &fakeLLM{reply: "生成的测试代码"}
	exec := NewLLMExecutor(client, WithKnowledgeProvider(knowledge.Builtin(3)))

	result, err := exec.Execute(context.Background(), Request{
		Role:     agent.RoleTester,
		TaskText: "为限流器写测试",
		IsRework: true,
	})
	if err != nil {
		t.Fatalf("Execute 失败: %v", err)
	}
	if result.Output != "生成的测试代码" {
		t.Fatalf("产出不对: %q", result.Output)
	}
	if !strings.Contains(client.last.System, "tester") {
		t.Fatalf("系统提示词应包含角色: %q", client.last.System)
	}
	if !strings.Contains(client.last.Prompt, "返工") {
		t.Fatalf("返工任务应在提示词中注明: %q", client.last.Prompt)
	}
}

func TestLLMExecutorMapsFailure(t *testing.T) {
	client := &fakeLLM{err: context.DeadlineExceeded}
	exec := NewLLMExecutor(client)

	_, err := exec.Execute(context.Background(), Request{
		Role:     agent.RoleExecutor,
		TaskText: "任务",
	})
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("超时应折算为 %s, 实际 %s", xerrors.CodeTimeout, xerrors.CodeOf(err))
	}

	client.err = nil
	client.reply = "   "
	if _, err := exec.Execute(context.Background(), Request{Role: agent.RoleExecutor, TaskText: "任务"}); err == nil {
		t.Fatal("空回复应视为失败")
	}
}
