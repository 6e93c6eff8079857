// Package executor provides the capability that actually performs a
// subtask's work. The scheduler treats it as an opaque collaborator: it
// hands over role, instruction and filename, and receives a result or an
// error. Backends are compiled in and selected by configuration.
package executor

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"DevCrew/internal/agent"
	xerrors "DevCrew/internal/errors"
	"DevCrew/internal/knowledge"
	"DevCrew/internal/llm"
)

// Request 描述一次执行请求。
type Request struct {
	SubtaskID string
	Role      agent.Role
	TaskText  string
	Filename  string
	IsRework  bool
}

// Result 是执行器产出的内容。
type Result struct {
	Output string
	Notes  string
}

// Executor 定义了调度器所需的执行能力。
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// LLMExecutor 通过大模型完成子任务内容生成。
type LLMExecutor struct {
	client    llm.Client
	knowledge knowledge.Provider
	timeout   time.Duration
}

// Option 定义可选的 LLMExecutor 配置。
type Option func(*LLMExecutor)

// WithKnowledgeProvider 配置指令库，用于在推理前补充角色上下文。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(e *LLMExecutor) {
		e.knowledge = provider
	}
}

// WithTimeout 设置单次推理的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(e *LLMExecutor) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// NewLLMExecutor 创建基于大模型的执行器。
func NewLLMExecutor(client llm.Client, opts ...Option) *LLMExecutor {
	e := &LLMExecutor{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute 根据角色与任务文本调用大模型生成产出。
func (e *LLMExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if e.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if strings.TrimSpace(req.TaskText) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务文本不能为空")
	}

	llmCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp, err := e.client.Generate(llmCtx, llm.Request{
		System: e.systemPrompt(req.Role),
		Prompt: buildUserPrompt(req, e.lookupSnippets(req)),
	})
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeExecutorFailure, err, "大模型推理失败")
	}
	if strings.TrimSpace(resp.Reply) == "" {
		return nil, xerrors.New(xerrors.CodeExecutorFailure, "大模型返回了空结果")
	}

	notes := ""
	if req.IsRework {
		notes = "返工任务，已按修正要求重新生成"
	}
	return &Result{Output: resp.Reply, Notes: notes}, nil
}

func (e *LLMExecutor) systemPrompt(role agent.Role) string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("You are a %s agent on a software development crew. ", role))
	switch role {
	case agent.RoleTester:
		builder.WriteString("Produce tests that verify the described behaviour.")
	case agent.RoleDocumenter:
		builder.WriteString("Produce documentation for the described artifact.")
	case agent.RoleReviewer:
		builder.WriteString("Review the described artifact and report concrete findings.")
	default:
		builder.WriteString("Produce the code the instruction asks for.")
	}
	return builder.String()
}

func (e *LLMExecutor) lookupSnippets(req Request) []knowledge.Snippet {
	if e.knowledge == nil {
		return nil
	}
	return e.knowledge.Query(string(req.Role), req.TaskText)
}

func buildUserPrompt(req Request, snippets []knowledge.Snippet) string {
	var builder strings.Builder
	builder.WriteString("## 任务\n")
	builder.WriteString(strings.TrimSpace(req.TaskText))
	builder.WriteString("\n")
	if filename := strings.TrimSpace(req.Filename); filename != "" {
		builder.WriteString(fmt.Sprintf("目标文件: %s\n", filename))
	}
	if req.IsRework {
		builder.WriteString("这是一次返工，请修正此前产出的问题。\n")
	}
	if len(snippets) > 0 {
		builder.WriteString("## 参考指令\n")
		for _, snippet := range snippets {
			builder.WriteString(fmt.Sprintf("- %s: %s\n", snippet.Title, snippet.Content))
		}
	}
	return builder.String()
}

// LocalExecutor 是不依赖外部服务的本地执行器，产出确定性的占位内容。
// 用于离线部署与测试。
type LocalExecutor struct {
	knowledge knowledge.Provider
}

// NewLocalExecutor 创建本地执行器。
func NewLocalExecutor(provider knowledge.Provider) *LocalExecutor {
	return &LocalExecutor{knowledge: provider}
}

// Execute 生成一段描述性的产出文本。
func (e *LocalExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.TaskText) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务文本不能为空")
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("[%s] %s", req.Role, strings.TrimSpace(req.TaskText)))
	if filename := strings.TrimSpace(req.Filename); filename != "" {
		builder.WriteString(fmt.Sprintf(" -> %s", filename))
	}

	notes := ""
	if e.knowledge != nil {
		snippets := e.knowledge.Query(string(req.Role), req.TaskText)
		titles := make([]string, 0, len(snippets))
		for _, snippet := range snippets {
			if strings.TrimSpace(snippet.Title) != "" {
				titles = append(titles, snippet.Title)
			}
		}
		if len(titles) > 0 {
			notes = fmt.Sprintf("指令库提示: %s", strings.Join(titles, "；"))
		}
	}
	return &Result{Output: builder.String(), Notes: notes}, nil
}
