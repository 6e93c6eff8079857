// Package legacy 提供旧版同步执行接口的兼容层：提交一个子任务
// 并阻塞等待其进入终态，对调用方呈现"一次调用拿到结果"的语义。
package legacy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"DevCrew/internal/agent"
	xerrors "DevCrew/internal/errors"
	"DevCrew/internal/subtask"
	"DevCrew/pkg/logger"
)

// Request 是旧版 Execute 调用的入参。
type Request struct {
	// Task 是任务描述，必填。
	Task string `json:"task"`
	// Context 携带附加键值，目前识别 role 与 filename。
	Context map[string]string `json:"context,omitempty"`
}

// Response 是旧版 Execute 调用的出参。
type Response struct {
	SubtaskID string                   `json:"subtask_id"`
	Role      string                   `json:"role"`
	Status    subtask.Status           `json:"status"`
	Result    *subtask.ExecutionResult `json:"result,omitempty"`
	Error     *subtask.ExecutionError  `json:"error,omitempty"`
}

// Adapter 把同步调用翻译为"提交 + 轮询等待"。
type Adapter struct {
	svc      *subtask.Service
	timeout  time.Duration
	interval time.Duration
}

// Option 自定义 Adapter 行为。
type Option func(*Adapter)

// WithTimeout 设置同步等待上限，默认 120s。
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithPollInterval 设置轮询间隔，默认 200ms。
func WithPollInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.interval = d
		}
	}
}

// NewAdapter 创建兼容层。
func NewAdapter(svc *subtask.Service, opts ...Option) (*Adapter, error) {
	if svc == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "service 不能为空")
	}
	a := &Adapter{
		svc:      svc,
		timeout:  120 * time.Second,
		interval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Execute 提交子任务并阻塞到终态或超时。超时只代表等待结束，
// 子任务仍在后台按原样推进，可用返回的 SubtaskID 继续查询。
func (a *Adapter) Execute(ctx context.Context, req Request) (*Response, error) {
	role := req.Context["role"]
	filename := req.Context["filename"]
	if role == "" {
		role = string(agent.DefaultRole)
	}

	sub, err := a.svc.Submit(ctx, subtask.SubmitRequest{
		SubtaskID: uuid.NewString(),
		TaskText:  req.Task,
		Role:      role,
		Filename:  filename,
	})
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	final, err := a.svc.WaitUntilCompleted(waitCtx, sub.ID, a.interval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			logger.L().Warn("同步执行等待超时", "subtask_id", sub.ID, "timeout", a.timeout)
			resp := &Response{
				SubtaskID: sub.ID,
				Role:      string(sub.Role),
				Status:    subtask.StatusRunning,
			}
			if final != nil {
				resp.Status = final.Status
			}
			return resp, xerrors.New(subtask.CodeExecutionTimeout, "等待子任务完成超时",
				xerrors.WithMetadata("subtask_id", sub.ID))
		}
		return nil, err
	}

	return &Response{
		SubtaskID: final.ID,
		Role:      string(final.Role),
		Status:    final.Status,
		Result:    final.Result,
		Error:     final.Error,
	}, nil
}
