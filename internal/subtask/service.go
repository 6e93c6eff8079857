package subtask

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"DevCrew/internal/agent"
	xerrors "DevCrew/internal/errors"
	"DevCrew/pkg/logger"
)

// SubmitRequest 描述一次子任务提交。
type SubmitRequest struct {
	// SubtaskID 可选，为空时自动生成 UUID。
	SubtaskID string `json:"subtask_id,omitempty"`
	// TaskText 是必填的任务描述。
	TaskText string `json:"task_text"`
	// Role 可选，为空时使用默认角色。
	Role string `json:"role,omitempty"`
	// Filename 可选，提示产出应落到的文件。
	Filename string `json:"filename,omitempty"`
	// IsRework 表示这是一次针对先前失败的返工，调度时优先处理。
	IsRework bool `json:"is_rework,omitempty"`
}

// Service 是子任务编排的入口：校验、落库、投递入队。
type Service struct {
	store    Store
	producer Producer
	log      *slog.Logger
}

// ServiceOption 自定义 Service 行为。
type ServiceOption func(*Service)

// WithServiceLogger 覆盖默认日志器。
func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// NewService 创建子任务服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "store 不能为空")
	}
	if producer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "producer 不能为空")
	}
	s := &Service{
		store:    store,
		producer: producer,
		log:      logger.Named("subtask"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Submit 校验请求、持久化 queued 记录并投递进调度队列。
// 校验失败不会留下任何记录；入队失败时记录会被标记为 failed。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Subtask, error) {
	if strings.TrimSpace(req.TaskText) == "" {
		return nil, xerrors.New(CodeValidation, "任务描述不能为空",
			xerrors.WithMetadata("field", "task_text"))
	}

	role := agent.DefaultRole
	if strings.TrimSpace(req.Role) != "" {
		parsed, err := agent.ParseRole(req.Role)
		if err != nil {
			return nil, xerrors.Wrap(CodeValidation, err, "角色不合法",
				xerrors.WithMetadata("field", "role"))
		}
		role = parsed
	}

	id := strings.TrimSpace(req.SubtaskID)
	if id == "" {
		id = uuid.NewString()
	}

	sub := &Subtask{
		ID:          id,
		TaskText:    req.TaskText,
		Role:        role,
		Filename:    req.Filename,
		IsRework:    req.IsRework,
		Status:      StatusQueued,
		SubmittedAt: time.Now().Unix(),
	}
	if err := s.store.Create(ctx, sub); err != nil {
		return nil, err
	}

	if err := s.producer.Publish(ctx, sub.ID, sub.IsRework); err != nil {
		// 落库成功但入队失败，记录终态避免子任务悬空。
		if markErr := s.store.MarkFailed(ctx, sub.ID, CodePublishFailure, err.Error()); markErr != nil {
			s.log.Error("标记入队失败的子任务失败", "subtask_id", sub.ID, "error", markErr)
		}
		return nil, xerrors.Wrap(CodePublishFailure, err, "子任务入队失败",
			xerrors.WithMetadata("subtask_id", sub.ID))
	}

	logger.Audit().Info("子任务已提交",
		"subtask_id", sub.ID,
		"role", sub.Role,
		"rework", sub.IsRework,
	)
	return cloneSubtask(sub), nil
}

// Get 返回子任务当前状态。
func (s *Service) Get(ctx context.Context, id string) (*Subtask, error) {
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(CodeValidation, "子任务 ID 不能为空",
			xerrors.WithMetadata("field", "subtask_id"))
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的子任务。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Subtask, error) {
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回子任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	return s.store.Stats(ctx, buildListOptions(opts))
}

// WaitUntilCompleted 轮询状态存储直到子任务进入终态或 ctx 取消。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Subtask, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sub, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub.Status.Terminal() {
			return sub, nil
		}
		select {
		case <-ctx.Done():
			return sub, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放底层资源。
func (s *Service) Close() error {
	if err := s.producer.Close(); err != nil {
		s.log.Warn("关闭队列生产者失败", "error", err)
	}
	return s.store.Close()
}
