package subtask

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"DevCrew/internal/agent"
	xerrors "DevCrew/internal/errors"
	"DevCrew/internal/executor"
	"DevCrew/internal/observability/alerting"
	"DevCrew/internal/observability/metrics"
	"DevCrew/pkg/logger"
)

// Executor 是调度器需要的执行能力，由 executor 包的实现提供。
type Executor interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// Scheduler 消费子任务队列：为每个子任务原子地分配对应角色的
// 智能体、驱动状态机迁移并把执行结果写回状态存储。
type Scheduler struct {
	exec        Executor
	store       Store
	registry    *agent.Registry
	consumer    Consumer
	workerCount int
	log         *slog.Logger
	alerter     alerting.Dispatcher
}

// SchedulerOption 自定义调度器行为。
type SchedulerOption func(*Scheduler)

// WithWorkerCount 设置并发工作协程数量，默认 4。
func WithWorkerCount(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.workerCount = n
		}
	}
}

// WithSchedulerLogger 覆盖默认日志器。
func WithSchedulerLogger(log *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithAlertDispatcher 接入告警分发器。
func WithAlertDispatcher(d alerting.Dispatcher) SchedulerOption {
	return func(s *Scheduler) {
		if d != nil {
			s.alerter = d
		}
	}
}

// NewScheduler 创建调度器。
func NewScheduler(exec Executor, store Store, registry *agent.Registry, consumer Consumer, opts ...SchedulerOption) (*Scheduler, error) {
	if exec == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "executor 不能为空")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "store 不能为空")
	}
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "registry 不能为空")
	}
	if consumer == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "consumer 不能为空")
	}
	s := &Scheduler{
		exec:        exec,
		store:       store,
		registry:    registry,
		consumer:    consumer,
		workerCount: 4,
		log:         logger.Named("scheduler"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Start 阻塞消费队列，直到 ctx 取消。
func (s *Scheduler) Start(ctx context.Context) error {
	s.log.Info("调度器启动", "workers", s.workerCount)
	err := s.consumer.Consume(ctx, s.workerCount, s.handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.log.Info("调度器退出")
	return nil
}

// handle 处理单个子任务。返回非 nil 错误时由队列实现重新投递，
// 因此只有"本次无法处理但之后可以"的情况才返回错误。
func (s *Scheduler) handle(ctx context.Context, subtaskID string) error {
	sub, err := s.store.Get(ctx, subtaskID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.log.Warn("队列中的子任务不存在，跳过", "subtask_id", subtaskID)
			return nil
		}
		return err
	}
	if sub.Status.Terminal() || sub.Status == StatusRunning {
		s.log.Debug("子任务已被处理，跳过", "subtask_id", subtaskID, "status", sub.Status)
		return nil
	}

	assignee, err := s.registry.Acquire(ctx, sub.Role)
	if err != nil {
		if errors.Is(err, agent.ErrInvalidRole) {
			return s.failSubtask(ctx, sub, CodeNoAgentAvailable,
				"没有可用于角色 "+string(sub.Role)+" 的智能体")
		}
		// 关停或上下文取消，交回队列。
		return err
	}

	sub, err = s.store.Claim(ctx, subtaskID, assignee.ID)
	if err != nil {
		s.registry.Release(assignee.ID)
		if errors.Is(err, ErrTerminal) || errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
			s.log.Debug("子任务领取冲突，跳过", "subtask_id", subtaskID)
			return nil
		}
		return err
	}
	defer s.registry.Release(assignee.ID)

	s.log.Info("子任务开始执行",
		"subtask_id", sub.ID,
		"role", sub.Role,
		"agent_id", assignee.ID,
		"rework", sub.IsRework,
	)

	result, execErr := s.exec.Execute(ctx, executor.Request{
		SubtaskID: sub.ID,
		Role:      sub.Role,
		TaskText:  sub.TaskText,
		Filename:  sub.Filename,
		IsRework:  sub.IsRework,
	})
	if execErr != nil {
		// 关停打断的执行不算失败，留给下一次投递。
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.failSubtask(ctx, sub, failureKind(execErr), execErr.Error())
	}

	var final ExecutionResult
	if result != nil {
		final = ExecutionResult{Output: result.Output, Notes: result.Notes}
	}
	if err := s.store.MarkCompleted(ctx, sub.ID, final); err != nil {
		if errors.Is(err, ErrTerminal) {
			return nil
		}
		return err
	}
	metrics.Default().ObserveSubtaskOutcome(string(StatusCompleted))
	logger.Audit().Info("子任务完成",
		"subtask_id", sub.ID,
		"role", sub.Role,
		"agent_id", assignee.ID,
	)
	return nil
}

// failSubtask 把子任务迁移为 failed 并发出告警。失败是终态，
// 不会自动重试，由调用方决定是否以新 ID 返工。
func (s *Scheduler) failSubtask(ctx context.Context, sub *Subtask, kind xerrors.Code, message string) error {
	if err := s.store.MarkFailed(ctx, sub.ID, kind, message); err != nil {
		if errors.Is(err, ErrTerminal) {
			return nil
		}
		return err
	}
	metrics.Default().ObserveSubtaskOutcome(string(StatusFailed))
	logger.Audit().Warn("子任务失败",
		"subtask_id", sub.ID,
		"role", sub.Role,
		"kind", kind,
		"message", message,
	)
	if s.alerter != nil {
		s.alerter.Dispatch(ctx, alerting.Event{
			Code:       string(kind),
			Message:    message,
			Severity:   string(xerrors.AttributesOf(kind).Severity),
			SubtaskID:  sub.ID,
			Role:       string(sub.Role),
			AgentID:    sub.AgentID,
			OccurredAt: time.Now().Unix(),
		})
	}
	return nil
}

// failureKind 把执行错误折算为失败种类。
func failureKind(err error) xerrors.Code {
	switch code := xerrors.CodeOf(err); code {
	case xerrors.CodeTimeout, CodeExecutionTimeout:
		return CodeExecutionTimeout
	case xerrors.CodeUnknown:
		return CodeExecutionFailure
	case xerrors.CodeExecutorFailure:
		return CodeExecutionFailure
	default:
		return code
	}
}
