package subtask

import (
	"DevCrew/internal/agent"
	xerrors "DevCrew/internal/errors"
)

// Status 表示子任务在生命周期中的状态。
// 状态机：queued → running → {completed | failed}，终态不可再迁移。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ExecutionResult 保存一次子任务执行的产出。
type ExecutionResult struct {
	Output string `json:"output"`
	Notes  string `json:"notes,omitempty"`
}

// ExecutionError 记录失败子任务的机器可读种类与人类可读描述。
type ExecutionError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Subtask 描述了排队执行的开发子任务。三个时间戳各自只写入一次。
type Subtask struct {
	ID          string           `json:"id"`
	TaskText    string           `json:"task_text"`
	Role        agent.Role       `json:"role"`
	Filename    string           `json:"filename,omitempty"`
	IsRework    bool             `json:"is_rework"`
	Status      Status           `json:"status"`
	AgentID     string           `json:"agent_id,omitempty"`
	Result      *ExecutionResult `json:"result,omitempty"`
	Error       *ExecutionError  `json:"error,omitempty"`
	SubmittedAt int64            `json:"submitted_at"`
	StartedAt   int64            `json:"started_at,omitempty"`
	CompletedAt int64            `json:"completed_at,omitempty"`
}

const (
	CodeValidation       xerrors.Code = "SUBTASK_VALIDATION_FAILED"
	CodeNotFound         xerrors.Code = "SUBTASK_NOT_FOUND"
	CodeDuplicate        xerrors.Code = "DUPLICATE_SUBTASK"
	CodeConflict         xerrors.Code = "SUBTASK_CONFLICT"
	CodeTerminal         xerrors.Code = "SUBTASK_TERMINAL"
	CodeNoAgentAvailable xerrors.Code = "NO_AGENT_AVAILABLE"
	CodeExecutionFailure xerrors.Code = "EXECUTION_FAILURE"
	CodeExecutionTimeout xerrors.Code = "EXECUTION_TIMEOUT"
	CodePublishFailure   xerrors.Code = "SUBTASK_PUBLISH_FAILED"
)

var (
	// ErrNotFound 表示指定的子任务不存在。
	ErrNotFound = xerrors.New(CodeNotFound, "subtask not found")
	// ErrDuplicate 表示该 ID 已被占用，重复提交被拒绝。
	ErrDuplicate = xerrors.New(CodeDuplicate, "subtask id already submitted")
	// ErrConflict 表示子任务在当前状态下无法进行所请求的迁移。
	ErrConflict = xerrors.New(CodeConflict, "subtask state conflict")
	// ErrTerminal 表示子任务已进入终态，记录不可再变更。
	ErrTerminal = xerrors.New(CodeTerminal, "subtask already terminal")
)

func init() {
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:  "subtask validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:  "subtask not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeDuplicate, xerrors.Attributes{
		Message:  "subtask id already submitted",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeConflict, xerrors.Attributes{
		Message:  "subtask state conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTerminal, xerrors.Attributes{
		Message:  "subtask already terminal",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeNoAgentAvailable, xerrors.Attributes{
		Message:  "no agent available for role",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeExecutionFailure, xerrors.Attributes{
		Message:  "subtask execution failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeExecutionTimeout, xerrors.Attributes{
		Message:  "synchronous execution timed out",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodePublishFailure, xerrors.Attributes{
		Message:  "failed to publish subtask",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneSubtask(sub *Subtask) *Subtask {
	clone := *sub
	if sub.Result != nil {
		resultCopy := *sub.Result
		clone.Result = &resultCopy
	}
	if sub.Error != nil {
		errCopy := *sub.Error
		clone.Error = &errCopy
	}
	return &clone
}
