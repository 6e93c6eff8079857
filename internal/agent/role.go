package agent

import (
	"strings"

	xerrors "DevCrew/internal/errors"
)

// Role 表示智能体的职能分工。角色集合在部署期封闭，新角色需要修改代码。
type Role string

const (
	RoleExecutor   Role = "executor"
	RoleTester     Role = "tester"
	RoleDocumenter Role = "documenter"
	RoleReviewer   Role = "reviewer"
)

// DefaultRole 是兼容旧调用方时使用的兜底角色。
const DefaultRole = RoleExecutor

const (
	CodeInvalidRole  xerrors.Code = "INVALID_ROLE"
	CodeUnknownAgent xerrors.Code = "UNKNOWN_AGENT"
)

var (
	// ErrInvalidRole 表示请求的角色不在枚举集合内。
	ErrInvalidRole = xerrors.New(CodeInvalidRole, "unsupported agent role")
	// ErrUnknownAgent 表示指定的智能体未注册。
	ErrUnknownAgent = xerrors.New(CodeUnknownAgent, "agent not registered")
)

func init() {
	xerrors.Register(CodeInvalidRole, xerrors.Attributes{
		Message:  "unsupported agent role",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeUnknownAgent, xerrors.Attributes{
		Message:  "agent not registered",
		Severity: xerrors.SeverityWarning,
	})
}

// Roles 返回全部受支持的角色，顺序固定。
func Roles() []Role {
	return []Role{RoleExecutor, RoleTester, RoleDocumenter, RoleReviewer}
}

// Valid 检查角色是否属于受支持的枚举集合。
func (r Role) Valid() bool {
	switch r {
	case RoleExecutor, RoleTester, RoleDocumenter, RoleReviewer:
		return true
	default:
		return false
	}
}

// ParseRole 将外部输入解析为角色枚举。
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", xerrors.New(CodeInvalidRole, "unsupported agent role",
			xerrors.WithMetadata("role", raw))
	}
	return role, nil
}
