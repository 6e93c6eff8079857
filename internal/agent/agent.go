package agent

// State 表示智能体当前是否可以领取工作。
type State string

const (
	StateIdle State = "idle"
	StateBusy State = "busy"
)

// Agent 是一个绑定角色的工作身份。角色在创建后不可变更。
type Agent struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	State     State  `json:"state"`
	CreatedAt int64  `json:"created_at"`
}

func cloneAgent(ag *Agent) *Agent {
	clone := *ag
	return &clone
}
