package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"DevCrew/pkg/logger"
)

// Registry 管理进程内全部智能体。所有状态变更都在同一把锁下完成，
// 保证同一个智能体不会被两个工作协程同时占用。
type Registry struct {
	mu     sync.Mutex
	cond   *sync.Cond
	agents []*Agent
	index  map[string]*Agent
}

// NewRegistry 创建一个空的注册表。
func NewRegistry() *Registry {
	r := &Registry{index: make(map[string]*Agent)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// CreateAgent 注册一个指定角色的新智能体，初始状态为空闲。
func (r *Registry) CreateAgent(role Role) (*Agent, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ag := r.createLocked(role, StateIdle)
	logger.Audit().Info("智能体已注册",
		slog.String("agent_id", ag.ID),
		slog.String("role", string(ag.Role)),
	)
	return cloneAgent(ag), nil
}

// ListAgents 按创建顺序返回全部智能体的快照。
func (r *Registry) ListAgents() []*Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, ag := range r.agents {
		out = append(out, cloneAgent(ag))
	}
	return out
}

// FindIdle 返回指定角色的一个空闲智能体，没有则返回 nil。
func (r *Registry) FindIdle(role Role) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ag := r.findIdleLocked(role); ag != nil {
		return cloneAgent(ag)
	}
	return nil
}

// MarkBusy 将智能体置为忙碌。
func (r *Registry) MarkBusy(id string) error {
	return r.setState(id, StateBusy)
}

// MarkIdle 将智能体置为空闲，并唤醒等待该角色的工作协程。
func (r *Registry) MarkIdle(id string) error {
	return r.setState(id, StateIdle)
}

// Acquire 原子地占用一个指定角色的智能体。策略：有空闲的直接占用；
// 该角色一个都不存在时自动创建一个；全部忙碌时阻塞等待，直到有智能体
// 被释放或上下文取消。
func (r *Registry) Acquire(ctx context.Context, role Role) (*Agent, error) {
	if !role.Valid() {
		return nil, ErrInvalidRole
	}

	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if ag := r.findIdleLocked(role); ag != nil {
			ag.State = StateBusy
			return cloneAgent(ag), nil
		}
		if !r.hasRoleLocked(role) {
			ag := r.createLocked(role, StateBusy)
			logger.L().Info("按需创建智能体",
				slog.String("agent_id", ag.ID),
				slog.String("role", string(role)),
			)
			return cloneAgent(ag), nil
		}
		r.cond.Wait()
	}
}

// Release 归还一个通过 Acquire 占用的智能体。
func (r *Registry) Release(id string) {
	if err := r.MarkIdle(id); err != nil {
		logger.L().Warn("释放智能体失败", slog.String("agent_id", id), slog.Any("error", err))
	}
}

func (r *Registry) setState(id string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ag, ok := r.index[id]
	if !ok {
		return ErrUnknownAgent
	}
	ag.State = state
	if state == StateIdle {
		r.cond.Broadcast()
	}
	return nil
}

func (r *Registry) createLocked(role Role, state State) *Agent {
	ag := &Agent{
		ID:        uuid.NewString(),
		Role:      role,
		State:     state,
		CreatedAt: time.Now().Unix(),
	}
	r.agents = append(r.agents, ag)
	r.index[ag.ID] = ag
	return ag
}

func (r *Registry) findIdleLocked(role Role) *Agent {
	for _, ag := range r.agents {
		if ag.Role == role && ag.State == StateIdle {
			return ag
		}
	}
	return nil
}

func (r *Registry) hasRoleLocked(role Role) bool {
	for _, ag := range r.agents {
		if ag.Role == role {
			return true
		}
	}
	return false
}
