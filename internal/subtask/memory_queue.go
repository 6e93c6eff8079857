package subtask

import (
	"context"
	"sync"

	xerrors "DevCrew/internal/errors"
	"DevCrew/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// MemoryQueue 是进程内的两级优先队列：rework 子任务始终先于
// 普通子任务出队，同级内保持 FIFO。
type MemoryQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	rework []string
	normal []string
	closed bool
}

// NewMemoryQueue 创建内存队列。
func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Publish 实现 Producer 接口。
func (q *MemoryQueue) Publish(ctx context.Context, subtaskID string, rework bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
	}
	if rework {
		q.rework = append(q.rework, subtaskID)
	} else {
		q.normal = append(q.normal, subtaskID)
	}
	q.cond.Signal()
	return nil
}

// Consume 实现 Consumer 接口，阻塞运行直到 ctx 取消。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "handler 不能为空")
	}

	// ctx 取消时唤醒所有阻塞在 cond 上的工作协程。
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for {
				id, rework, err := q.pop(gctx)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}
				if err := handler(gctx, id); err != nil && gctx.Err() == nil {
					// 投递失败且并非关停，按原优先级通道重新入队。
					if pubErr := q.Publish(gctx, id, rework); pubErr != nil {
						logger.L().Error("子任务重新入队失败",
							"subtask_id", id,
							"rework", rework,
							"error", pubErr,
						)
					}
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// pop 取出下一个子任务 ID，rework 通道优先；第二个返回值标记
// 它来自哪个通道，重新入队时需要保持同级。
func (q *MemoryQueue) pop(ctx context.Context) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		if q.closed {
			return "", false, xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")
		}
		if len(q.rework) > 0 {
			id := q.rework[0]
			q.rework = q.rework[1:]
			return id, true, nil
		}
		if len(q.normal) > 0 {
			id := q.normal[0]
			q.normal = q.normal[1:]
			return id, false, nil
		}
		q.cond.Wait()
	}
}

// Len 返回当前积压数量，仅用于观测。
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.rework) + len(q.normal)
}

// Close 关闭队列并唤醒所有消费者。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
