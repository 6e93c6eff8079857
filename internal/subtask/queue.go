package subtask

import "context"

// Handler 处理一个待调度的子任务 ID。返回非 nil 错误表示投递
// 过程本身失败（例如上下文取消），队列实现可据此决定是否重新入队；
// 子任务执行层面的失败通过状态存储记录，Handler 应返回 nil。
type Handler func(ctx context.Context, subtaskID string) error

// Producer 负责把子任务 ID 投递进调度队列。
type Producer interface {
	// Publish 入队一个子任务。rework 为 true 时进入高优先级通道，
	// 会先于所有普通子任务被取出。
	Publish(ctx context.Context, subtaskID string, rework bool) error
	Close() error
}

// Consumer 以固定数量的工作协程消费队列。
type Consumer interface {
	// Consume 阻塞运行直到 ctx 取消，期间用 workerCount 个协程
	// 并发调用 handler。
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时提供生产与消费能力。
type Queue interface {
	Producer
	Consumer
}
