package subtask

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "DevCrew/internal/errors"
	"DevCrew/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列连接参数。
type RedisQueueConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix 用于隔离不同部署，默认 devcrew:subtasks。
	KeyPrefix string
	// PopTimeout 是 BRPOP 单次阻塞时长，默认 2s。
	PopTimeout time.Duration
}

// RedisQueue 基于两个 Redis 列表实现优先级队列：BRPOP 按 key
// 顺序检查，rework 列表排在前面，因此返工子任务总是先出队。
type RedisQueue struct {
	client     *redis.Client
	reworkKey  string
	normalKey  string
	popTimeout time.Duration
}

// NewRedisQueue 连接 Redis 并返回队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Addr == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "redis 地址不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "devcrew:subtasks"
	}
	popTimeout := cfg.PopTimeout
	if popTimeout <= 0 {
		popTimeout = 2 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 redis 失败")
	}

	return &RedisQueue{
		client:     client,
		reworkKey:  prefix + ":rework",
		normalKey:  prefix + ":normal",
		popTimeout: popTimeout,
	}, nil
}

// Publish 实现 Producer 接口。
func (q *RedisQueue) Publish(ctx context.Context, subtaskID string, rework bool) error {
	key := q.normalKey
	if rework {
		key = q.reworkKey
	}
	if err := q.client.LPush(ctx, key, subtaskID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "写入 redis 队列失败")
	}
	return nil
}

// Consume 实现 Consumer 接口，阻塞运行直到 ctx 取消。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "handler 不能为空")
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return nil
				}
				// BRPOP 按 key 顺序检查，rework 列表优先。
				values, err := q.client.BRPop(gctx, q.popTimeout, q.reworkKey, q.normalKey).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if gctx.Err() != nil {
						return nil
					}
					logger.L().Warn("redis 出队失败，稍后重试", "error", err)
					select {
					case <-gctx.Done():
						return nil
					case <-time.After(time.Second):
					}
					continue
				}
				if len(values) != 2 {
					continue
				}
				key, id := values[0], values[1]
				if err := handler(gctx, id); err != nil && gctx.Err() == nil {
					// 回到原优先级列表，等待下一轮投递。
					if pushErr := q.client.LPush(gctx, key, id).Err(); pushErr != nil {
						logger.L().Error("子任务重新入队失败", "subtask_id", id, "error", pushErr)
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

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
