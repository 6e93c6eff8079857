package subtask

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	xerrors "DevCrew/internal/errors"
	"DevCrew/pkg/logger"
)

// RabbitMQQueueConfig 描述 RabbitMQ 队列连接参数。
type RabbitMQQueueConfig struct {
	URL string
	// QueueName 默认 devcrew.subtasks。
	QueueName string
}

const (
	rabbitMaxPriority    = 10
	rabbitNormalPriority = 5
	rabbitReworkPriority = 9
)

// RabbitMQQueue 用带 x-max-priority 的队列承载子任务调度，
// 返工子任务以更高优先级发布，先于普通子任务被消费。
type RabbitMQQueue struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queueName string
}

// NewRabbitMQQueue 建立连接、声明优先级队列。
func NewRabbitMQQueue(cfg RabbitMQQueueConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "rabbitmq 地址不能为空")
	}
	queueName := cfg.QueueName
	if queueName == "" {
		queueName = "devcrew.subtasks"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 rabbitmq 失败")
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 rabbitmq 通道失败")
	}

	_, err = channel.QueueDeclare(
		queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		amqp.Table{"x-max-priority": int32(rabbitMaxPriority)},
	)
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "声明 rabbitmq 队列失败")
	}

	return &RabbitMQQueue{
		conn:      conn,
		channel:   channel,
		queueName: queueName,
	}, nil
}

// Publish 实现 Producer 接口。
func (q *RabbitMQQueue) Publish(ctx context.Context, subtaskID string, rework bool) error {
	priority := uint8(rabbitNormalPriority)
	if rework {
		priority = rabbitReworkPriority
	}
	err := q.channel.PublishWithContext(ctx,
		"",          // exchange
		q.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "text/plain",
			DeliveryMode: amqp.Persistent,
			Priority:     priority,
			Body:         []byte(subtaskID),
		},
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布子任务失败")
	}
	return nil
}

// Consume 实现 Consumer 接口，阻塞运行直到 ctx 取消。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "handler 不能为空")
	}

	// 限制未确认消息数量，让优先级排序在 broker 侧生效。
	if err := q.channel.Qos(workerCount, 0, false); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 rabbitmq qos 失败")
	}

	deliveries, err := q.channel.Consume(
		q.queueName,
		"",    // consumer tag
		false, // autoAck，手动确认避免丢任务
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 rabbitmq 队列失败")
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case delivery, ok := <-deliveries:
					if !ok {
						return xerrors.New(xerrors.CodeQueueFailure, "rabbitmq 投递通道已关闭")
					}
					id := string(delivery.Body)
					if err := handler(gctx, id); err != nil && gctx.Err() == nil {
						// 投递失败，拒绝并重回队列。
						if nackErr := delivery.Nack(false, true); nackErr != nil {
							logger.L().Error("子任务 nack 失败", "subtask_id", id, "error", nackErr)
						}
						continue
					}
					if ackErr := delivery.Ack(false); ackErr != nil {
						logger.L().Error("子任务 ack 失败", "subtask_id", id, "error", ackErr)
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

// Close 关闭通道与连接。
func (q *RabbitMQQueue) Close() error {
	if q.channel != nil {
		_ = q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var _ Queue = (*RabbitMQQueue)(nil)
