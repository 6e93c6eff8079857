package subtask

import (
	"context"

	"DevCrew/pkg/logger"
)

const recoveryPageSize = 100

// RecoverPending 在启动时扫描持久化存储，把仍处于 queued 的子任务
// 重新入队。上一个进程崩溃时留下的 running 记录无法安全重放（执行
// 可能已产生副作用），只记录告警日志，由调用方决定是否返工。
// 返回重新入队的数量。
//
// 分页基于偏移量游标，排序键为 (submitted_at, id)，恢复过程中不会
// 修改存储，因此同一秒内挤着任意多条记录也能逐条扫到且不重复。
func RecoverPending(ctx context.Context, store Store, producer Producer) (int, error) {
	recovered := 0

	for offset := 0; ; offset += recoveryPageSize {
		batch, err := store.List(ctx, ListOptions{
			Statuses: []Status{StatusQueued, StatusRunning},
			Limit:    recoveryPageSize,
			Offset:   offset,
			Order:    SortBySubmittedAsc,
		})
		if err != nil {
			return recovered, err
		}

		for _, sub := range batch {
			switch sub.Status {
			case StatusRunning:
				logger.L().Warn("发现上次运行遗留的 running 子任务",
					"subtask_id", sub.ID,
					"agent_id", sub.AgentID,
				)
			case StatusQueued:
				if err := producer.Publish(ctx, sub.ID, sub.IsRework); err != nil {
					// 记录中断位置，方便排查哪些子任务已经重新入队。
					logger.L().Error("恢复入队失败",
						"subtask_id", sub.ID,
						"offset", offset,
						"recovered", recovered,
						"error", err,
					)
					return recovered, err
				}
				recovered++
			}
		}

		if len(batch) < recoveryPageSize {
			break
		}
	}

	if recovered > 0 {
		logger.L().Info("恢复了遗留的子任务", "count", recovered)
	}
	return recovered, nil
}
