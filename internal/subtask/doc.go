// Package subtask 实现子任务的提交、排队、调度与状态机管理。
//
// 一个子任务从 Submit 进入 queued 状态，由 Scheduler 从队列取出、
// 绑定对应角色的智能体后迁移为 running，执行结束后进入 completed
// 或 failed 终态。终态记录不可变，失败不会自动重试，返工由调用方
// 以新 ID 提交并带上 IsRework 标记，调度时优先处理。
//
// 状态存储与队列都有内存、SQL/Redis/RabbitMQ 多种实现，通过配置
// 选择，接口语义一致。
package subtask
