// Package alerting 把调度过程中的失败事件分发给若干通知器。
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	xerrors "DevCrew/internal/errors"
	"DevCrew/pkg/logger"
)

// Event 描述一次需要引起注意的调度事件。
type Event struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Severity   string            `json:"severity,omitempty"`
	SubtaskID  string            `json:"subtask_id,omitempty"`
	Role       string            `json:"role,omitempty"`
	AgentID    string            `json:"agent_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt int64             `json:"occurred_at"`
}

// Notifier 把事件发送到单个目的地。
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 把事件分发给所有注册的通知器。
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event)
}

// FanoutDispatcher 顺序调用每个 Notifier，单个失败不影响其余。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanoutDispatcher 创建分发器。
func NewFanoutDispatcher(notifiers ...Notifier) *FanoutDispatcher {
	filtered := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			filtered = append(filtered, n)
		}
	}
	return &FanoutDispatcher{notifiers: filtered}
}

// Dispatch 实现 Dispatcher 接口。
func (d *FanoutDispatcher) Dispatch(ctx context.Context, event Event) {
	if event.OccurredAt == 0 {
		event.OccurredAt = time.Now().Unix()
	}
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			logger.L().Warn("告警通知失败",
				"code", event.Code,
				"subtask_id", event.SubtaskID,
				"error", err,
			)
		}
	}
}

// LogNotifier 把事件写进结构化日志，是默认的兜底通知器。
type LogNotifier struct{}

// NewLogNotifier 创建日志通知器。
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// Notify 实现 Notifier 接口。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Named("alert").Warn("调度告警",
		"code", event.Code,
		"message", event.Message,
		"severity", event.Severity,
		"subtask_id", event.SubtaskID,
		"role", event.Role,
		"agent_id", event.AgentID,
	)
	return nil
}

// WebhookNotifier 以 JSON POST 的方式把事件推送到外部回调地址。
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier 创建 webhook 通知器。
func NewWebhookNotifier(url string) (*WebhookNotifier, error) {
	if url == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "webhook 地址不能为空")
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}, nil
}

// Notify 实现 Notifier 接口。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化告警事件失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造 webhook 请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "发送 webhook 失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return xerrors.New(xerrors.CodeUnknown, "webhook 返回非成功状态",
			xerrors.WithMetadata("status", resp.Status))
	}
	return nil
}

var (
	_ Dispatcher = (*FanoutDispatcher)(nil)
	_ Notifier   = (*LogNotifier)(nil)
	_ Notifier   = (*WebhookNotifier)(nil)
)
