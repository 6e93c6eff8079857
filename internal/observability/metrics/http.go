// Package metrics 维护进程内的请求与调度计数，并以 Prometheus
// 文本格式对外暴露。
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Collector 聚合 HTTP 请求与子任务结果的计数。
type Collector struct {
	mu         sync.Mutex
	httpTotal  map[httpKey]int64
	httpTimeMS map[httpKey]int64
	subtasks   map[string]int64
	startedAt  time.Time
}

type httpKey struct {
	method string
	path   string
	status int
}

var defaultCollector = NewCollector()

// NewCollector 创建采集器。
func NewCollector() *Collector {
	return &Collector{
		httpTotal:  make(map[httpKey]int64),
		httpTimeMS: make(map[httpKey]int64),
		subtasks:   make(map[string]int64),
		startedAt:  time.Now(),
	}
}

// Default 返回进程级采集器。
func Default() *Collector {
	return defaultCollector
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) ObserveHTTPRequest(method, path string, status int, elapsed time.Duration) {
	key := httpKey{method: method, path: path, status: status}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpTotal[key]++
	c.httpTimeMS[key] += elapsed.Milliseconds()
}

// ObserveSubtaskOutcome 记录一次子任务终态（completed / failed）。
func (c *Collector) ObserveSubtaskOutcome(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subtasks[status]++
}

// Handler 返回 /metrics 端点的处理函数。
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(c.render()))
	})
}

func (c *Collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder

	b.WriteString("# HELP devcrew_uptime_seconds 进程运行时长。\n")
	b.WriteString("# TYPE devcrew_uptime_seconds gauge\n")
	fmt.Fprintf(&b, "devcrew_uptime_seconds %.0f\n", time.Since(c.startedAt).Seconds())

	b.WriteString("# HELP devcrew_http_requests_total 按方法、路径、状态码统计的请求总数。\n")
	b.WriteString("# TYPE devcrew_http_requests_total counter\n")
	for _, key := range sortedHTTPKeys(c.httpTotal) {
		fmt.Fprintf(&b, "devcrew_http_requests_total{method=%q,path=%q,status=\"%d\"} %d\n",
			key.method, key.path, key.status, c.httpTotal[key])
	}

	b.WriteString("# HELP devcrew_http_request_duration_ms_total 请求耗时累计（毫秒）。\n")
	b.WriteString("# TYPE devcrew_http_request_duration_ms_total counter\n")
	for _, key := range sortedHTTPKeys(c.httpTimeMS) {
		fmt.Fprintf(&b, "devcrew_http_request_duration_ms_total{method=%q,path=%q,status=\"%d\"} %d\n",
			key.method, key.path, key.status, c.httpTimeMS[key])
	}

	b.WriteString("# HELP devcrew_subtask_outcomes_total 按终态统计的子任务总数。\n")
	b.WriteString("# TYPE devcrew_subtask_outcomes_total counter\n")
	statuses := make([]string, 0, len(c.subtasks))
	for status := range c.subtasks {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(&b, "devcrew_subtask_outcomes_total{status=%q} %d\n", status, c.subtasks[status])
	}

	return b.String()
}

func sortedHTTPKeys(m map[httpKey]int64) []httpKey {
	keys := make([]httpKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].path != keys[j].path {
			return keys[i].path < keys[j].path
		}
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].status < keys[j].status
	})
	return keys
}
