package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"DevCrew/internal/agent"
	"DevCrew/internal/legacy"
	"DevCrew/internal/subtask"
)

func newTestServer(t *testing.T) (*httptest.Server, *subtask.MemoryStore) {
	t.Helper()

	store := subtask.NewMemoryStore()
	queue := subtask.NewMemoryQueue()
	svc, err := subtask.NewService(store, queue)
	if err != nil {
		t.Fatalf("NewService 失败: %v", err)
	}
	adapter, err := legacy.NewAdapter(svc,
		legacy.WithTimeout(time.Second),
		legacy.WithPollInterval(10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewAdapter 失败: %v", err)
	}
	server, err := NewServer(":0", svc, agent.NewRegistry(), adapter)
	if err != nil {
		t.Fatalf("NewServer 失败: %v", err)
	}

	ts := httptest.NewServer(server.routes())
	t.Cleanup(func() {
		ts.Close()
		queue.Close()
	})
	return ts, store
}

func decodeErrorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("解析错误响应失败: %v", err)
	}
	if payload.Error.Message == "" {
		t.Fatal("错误响应应携带描述")
	}
	return payload.Error.Code
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("序列化请求失败: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", resp.StatusCode)
	}
}

func TestCreateAgentRejectsUnknownRole(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/agents", map[string]string{"role": "pilot"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("期望 400, 实际 %d", resp.StatusCode)
	}
	if code := decodeErrorCode(t, resp); code != string(agent.CodeInvalidRole) {
		t.Fatalf("期望 %s, 实际 %s", agent.CodeInvalidRole, code)
	}
}

func TestCreateAndListAgents(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/agents", map[string]string{"role": "tester"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("期望 201, 实际 %d", resp.StatusCode)
	}
	var created agent.Agent
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if created.ID == "" || created.Role != agent.RoleTester {
		t.Fatalf("创建的智能体不对: %+v", created)
	}

	listResp, err := http.Get(ts.URL + "/api/v1/agents")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer listResp.Body.Close()
	var listed struct {
		Agents []agent.Agent `json:"agents"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listed); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(listed.Agents) != 1 || listed.Agents[0].ID != created.ID {
		t.Fatalf("列表不对: %+v", listed.Agents)
	}
}

func TestCreateAgentByRolePath(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/agents/documenter", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("期望 201, 实际 %d", resp.StatusCode)
	}
	var created agent.Agent
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if created.Role != agent.RoleDocumenter || created.State != agent.StateIdle {
		t.Fatalf("创建的智能体不对: %+v", created)
	}

	bad := postJSON(t, ts.URL+"/api/v1/agents/pilot", nil)
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("未知角色应返回 400, 实际 %d", bad.StatusCode)
	}
}

func TestSubmitSubtaskAndGet(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/subtasks", subtask.SubmitRequest{
		TaskText: "实现一个限流器",
		Role:     "executor",
		Filename: "ratelimit.go",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("期望 202, 实际 %d", resp.StatusCode)
	}
	var sub subtask.Subtask
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if sub.ID == "" || sub.Status != subtask.StatusQueued {
		t.Fatalf("提交确认不对: %+v", sub)
	}

	getResp, err := http.Get(ts.URL + "/api/v1/subtasks/" + sub.ID)
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", getResp.StatusCode)
	}
	var fetched subtask.Subtask
	if err := json.NewDecoder(getResp.Body).Decode(&fetched); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if fetched.ID != sub.ID {
		t.Fatalf("查询到了别的子任务: %s", fetched.ID)
	}
}

func TestSubmitSubtaskValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/subtasks", subtask.SubmitRequest{TaskText: ""})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("期望 400, 实际 %d", resp.StatusCode)
	}
	if code := decodeErrorCode(t, resp); code != string(subtask.CodeValidation) {
		t.Fatalf("期望 %s, 实际 %s", subtask.CodeValidation, code)
	}
}

func TestDuplicateSubtaskConflicts(t *testing.T) {
	ts, _ := newTestServer(t)

	first := postJSON(t, ts.URL+"/api/v1/subtasks", subtask.SubmitRequest{
		SubtaskID: "dup",
		TaskText:  "任务一",
	})
	first.Body.Close()
	if first.StatusCode != http.StatusAccepted {
		t.Fatalf("首次提交应成功, 实际 %d", first.StatusCode)
	}

	second := postJSON(t, ts.URL+"/api/v1/subtasks", subtask.SubmitRequest{
		SubtaskID: "dup",
		TaskText:  "任务二",
	})
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("期望 409, 实际 %d", second.StatusCode)
	}
	if code := decodeErrorCode(t, second); code != string(subtask.CodeDuplicate) {
		t.Fatalf("期望 %s, 实际 %s", subtask.CodeDuplicate, code)
	}
}

func TestGetUnknownSubtask(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/subtasks/missing")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("期望 404, 实际 %d", resp.StatusCode)
	}
	if code := decodeErrorCode(t, resp); code != string(subtask.CodeNotFound) {
		t.Fatalf("期望 %s, 实际 %s", subtask.CodeNotFound, code)
	}
}

func TestListSubtasksWithFilters(t *testing.T) {
	ts, store := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/subtasks", subtask.SubmitRequest{
		SubtaskID: "s-1",
		TaskText:  "任务一",
	})
	resp.Body.Close()
	if err := store.MarkFailed(context.Background(), "s-1", subtask.CodeExecutionFailure, "boom"); err != nil {
		t.Fatalf("MarkFailed 失败: %v", err)
	}

	listResp, err := http.Get(ts.URL + "/api/v1/subtasks?status=failed")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer listResp.Body.Close()
	var listed struct {
		Subtasks []subtask.Subtask `json:"subtasks"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&listed); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(listed.Subtasks) != 1 || listed.Subtasks[0].ID != "s-1" {
		t.Fatalf("过滤结果不对: %+v", listed.Subtasks)
	}

	badResp, err := http.Get(ts.URL + "/api/v1/subtasks?status=bogus")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer badResp.Body.Close()
	if badResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("未知状态应返回 400, 实际 %d", badResp.StatusCode)
	}
}

func TestExecuteTimeoutReturns504(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/execute", legacy.Request{Task: "等不到结果的任务"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("期望 504, 实际 %d", resp.StatusCode)
	}
	if code := decodeErrorCode(t, resp); code != string(subtask.CodeExecutionTimeout) {
		t.Fatalf("期望 %s, 实际 %s", subtask.CodeExecutionTimeout, code)
	}
}
