package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider 定义角色指令检索的通用接口。
type Provider interface {
	Query(role, taskText string) []Snippet
}

// Snippet 描述可供执行器引用的一段角色指令或背景知识。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Roles    []string `json:"roles"`
	Keywords []string `json:"keywords"`
}

// StaticProvider 通过加载 JSON 文件提供静态指令检索能力。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态指令库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{items: items, maxResults: maxResults}
}

// LoadStaticProvider 从 JSON 文件加载指令条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("指令库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析指令库路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取指令库文件失败: %w", err)
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析指令库文件失败: %w", err)
	}
	return NewStaticProvider(entries, maxResults), nil
}

// Query 返回与角色和任务文本匹配的指令条目。
func (p *StaticProvider) Query(role, taskText string) []Snippet {
	if p == nil || len(p.items) == 0 {
		return nil
	}
	role = strings.ToLower(strings.TrimSpace(role))
	text := strings.ToLower(taskText)

	matched := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if !matchesRole(item.Roles, role) {
			continue
		}
		if len(item.Keywords) > 0 && !matchesKeyword(item.Keywords, text) {
			continue
		}
		matched = append(matched, item)
		if len(matched) >= p.maxResults {
			break
		}
	}
	return matched
}

// Builtin 返回内置的兜底指令条目，在未配置指令库文件时使用。
func Builtin(maxResults int) *StaticProvider {
	return NewStaticProvider([]Snippet{
		{
			Title:   "代码产出约定",
			Content: "产出应是完整可用的代码片段，附带必要的使用说明。",
			Roles:   []string{"executor"},
		},
		{
			Title:   "测试产出约定",
			Content: "覆盖正常路径与至少一个异常路径，断言要具体。",
			Roles:   []string{"tester"},
		},
		{
			Title:   "文档产出约定",
			Content: "先说明用途，再给出示例，避免复述实现细节。",
			Roles:   []string{"documenter"},
		},
		{
			Title:   "评审产出约定",
			Content: "每条结论给出位置与依据，区分必须修复与建议改进。",
			Roles:   []string{"reviewer"},
		},
	}, maxResults)
}

func matchesRole(roles []string, role string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if strings.ToLower(strings.TrimSpace(r)) == role {
			return true
		}
	}
	return false
}

func matchesKeyword(keywords []string, text string) bool {
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
