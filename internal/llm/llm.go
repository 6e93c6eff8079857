// Package llm contains adapters for invoking large language models. It
// abstracts away provider-specific APIs so executor backends can swap the
// underlying model without touching scheduling logic.
package llm

import "context"

// Request 描述发送给大模型的一次生成请求。
type Request struct {
	System string
	Prompt string
}

// Response 是大模型推理得到的输出。
type Response struct {
	Reply string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
