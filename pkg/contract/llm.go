package contract

import (
	"context"
	"errors"
	"time"
)

// Request: 一次补全请求（角色标注的消息列表）。
// Model 为空时由客户端使用其默认模型；Temperature 为 nil 时不下发。
type Request struct {
	Model           string
	Messages        []Message
	Temperature     *float64
	MaxOutputTokens int
}

// Response: 补全返回的原始文本与可选用量信息。
// 约束：Text 原样返回（仅去除首尾空白），不做截断。
type Response struct {
	Text         string
	Model        string
	PromptTokens int
	OutputTokens int
}

// LLMClient: 远端补全接口。单次调用、同步返回；应尊重 ctx 取消/超时。
// 错误约定：
//   - 凭据/模型/请求非法 → KindConfiguration；
//   - 网络、限流、5xx、空响应 → KindTransient；
//   - ctx 结束时返回 ctx.Err()。
type LLMClient interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ModelIdentity 由客户端报告实际生效的端点与默认模型；检查点指纹据此区分不同模型产出的摘要。
type ModelIdentity interface {
	Identity() string
}

// Summarizer: 将单个 Chunk 转为 SummaryResult。
// 仅在致命错误（KindConfiguration）或 ctx 结束时返回 error；其余失败落入结果的错误描述。
type Summarizer interface {
	Summarize(ctx context.Context, c Chunk) (SummaryResult, error)
}

// 最小错误分类（用于上层策略判定）。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
)

// UpstreamError 用于承载 HTTP 上游错误的最小诊断信息。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}

// RetryAfterHint: 上游给出的最短重试等待（例如 429 的 Retry-After）。
type RetryAfterHint interface {
	RetryAfter() time.Duration
}
