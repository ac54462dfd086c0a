package contract

import "context"

// Message 是发给模型的一条消息，Role 为 system、user 或 assistant。
type Message struct {
	Role    string
	Content string
}

// PromptBuilder 把一个 Chunk 变成摘要请求的消息序列。
// 模板在构造时解析，Build 不做 I/O；同一 Chunk 总得到同样的消息。
type PromptBuilder interface {
	Build(ctx context.Context, c Chunk) ([]Message, error)
	// EstimateOverheadTokens 估算不随分块变化的提示词开销。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator 近似估算文本的 token 数。
type TokenEstimator func(s string) int
