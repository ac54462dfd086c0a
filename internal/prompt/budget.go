package prompt

import "reposumm/pkg/contract"

// MakeEstimator 返回一个近似 token 估算器：tokens ≈ ceil(len(utf8_bytes)/bytesPerToken)。
// 当 bytesPerToken<=0 时采用默认 4。
func MakeEstimator(bytesPerToken int) contract.TokenEstimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		n := len(s)
		if n == 0 {
			return 0
		}
		return (n + bpt - 1) / bpt
	}
}

// EstimateRequest 估算一次请求的 token 消耗：消息内容 + 预留输出上限。
// 用于 TPM 限速的预扣。
func EstimateRequest(msgs []contract.Message, estimate contract.TokenEstimator, maxOutput int) int {
	if estimate == nil {
		estimate = MakeEstimator(0)
	}
	n := 0
	for _, m := range msgs {
		n += estimate(m.Content)
	}
	if maxOutput > 0 {
		n += maxOutput
	}
	return n
}

// Overhead 返回 PromptBuilder 的固定提示开销（token）。
func Overhead(pb contract.PromptBuilder, bytesPerToken int) int {
	if pb == nil {
		return 0
	}
	return pb.EstimateOverheadTokens(MakeEstimator(bytesPerToken))
}
