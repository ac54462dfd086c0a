package mock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"reposumm/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // 输出前缀，默认 "MOCK"
	// APIKey: 仅用于限流分组（调试用），默认使用内置常量，不参与任何网络请求。
	APIKey string `json:"api_key"`
	// ResponseMode: 响应模式。
	//  - "digest"（默认）：返回 "<prefix>: <n> chars, <m> lines, digest <hex8>"，仅由输入内容决定；
	//  - "echo"：返回 "<prefix>: " + 最后一条 user 消息的首行。
	ResponseMode string `json:"response_mode,omitempty"`
	// LatencyMS / JitterMS: 模拟网络延迟（尊重 ctx 取消）。
	LatencyMS int `json:"latency_ms,omitempty"`
	JitterMS  int `json:"jitter_ms,omitempty"`
	// RejectAuth: 模拟凭据无效，所有调用返回配置错误。
	RejectAuth bool `json:"reject_auth,omitempty"`
}

type Client struct {
	prefix  string
	mode    string
	latency time.Duration
	jitter  int
	reject  bool
}

var (
	_ contract.LLMClient     = (*Client)(nil)
	_ contract.ModelIdentity = (*Client)(nil)
)

// Identity 由前缀与响应模式组成，二者决定输出文本。
func (c *Client) Identity() string { return "mock " + c.prefix + " " + c.mode }

func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, contract.E(contract.KindConfiguration, "mock", "", fmt.Errorf("options: %w", err))
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	switch mode {
	case "":
		mode = "digest"
	case "digest", "echo":
	default:
		return nil, contract.E(contract.KindConfiguration, "mock", "", fmt.Errorf("%w: unknown response_mode %q", contract.ErrInvalidInput, mode))
	}
	return &Client{
		prefix:  o.Prefix,
		mode:    mode,
		latency: time.Duration(o.LatencyMS) * time.Millisecond,
		jitter:  o.JitterMS,
		reject:  o.RejectAuth,
	}, nil
}

func (c *Client) Complete(ctx context.Context, req contract.Request) (contract.Response, error) {
	if err := c.wait(ctx); err != nil {
		return contract.Response{}, err
	}
	if c.reject {
		return contract.Response{}, contract.E(contract.KindConfiguration, "mock", "", fmt.Errorf("%w: invalid credentials", contract.ErrInvalidInput))
	}
	body := lastUser(req.Messages)
	var text string
	switch c.mode {
	case "echo":
		first, _, _ := strings.Cut(strings.TrimSpace(body), "\n")
		text = fmt.Sprintf("%s: %s", c.prefix, first)
	default:
		sum := sha256.Sum256([]byte(body))
		text = fmt.Sprintf("%s: %d chars, %d lines, digest %s",
			c.prefix, len([]rune(body)), strings.Count(body, "\n")+1, hex.EncodeToString(sum[:4]))
	}
	model := req.Model
	if model == "" {
		model = "mock"
	}
	return contract.Response{Text: text, Model: model, PromptTokens: (len(body) + 3) / 4, OutputTokens: (len(text) + 3) / 4}, nil
}

func (c *Client) wait(ctx context.Context) error {
	d := c.latency
	if c.jitter > 0 {
		d += time.Duration(rand.IntN(c.jitter+1)) * time.Millisecond
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func lastUser(msgs []contract.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}
