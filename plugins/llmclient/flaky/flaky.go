package flaky

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"reposumm/pkg/contract"
	"reposumm/plugins/llmclient/mock"
)

// Options 定义可选项。
type Options struct {
	Prefix string `json:"prefix"`
	// FailTimes: 每个不同请求内容先失败的次数，默认 2。
	FailTimes int `json:"fail_times"`
	// Mode: 失败形态 rate_limited（默认）| upstream | invalid | config。
	Mode string `json:"mode"`
	// RetryAfterMS: rate_limited 模式下携带的 Retry-After 提示。
	RetryAfterMS int `json:"retry_after_ms"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的 LLM 实现：对每个不同的请求内容，
// 前 FailTimes 次按 Mode 失败，之后委托 mock（digest 模式）返回确定摘要。
type Client struct {
	mode       string
	failTimes  int
	retryAfter time.Duration
	logPath    string
	ok         *mock.Client

	mu    sync.Mutex
	seen  map[[32]byte]int
	calls int
}

var (
	_ contract.LLMClient     = (*Client)(nil)
	_ contract.ModelIdentity = (*Client)(nil)
)

// Identity 与成功时委托的 mock 一致。
func (c *Client) Identity() string { return c.ok.Identity() }

// New 构造 Client。
func New(raw json.RawMessage) (*Client, error) {
	o := Options{FailTimes: 2}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, contract.E(contract.KindConfiguration, "flaky", "", fmt.Errorf("options: %w", err))
		}
	}
	if o.Prefix == "" {
		o.Prefix = "FLAKY"
	}
	switch o.Mode {
	case "":
		o.Mode = "rate_limited"
	case "rate_limited", "upstream", "invalid", "config":
	default:
		return nil, contract.E(contract.KindConfiguration, "flaky", "", fmt.Errorf("%w: unknown mode %q", contract.ErrInvalidInput, o.Mode))
	}
	okRaw, _ := json.Marshal(mock.Options{Prefix: o.Prefix})
	ok, err := mock.New(okRaw)
	if err != nil {
		return nil, err
	}
	return &Client{
		mode:       o.Mode,
		failTimes:  o.FailTimes,
		retryAfter: time.Duration(o.RetryAfterMS) * time.Millisecond,
		logPath:    o.LogPath,
		ok:         ok,
		seen:       map[[32]byte]int{},
	}, nil
}

// Calls 返回累计调用次数。
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

func requestKey(req contract.Request) [32]byte {
	h := sha256.New()
	for _, m := range req.Messages {
		fmt.Fprintf(h, "%s\x00%s\x00", m.Role, m.Content)
	}
	var k [32]byte
	copy(k[:], h.Sum(nil))
	return k
}

type retryAfterError struct{ after time.Duration }

func (e retryAfterError) Error() string             { return "flaky: rate limited" }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }
func (e retryAfterError) Unwrap() error             { return contract.ErrRateLimited }

// Complete 实现 contract.LLMClient。
func (c *Client) Complete(ctx context.Context, req contract.Request) (contract.Response, error) {
	if err := ctx.Err(); err != nil {
		return contract.Response{}, err
	}
	k := requestKey(req)
	c.mu.Lock()
	c.calls++
	n := c.seen[k]
	c.seen[k] = n + 1
	c.mu.Unlock()

	if n >= c.failTimes {
		c.log("ok")
		return c.ok.Complete(ctx, req)
	}
	c.log(c.mode)
	switch c.mode {
	case "upstream":
		return contract.Response{}, contract.E(contract.KindTransient, "flaky", "", fmt.Errorf("upstream 503 (attempt %d)", n+1))
	case "invalid":
		return contract.Response{}, contract.E(contract.KindTransient, "flaky", "", fmt.Errorf("%w: malformed body", contract.ErrResponseInvalid))
	case "config":
		return contract.Response{}, contract.E(contract.KindConfiguration, "flaky", "", fmt.Errorf("%w: model not found", contract.ErrInvalidInput))
	default:
		return contract.Response{}, contract.E(contract.KindTransient, "flaky", "", retryAfterError{after: c.retryAfter})
	}
}
