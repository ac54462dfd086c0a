package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"reposumm/pkg/contract"
)

// Options: 最小必需配置。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string   `json:"model"`           // 请求未指定模型时使用
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // 可选 client 级超时（秒）
	Temperature    *float64 `json:"temperature,omitempty"`
	// 第三方兼容（最小）：
	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /chat/completions；可为完整 URL（以 http 开头）
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭默认 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`        // 追加/覆盖请求头（Azure/OpenRouter/Cerebras 等兼容服务）
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4o-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/chat/completions"
	}
}

type Client struct {
	hc          *http.Client
	url         string
	apiKey      string
	temp        *float64
	model       string
	extraH      map[string]string
	disableAuth bool
	do          func(*http.Request) (*http.Response, error)
}

var (
	_ contract.LLMClient     = (*Client)(nil)
	_ contract.ModelIdentity = (*Client)(nil)
)

// Identity 返回请求地址与默认模型。
func (c *Client) Identity() string { return c.url + " " + c.model }

// New 从原样 JSON 选项构造客户端。缺少密钥视为配置错误。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, contract.E(contract.KindConfiguration, "openai", "", fmt.Errorf("options: %w", err))
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" && !opts.DisableDefaultAuth {
		return nil, contract.E(contract.KindConfiguration, "openai", "",
			fmt.Errorf("%w: missing api key (set %s)", contract.ErrInvalidInput, opts.APIKeyEnv))
	}
	// 设置 HTTP 客户端超时：未配置则采用安全默认 60s
	if opts.TimeoutSeconds <= 0 {
		opts.TimeoutSeconds = 60
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	// 解析 URL：允许 endpoint_path 为完整 URL
	fullURL := opts.EndpointPath
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		base := strings.TrimRight(opts.BaseURL, "/")
		path := strings.TrimLeft(opts.EndpointPath, "/")
		fullURL = base + "/" + path
	}
	return &Client{
		hc:          hc,
		url:         fullURL,
		apiKey:      key,
		temp:        opts.Temperature,
		model:       opts.Model,
		extraH:      opts.ExtraHeaders,
		disableAuth: opts.DisableDefaultAuth,
		do:          hc.Do,
	}, nil
}

type oaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaReq struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Temperature *float64    `json:"temperature,omitempty"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
}

type oaResp struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// upstreamError 承载 HTTP 上游错误；5xx/408 视为可重试。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// rateLimitError: 429，携带 Retry-After 提示。
type rateLimitError struct {
	upstreamError
	after time.Duration
}

func (e rateLimitError) RetryAfter() time.Duration { return e.after }
func (e rateLimitError) Unwrap() error             { return contract.ErrRateLimited }

func (c *Client) encode(req contract.Request) ([]byte, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: empty messages", contract.ErrInvalidInput)
	}
	body := oaReq{Model: req.Model, Temperature: req.Temperature, MaxTokens: req.MaxOutputTokens}
	if body.Model == "" {
		body.Model = c.model
	}
	if body.Temperature == nil {
		body.Temperature = c.temp
	}
	body.Messages = make([]oaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, oaMessage{Role: m.Role, Content: m.Content})
	}
	return json.Marshal(&body)
}

// Complete: 单次调用，同步返回。
func (c *Client) Complete(ctx context.Context, req contract.Request) (contract.Response, error) {
	body, err := c.encode(req)
	if err != nil {
		return contract.Response{}, contract.E(contract.KindConfiguration, "openai", "", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return contract.Response{}, contract.E(contract.KindConfiguration, "openai", "", fmt.Errorf("new request: %w", err))
	}
	if !c.disableAuth {
		hreq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k == "" {
			continue
		}
		hreq.Header.Set(k, v)
	}

	resp, err := c.do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Response{}, ctx.Err()
		}
		return contract.Response{}, contract.E(contract.KindTransient, "openai", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		// 读取少量响应体辅助定位
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		ue := upstreamError{status: resp.StatusCode, msg: strings.TrimSpace(string(slurp))}
		return contract.Response{}, classifyStatus(ue, resp.Header.Get("Retry-After"))
	}
	var or oaResp
	if err := json.NewDecoder(resp.Body).Decode(&or); err != nil {
		if ctx.Err() != nil {
			return contract.Response{}, ctx.Err()
		}
		return contract.Response{}, contract.E(contract.KindTransient, "openai", "", fmt.Errorf("decode: %v: %w", err, contract.ErrResponseInvalid))
	}
	if len(or.Choices) == 0 || strings.TrimSpace(or.Choices[0].Message.Content) == "" {
		return contract.Response{}, contract.E(contract.KindTransient, "openai", "", fmt.Errorf("%w: empty choices", contract.ErrResponseInvalid))
	}
	return contract.Response{
		Text:         strings.TrimSpace(or.Choices[0].Message.Content),
		Model:        or.Model,
		PromptTokens: or.Usage.PromptTokens,
		OutputTokens: or.Usage.CompletionTokens,
	}, nil
}

// classifyStatus 将非 2xx 状态映射为错误类别：
// 429 → 限流（可重试）；408/5xx → 上游暂时故障（可重试）；其余 4xx → 配置错误（凭据/模型/请求非法）。
func classifyStatus(ue upstreamError, retryAfter string) error {
	switch {
	case ue.status == http.StatusTooManyRequests:
		return contract.E(contract.KindTransient, "openai", "", rateLimitError{upstreamError: ue, after: ParseRetryAfter(retryAfter, time.Now())})
	case ue.status == http.StatusRequestTimeout || ue.status/100 == 5:
		return contract.E(contract.KindTransient, "openai", "", ue)
	default:
		return contract.E(contract.KindConfiguration, "openai", "", ue)
	}
}

// ParseRetryAfter 解析 Retry-After（秒数或 HTTP 日期）；无法解析返回 0。
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if n, err := strconv.Atoi(v); err == nil {
		if n < 0 {
			return 0
		}
		return time.Duration(n) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
