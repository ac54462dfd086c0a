package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	genai "google.golang.org/genai"

	"reposumm/pkg/contract"
)

// Options: Gemini API（google.golang.org/genai）最小必需。
type Options struct {
	BaseURL   string `json:"base_url"`    // 为空使用 SDK 默认端点
	Model     string `json:"model"`       // 默认 gemini-2.5-flash
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 60 秒。
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	APIVersion     string            `json:"api_version,omitempty"`
	ExtraHeaders   map[string]string `json:"extra_headers"`
}

func (o *Options) defaults() {
	if o.Model == "" {
		o.Model = "gemini-2.5-flash"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

// Client 封装官方 genai 客户端，只负责单次调用；重试、限速由上层处理。
type Client struct {
	cli   *genai.Client
	base  string
	model string
}

var (
	_ contract.LLMClient     = (*Client)(nil)
	_ contract.ModelIdentity = (*Client)(nil)
)

// Identity 返回端点与默认模型；未配置 base_url 时记为 SDK 默认端点。
func (c *Client) Identity() string {
	base := c.base
	if base == "" {
		base = "genai-default"
	}
	return base + " " + c.model
}

func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, contract.E(contract.KindConfiguration, "gemini", "", fmt.Errorf("options: %w", err))
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, contract.E(contract.KindConfiguration, "gemini", "",
			fmt.Errorf("%w: missing api key (set %s)", contract.ErrInvalidInput, opts.APIKeyEnv))
	}
	hopts := genai.HTTPOptions{BaseURL: opts.BaseURL, APIVersion: opts.APIVersion}
	if len(opts.ExtraHeaders) > 0 {
		hopts.Headers = http.Header{}
		for k, v := range opts.ExtraHeaders {
			if k != "" {
				hopts.Headers.Set(k, v)
			}
		}
	}
	cli, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second},
		HTTPOptions: hopts,
	})
	if err != nil {
		return nil, contract.E(contract.KindConfiguration, "gemini", "", err)
	}
	return &Client{cli: cli, base: opts.BaseURL, model: opts.Model}, nil
}

// splitMessages 将通用消息映射为 genai 形状：system 合并为 SystemInstruction，
// assistant→model，其余→user。
func splitMessages(msgs []contract.Message) (*genai.Content, []*genai.Content) {
	var sys []string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			sys = append(sys, m.Content)
		case "assistant", "model":
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if len(sys) == 0 {
		return nil, contents
	}
	return &genai.Content{Parts: []*genai.Part{{Text: strings.Join(sys, "\n\n")}}}, contents
}

func (c *Client) Complete(ctx context.Context, req contract.Request) (contract.Response, error) {
	sys, contents := splitMessages(req.Messages)
	if len(contents) == 0 {
		return contract.Response{}, contract.E(contract.KindConfiguration, "gemini", "", fmt.Errorf("%w: no user content", contract.ErrInvalidInput))
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	cfg := &genai.GenerateContentConfig{SystemInstruction: sys}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	resp, err := c.cli.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return contract.Response{}, ctx.Err()
		}
		return contract.Response{}, classify(err)
	}
	text := responseText(resp)
	if text == "" {
		return contract.Response{}, contract.E(contract.KindTransient, "gemini", "", fmt.Errorf("%w: empty candidates", contract.ErrResponseInvalid))
	}
	out := contract.Response{Text: text, Model: resp.ModelVersion}
	if u := resp.UsageMetadata; u != nil {
		out.PromptTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}
	return out, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			sb.WriteString(p.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// upstreamError 承载 genai.APIError 的最小诊断信息。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

type rateLimitError struct{ upstreamError }

func (e rateLimitError) Unwrap() error { return contract.ErrRateLimited }

// classify 将 SDK 错误映射为错误类别；非 APIError（网络等）视为可重试。
func classify(err error) error {
	var ae genai.APIError
	var pae *genai.APIError
	code, msg := 0, ""
	switch {
	case errors.As(err, &ae):
		code, msg = ae.Code, ae.Message
	case errors.As(err, &pae) && pae != nil:
		code, msg = pae.Code, pae.Message
	default:
		return contract.E(contract.KindTransient, "gemini", "", err)
	}
	ue := upstreamError{status: code, msg: msg}
	switch {
	case code == http.StatusTooManyRequests:
		return contract.E(contract.KindTransient, "gemini", "", rateLimitError{ue})
	case code == http.StatusRequestTimeout || code/100 == 5 || code == 0:
		return contract.E(contract.KindTransient, "gemini", "", ue)
	default:
		return contract.E(contract.KindConfiguration, "gemini", "", ue)
	}
}
