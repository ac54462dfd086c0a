package summarizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"reposumm/internal/diag"
	"reposumm/internal/prompt"
	"reposumm/internal/rate"
	"reposumm/pkg/contract"
)

// 缺省退避参数。
const (
	DefaultBaseBackoff = 500 * time.Millisecond
	DefaultMaxBackoff  = 30 * time.Second
)

// Config 为单块摘要调用的运行期参数。
type Config struct {
	Model           string
	Temperature     *float64
	MaxOutputTokens int
	// MaxRetries: 可重试失败的最大重试次数（>=0），总尝试次数为 MaxRetries+1。
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Timeout: 单次尝试超时；0 表示仅受 ctx 约束。
	Timeout time.Duration
	// 限流闸门（可选）：若非空，则在调用 LLM 前调用 Gate.Wait
	Gate    rate.Gate
	GateKey rate.LimitKey
	// BytesPerToken: token 估算参数（<=0 取 4）。
	BytesPerToken int
	// CacheSize: 进程内摘要缓存条目数；0 关闭。
	CacheSize int
}

// Summarizer 将 Chunk 经 PromptBuilder 与 LLMClient 转为 SummaryResult。
// 可重试失败按指数退避重试，耗尽后以错误描述返回；配置类错误立即返回。
type Summarizer struct {
	llm    contract.LLMClient
	pb     contract.PromptBuilder
	cfg    Config
	est    contract.TokenEstimator
	logger *diag.Logger
	cache  *lru.Cache[string, string]

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64 // [0,1)
}

var _ contract.Summarizer = (*Summarizer)(nil)

// New 构造 Summarizer。logger 可为 nil。
func New(llm contract.LLMClient, pb contract.PromptBuilder, cfg Config, logger *diag.Logger) (*Summarizer, error) {
	if llm == nil || pb == nil {
		return nil, contract.E(contract.KindConfiguration, "summarizer", "", errors.New("missing llm client or prompt builder"))
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if logger == nil {
		logger = diag.Nop()
	}
	s := &Summarizer{
		llm:    llm,
		pb:     pb,
		cfg:    cfg,
		est:    prompt.MakeEstimator(cfg.BytesPerToken),
		logger: logger,
		sleep:  sleepWithCtx,
		jitter: rand.Float64,
	}
	if cfg.CacheSize > 0 {
		c, err := lru.New[string, string](cfg.CacheSize)
		if err != nil {
			return nil, contract.E(contract.KindConfiguration, "summarizer", "", err)
		}
		s.cache = c
	}
	return s, nil
}

// Summarize 处理单个 Chunk。仅在配置错误或 ctx 结束时返回 error。
func (s *Summarizer) Summarize(ctx context.Context, c contract.Chunk) (contract.SummaryResult, error) {
	res := contract.SummaryResult{FileID: c.FileID, Index: c.Index}
	fid, idx := string(c.FileID), strconv.FormatInt(int64(c.Index), 10)

	msgs, err := s.pb.Build(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		s.logger.ErrorWith("prompt_builder", string(diag.Classify(err)), "build failed", nil, fid, idx)
		return res, contract.E(contract.KindConfiguration, "prompt", fid, err)
	}
	key := ""
	if s.cache != nil {
		key = cacheKey(s.cfg.Model, msgs)
		if sum, ok := s.cache.Get(key); ok {
			diag.IncOp("summarizer", "cache", "hit")
			res.Summary = sum
			return res, nil
		}
	}
	req := contract.Request{Model: s.cfg.Model, Messages: msgs, Temperature: s.cfg.Temperature, MaxOutputTokens: s.cfg.MaxOutputTokens}
	tokens := prompt.EstimateRequest(msgs, s.est, s.cfg.MaxOutputTokens)

	attempts := s.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ask := (rate.Ask{Key: s.cfg.GateKey, Requests: 1, Tokens: tokens}); s.cfg.Gate != nil && !s.cfg.Gate.Try(ask) {
			diag.IncOp("summarizer", "gate", "throttled")
			if err := s.cfg.Gate.Wait(ctx, ask); err != nil {
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				// 超过单请求上限：换重试也无法满足
				s.logger.ErrorWith("gate", string(diag.Classify(err)), "wait failed", nil, fid, idx)
				return res, contract.E(contract.KindConfiguration, "gate", fid, err)
			}
		}
		timer := s.logger.StartWithKV("llm_client", "complete", fid, idx, map[string]string{
			"tokens":  strconv.Itoa(tokens),
			"attempt": strconv.Itoa(attempt + 1),
		})
		resp, err := s.complete(ctx, req)
		if err == nil {
			timer.Finish("complete", int64(resp.OutputTokens))
			diag.IncOp("summarizer", "call", "success")
			if s.cache != nil {
				s.cache.Add(key, resp.Text)
			}
			res.Summary = resp.Text
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		code := diag.Classify(err)
		diag.IncError("llm_client", string(code))
		s.logger.ErrorWithKV("llm_client", string(code), err.Error(), timer.Since(), fid, idx, upstreamKV(err, attempt+1))
		if contract.KindOf(err) == contract.KindConfiguration {
			diag.IncOp("summarizer", "call", "fatal")
			return res, err
		}
		lastErr = err

		hint := retryAfter(err)
		if errors.Is(err, contract.ErrRateLimited) && s.cfg.Gate != nil {
			pause := hint
			if pause <= 0 {
				pause = s.cfg.BaseBackoff
			}
			s.cfg.Gate.Pause(s.cfg.GateKey, pause)
		}
		if attempt+1 < attempts {
			diag.IncOp("summarizer", "call", "retry")
			if err := s.sleep(ctx, s.backoff(attempt, hint)); err != nil {
				return res, err
			}
		}
	}
	diag.IncOp("summarizer", "call", "exhausted")
	res.Err = contract.Describe(contract.KindTransient, lastErr, attempts)
	return res, nil
}

// complete 以单次尝试超时调用 LLM；尝试超时（父 ctx 仍有效）视为可重试。
func (s *Summarizer) complete(ctx context.Context, req contract.Request) (contract.Response, error) {
	if s.cfg.Timeout <= 0 {
		return s.llm.Complete(ctx, req)
	}
	actx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	resp, err := s.llm.Complete(actx, req)
	if err != nil && ctx.Err() == nil && actx.Err() != nil {
		return resp, contract.E(contract.KindTransient, "summarizer", "", fmt.Errorf("attempt timed out after %s: %w", s.cfg.Timeout, err))
	}
	return resp, err
}

// backoff: base·2^attempt，封顶 MaxBackoff，±20% 抖动；不短于上游 Retry-After。
func (s *Summarizer) backoff(attempt int, hint time.Duration) time.Duration {
	d := s.cfg.BaseBackoff
	for i := 0; i < attempt && d < s.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	d = time.Duration(float64(d) * (0.8 + 0.4*s.jitter()))
	if hint > d {
		d = hint
	}
	return d
}

func retryAfter(err error) time.Duration {
	var h contract.RetryAfterHint
	if errors.As(err, &h) {
		return h.RetryAfter()
	}
	return 0
}

func upstreamKV(err error, attempt int) map[string]string {
	kv := map[string]string{"attempt": strconv.Itoa(attempt)}
	var ue contract.UpstreamError
	if errors.As(err, &ue) {
		kv["http_status"] = strconv.Itoa(ue.UpstreamStatus())
		if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
			if len(m) > 200 {
				m = m[:200]
			}
			kv["upstream_msg"] = m
		}
	}
	return kv
}

// cacheKey: sha256(model, role, content...)；相同模型与提示得到相同摘要。
func cacheKey(model string, msgs []contract.Message) string {
	h := sha256.New()
	h.Write([]byte(model))
	for _, m := range msgs {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// sleepWithCtx: 可取消的 sleep（最小实现）。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
