package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"reposumm/internal/checkpoint"
	"reposumm/internal/diag"
	"reposumm/internal/pipeline"
	"reposumm/internal/rate"
	"reposumm/internal/summarizer"
	"reposumm/pkg/contract"
	"reposumm/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Root) == "" {
		return errors.New("config: root empty")
	}
	if registry.Renderer[cfg.Format] == nil {
		return fmt.Errorf("config: format %q not registered", cfg.Format)
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.ChunkSize < 0 {
		return errors.New("config: chunk_size must be >= 0")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if cfg.MaxOutputTokens <= 0 {
		return errors.New("config: max_output_tokens must be > 0")
	}
	if cfg.TimeoutSeconds < 0 {
		return errors.New("config: timeout_seconds must be >= 0")
	}
	if cfg.CacheSize < 0 {
		return errors.New("config: cache_size must be >= 0")
	}
	if cfg.Backoff.BaseMS < 0 || cfg.Backoff.MaxMS < 0 {
		return errors.New("config: backoff must be >= 0")
	}
	if t := cfg.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("config: temperature %.2f out of range [0,2]", *t)
	}
	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if prov.Limits.MaxTokensPerReq > 0 && cfg.MaxOutputTokens > prov.Limits.MaxTokensPerReq {
		return fmt.Errorf("config: max_output_tokens(%d) exceeds provider.max_tokens_per_req(%d)", cfg.MaxOutputTokens, prov.Limits.MaxTokensPerReq)
	}
	d := Defaults().Components
	if name := effName(cfg.Components.Selector, d.Selector); registry.Selector[name] == nil {
		return fmt.Errorf("config: selector %q not registered", name)
	}
	if name := effName(cfg.Components.Chunker, d.Chunker); registry.Chunker[name] == nil {
		return fmt.Errorf("config: chunker %q not registered", name)
	}
	if name := effName(cfg.Components.PromptBuilder, d.PromptBuilder); registry.PromptBuilder[name] == nil {
		return fmt.Errorf("config: prompt_builder %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("config: writer %q not registered", name)
	}
	if registry.LLMClient[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	return nil
}

// Runtime: 装配结果。Pipeline 产出 Report 后由 Renderer 渲染、Writer 写到 Output。
type Runtime struct {
	Components pipeline.Components
	Settings   pipeline.Settings
	Renderer   contract.Renderer
	Writer     contract.Writer
	Output     contract.ArtifactID
	Gate       rate.Gate
	GateKey    rate.LimitKey
}

// Assemble 构造组件、运行设置、限流 Gate 与报告出口。
// 严格 Options 解析在 registry （工厂）层进行；此处只传 raw JSON（顶层覆盖项除外）。
func Assemble(cfg Config, logger *diag.Logger) (Runtime, error) {
	if err := Validate(cfg); err != nil {
		return Runtime{}, err
	}
	d := Defaults().Components

	selRaw := cfg.Options.Selector
	var err error
	if cfg.ExcludeDirs != nil {
		if selRaw, err = SetKey(selRaw, "exclude_dir_names", cfg.ExcludeDirs); err != nil {
			return Runtime{}, err
		}
	}
	if cfg.AllowExts != nil {
		if selRaw, err = SetKey(selRaw, "allow_exts", cfg.AllowExts); err != nil {
			return Runtime{}, err
		}
	}
	sel, err := registry.Selector[effName(cfg.Components.Selector, d.Selector)](selRaw)
	if err != nil {
		return Runtime{}, err
	}

	chRaw := cfg.Options.Chunker
	if cfg.ChunkSize > 0 {
		if chRaw, err = SetKey(chRaw, "max_chars", cfg.ChunkSize); err != nil {
			return Runtime{}, err
		}
	}
	ch, err := registry.Chunker[effName(cfg.Components.Chunker, d.Chunker)](chRaw)
	if err != nil {
		return Runtime{}, err
	}
	chunkSize := cfg.ChunkSize
	if m, ok := ch.(interface{ MaxChars() int }); ok {
		chunkSize = m.MaxChars()
	}

	pb, err := registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.PromptBuilder)](cfg.Options.PromptBuilder)
	if err != nil {
		return Runtime{}, err
	}
	digest, err := promptDigest(pb)
	if err != nil {
		return Runtime{}, err
	}

	ren, err := registry.Renderer[cfg.Format](cfg.Options.Renderer)
	if err != nil {
		return Runtime{}, err
	}

	wn := effName(cfg.Components.Writer, d.Writer)
	out := strings.TrimSpace(cfg.Output)
	if out == "" {
		out = DefaultOutputBase + ren.Ext()
	}
	wRaw := cfg.Options.Writer
	// 本地绝对路径：目录并入 output_dir，工件标识取基名
	if wn == "fs" && out != "-" && filepath.IsAbs(out) {
		if wRaw, err = SetKey(wRaw, "output_dir", filepath.Dir(out)); err != nil {
			return Runtime{}, err
		}
		out = filepath.Base(out)
	}
	w, err := registry.Writer[wn](wRaw)
	if err != nil {
		return Runtime{}, err
	}

	// LLM 客户端
	prov := cfg.Provider[cfg.LLM]
	llm, err := registry.LLMClient[prov.Client](prov.Options)
	if err != nil {
		return Runtime{}, err
	}

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生 API Key）
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	sum, err := summarizer.New(llm, pb, summarizer.Config{
		Model:           cfg.Model,
		Temperature:     cfg.Temperature,
		MaxOutputTokens: cfg.MaxOutputTokens,
		MaxRetries:      cfg.MaxRetries,
		BaseBackoff:     time.Duration(cfg.Backoff.BaseMS) * time.Millisecond,
		MaxBackoff:      time.Duration(cfg.Backoff.MaxMS) * time.Millisecond,
		Timeout:         time.Duration(cfg.TimeoutSeconds) * time.Second,
		Gate:            gate,
		GateKey:         key,
		CacheSize:       cfg.CacheSize,
	}, logger)
	if err != nil {
		return Runtime{}, err
	}

	root := cfg.Root
	if abs, aerr := filepath.Abs(root); aerr == nil {
		root = abs
	}
	cp := strings.TrimSpace(cfg.Checkpoint)
	if strings.EqualFold(cp, CheckpointOff) {
		cp = ""
	}
	// 指纹取实际生效的模型：客户端报告的端点与默认模型，再叠加顶层 model 覆盖
	ident := prov.Client
	if mi, ok := llm.(contract.ModelIdentity); ok {
		ident = mi.Identity()
	}
	if m := strings.TrimSpace(cfg.Model); m != "" {
		ident += " model=" + m
	}
	return Runtime{
		Components: pipeline.Components{
			Selector:   sel,
			Chunker:    ch,
			Summarizer: sum,
		},
		Settings: pipeline.Settings{
			Root:        cfg.Root,
			Concurrency: cfg.Concurrency,
			Checkpoint:  cp,
			Resume:      cfg.Resume,
			Fingerprint: checkpoint.Fingerprint{
				Root:      root,
				Model:     cfg.LLM + "/" + ident,
				ChunkSize: chunkSize,
				Prompt:    digest,
			},
		},
		Renderer: ren,
		Writer:   w,
		Output:   contract.ArtifactID(out),
		Gate:     gate,
		GateKey:  key,
	}, nil
}

// SetKey 在原样 JSON 对象上设置单个键（空输入视为 {}）。
func SetKey(raw json.RawMessage, key string, val any) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, fmt.Errorf("config: options must be an object: %w", err)
		}
	}
	b, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	obj[key] = b
	return json.Marshal(obj)
}

// promptDigest 以固定样本渲染 prompt，用其摘要标识模板内容（模板变化即视为新运行）。
func promptDigest(pb contract.PromptBuilder) (string, error) {
	msgs, err := pb.Build(context.Background(), contract.Chunk{FileID: "sample", Index: 0, Text: "sample"})
	if err != nil {
		return "", fmt.Errorf("config: prompt: %w", err)
	}
	h := sha256.New()
	for _, m := range msgs {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:8]), nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
