package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// 缺省值。
const (
	DefaultFormat          = "markdown"
	DefaultOutputBase      = "repo_summary"
	DefaultCheckpoint      = ".reposumm/checkpoint.jsonl"
	DefaultMaxRetries      = 3
	DefaultMaxOutputTokens = 500
	DefaultTimeoutSeconds  = 60
	DefaultCacheSize       = 256
	DefaultTemperature     = 0.5

	// CheckpointOff: 关闭检查点。
	CheckpointOff = "off"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "REPOSUMM_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由 JSON/ENV/CLI 提供）。
func Defaults() Config {
	temp := DefaultTemperature
	return Config{
		Root:            ".",
		Format:          DefaultFormat,
		Concurrency:     1,
		MaxRetries:      DefaultMaxRetries,
		Checkpoint:      DefaultCheckpoint,
		Temperature:     &temp,
		MaxOutputTokens: DefaultMaxOutputTokens,
		TimeoutSeconds:  DefaultTimeoutSeconds,
		CacheSize:       DefaultCacheSize,
		Logging:         Logging{Level: "info"},
		Components: Components{
			Selector:      "fs",
			Chunker:       "paragraph",
			PromptBuilder: "summarize",
			Writer:        "fs",
		},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
// 未出现的 max_retries 记为 -1，以便 Merge 区分“未覆盖”与“显式 0”。
func LoadJSON(path string, raw []byte) (Config, error) {
	cfg := Config{MaxRetries: -1}
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if s := strings.TrimSpace(over.Root); s != "" {
		out.Root = s
	}
	if s := strings.TrimSpace(over.Output); s != "" {
		out.Output = s
	}
	if s := strings.TrimSpace(over.Format); s != "" {
		out.Format = strings.ToLower(s)
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	if over.ChunkSize != 0 {
		out.ChunkSize = over.ChunkSize
	}
	// MaxRetries 的 0 具有语义（禁用重试）；约定 <0 视为未覆盖。
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.Resume {
		out.Resume = true
	}
	if s := strings.TrimSpace(over.Checkpoint); s != "" {
		out.Checkpoint = s
	}
	if s := strings.TrimSpace(over.Model); s != "" {
		out.Model = s
	}
	if over.Temperature != nil {
		v := *over.Temperature
		out.Temperature = &v
	}
	if over.MaxOutputTokens != 0 {
		out.MaxOutputTokens = over.MaxOutputTokens
	}
	if over.TimeoutSeconds != 0 {
		out.TimeoutSeconds = over.TimeoutSeconds
	}
	if over.Backoff.BaseMS != 0 {
		out.Backoff.BaseMS = over.Backoff.BaseMS
	}
	if over.Backoff.MaxMS != 0 {
		out.Backoff.MaxMS = over.Backoff.MaxMS
	}
	if over.CacheSize != 0 {
		out.CacheSize = over.CacheSize
	}
	if over.ExcludeDirs != nil {
		out.ExcludeDirs = cloneStrings(over.ExcludeDirs)
	}
	if over.AllowExts != nil {
		out.AllowExts = cloneStrings(over.AllowExts)
	}
	// Logging（仅 level）
	if strings.TrimSpace(over.Logging.Level) != "" {
		out.Logging.Level = strings.TrimSpace(over.Logging.Level)
	}

	// 组件名（空不覆盖）
	if over.Components.Selector != "" {
		out.Components.Selector = over.Components.Selector
	}
	if over.Components.Chunker != "" {
		out.Components.Chunker = over.Components.Chunker
	}
	if over.Components.PromptBuilder != "" {
		out.Components.PromptBuilder = over.Components.PromptBuilder
	}
	if over.Components.Writer != "" {
		out.Components.Writer = over.Components.Writer
	}

	// Provider（完整替换对应键）
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			prov[k] = v
		}
		out.Provider = prov
	}

	// Options（完整替换对应键）
	if len(over.Options.Selector) > 0 {
		out.Options.Selector = cloneRaw(over.Options.Selector)
	}
	if len(over.Options.Chunker) > 0 {
		out.Options.Chunker = cloneRaw(over.Options.Chunker)
	}
	if len(over.Options.PromptBuilder) > 0 {
		out.Options.PromptBuilder = cloneRaw(over.Options.PromptBuilder)
	}
	if len(over.Options.Renderer) > 0 {
		out.Options.Renderer = cloneRaw(over.Options.Renderer)
	}
	if len(over.Options.Writer) > 0 {
		out.Options.Writer = cloneRaw(over.Options.Writer)
	}

	// LLM 名称
	if strings.TrimSpace(over.LLM) != "" {
		out.LLM = strings.TrimSpace(over.LLM)
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 REPOSUMM_；集合之外的键忽略。
// 支持：ROOT, OUTPUT, FORMAT, CONCURRENCY, CHUNK_SIZE, MAX_RETRIES, RESUME, CHECKPOINT,
// MODEL, TEMPERATURE, MAX_OUTPUT_TOKENS, TIMEOUT_SECONDS, CACHE_SIZE, EXCLUDE_DIRS, ALLOW_EXTS,
// LOG_LEVEL, LLM, COMPONENTS_*
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON
// 数值或布尔解析失败返回错误。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	// -1 表示未设置，以便 Merge 能区分“未覆盖”和“显式设置为 0”。
	over.MaxRetries = -1
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[:eq]
		val := strings.TrimSpace(kv[eq+1:])
		nk := strings.TrimPrefix(key, EnvPrefix)
		var err error
		switch nk {
		case "ROOT":
			over.Root = val
		case "OUTPUT":
			over.Output = val
		case "FORMAT":
			over.Format = val
		case "CONCURRENCY":
			over.Concurrency, err = atoi(val)
		case "CHUNK_SIZE":
			over.ChunkSize, err = atoi(val)
		case "MAX_RETRIES":
			if val != "" {
				over.MaxRetries, err = atoi(val)
			}
		case "RESUME":
			if val != "" {
				over.Resume, err = strconv.ParseBool(val)
			}
		case "CHECKPOINT":
			over.Checkpoint = val
		case "MODEL":
			over.Model = val
		case "TEMPERATURE":
			if val != "" {
				var f float64
				if f, err = strconv.ParseFloat(val, 64); err == nil {
					over.Temperature = &f
				}
			}
		case "MAX_OUTPUT_TOKENS":
			over.MaxOutputTokens, err = atoi(val)
		case "TIMEOUT_SECONDS":
			over.TimeoutSeconds, err = atoi(val)
		case "CACHE_SIZE":
			over.CacheSize, err = atoi(val)
		case "EXCLUDE_DIRS":
			if val != "" {
				over.ExcludeDirs = splitComma(val)
			}
		case "ALLOW_EXTS":
			if val != "" {
				over.AllowExts = splitComma(val)
			}
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "LLM":
			over.LLM = val
		case "COMPONENTS_SELECTOR":
			over.Components.Selector = val
		case "COMPONENTS_CHUNKER":
			over.Components.Chunker = val
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = val
		case "COMPONENTS_WRITER":
			over.Components.Writer = val
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if strings.HasPrefix(nk, "PROVIDER__") {
				err = providerEnv(prov, nk, val)
			}
		}
		if err != nil {
			return Config{}, fmt.Errorf("config: env %s: %w", key, err)
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func providerEnv(prov map[string]Provider, nk, val string) error {
	parts := strings.Split(nk, "__")
	if len(parts) < 3 {
		return nil
	}
	name := strings.TrimSpace(parts[1])
	field := strings.Join(parts[2:], "__")
	p := prov[name]
	changed := false
	var err error
	switch field {
	case "CLIENT":
		if val != "" {
			p.Client = val
			changed = true
		}
	case "LIMITS_RPM":
		p.Limits.RPM, err = atoi(val)
		changed = err == nil
	case "LIMITS_TPM":
		p.Limits.TPM, err = atoi(val)
		changed = err == nil
	case "LIMITS_MAX_TOKENS_PER_REQ":
		p.Limits.MaxTokensPerReq, err = atoi(val)
		changed = err == nil
	case "OPTIONS_JSON":
		// 原样 JSON；空值视为未设置，避免清空现有配置
		if val != "" {
			if !json.Valid([]byte(val)) {
				return errors.New("invalid json")
			}
			p.Options = json.RawMessage(val)
			changed = true
		}
	}
	// 仅在发生有效变更时记录该 provider；避免空值覆盖 config.json
	if changed {
		prov[name] = p
	}
	return err
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

// splitComma 按逗号拆分并去除空白项；全空返回非 nil 空切片（显式“不限”）。
func splitComma(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(strings.TrimSpace(s))
}
