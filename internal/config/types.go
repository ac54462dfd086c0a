package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Root: 扫描根目录。
	Root string `json:"root"`
	// Output: 报告路径或对象键；"-" 表示标准输出；为空时取 RepoSummary+格式扩展名。
	Output string `json:"output"`
	// Format: markdown | json | structured。
	Format      string `json:"format"`
	Concurrency int    `json:"concurrency"`
	// ChunkSize: 单块最大字符数；>0 时覆盖 options.chunker.max_chars。
	ChunkSize int `json:"chunk_size"`
	// MaxRetries: 单块最大重试次数（>=0）。0 表示不重试。
	MaxRetries int `json:"max_retries"`
	// Resume: 复用检查点中未变化的文件。
	Resume bool `json:"resume"`
	// Checkpoint: 检查点文件路径；"off" 关闭。
	Checkpoint string `json:"checkpoint"`

	// 模型参数（请求级）。
	Model           string   `json:"model"`
	Temperature     *float64 `json:"temperature"`
	MaxOutputTokens int      `json:"max_output_tokens"`
	TimeoutSeconds  int      `json:"timeout_seconds"`
	Backoff         Backoff  `json:"backoff"`
	// CacheSize: 摘要 LRU 缓存容量；0 关闭。
	CacheSize int `json:"cache_size"`

	// ExcludeDirs / AllowExts: 非空时覆盖 options.selector 中的同名规则。
	ExcludeDirs []string `json:"exclude_dirs"`
	AllowExts   []string `json:"allow_exts"`

	Logging Logging `json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Backoff: 重试退避（毫秒）。
type Backoff struct {
	BaseMS int `json:"base_ms"`
	MaxMS  int `json:"max_ms"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Selector      string `json:"selector"`
	Chunker       string `json:"chunker"`
	PromptBuilder string `json:"prompt_builder"`
	Writer        string `json:"writer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Selector      json.RawMessage `json:"selector"`
	Chunker       json.RawMessage `json:"chunker"`
	PromptBuilder json.RawMessage `json:"prompt_builder"`
	Renderer      json.RawMessage `json:"renderer"`
	Writer        json.RawMessage `json:"writer"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}
