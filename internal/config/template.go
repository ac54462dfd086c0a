package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock LLM 与合理限额（本地/离线调试友好）；
// - 扫描当前目录，报告写到 ./repo_summary.md；
// - 组件名采用仓库内置实现，选项给出安全中性默认值；
// - openai/gemini/cerebras 条目列出全部选项键，切换 llm 即可使用。
func DefaultTemplateConfig() Config {
	cfg := Defaults()
	cfg.MaxRetries = DefaultMaxRetries
	cfg.Backoff = Backoff{BaseMS: 500, MaxMS: 30000}
	cfg.LLM = "mock"
	cfg.Provider = map[string]Provider{
		"mock": {
			Client:  "mock",
			Options: json.RawMessage(`{"prefix":"","api_key":"","response_mode":"","latency_ms":0,"jitter_ms":0}`),
			Limits:  Limits{RPM: 600, TPM: 200000, MaxTokensPerReq: 4096},
		},
		"openai": {
			Client: "openai",
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "gpt-4o-mini",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
			Limits: Limits{RPM: 500, TPM: 200000, MaxTokensPerReq: 4096},
		},
		"cerebras": {
			Client: "openai",
			Options: json.RawMessage(`{
  "base_url": "https://api.cerebras.ai/v1",
  "model": "llama3.1-8b",
  "api_key_env": "CEREBRAS_API_KEY",
  "timeout_seconds": 60
}`),
			Limits: Limits{RPM: 30, TPM: 60000, MaxTokensPerReq: 8192},
		},
		"gemini": {
			Client: "gemini",
			Options: json.RawMessage(`{
  "base_url": "",
  "model": "gemini-2.5-flash",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "timeout_seconds": 60,
  "extra_headers": {}
}`),
			Limits: Limits{RPM: 15, TPM: 250000, MaxTokensPerReq: 8192},
		},
	}
	cfg.Options.Selector = json.RawMessage(`{
  "allow_exts": [".py", ".js", ".ts", ".c", ".cpp", ".md", ".yaml", ".json"],
  "exclude_dir_names": [".git", "__pycache__", "node_modules", "venv", "env"],
  "exclude_dotfiles": true,
  "include_globs": [],
  "exclude_globs": [],
  "respect_gitignore": false,
  "max_file_bytes": 1048576
}`)
	cfg.Options.Chunker = json.RawMessage(`{
  "max_chars": 2000,
  "pack": true
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "style": "concise",
  "inline_system_template": "",
  "system_template_path": "",
  "inline_user_template": "",
  "user_template_path": ""
}`)
	cfg.Options.Renderer = json.RawMessage(`{}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": ".",
  "atomic": true,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536
}`)
	return cfg
}
