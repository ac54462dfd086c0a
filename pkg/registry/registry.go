package registry

import (
	"bytes"
	"encoding/json"

	"reposumm/pkg/contract"
	paragraph "reposumm/plugins/chunker/paragraph"
	flaky "reposumm/plugins/llmclient/flaky"
	gmi "reposumm/plugins/llmclient/gemini"
	mock "reposumm/plugins/llmclient/mock"
	oai "reposumm/plugins/llmclient/openai"
	psum "reposumm/plugins/prompt/summarize"
	rmd "reposumm/plugins/report/markdown"
	rrec "reposumm/plugins/report/records"
	sfs "reposumm/plugins/selector/filesystem"
	wfs "reposumm/plugins/writer/filesystem"
	ws3 "reposumm/plugins/writer/s3"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewSelector 工厂签名：接收原样 JSON Options。
type NewSelector func(raw json.RawMessage) (contract.Selector, error)

// NewChunker 工厂签名：接收原样 JSON Options。
type NewChunker func(raw json.RawMessage) (contract.Chunker, error)

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMClient 工厂签名：接收原样 JSON Options。
type NewLLMClient func(raw json.RawMessage) (contract.LLMClient, error)

// NewRenderer 工厂签名：接收原样 JSON Options。
type NewRenderer func(raw json.RawMessage) (contract.Renderer, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Selector 工厂注册表（显式、零反射）。
var Selector = map[string]NewSelector{
	// fs: 本地目录树遍历（扩展名白名单 + 目录黑名单 + glob/.gitignore）
	"fs": func(raw json.RawMessage) (contract.Selector, error) {
		var opts sfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return sfs.New(&opts)
	},
}

// Chunker 工厂注册表。
var Chunker = map[string]NewChunker{
	// paragraph: 按段落贪心装箱，超长段落硬切
	"paragraph": func(raw json.RawMessage) (contract.Chunker, error) {
		var opts paragraph.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return paragraph.New(&opts), nil
	},
}

// PromptBuilder 工厂注册表。
var PromptBuilder = map[string]NewPromptBuilder{
	// summarize: 单块摘要 Prompt（system + user 模板）
	"summarize": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts psum.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return psum.New(&opts)
	},
}

// LLMClient 工厂注册表。
var LLMClient = map[string]NewLLMClient{
	"openai": func(raw json.RawMessage) (contract.LLMClient, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.LLMClient, error) { return gmi.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.LLMClient, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.LLMClient, error) { return flaky.New(raw) },
}

func newRecords(raw json.RawMessage) (contract.Renderer, error) {
	var opts rrec.Options
	if err := strictUnmarshal(raw, &opts); err != nil {
		return nil, err
	}
	return rrec.New(&opts), nil
}

// Renderer 工厂注册表。
var Renderer = map[string]NewRenderer{
	"markdown": func(raw json.RawMessage) (contract.Renderer, error) {
		var opts rmd.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rmd.New(&opts), nil
	},
	// json/structured: 每文件一条记录 {file_path, summary, errors}
	"json":       newRecords,
	"structured": newRecords,
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置；"-" 为标准输出）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
	// s3: S3 兼容对象存储
	"s3": func(raw json.RawMessage) (contract.Writer, error) {
		var opts ws3.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ws3.New(&opts)
	},
}
