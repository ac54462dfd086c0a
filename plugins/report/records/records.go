// Package records 将报告渲染为结构化记录（JSON 数组），每个文件一条。
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"reposumm/pkg/contract"
)

// Options 为结构化输出选项。
type Options struct {
	// Compact: 单行输出；默认缩进两个空格。
	Compact bool `json:"compact"`
}

// Record: 单文件输出记录。Summary 为成功分块按序以空行拼接的结果。
type Record struct {
	FilePath string     `json:"file_path"`
	Summary  string     `json:"summary"`
	Errors   []ChunkErr `json:"errors,omitempty"`
}

// ChunkErr: 失败分块；文件级错误的 Chunk 为 -1。
type ChunkErr struct {
	Chunk    int64         `json:"chunk"`
	Kind     contract.Kind `json:"kind"`
	Message  string        `json:"message"`
	Attempts int           `json:"attempts,omitempty"`
}

type Renderer struct {
	compact bool
}

var _ contract.Renderer = (*Renderer)(nil)

func New(opts *Options) *Renderer {
	r := &Renderer{}
	if opts != nil {
		r.compact = opts.Compact
	}
	return r
}

func (*Renderer) Ext() string         { return ".json" }
func (*Renderer) ContentType() string { return "application/json" }

// Records 将 Report 转为输出记录（保持顺序）。
func Records(rep contract.Report) []Record {
	out := make([]Record, 0, len(rep.Files))
	for _, f := range rep.Files {
		rec := Record{FilePath: string(f.FileID)}
		var parts []string
		for _, p := range f.Parts {
			if p.Err != nil {
				rec.Errors = append(rec.Errors, ChunkErr{Chunk: int64(p.Index), Kind: p.Err.Kind, Message: p.Err.Message, Attempts: p.Err.Attempts})
				continue
			}
			parts = append(parts, strings.TrimSpace(p.Summary))
		}
		rec.Summary = strings.Join(parts, "\n\n")
		out = append(out, rec)
	}
	return out
}

func (r *Renderer) Render(ctx context.Context, rep contract.Report) (io.Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if !r.compact {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(Records(rep)); err != nil {
		return nil, err
	}
	return &b, nil
}
