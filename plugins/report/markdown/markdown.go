package markdown

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"reposumm/pkg/contract"
)

// DefaultTitle: 报告一级标题。
const DefaultTitle = "Repository Code Summaries"

// Options 为 Markdown 渲染选项。
type Options struct {
	Title string `json:"title"`
}

// Renderer 输出单个 Markdown 文档：每个文件一个二级标题，分块摘要以空行分隔。
type Renderer struct {
	title string
}

var _ contract.Renderer = (*Renderer)(nil)

func New(opts *Options) *Renderer {
	r := &Renderer{title: DefaultTitle}
	if opts != nil && strings.TrimSpace(opts.Title) != "" {
		r.title = strings.TrimSpace(opts.Title)
	}
	return r
}

func (*Renderer) Ext() string         { return ".md" }
func (*Renderer) ContentType() string { return "text/markdown; charset=utf-8" }

// Render 按 Report 顺序输出；失败分块以引用块标记，保留其位置。
func (r *Renderer) Render(ctx context.Context, rep contract.Report) (io.Reader, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# %s\n", r.title)
	for _, f := range rep.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "\n## %s\n\n", f.FileID)
		if len(f.Parts) == 0 {
			b.WriteString("_(empty file)_\n")
			continue
		}
		for i, p := range f.Parts {
			if i > 0 {
				b.WriteByte('\n')
			}
			if p.Err != nil {
				b.WriteString(errorLine(p))
				continue
			}
			b.WriteString(strings.TrimSpace(p.Summary))
			b.WriteByte('\n')
		}
	}
	return &b, nil
}

func errorLine(p contract.Part) string {
	where := fmt.Sprintf("chunk %d", p.Index)
	if p.Index == contract.FileLevel {
		where = "file"
	}
	msg := strings.Join(strings.Fields(p.Err.Message), " ")
	if p.Err.Attempts > 1 {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, p.Err.Attempts)
	}
	return fmt.Sprintf("> **[error: %s]** %s: %s\n", p.Err.Kind, where, msg)
}
