package summarize

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"text/template"

	"reposumm/pkg/contract"
)

// 内置风格。
const (
	StyleConcise = "concise"
	StyleAnalyst = "analyst"
)

const (
	conciseSystem = "You are a helpful assistant who summarizes code and markdown file."
	conciseUser   = "Please provide a concise summary of the following code or file. " +
		"Focus on explaining its primary functionality, key modules, functions, classes, " +
		"and any parameters or settings it defines. Additionally, if the code interacts with APIs, " +
		"external libraries, or specific workflows, please clarify those connections.\n\n{{.Text}}"

	analystSystem = "You are an expert code analyzer. Provide concise but comprehensive summaries focusing on: " +
		"1) Main functionality 2) Key components 3) Important dependencies " +
		"4) Notable patterns or algorithms 5) Potential improvements or issues"
	analystUser = "Analyze and summarize this code:\n\n{{.Text}}"
)

// Options 为摘要 PromptBuilder 的配置。
// system/user 模板各自二选一（inline 优先于 path），均为空时使用 Style 对应的内置模板。
// 模板可引用 {{.Path}}、{{.Index}}、{{.Text}}。
type Options struct {
	Style                string `json:"style"`
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	InlineUserTemplate   string `json:"inline_user_template"`
	UserTemplatePath     string `json:"user_template_path"`
}

// Builder 以 Chunk 构造 system+user 两条消息。运行期不做 I/O。
type Builder struct {
	sysT  *template.Template
	userT *template.Template
}

var _ contract.PromptBuilder = (*Builder)(nil)

// view 为模板数据。
type view struct {
	Path  string
	Index int64
	Text  string
}

// New 创建摘要 PromptBuilder（构造期加载并解析模板）。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	sysSrc, userSrc := conciseSystem, conciseUser
	switch o.Style {
	case "", StyleConcise:
	case StyleAnalyst:
		sysSrc, userSrc = analystSystem, analystUser
	default:
		return nil, fmt.Errorf("prompt: %w: unknown style %q", contract.ErrInvalidInput, o.Style)
	}
	var err error
	if sysSrc, err = pick(sysSrc, o.InlineSystemTemplate, o.SystemTemplatePath); err != nil {
		return nil, fmt.Errorf("system template read: %w", err)
	}
	if userSrc, err = pick(userSrc, o.InlineUserTemplate, o.UserTemplatePath); err != nil {
		return nil, fmt.Errorf("user template read: %w", err)
	}
	b := &Builder{}
	if b.sysT, err = template.New("system").Option("missingkey=error").Parse(sysSrc); err != nil {
		return nil, fmt.Errorf("system template parse: %w", err)
	}
	if b.userT, err = template.New("user").Option("missingkey=error").Parse(userSrc); err != nil {
		return nil, fmt.Errorf("user template parse: %w", err)
	}
	return b, nil
}

func pick(def, inline, path string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return def, nil
}

// Build 渲染 system 与 user 消息。
func (b *Builder) Build(ctx context.Context, c contract.Chunk) ([]contract.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Text == "" {
		return nil, fmt.Errorf("prompt: %w: empty chunk text", contract.ErrInvalidInput)
	}
	v := view{Path: string(c.FileID), Index: int64(c.Index), Text: c.Text}
	sys, err := render(b.sysT, v)
	if err != nil {
		return nil, fmt.Errorf("system render: %w", err)
	}
	user, err := render(b.userT, v)
	if err != nil {
		return nil, fmt.Errorf("user render: %w", err)
	}
	return []contract.Message{
		{Role: "system", Content: sys},
		{Role: "user", Content: user},
	}, nil
}

// EstimateOverheadTokens: 以空文本渲染两条模板，估算固定提示开销。
func (b *Builder) EstimateOverheadTokens(estimate contract.TokenEstimator) int {
	if estimate == nil {
		return 0
	}
	total := 0
	for _, t := range []*template.Template{b.sysT, b.userT} {
		if s, err := render(t, view{}); err == nil {
			total += estimate(s)
		}
	}
	return total
}

func render(t *template.Template, v view) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, v); err != nil {
		return "", err
	}
	return buf.String(), nil
}
