package paragraph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"reposumm/pkg/contract"
)

// DefaultMaxChars: 单块最大字符数（按 rune 计）。
const DefaultMaxChars = 2000

// sniffBytes: 二进制探测窗口。
const sniffBytes = 8 << 10

// Options 为段落 Chunker 的配置。
type Options struct {
	// MaxChars: 单块最大字符数（rune）。<=0 取 DefaultMaxChars。
	MaxChars int `json:"max_chars"`
	// Pack: 将相邻段落以空行拼接，直到逼近 MaxChars。默认 true；false 时每段独立成块。
	Pack *bool `json:"pack,omitempty"`
}

// Chunker 以空行分段，超长段落回退为按字符硬切分。
type Chunker struct {
	max  int
	pack bool
}

var _ contract.Chunker = (*Chunker)(nil)

// New 创建段落 Chunker。
func New(opts *Options) *Chunker {
	c := &Chunker{max: DefaultMaxChars, pack: true}
	if opts != nil {
		if opts.MaxChars > 0 {
			c.max = opts.MaxChars
		}
		if opts.Pack != nil {
			c.pack = *opts.Pack
		}
	}
	return c
}

// MaxChars 返回生效的单块上限。
func (c *Chunker) MaxChars() int { return c.max }

var errBinary = errors.New("binary content (NUL byte)")

// Chunk 读取全部内容并产出有序 Chunk；空文件返回空切片。
func (c *Chunker) Chunk(ctx context.Context, fileID contract.FileID, r io.Reader) ([]contract.Chunk, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sniff := raw
	if len(sniff) > sniffBytes {
		sniff = sniff[:sniffBytes]
	}
	if bytes.IndexByte(sniff, 0) >= 0 {
		return nil, contract.E(contract.KindDecode, "chunk", string(fileID), errBinary)
	}
	if !utf8.Valid(raw) {
		return nil, contract.E(contract.KindDecode, "chunk", string(fileID), fmt.Errorf("invalid UTF-8 at byte %d", invalidAt(raw)))
	}
	text := strings.TrimPrefix(string(raw), "\ufeff")
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var out []contract.Chunk
	emit := func(s string) {
		if isBlank(s) {
			return
		}
		out = append(out, contract.Chunk{FileID: fileID, Index: contract.Index(len(out)), Text: s})
	}

	var pending strings.Builder
	pendingRunes := 0
	flush := func() {
		if pendingRunes > 0 {
			emit(pending.String())
		}
		pending.Reset()
		pendingRunes = 0
	}
	for _, p := range paragraphs(text) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := utf8.RuneCountInString(p)
		if n > c.max {
			flush()
			for _, piece := range hardSplit(p, c.max) {
				emit(piece)
			}
			continue
		}
		if !c.pack {
			emit(p)
			continue
		}
		// 拼接分隔符 "\n\n" 计 2 个字符
		if pendingRunes > 0 && pendingRunes+2+n > c.max {
			flush()
		}
		if pendingRunes > 0 {
			pending.WriteString("\n\n")
			pendingRunes += 2
		}
		pending.WriteString(p)
		pendingRunes += n
	}
	flush()
	return out, nil
}

// paragraphs 以纯空白行为分隔拆分；段内保留原缩进与换行。
func paragraphs(text string) []string {
	var out []string
	var cur []string
	for _, line := range strings.Split(text, "\n") {
		if isBlank(line) {
			if len(cur) > 0 {
				out = append(out, strings.Join(cur, "\n"))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, "\n"))
	}
	return out
}

// hardSplit 将超长段落切为不超过 max 个字符的片段。
// 窗口后半段若存在换行则在换行处切分，否则按字符数硬切。
func hardSplit(p string, max int) []string {
	rs := []rune(p)
	var out []string
	for len(rs) > 0 {
		if len(rs) <= max {
			out = append(out, string(rs))
			break
		}
		cut := max
		for i := max - 1; i >= max/2; i-- {
			if rs[i] == '\n' {
				cut = i + 1
				break
			}
		}
		out = append(out, string(rs[:cut]))
		rs = rs[cut:]
	}
	return out
}

func isBlank(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return !unicode.IsSpace(r) }) < 0
}

func invalidAt(b []byte) int {
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return -1
}
