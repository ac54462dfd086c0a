package summarize

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reposumm/pkg/contract"
)

func TestBuildDefault(t *testing.T) {
	b, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	msgs, err := b.Build(context.Background(), contract.Chunk{FileID: "a.py", Text: "print(1)"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("消息结构错误: %#v", msgs)
	}
	if msgs[0].Content != conciseSystem {
		t.Fatalf("system 错误: %q", msgs[0].Content)
	}
	if !strings.HasSuffix(msgs[1].Content, "\n\nprint(1)") {
		t.Fatalf("user 应以原文结尾: %q", msgs[1].Content)
	}
	// 内置模板不含路径：相同文本得到相同消息
	again, _ := b.Build(context.Background(), contract.Chunk{FileID: "other.py", Index: 3, Text: "print(1)"})
	if again[1].Content != msgs[1].Content {
		t.Fatalf("相同文本应得到相同消息")
	}
}

func TestBuildAnalystStyle(t *testing.T) {
	b, err := New(&Options{Style: StyleAnalyst})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	msgs, _ := b.Build(context.Background(), contract.Chunk{FileID: "a.py", Text: "x"})
	if !strings.HasPrefix(msgs[0].Content, "You are an expert code analyzer") {
		t.Fatalf("风格未生效: %q", msgs[0].Content)
	}
	if _, err := New(&Options{Style: "poem"}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("未知风格应报错: %v", err)
	}
}

func TestBuildCustomTemplates(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "user.tmpl")
	if err := os.WriteFile(p, []byte("[{{.Path}}#{{.Index}}] {{.Text}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := New(&Options{InlineSystemTemplate: "sys", UserTemplatePath: p})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	msgs, err := b.Build(context.Background(), contract.Chunk{FileID: "pkg/a.go", Index: 2, Text: "body"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if msgs[0].Content != "sys" || msgs[1].Content != "[pkg/a.go#2] body" {
		t.Fatalf("模板渲染错误: %#v", msgs)
	}
	if _, err := New(&Options{UserTemplatePath: filepath.Join(dir, "missing")}); err == nil {
		t.Fatalf("缺失模板文件应报错")
	}
	if _, err := New(&Options{InlineUserTemplate: "{{.Text"}); err == nil {
		t.Fatalf("非法模板应报错")
	}
}

func TestBuildRejectsEmpty(t *testing.T) {
	b, _ := New(nil)
	if _, err := b.Build(context.Background(), contract.Chunk{FileID: "a"}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("空文本应报 ErrInvalidInput: %v", err)
	}
}

func TestEstimateOverheadTokens(t *testing.T) {
	b, _ := New(&Options{InlineSystemTemplate: "abcd", InlineUserTemplate: "efgh{{.Text}}"})
	est := func(s string) int { return len(s) }
	if got := b.EstimateOverheadTokens(est); got != 8 {
		t.Fatalf("overhead = %d, want 8", got)
	}
	if b.EstimateOverheadTokens(nil) != 0 {
		t.Fatalf("nil 估算器应返回 0")
	}
}
