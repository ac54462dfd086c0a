package filesystem

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"reposumm/pkg/contract"
)

func noTemps(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("tmp file not cleaned: %s", e.Name())
		}
	}
}

// TestWriteReport 原子写入报告
func TestWriteReport(t *testing.T) {
	dir := t.TempDir()
	w, err := New(&Options{OutputDir: dir})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := w.Write(context.Background(), "RepoSummary.md", bytes.NewBufferString("# Repository Code Summaries\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "RepoSummary.md"))
	if err != nil || string(b) != "# Repository Code Summaries\n" {
		t.Fatalf("unexpected file %v %q", err, string(b))
	}
	noTemps(t, dir)
}

// 目标已存在时，原子写应替换为新内容。
func TestWriteReplaceExisting(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{OutputDir: dir})
	for _, v := range []string{"v1", "v2"} {
		if err := w.Write(context.Background(), "out.json", bytes.NewBufferString(v)); err != nil {
			t.Fatalf("write %s: %v", v, err)
		}
	}
	b, err := os.ReadFile(filepath.Join(dir, "out.json"))
	if err != nil || string(b) != "v2" {
		t.Fatalf("expect replaced content v2, got %q (%v)", string(b), err)
	}
	noTemps(t, dir)
}

// 嵌套路径自动创建父目录；非原子模式直接覆盖
func TestWriteNestedNonAtomic(t *testing.T) {
	dir := t.TempDir()
	atomic := false
	w, _ := New(&Options{OutputDir: dir, Atomic: &atomic})
	if err := w.Write(context.Background(), "reports/2024/out.md", bytes.NewBufferString("v")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "reports", "2024", "out.md")); err != nil {
		t.Fatalf("file not created")
	}
}

func TestWriteStdout(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{OutputDir: dir})
	var out bytes.Buffer
	w.SetStdout(&out)
	if err := w.Write(context.Background(), StdoutID, strings.NewReader("[]\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if out.String() != "[]\n" {
		t.Fatalf("stdout = %q", out.String())
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("stdout 不应落盘: %v", entries)
	}
}

// TestWritePathInvalid 路径越界
func TestWritePathInvalid(t *testing.T) {
	w, _ := New(&Options{OutputDir: t.TempDir()})
	for _, id := range []contract.ArtifactID{"../bad", "..", ".", ""} {
		if err := w.Write(context.Background(), id, bytes.NewBufferString("x")); !errors.Is(err, contract.ErrPathInvalid) {
			t.Fatalf("id %q expect path invalid, got %v", id, err)
		}
	}
}

// TestWriteCtxCancel 上下文取消
func TestWriteCtxCancel(t *testing.T) {
	w, _ := New(&Options{OutputDir: t.TempDir()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Write(ctx, "a.md", strings.NewReader("data")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expect ctx error, got %v", err)
	}
}

// 缺省选项：当前目录、原子写
func TestNewDefaults(t *testing.T) {
	w, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if w.root != "." || !w.atomic || w.permF != 0o644 || w.bufSize != 64*1024 {
		t.Fatalf("defaults: %+v", w)
	}
}

type errReader struct{}

func (errReader) Read(p []byte) (int, error) { return 0, errors.New("boom") }

// TestWriteAtomicCopyError 原子写入时拷贝失败不留残余
func TestWriteAtomicCopyError(t *testing.T) {
	dir := t.TempDir()
	w, _ := New(&Options{OutputDir: dir})
	if err := w.Write(context.Background(), "a.md", errReader{}); err == nil {
		t.Fatalf("expect copy error")
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("temp files left %v", entries)
	}
}

// TestReaderWithCtxCancel reader 在读取前取消
func TestReaderWithCtxCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := readerWithCtx(ctx, strings.NewReader("data"))
	cancel()
	if _, err := r.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expect ctx error")
	}
}
