package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reposumm/pkg/contract"
)

// 首次写入创建目录与当前文件
func TestRotatingFileCreates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	w := NewRotatingFile(dir, 0)
	defer w.Close()
	if err := w.WriteLine([]byte(`{"msg":"a"}`)); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "reposumm.log"))
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if string(b) != "{\"msg\":\"a\"}\n" {
		t.Fatalf("内容不符: %q", b)
	}
}

// 轮转后产生带时间戳的历史文件，新写入落在当前文件
func TestRotatingFileRotate(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 1)
	defer w.Close()
	if err := w.WriteLine([]byte("old")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := w.WriteLine([]byte("new")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	var rotated string
	for _, e := range ents {
		if e.Name() != "reposumm.log" && strings.HasPrefix(e.Name(), "reposumm-") && strings.HasSuffix(e.Name(), ".log") {
			rotated = e.Name()
		}
	}
	if rotated == "" {
		t.Fatalf("缺少轮转文件: %v", ents)
	}
	old, _ := os.ReadFile(filepath.Join(dir, rotated))
	cur, _ := os.ReadFile(filepath.Join(dir, "reposumm.log"))
	if string(old) != "old\n" || string(cur) != "new\n" {
		t.Fatalf("old=%q cur=%q", old, cur)
	}
}

// Close 后再次写入会重新打开文件
func TestRotatingFileReopen(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 1)
	_ = w.WriteLine([]byte("a"))
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.WriteLine([]byte("b")); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = w.Close()
	b, _ := os.ReadFile(filepath.Join(dir, "reposumm.log"))
	if string(b) != "a\nb\n" {
		t.Fatalf("内容不符: %q", b)
	}
}

// 指标计数与快照
func TestMetricsSnapshot(t *testing.T) {
	ResetMetrics()
	IncOp("summarizer", "call", "success")
	IncOp("summarizer", "call", "success")
	IncError("summarizer", "network")
	ObserveDuration("pipeline", "run", 40)
	ObserveDuration("pipeline", "run", 2)
	snap := Snapshot()
	if snap["op_total{summarizer,call,success}"] != 2 {
		t.Fatalf("op_total 错误: %v", snap)
	}
	if snap["error_total{summarizer,network}"] != 1 || snap["op_duration_ms{pipeline,run}"] != 42 {
		t.Fatalf("快照错误: %v", snap)
	}
	if SnapshotKV()["op_duration_ms{pipeline,run}"] != "42" {
		t.Fatalf("kv 快照错误")
	}
	ResetMetrics()
	if len(Snapshot()) != 0 {
		t.Fatalf("重置后应为空")
	}
}

// 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{context.Canceled, CodeCancel},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), CodeCancel},
		{contract.E(contract.KindConfiguration, "openai", "", errors.New("401")), CodeConfig},
		{contract.E(contract.KindPathNotFound, "select", "/x", nil), CodePath},
		{contract.E(contract.KindDecode, "chunk", "a.bin", nil), CodeDecode},
		{contract.E(contract.KindTransient, "openai", "", contract.ErrRateLimited), CodeBudget},
		{contract.ErrResponseInvalid, CodeProtocol},
		{contract.ErrInvalidInput, CodeInvariant},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{contract.E(contract.KindTransient, "flaky", "", errors.New("503")), CodeTransient},
		{errors.New("other"), CodeUnknown},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v)=%s want %s", tc.err, got, tc.want)
		}
	}
}

// Logger: 单行 JSON、级别过滤与字段
func TestLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo("corr", "info", &buf)
	l.DebugStart("comp", "hidden", "f", "0", nil) // info 级别应被过滤
	timer := l.StartWith("summarizer", "call", "a.py", "1")
	timer.Finish("ok", 1)
	l.ErrorWithKV("summarizer", "network", "boom", timer.Since(), "a.py", "1", map[string]string{"attempt": "2"})
	l.WarnWith("selector", "skipped_entry", "permission denied", "locked", nil)
	l.InfoKV("pipeline", "metrics", map[string]string{"k": "v"})
	l.InfoFinish("pipeline", "run", time.Now(), 3)
	l.Error("comp", "code", "msg", nil)
	l.ErrorWith("comp", "code", "msg", nil, "f", "c")
	l.Start("comp", "msg").Finish("ok", 0)
	_ = l.StartWithKV("comp", "msg", "f", "c", map[string]string{"k": "v"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 11 {
		t.Fatalf("期望 11 行日志, got %d:\n%s", len(lines), buf.String())
	}
	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("非 JSON 行: %v", err)
	}
	if ev.Level != "info" || ev.CorrID != "corr" || ev.Comp != "summarizer" || ev.FileID != "a.py" || ev.Chunk != "1" {
		t.Fatalf("字段错误: %+v", ev)
	}
	_ = json.Unmarshal([]byte(lines[2]), &ev)
	if ev.Stage != "error" || ev.KV["attempt"] != "2" {
		t.Fatalf("error 事件错误: %+v", ev)
	}
	_ = json.Unmarshal([]byte(lines[3]), &ev)
	if ev.Level != "warn" {
		t.Fatalf("warn 事件错误: %+v", ev)
	}
}

// Logger 写入轮转文件
func TestLoggerWithSink(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger("corr", "debug", dir)
	l.Start("comp", "msg").Finish("ok", 1)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, logFileName))
	if err != nil || !bytes.Contains(b, []byte(`"comp":"comp"`)) {
		t.Fatalf("日志文件内容错误: %v %s", err, b)
	}
}

// Level.String、parseLevel 与 nil 安全
func TestLoggerLevelsAndNil(t *testing.T) {
	if Warn.String() != "warn" {
		t.Fatalf("warn string")
	}
	var unknown Level = 12345
	if unknown.String() != "info" {
		t.Fatalf("default string")
	}
	if parseLevel("ERROR") != Error || parseLevel("x") != Info {
		t.Fatalf("parseLevel 错误")
	}
	var ln *Logger
	ln.Error("c", "x", "m", nil) // 不应 panic
	_ = ln.Close()
	var tnil *Timer
	tnil.Finish("x", 0)
	(&Timer{}).Finish("x", 0)
	Nop().Error("c", "x", "m", nil)
}

func TestNowUTC(t *testing.T) {
	if _, err := time.Parse(time.RFC3339, NowUTC()); err != nil {
		t.Fatalf("应返回 RFC3339: %v", err)
	}
}

// 终端（非 TTY）事件流
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	if term.isTTY {
		t.Fatalf("expect non-tty")
	}
	term.RunStart(4, "openai")
	term.OnEvent(contract.Event{Kind: contract.EventRunState, Run: contract.RunRunning, Total: 3})
	term.OnEvent(contract.Event{Kind: contract.EventSkipped, File: "locked", Err: &contract.ErrorDescriptor{Kind: contract.KindSkippedEntry, Message: "permission denied"}})
	term.OnEvent(contract.Event{Kind: contract.EventFileState, File: "docs/guide.md", FileState: contract.FileSummarizing, ChunksTotal: 2})
	term.OnEvent(contract.Event{Kind: contract.EventChunkDone, File: "docs/guide.md", ChunksDone: 1, ChunksTotal: 2})
	term.OnEvent(contract.Event{Kind: contract.EventFileDone, File: "docs/guide.md", ChunksTotal: 2, Processed: 1, Total: 3})
	term.OnEvent(contract.Event{Kind: contract.EventFileDone, File: "b.py", Failed: true, ChunksTotal: 1, Processed: 2, Total: 3})
	term.OnEvent(contract.Event{Kind: contract.EventFileDone, File: "c.py", Resumed: true, Processed: 3, Total: 3})
	term.OnEvent(contract.Event{Kind: contract.EventRunState, Run: contract.RunDone})

	out := sb.String()
	if strings.Contains(out, "\r") || strings.Contains(out, "\x1b[") {
		t.Fatalf("non-tty should not contain CR or colors: %q", out)
	}
	for _, want := range []string{
		"[run] 并发=4 | llm=openai",
		"[scan] 发现文件 3",
		"[warn] 跳过 locked | permission denied",
		"[file] guide.md | 分块=2",
		"[done] guide.md | 分块 2",
		"[fail] b.py | 分块 1",
		"[reuse] c.py | 检查点复用 | 3/3",
		"[ok] 文件 3/3 | 含错误 1 | 复用 1 | 跳过 1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

// 终端（TTY）进度节流与清尾
func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true // 强制 TTY
	term.RunStart(2, "mock")
	term.OnEvent(contract.Event{Kind: contract.EventFileState, File: "/a/b/c/longfilename.txt", FileState: contract.FileSummarizing, ChunksTotal: 3})

	term.OnEvent(contract.Event{Kind: contract.EventChunkDone, File: "/a/b/c/longfilename.txt", ChunksDone: 1, ChunksTotal: 3})
	first := sb.String()
	if !strings.Contains(first, "\r[file]") {
		t.Fatalf("first progress should be inline with CR: %q", first)
	}
	// 立即第二次：应被节流（<100ms）
	term.OnEvent(contract.Event{Kind: contract.EventChunkDone, File: "/a/b/c/longfilename.txt", ChunksDone: 2, ChunksTotal: 3, Err: &contract.ErrorDescriptor{}})
	if sb.String() != first {
		t.Fatalf("second progress should be throttled")
	}
	// 最后一块强制刷新
	term.OnEvent(contract.Event{Kind: contract.EventChunkDone, File: "/a/b/c/longfilename.txt", ChunksDone: 3, ChunksTotal: 3})
	if !strings.Contains(sb.String(), "进度 3/3 | 错误 1") {
		t.Fatalf("final progress should flush: %q", sb.String())
	}
	term.OnEvent(contract.Event{Kind: contract.EventFileDone, File: "/a/b/c/longfilename.txt", Failed: true, ChunksTotal: 3})
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	if idx < 0 {
		t.Fatalf("finish should include fail line: %q", final)
	}
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	if cr < 0 || !strings.Contains(seg[cr+1:], " ") {
		t.Fatalf("clear tail should write spaces after CR: %q", seg)
	}
}

// 写失败降级为禁用态
type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

func TestTerminalDisableOnWriteError(t *testing.T) {
	fw := &flakyWriter{fail: true}
	term := NewTerminal(fw, true)
	term.RunStart(1, "x")
	if term.enabled {
		t.Fatalf("terminal should be disabled after write error")
	}
	term.OnEvent(contract.Event{Kind: contract.EventFileDone, File: "a"})
}

func TestTerminalCIAndNil(t *testing.T) {
	t.Setenv("CI", "true")
	term := NewTerminal(os.Stderr, true)
	if term.isTTY {
		t.Fatalf("CI env should force non-tty")
	}
	var tn *Terminal
	tn.RunStart(1, "x")
	tn.OnEvent(contract.Event{Kind: contract.EventRunState, Run: contract.RunDone})
	NewTerminal(nil, false).OnEvent(contract.Event{Kind: contract.EventSkipped})
}

// 工具函数
func TestHelpers(t *testing.T) {
	if shortenBase("/x/y/这是一个很长的文件名用于截断测试abcdefghijk.txt", 10) == "" {
		t.Fatalf("shortenBase should produce non-empty")
	}
	if shortenBase("x", 0) != "" {
		t.Fatalf("shortenBase max<=0 should be empty")
	}
	if safe("a\nb\rc") != "a b c" {
		t.Fatalf("safe replace failed")
	}
	if formatDur(0) != "0ms" || formatDur(1500*time.Millisecond) != "1.5s" {
		t.Fatalf("formatDur failed")
	}
	if formatSince(time.Time{}) != "0ms" {
		t.Fatalf("零起点应为 0ms")
	}
}
