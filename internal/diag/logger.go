package diag

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// lineSink: 单行写出目标。
type lineSink interface {
	WriteLine(b []byte) error
}

// writerSink 将日志行写入任意 io.Writer（如 stderr、测试缓冲）。
type writerSink struct{ w io.Writer }

func (s writerSink) WriteLine(b []byte) error {
	_, err := s.w.Write(append(b, '\n'))
	return err
}

// Logger 为最小结构化日志器：单行 JSON；支持级别过滤。
type Logger struct {
	corrID string
	level  Level
	sink   lineSink
	closer io.Closer
	mu     sync.Mutex
}

// NewLogger 通过配置的 level 初始化，将日志写入 dir（为空时 "logs"），按 10 MB 轮转。
func NewLogger(corrID, level, dir string) *Logger {
	if strings.TrimSpace(dir) == "" {
		dir = "logs"
	}
	rf := NewRotatingFile(dir, 10)
	return &Logger{corrID: corrID, level: parseLevel(strings.TrimSpace(level)), sink: rf, closer: rf}
}

// NewLoggerTo 将日志写入 w；w 为 nil 时丢弃所有日志。
func NewLoggerTo(corrID, level string, w io.Writer) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{corrID: corrID, level: parseLevel(strings.TrimSpace(level)), sink: writerSink{w: w}}
}

// Nop 返回丢弃一切输出的日志器。
func Nop() *Logger { return NewLoggerTo("", "error", io.Discard) }

// Close 关闭底层文件（若有）。
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件结构。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|error|warn
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	FileID string            `json:"file_id,omitempty"`
	Chunk  string            `json:"chunk,omitempty"`
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

// log 以最小开销写出事件，遵循级别过滤。
func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	b, _ := json.Marshal(ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		// 后备：写 stderr
		_, _ = os.Stderr.Write(append(b, '\n'))
		return
	}
	if err := l.sink.WriteLine(b); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(append(b, '\n'))
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 file_id/chunk 的 start。
func (l *Logger) StartWith(comp, msg, fileID, chunk string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", FileID: fileID, Chunk: chunk, Msg: msg})
	return &Timer{l: l, comp: comp, fileID: fileID, chunk: chunk, t0: time.Now()}
}

// StartWithKV 记录带 file_id/chunk 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, fileID, chunk string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", FileID: fileID, Chunk: chunk, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, fileID: fileID, chunk: chunk, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 file_id/chunk。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, fileID, chunk string) {
	l.ErrorWithKV(comp, code, msg, durSince, fileID, chunk, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, fileID, chunk string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, FileID: fileID, Chunk: chunk, KV: kv})
}

// WarnWith 记录可恢复的异常（重试、跳过项等）。
func (l *Logger) WarnWith(comp, code, msg, fileID string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Code: code, Msg: msg, FileID: fileID, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// InfoKV 记录一条带键值的 info 事件。
func (l *Logger) InfoKV(comp, msg string, kv map[string]string) {
	l.log(Info, Event{Comp: comp, Stage: "info", Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	fileID string
	chunk  string
	t0     time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	ObserveDuration(t.comp, "finish", dur)
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: dur, Count: count, FileID: t.fileID, Chunk: t.chunk, Msg: msg})
}

// Since 返回计时起点（供 ErrorWith 的 durSince 使用）。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, fileID, chunk string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", FileID: fileID, Chunk: chunk, Msg: msg, KV: kv})
}
