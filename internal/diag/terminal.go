package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"reposumm/pkg/contract"
)

// Terminal: 终端进度提示（非日志），实现 contract.Observer。
// - 输出到提供的 io.Writer（默认建议 stderr）。
// - TTY: 单行 \r 覆盖并着色；非 TTY: 关键节点分行打印，无颜色。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	// 运行期最小状态
	concurrency int
	llm         string
	total       int
	filesDone   int
	failed      int
	resumed     int
	skipped     int
	runStart    time.Time
	fileStart   map[contract.FileID]time.Time

	// 当前文件
	curFileID   string // 短名（base + 截断）
	chunksTotal int
	chunksDone  int
	errCount    int

	// 输出控制
	lastLen   int
	lastFlush time.Time

	okC, failC, warnC, infoC *color.Color

	mu sync.Mutex
}

var _ contract.Observer = (*Terminal)(nil)

// NewTerminal 构造终端提示器。
// enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled, fileStart: map[contract.FileID]time.Time{}}
	// CI 环境视为非 TTY
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			t.isTTY = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	t.okC = color.New(color.FgHiGreen)
	t.failC = color.New(color.FgHiRed)
	t.warnC = color.New(color.FgYellow)
	t.infoC = color.New(color.FgCyan)
	t.setColor(t.isTTY)
	return t
}

func (t *Terminal) setColor(on bool) {
	for _, c := range []*color.Color{t.okC, t.failC, t.warnC, t.infoC} {
		if on {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

// RunStart: 记录运行上下文（并发、LLM）。
func (t *Terminal) RunStart(concurrency int, llm string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.concurrency = concurrency
	t.llm = llm
	t.filesDone, t.failed, t.resumed, t.skipped = 0, 0, 0, 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("%s 并发=%d | llm=%s", t.infoC.Sprint("[run]"), concurrency, safe(llm)))
}

// OnEvent 将编排器事件映射为终端输出。
func (t *Terminal) OnEvent(ev contract.Event) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	switch ev.Kind {
	case contract.EventRunState:
		t.onRun(ev)
	case contract.EventFileState:
		if ev.FileState == contract.FileSummarizing {
			t.fileStart[ev.File] = time.Now()
			t.curFileID = shortenBase(string(ev.File), 48)
			t.chunksTotal, t.chunksDone, t.errCount = ev.ChunksTotal, 0, 0
			if !t.isTTY {
				t.println(fmt.Sprintf("[file] %s | 分块=%d", t.curFileID, ev.ChunksTotal))
			}
		}
	case contract.EventChunkDone:
		t.curFileID = shortenBase(string(ev.File), 48)
		t.chunksDone, t.chunksTotal = ev.ChunksDone, ev.ChunksTotal
		if ev.Err != nil {
			t.errCount++
		}
		t.progress(ev.ChunksDone == ev.ChunksTotal)
	case contract.EventFileDone:
		t.onFileDone(ev)
	case contract.EventSkipped:
		t.skipped++
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Message
		}
		t.clearInline()
		t.println(fmt.Sprintf("%s 跳过 %s | %s", t.warnC.Sprint("[warn]"), safe(string(ev.File)), safe(msg)))
	}
}

func (t *Terminal) onRun(ev contract.Event) {
	switch ev.Run {
	case contract.RunRunning:
		t.total = ev.Total
		t.println(fmt.Sprintf("%s 发现文件 %d", t.infoC.Sprint("[scan]"), ev.Total))
	case contract.RunDone, contract.RunFailed, contract.RunCanceled:
		tag := t.okC.Sprint("[ok]")
		switch ev.Run {
		case contract.RunFailed:
			tag = t.failC.Sprint("[fail]")
		case contract.RunCanceled:
			tag = t.warnC.Sprint("[cancel]")
		}
		t.clearInline()
		t.println(fmt.Sprintf("%s 文件 %d/%d | 含错误 %d | 复用 %d | 跳过 %d | 总用时 %s",
			tag, t.filesDone, t.total, t.failed, t.resumed, t.skipped, formatSince(t.runStart)))
	}
}

func (t *Terminal) onFileDone(ev contract.Event) {
	t.filesDone++
	name := shortenBase(string(ev.File), 48)
	var dur time.Duration
	if t0, ok := t.fileStart[ev.File]; ok {
		dur = time.Since(t0)
		delete(t.fileStart, ev.File)
	}
	t.clearInline()
	switch {
	case ev.Resumed:
		t.resumed++
		t.println(fmt.Sprintf("%s %s | 检查点复用 | %d/%d", t.infoC.Sprint("[reuse]"), name, ev.Processed, ev.Total))
	case ev.Failed:
		t.failed++
		t.println(fmt.Sprintf("%s %s | 分块 %d | 用时 %s | %d/%d", t.failC.Sprint("[fail]"), name, ev.ChunksTotal, formatDur(dur), ev.Processed, ev.Total))
	default:
		t.println(fmt.Sprintf("%s %s | 分块 %d | 用时 %s | %d/%d", t.okC.Sprint("[done]"), name, ev.ChunksTotal, formatDur(dur), ev.Processed, ev.Total))
	}
}

// progress: TTY 下的单行进度（≥100ms 节流；force 时立即刷新）。
func (t *Terminal) progress(force bool) {
	if !t.isTTY {
		return
	}
	now := time.Now()
	if !force && now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	line := fmt.Sprintf("[file] %s | 进度 %d/%d | 错误 %d | 并发 %d | 用时 %s",
		t.curFileID, t.chunksDone, t.chunksTotal, t.errCount, t.concurrency, formatSince(t.runStart))
	t.printInline(line)
}

func (t *Terminal) clearInline() {
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
}

// 内部输出工具
func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		// 写失败即禁用
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	if t == nil || !t.enabled {
		return
	}
	// 清尾：若新行比旧短，填充空格覆盖
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

// shortenBase: 取基名并按可见宽度截断（尾部省略号）。
func shortenBase(s string, max int) string {
	if max <= 0 {
		return ""
	}
	base := filepath.Base(strings.TrimSpace(s))
	if base == "" {
		return ""
	}
	if visLen(base) <= max {
		return base
	}
	// 预留 1 个字符给省略号
	cut := max - 1
	if cut < 1 {
		cut = 1
	}
	rs := []rune(base)
	if len(rs) <= cut {
		return string(rs)
	}
	return string(rs[:cut]) + "…"
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	// 避免换行等控制字符污染终端
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatSince(t0 time.Time) string {
	if t0.IsZero() {
		return formatDur(0)
	}
	return formatDur(time.Since(t0))
}

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	// 秒，保留 1 位小数
	s := float64(d.Milliseconds()) / 1000.0
	return fmt.Sprintf("%.1fs", s)
}
