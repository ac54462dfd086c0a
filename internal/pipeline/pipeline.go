package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"reposumm/internal/checkpoint"
	"reposumm/internal/diag"
	"reposumm/pkg/contract"
)

// - 单点并发：仅此层管理并发与背压；Selector/Chunker/Summarizer 均为同步组件。
// - 单一聚合者：进行中的文件表只由聚合循环读写，worker 仅经结果通道投递。
// - 发现顺序即报告顺序：结果按文件序号落位，与完成先后无关。
// - 首错取消：致命错误取消整体；排空后返回该错误，不产出报告。

// Components 聚合运行所需的原子组件。
type Components struct {
	Selector   contract.Selector
	Chunker    contract.Chunker
	Summarizer contract.Summarizer
	// Observer: 可选进度观察者；仅由调用 Run 的协程回调。
	Observer contract.Observer
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Root string
	// Concurrency: worker 数量；<1 视为 1（顺序执行）。
	Concurrency int
	// Checkpoint: 检查点路径；为空关闭持久化与续跑。
	Checkpoint string
	// Resume: 复用检查点中内容未变且无可重试失败的文件。
	Resume      bool
	Fingerprint checkpoint.Fingerprint
}

type job struct {
	pos   int
	chunk contract.Chunk
}

type msgKind int

const (
	msgChunking msgKind = iota // 开始分块
	msgChunked                 // 分块完成，total 个分块待摘要
	msgFinal                   // 文件已有完整结果（复用、解码失败、读取失败）
	msgResult                  // 单块结果
)

type msg struct {
	kind    msgKind
	pos     int
	total   int
	hash    string
	resumed bool
	summary contract.FileSummary
	result  contract.SummaryResult
}

type track struct {
	id      contract.FileID
	state   contract.FileState
	hash    string
	total   int
	done    int
	seen    []bool
	parts   []contract.Part
	resumed bool
	summary contract.FileSummary
}

type runner struct {
	comp   Components
	set    Settings
	logger *diag.Logger
	timer  *diag.Timer
	run    *runMachine

	tasks     []contract.FileTask
	tracks    []*track
	prior     map[contract.FileID]contract.FileSummary
	store     *checkpoint.Store
	processed int
}

// Run 执行完整流水线：Selector → Chunker → Summarizer → 聚合，返回按发现顺序排列的 Report。
// 约束：
// - Summarizer 返回 error 视为致命（配置错误或取消），运行进入 Failed/Canceled；
// - 每个文件仅在全部分块得到结果后定稿，并立即写入检查点；
// - 返回 error 时 Report 为零值。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (contract.Report, error) {
	if err := sanity(comp); err != nil {
		return contract.Report{}, fmt.Errorf("sanity: %w", err)
	}
	if set.Concurrency < 1 {
		set.Concurrency = 1
	}
	if logger == nil {
		logger = diag.Nop()
	}
	r := &runner{comp: comp, set: set, logger: logger}
	r.run = &runMachine{state: contract.RunDiscovering, emit: r.emit}
	r.emit(contract.Event{Kind: contract.EventRunState, Run: contract.RunDiscovering})
	r.timer = logger.StartWithKV("pipeline", "run", "", "", map[string]string{
		"root":        set.Root,
		"concurrency": strconv.Itoa(set.Concurrency),
		"resume":      strconv.FormatBool(set.Resume),
	})

	if err := r.discover(ctx); err != nil {
		return contract.Report{}, r.abort(ctx, err)
	}
	if err := r.openCheckpoint(); err != nil {
		return contract.Report{}, r.abort(ctx, fmt.Errorf("checkpoint: %w", err))
	}
	defer r.store.Close()
	if err := r.run.to(contract.RunRunning, 0, len(r.tasks)); err != nil {
		return contract.Report{}, r.abort(ctx, err)
	}

	n := set.Concurrency
	g, gctx := errgroup.WithContext(ctx)
	// 有界通道：2×并发度，形成自然背压
	jobs := make(chan job, n*2)
	out := make(chan msg, n*2)
	var wg sync.WaitGroup
	wg.Add(1 + n)
	g.Go(func() error {
		defer wg.Done()
		defer close(jobs)
		return r.produce(gctx, jobs, out)
	})
	for i := 0; i < n; i++ {
		g.Go(func() error {
			defer wg.Done()
			return r.work(gctx, jobs, out)
		})
	}
	// 由生产者与 workers 生命周期决定 out 关闭
	go func() {
		wg.Wait()
		close(out)
	}()

	aggErr := r.aggregate(out)
	err := g.Wait()
	if err == nil {
		err = aggErr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return contract.Report{}, r.abort(ctx, err)
	}

	if err := r.run.to(contract.RunFinalizing, r.processed, len(r.tasks)); err != nil {
		return contract.Report{}, r.abort(ctx, err)
	}
	rep := contract.Report{Files: make([]contract.FileSummary, 0, len(r.tracks))}
	for _, tr := range r.tracks {
		if tr.state != contract.FileAggregated {
			err := fmt.Errorf("%w: file %s not aggregated (%s)", contract.ErrInvariantViolation, tr.id, tr.state)
			r.logger.ErrorWith("pipeline", string(diag.Classify(err)), err.Error(), nil, string(tr.id), "")
			return contract.Report{}, err
		}
		rep.Files = append(rep.Files, tr.summary)
	}
	if err := r.run.to(contract.RunDone, r.processed, len(r.tasks)); err != nil {
		return contract.Report{}, err
	}
	r.timer.Finish("run", int64(len(rep.Files)))
	diag.IncOp("pipeline", "run", "success")
	return rep, nil
}

func (r *runner) emit(ev contract.Event) {
	if r.comp.Observer != nil {
		r.comp.Observer.OnEvent(ev)
	}
}

// abort 依据错误与 ctx 迁移至 Failed 或 Canceled，并原样返回 err。
func (r *runner) abort(ctx context.Context, err error) error {
	next := contract.RunFailed
	if contract.KindOf(err) != contract.KindConfiguration &&
		(ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		next = contract.RunCanceled
	}
	code := diag.Classify(err)
	r.logger.Error("pipeline", string(code), err.Error(), r.timer.Since())
	diag.IncError("pipeline", string(code))
	diag.IncOp("pipeline", "run", string(next))
	if terr := r.run.to(next, r.processed, len(r.tasks)); terr != nil {
		r.logger.Error("pipeline", string(diag.CodeInvariant), terr.Error(), nil)
	}
	return err
}

// discover 物化发现结果，以便进度具备总数；跳过项仅作诊断。
func (r *runner) discover(ctx context.Context) error {
	t := r.logger.Start("selector", "select")
	err := r.comp.Selector.Select(ctx, r.set.Root, func(ft contract.FileTask) error {
		r.tasks = append(r.tasks, ft)
		return nil
	}, func(rel contract.FileID, err error) {
		code := diag.Classify(err)
		r.logger.WarnWith("selector", string(code), err.Error(), string(rel), nil)
		diag.IncOp("selector", "skip", "skipped")
		r.emit(contract.Event{Kind: contract.EventSkipped, File: rel, Err: contract.Describe(contract.KindSkippedEntry, err, 0)})
	})
	if err != nil {
		code := diag.Classify(err)
		r.logger.ErrorWith("selector", string(code), err.Error(), t.Since(), "", "")
		diag.IncError("selector", string(code))
		return err
	}
	t.Finish("select", int64(len(r.tasks)))
	diag.IncOp("selector", "finish", "success")
	r.tracks = make([]*track, len(r.tasks))
	for i, ft := range r.tasks {
		r.tracks[i] = &track{id: ft.RelPath, state: contract.FilePending}
	}
	return nil
}

// openCheckpoint 读取旧检查点（仅 Resume）并以仍在本次发现中的条目重写。
// 指纹不符或无法读取时从头开始。
func (r *runner) openCheckpoint() error {
	if r.set.Checkpoint == "" {
		return nil
	}
	if r.set.Resume {
		prior, err := checkpoint.Load(r.set.Checkpoint, r.set.Fingerprint)
		switch {
		case errors.Is(err, checkpoint.ErrFingerprintMismatch):
			r.logger.WarnWith("checkpoint", string(diag.CodeInvariant), "fingerprint mismatch; starting fresh", "", map[string]string{"path": r.set.Checkpoint})
		case err != nil:
			r.logger.WarnWith("checkpoint", string(diag.Classify(err)), "load failed; starting fresh: "+err.Error(), "", map[string]string{"path": r.set.Checkpoint})
		default:
			r.prior = prior
		}
	}
	var keep []contract.FileSummary
	for _, ft := range r.tasks {
		if fs, ok := r.prior[ft.RelPath]; ok {
			keep = append(keep, fs)
		}
	}
	st, err := checkpoint.Start(r.set.Checkpoint, r.set.Fingerprint, keep)
	if err != nil {
		return err
	}
	r.store = st
	r.logger.InfoKV("checkpoint", "open", map[string]string{
		"path":   st.Path(),
		"resume": strconv.FormatBool(r.set.Resume),
		"kept":   strconv.Itoa(len(keep)),
	})
	return nil
}

// produce 按发现顺序读取、分块并派发任务。
func (r *runner) produce(ctx context.Context, jobs chan<- job, out chan<- msg) error {
	for pos, ft := range r.tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		fid := string(ft.RelPath)
		data, err := os.ReadFile(ft.AbsPath)
		if err != nil {
			// 发现后变得不可读：以文件级错误保留在报告中
			code := diag.Classify(err)
			r.logger.WarnWith("pipeline", string(code), "read failed: "+err.Error(), fid, nil)
			diag.IncError("pipeline", string(code))
			out <- msg{kind: msgFinal, pos: pos, summary: fileLevel(ft.RelPath, "", contract.KindSkippedEntry, err)}
			continue
		}
		hash := contentHash(data)
		if prev, ok := r.prior[ft.RelPath]; ok && checkpoint.Reusable(prev, hash) {
			out <- msg{kind: msgFinal, pos: pos, summary: prev, resumed: true}
			continue
		}

		out <- msg{kind: msgChunking, pos: pos}
		ct := r.logger.StartWith("chunker", "chunk", fid, "")
		chunks, err := r.comp.Chunker.Chunk(ctx, ft.RelPath, bytes.NewReader(data))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			kind := contract.KindOf(err)
			if kind == "" || kind.Fatal() {
				kind = contract.KindDecode
			}
			code := diag.Classify(err)
			r.logger.ErrorWith("chunker", string(code), err.Error(), ct.Since(), fid, "")
			diag.IncError("chunker", string(code))
			out <- msg{kind: msgFinal, pos: pos, summary: fileLevel(ft.RelPath, hash, kind, err)}
			continue
		}
		ct.Finish("chunk", int64(len(chunks)))
		diag.IncOp("chunker", "finish", "success")

		out <- msg{kind: msgChunked, pos: pos, total: len(chunks), hash: hash}
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case jobs <- job{pos: pos, chunk: c}:
			}
		}
	}
	return nil
}

// work 消费任务；Summarizer 返回 error 即终止（errgroup 随之取消其余协程）。
func (r *runner) work(ctx context.Context, jobs <-chan job, out chan<- msg) error {
	for j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := r.comp.Summarizer.Summarize(ctx, j.chunk)
		if err != nil {
			return fmt.Errorf("summarize %s#%d: %w", j.chunk.FileID, j.chunk.Index, err)
		}
		res.FileID, res.Index = j.chunk.FileID, j.chunk.Index
		out <- msg{kind: msgResult, pos: j.pos, result: res}
	}
	return nil
}

// aggregate 为唯一写者：推进文件状态、收集结果并广播进度，直至 out 关闭。
// 返回首个不变量违例；其余情况始终排空 out。
func (r *runner) aggregate(out <-chan msg) error {
	var firstErr error
	keep := func(err error) {
		if err == nil {
			return
		}
		r.logger.Error("pipeline", string(diag.CodeInvariant), err.Error(), nil)
		if firstErr == nil {
			firstErr = err
		}
	}
	for m := range out {
		tr := r.tracks[m.pos]
		switch m.kind {
		case msgChunking:
			if err := r.moveFile(tr, contract.FileChunking); err != nil {
				keep(err)
				continue
			}
			r.emit(contract.Event{Kind: contract.EventFileState, File: tr.id, FileState: contract.FileChunking})
		case msgChunked:
			tr.hash, tr.total = m.hash, m.total
			if m.total == 0 {
				keep(r.finalize(tr, contract.FileSummary{FileID: tr.id, ContentHash: m.hash}))
				continue
			}
			if err := r.moveFile(tr, contract.FileSummarizing); err != nil {
				keep(err)
				continue
			}
			tr.parts = make([]contract.Part, m.total)
			tr.seen = make([]bool, m.total)
			r.emit(contract.Event{Kind: contract.EventFileState, File: tr.id, FileState: contract.FileSummarizing, ChunksTotal: m.total})
		case msgFinal:
			tr.resumed = m.resumed
			keep(r.finalize(tr, m.summary))
		case msgResult:
			idx := int(m.result.Index)
			if tr.state != contract.FileSummarizing || idx < 0 || idx >= tr.total || tr.seen[idx] {
				keep(fmt.Errorf("%w: unexpected result %s#%d in state %s", contract.ErrInvariantViolation, tr.id, idx, tr.state))
				continue
			}
			tr.seen[idx] = true
			tr.done++
			tr.parts[idx] = contract.Part{Index: m.result.Index, Summary: m.result.Summary, Err: m.result.Err}
			if m.result.Err != nil {
				diag.IncOp("pipeline", "chunk", "error")
			} else {
				diag.IncOp("pipeline", "chunk", "success")
			}
			r.emit(contract.Event{
				Kind: contract.EventChunkDone, File: tr.id, Chunk: m.result.Index,
				ChunksDone: tr.done, ChunksTotal: tr.total, Err: m.result.Err,
			})
			if tr.done == tr.total {
				keep(r.finalize(tr, contract.FileSummary{FileID: tr.id, Parts: tr.parts, ContentHash: tr.hash}))
			}
		}
	}
	return firstErr
}

func (r *runner) moveFile(tr *track, next contract.FileState) error {
	if err := checkFile(tr.id, tr.state, next); err != nil {
		return err
	}
	tr.state = next
	return nil
}

// finalize 定稿单个文件：写检查点（复用项已在重写时保留）并广播 file_done。
// 检查点写失败仅关闭续跑能力，不影响本次报告。
func (r *runner) finalize(tr *track, fs contract.FileSummary) error {
	if err := r.moveFile(tr, contract.FileAggregated); err != nil {
		return err
	}
	fs.FileID = tr.id
	if fs.Parts == nil {
		fs.Parts = []contract.Part{}
	}
	tr.summary = fs
	tr.parts, tr.seen = nil, nil
	r.processed++

	if r.store != nil && !tr.resumed {
		if err := r.store.Append(fs); err != nil {
			code := diag.Classify(err)
			r.logger.ErrorWith("checkpoint", string(code), "append failed; checkpoint disabled: "+err.Error(), nil, string(tr.id), "")
			diag.IncError("checkpoint", string(code))
			_ = r.store.Close()
			r.store = nil
		}
	}
	failed := fs.HasErrors()
	switch {
	case tr.resumed:
		diag.IncOp("pipeline", "file", "resumed")
	case failed:
		diag.IncOp("pipeline", "file", "partial")
	default:
		diag.IncOp("pipeline", "file", "success")
	}
	r.emit(contract.Event{
		Kind: contract.EventFileDone, File: tr.id, ChunksTotal: chunkParts(fs),
		Resumed: tr.resumed, Failed: failed, Processed: r.processed, Total: len(r.tasks),
	})
	return nil
}

func sanity(c Components) error {
	if c.Selector == nil || c.Chunker == nil || c.Summarizer == nil {
		return errors.New("pipeline: missing components")
	}
	return nil
}

func fileLevel(id contract.FileID, hash string, kind contract.Kind, err error) contract.FileSummary {
	return contract.FileSummary{
		FileID:      id,
		ContentHash: hash,
		Parts:       []contract.Part{{Index: contract.FileLevel, Err: contract.Describe(kind, err, 0)}},
	}
}

func chunkParts(fs contract.FileSummary) int {
	n := 0
	for _, p := range fs.Parts {
		if p.Index != contract.FileLevel {
			n++
		}
	}
	return n
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
