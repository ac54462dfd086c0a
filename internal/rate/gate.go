package rate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"reposumm/pkg/contract"
)

// LimitKey 标识一组共享额度的请求，通常由 client 与密钥摘要组成。
type LimitKey string

// Limits 为单个分组的额度。字段为 0 时该维度不限。
type Limits struct {
	RPM             int // 每分钟请求数
	TPM             int // 每分钟 token 数
	MaxTokensPerReq int // 单次请求的 token 上限（输入加预期输出）
}

// Ask 描述一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int
	Tokens   int
}

// Gate 为按分组限流的闸门，可并发使用。
type Gate interface {
	// Wait 阻塞到额度可用；超出单次上限立即失败。
	Wait(ctx context.Context, a Ask) error
	// Try 不阻塞，额度不足返回 false。
	Try(a Ask) bool
	// Pause 让分组冷却 d；冷却中 Wait 阻塞而 Try 失败。
	Pause(key LimitKey, d time.Duration)
}

// Snapshoter 供诊断读取剩余额度。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate 按静态额度表构造闸门。clk 为 nil 时取 time.Now。
// 未出现在表中的分组不限额，但仍受 Pause 约束。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{now: clk, groups: make(map[LimitKey]*group, len(m))}
	t := clk()
	for k, lim := range m {
		g.groups[k] = newGroup(lim, t)
	}
	return g
}

type gate struct {
	now    func() time.Time
	mu     sync.Mutex
	groups map[LimitKey]*group
}

// group 的两个维度各用一个令牌桶；容量即每分钟额度。
type group struct {
	lim  Limits
	reqs *xrate.Limiter // nil 表示不限
	toks *xrate.Limiter

	mu       sync.Mutex
	cooldown time.Time
}

func perMinute(n int, t time.Time) *xrate.Limiter {
	if n <= 0 {
		return nil
	}
	l := xrate.NewLimiter(xrate.Limit(float64(n)/60), n)
	// 以注入时钟为起点，桶初始满额。
	l.SetBurstAt(t, n)
	return l
}

func newGroup(lim Limits, t time.Time) *group {
	return &group{lim: lim, reqs: perMinute(lim.RPM, t), toks: perMinute(lim.TPM, t)}
}

func (g *gate) group(key LimitKey) *group {
	g.mu.Lock()
	defer g.mu.Unlock()
	gr, ok := g.groups[key]
	if !ok {
		gr = &group{}
		g.groups[key] = gr
	}
	return gr
}

func (gr *group) check(a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return fmt.Errorf("rate: %w: requests=%d tokens=%d", contract.ErrInvalidInput, a.Requests, a.Tokens)
	}
	if gr.lim.MaxTokensPerReq > 0 && a.Tokens > gr.lim.MaxTokensPerReq {
		return fmt.Errorf("rate: %w: request needs %d tokens, per-request cap is %d", contract.ErrInvalidInput, a.Tokens, gr.lim.MaxTokensPerReq)
	}
	if gr.reqs != nil && a.Requests > gr.reqs.Burst() {
		return fmt.Errorf("rate: %w: %d requests exceed rpm %d", contract.ErrInvalidInput, a.Requests, gr.reqs.Burst())
	}
	if gr.toks != nil && a.Tokens > gr.toks.Burst() {
		return fmt.Errorf("rate: %w: %d tokens exceed tpm %d", contract.ErrInvalidInput, a.Tokens, gr.toks.Burst())
	}
	return nil
}

func (g *gate) Try(a Ask) bool {
	gr := g.group(a.Key)
	if gr.check(a) != nil {
		return false
	}
	t := g.now()
	gr.mu.Lock()
	defer gr.mu.Unlock()
	if t.Before(gr.cooldown) {
		return false
	}
	// 两个维度须同时满足；否则撤回已占用的部分。
	r := reserve(gr.reqs, t, a.Requests)
	if r != nil && r.DelayFrom(t) > 0 {
		r.CancelAt(t)
		return false
	}
	k := reserve(gr.toks, t, a.Tokens)
	if k != nil && k.DelayFrom(t) > 0 {
		k.CancelAt(t)
		if r != nil {
			r.CancelAt(t)
		}
		return false
	}
	return true
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	gr := g.group(a.Key)
	if err := gr.check(a); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := g.now()
		gr.mu.Lock()
		if d := gr.cooldown.Sub(t); d > 0 {
			gr.mu.Unlock()
			if err := sleep(ctx, d); err != nil {
				return err
			}
			continue
		}
		r := reserve(gr.reqs, t, a.Requests)
		k := reserve(gr.toks, t, a.Tokens)
		gr.mu.Unlock()

		d := max(delay(r, t), delay(k, t))
		if d == 0 {
			return nil
		}
		if err := sleep(ctx, d); err != nil {
			// 归还未使用的预约，后续申请不必为其排队。
			at := g.now()
			if r != nil {
				r.CancelAt(at)
			}
			if k != nil {
				k.CancelAt(at)
			}
			return err
		}
		return nil
	}
}

func (g *gate) Pause(key LimitKey, d time.Duration) {
	if d <= 0 {
		return
	}
	gr := g.group(key)
	until := g.now().Add(d)
	gr.mu.Lock()
	if until.After(gr.cooldown) {
		gr.cooldown = until
	}
	gr.mu.Unlock()
}

// Snapshot 返回当前可用额度的向下取整值，仅用于诊断。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	gr := g.group(key)
	t := g.now()
	return avail(gr.reqs, t), avail(gr.toks, t)
}

func reserve(l *xrate.Limiter, t time.Time, n int) *xrate.Reservation {
	if l == nil || n == 0 {
		return nil
	}
	return l.ReserveN(t, n)
}

func delay(r *xrate.Reservation, t time.Time) time.Duration {
	if r == nil {
		return 0
	}
	return r.DelayFrom(t)
}

func avail(l *xrate.Limiter, t time.Time) int {
	if l == nil {
		return 0
	}
	return int(math.Max(0, math.Floor(l.TokensAt(t))))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	_ Gate       = (*gate)(nil)
	_ Snapshoter = (*gate)(nil)
)
