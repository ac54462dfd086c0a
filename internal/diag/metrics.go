package diag

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// 进程内最小指标（计数器），运行结束时以快照写入日志。
// 名称：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}（累计毫秒）

var counters sync.Map // name → *atomic.Int64

func add(name string, n int64) {
	v, ok := counters.Load(name)
	if !ok {
		v, _ = counters.LoadOrStore(name, new(atomic.Int64))
	}
	v.(*atomic.Int64).Add(n)
}

func metricName(base string, labels ...string) string {
	return base + "{" + strings.Join(labels, ",") + "}"
}

// IncOp 累加操作计数（result=success|error|retry|cache_hit 等）。
func IncOp(comp, stage, result string) {
	add(metricName("op_total", comp, stage, result), 1)
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	add(metricName("error_total", comp, code), 1)
}

// ObserveDuration 累计阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	add(metricName("op_duration_ms", comp, stage), durMS)
}

// Snapshot 返回当前所有计数器的拷贝。
func Snapshot() map[string]int64 {
	out := map[string]int64{}
	counters.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

// SnapshotKV 以字符串键值形式返回快照（便于写入日志 kv）。
func SnapshotKV() map[string]string {
	snap := Snapshot()
	kv := make(map[string]string, len(snap))
	for k, v := range snap {
		kv[k] = strconv.FormatInt(v, 10)
	}
	return kv
}

// ResetMetrics 清空计数器（测试用）。
func ResetMetrics() {
	counters.Range(func(k, _ any) bool {
		counters.Delete(k)
		return true
	})
}
