package pipeline

import (
	"fmt"
	"slices"

	"reposumm/pkg/contract"
)

// 运行级迁移表。Failed 仅由致命错误进入；Canceled 由外部取消进入。
var runNext = map[contract.RunState][]contract.RunState{
	contract.RunDiscovering: {contract.RunRunning, contract.RunFailed, contract.RunCanceled},
	contract.RunRunning:     {contract.RunFinalizing, contract.RunFailed, contract.RunCanceled},
	contract.RunFinalizing:  {contract.RunDone},
}

// 文件级迁移表。
// Pending → Aggregated：检查点复用；Chunking → Aggregated：解码失败或无分块。
var fileNext = map[contract.FileState][]contract.FileState{
	contract.FilePending:     {contract.FileChunking, contract.FileAggregated},
	contract.FileChunking:    {contract.FileSummarizing, contract.FileAggregated},
	contract.FileSummarizing: {contract.FileAggregated},
}

func checkRun(from, to contract.RunState) error {
	if slices.Contains(runNext[from], to) {
		return nil
	}
	return fmt.Errorf("%w: run %s -> %s", contract.ErrInvariantViolation, from, to)
}

func checkFile(id contract.FileID, from, to contract.FileState) error {
	if slices.Contains(fileNext[from], to) {
		return nil
	}
	return fmt.Errorf("%w: file %s %s -> %s", contract.ErrInvariantViolation, id, from, to)
}

// runMachine 持有运行状态并向观察者广播迁移。
type runMachine struct {
	state contract.RunState
	emit  func(contract.Event)
}

func (m *runMachine) to(next contract.RunState, processed, total int) error {
	if err := checkRun(m.state, next); err != nil {
		return err
	}
	m.state = next
	m.emit(contract.Event{Kind: contract.EventRunState, Run: next, Processed: processed, Total: total})
	return nil
}
