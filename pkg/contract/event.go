package contract

// RunState: 运行级状态机。
// Discovering → Running → Finalizing → Done；致命错误进入 Failed；外部取消进入 Canceled。
type RunState string

const (
	RunDiscovering RunState = "discovering"
	RunRunning     RunState = "running"
	RunFinalizing  RunState = "finalizing"
	RunDone        RunState = "done"
	RunFailed      RunState = "failed"
	RunCanceled    RunState = "canceled"
)

// FileState: 文件级状态机。Pending → Chunking → Summarizing → Aggregated。
type FileState string

const (
	FilePending     FileState = "pending"
	FileChunking    FileState = "chunking"
	FileSummarizing FileState = "summarizing"
	FileAggregated  FileState = "aggregated"
)

// EventKind: 进度事件类型。
type EventKind string

const (
	EventRunState  EventKind = "run_state"
	EventFileState EventKind = "file_state"
	EventChunkDone EventKind = "chunk_done"
	EventFileDone  EventKind = "file_done"
	EventSkipped   EventKind = "skipped"
)

// Event: 进度旁路事件。按 Kind 读取相应字段，其余为零值。
type Event struct {
	Kind EventKind

	Run RunState // EventRunState

	File        FileID    // 文件相关事件
	FileState   FileState // EventFileState
	Chunk       Index     // EventChunkDone
	ChunksDone  int
	ChunksTotal int
	Err         *ErrorDescriptor // 失败分块或跳过项
	Resumed     bool             // EventFileDone：由检查点复用
	Failed      bool             // EventFileDone：含失败 Part

	Processed int // 已完成文件数
	Total     int // 已发现文件数
}

// Observer: 进度观察者。由编排器的单一聚合协程调用，实现无需自行加锁。
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc 允许以函数作为 Observer。
type ObserverFunc func(ev Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }
