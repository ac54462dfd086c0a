package contract

// FileID: 逻辑文件ID（相对扫描根的规范化路径，跨平台一致，使用 '/' 分隔）。
type FileID string

// Index: 单文件内稳定递增的分块索引（0..n-1）。
type Index int64

// FileLevel: 文件级错误（解码失败等）所用的占位索引，不对应任何分块。
const FileLevel Index = -1

// FileTask: Selector 在遍历期间产出的候选文件（不可变，分块后即丢弃）。
type FileTask struct {
	RelPath FileID // 相对根路径（规范化）
	AbsPath string // 绝对路径（仅用于读取）
	Ext     string // 小写扩展名，含点；无扩展名为空串
	Size    int64
}

// Chunk: 单次摘要请求的文本单元。
// 约束：
// - FileID 一致；
// - Index 自 0 严格递增，按文档顺序；
// - Text 不为空白串。
type Chunk struct {
	FileID FileID
	Index  Index
	Text   string
}

// ErrorDescriptor: 可序列化的错误描述，保留在结果与报告中。
type ErrorDescriptor struct {
	Kind     Kind   `json:"kind"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}

// SummaryResult: 每个 Chunk 恰好对应一个结果；成功时 Summary 有效，失败时 Err 非空。
type SummaryResult struct {
	FileID  FileID
	Index   Index
	Summary string
	Err     *ErrorDescriptor
}

// OK 报告结果是否成功。
func (r SummaryResult) OK() bool { return r.Err == nil }

// Part: FileSummary 中的单块结果（摘要或错误标记）。
type Part struct {
	Index   Index            `json:"index"`
	Summary string           `json:"summary,omitempty"`
	Err     *ErrorDescriptor `json:"error,omitempty"`
}

// FileSummary: 单文件的聚合结果，Parts 按 Index 升序。
// 解码失败的文件只含一个 Index=FileLevel 的错误 Part；空文件 Parts 为空。
type FileSummary struct {
	FileID      FileID `json:"file_id"`
	Parts       []Part `json:"parts"`
	ContentHash string `json:"content_hash,omitempty"`
}

// HasErrors 报告是否存在任一失败 Part。
func (f FileSummary) HasErrors() bool {
	for _, p := range f.Parts {
		if p.Err != nil {
			return true
		}
	}
	return false
}

// HasKind 报告是否存在指定类别的失败 Part。
func (f FileSummary) HasKind(k Kind) bool {
	for _, p := range f.Parts {
		if p.Err != nil && p.Err.Kind == k {
			return true
		}
	}
	return false
}

// Report: 按发现顺序排列的全部 FileSummary；写出后不可变。
type Report struct {
	Files []FileSummary
}
