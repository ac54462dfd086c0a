package contract

import "context"

// SkipFunc: 选择器遇到无法读取的目录项时的诊断回调（不中止遍历）。
// err 的类别为 KindSkippedEntry。
type SkipFunc func(rel FileID, err error)

// Selector: 遍历目录树并产出候选文件。
// 约束：
// 1) 顺序确定（深度优先，同一目录内按名称字典序），多次调用结果一致；
// 2) 排除的目录在下探前剪枝；
// 3) 根不存在或非目录返回 KindPathNotFound；
// 4) 不在内部起并发；yield 返回错误时立即停止并上抛。
type Selector interface {
	Select(ctx context.Context, root string, yield func(FileTask) error, skip SkipFunc) error
}
