package contract

import (
	"context"
	"io"
)

// Chunker: 将单文件内容拆分为有序 Chunk 序列，并分配 Index（0..n-1）。
// 约束：
// 1) 不跨文件合并；
// 2) 丢弃纯空白片段；
// 3) 每个非空白字符恰好出现在一个 Chunk 中，顺序与原文一致；
// 4) 非 UTF-8 或二进制内容返回 KindDecode；
// 5) 无内部并发、幂等。
type Chunker interface {
	Chunk(ctx context.Context, fileID FileID, r io.Reader) ([]Chunk, error)
}
