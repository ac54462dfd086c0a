package contract

import (
	"context"
	"io"
)

// ArtifactID 标识一份渲染后的报告：本地路径、对象键或 "-"（标准输出）。
type ArtifactID = FileID

// Writer 把渲染结果原样流式落到某种介质。
// 同一 ArtifactID 只允许一个写者；实现不重试，ctx 结束后应尽快返回。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}
