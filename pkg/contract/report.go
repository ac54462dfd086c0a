package contract

import (
	"context"
	"io"
)

// Renderer: 将 Report 序列化为某种文档格式（Markdown/结构化记录）。
// 约束：输出只依赖 Report 内容（不含时间戳等易变字段），相同输入字节一致。
type Renderer interface {
	Render(ctx context.Context, rep Report) (io.Reader, error)
	// Ext: 缺省输出文件扩展名（含点）。
	Ext() string
	// ContentType: 写入对象存储时使用的 MIME。
	ContentType() string
}
