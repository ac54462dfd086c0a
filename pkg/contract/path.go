package contract

import (
	"path"
	"strings"
)

// NormalizeFileID 把相对扫描根的路径转换为 FileID：分隔符统一为 '/'，并消去 "." 与 ".." 片段。
// 不做绝对化，空串得到 "."。
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(strings.ReplaceAll(p, `\`, "/")))
}
