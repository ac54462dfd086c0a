package diag

import (
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// 日志文件名：当前文件为 reposumm.log，轮转后为 reposumm-<时间戳>.log。
const logFileName = "reposumm.log"

// RotatingFile 以行为单位写入 dir/reposumm.log，超过 maxMB 时轮转。
type RotatingFile struct {
	lj *lumberjack.Logger
}

// NewRotatingFile 创建按大小轮转的日志文件；maxMB<=0 取 10，最多保留 5 个历史文件。
// 目录与文件在首次写入时创建。
func NewRotatingFile(dir string, maxMB int) *RotatingFile {
	if maxMB <= 0 {
		maxMB = 10
	}
	return &RotatingFile{lj: &lumberjack.Logger{
		Filename:   filepath.Join(dir, logFileName),
		MaxSize:    maxMB,
		MaxBackups: 5,
	}}
}

// WriteLine 追加一行（自动补换行）。
func (w *RotatingFile) WriteLine(b []byte) error {
	line := make([]byte, 0, len(b)+1)
	line = append(append(line, b...), '\n')
	_, err := w.lj.Write(line)
	return err
}

// Rotate 立即轮转当前文件。
func (w *RotatingFile) Rotate() error { return w.lj.Rotate() }

// Close 关闭当前文件；之后的写入会重新打开。
func (w *RotatingFile) Close() error { return w.lj.Close() }
