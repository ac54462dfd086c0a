// Package checkpoint 持久化已完成的 FileSummary，供中断后续跑复用。
//
// 文件格式为 JSONL：首行是带指纹的头部，其后每行一个 FileSummary。
// 同一文件出现多次时以最后一行为准；尾部残缺行（写入中途崩溃）被忽略。
package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"reposumm/pkg/contract"
)

const version = 1

// maxLine: 单行上限（单文件摘要可能较大）。
const maxLine = 16 << 20

// ErrFingerprintMismatch: 检查点由不同的根目录/模型/分块参数生成，不可复用。
var ErrFingerprintMismatch = errors.New("checkpoint: fingerprint mismatch")

// Fingerprint 决定检查点是否可复用：任一字段变化都会使已有摘要失效。
type Fingerprint struct {
	Root      string `json:"root"`
	Model     string `json:"model"`
	ChunkSize int    `json:"chunk_size"`
	Prompt    string `json:"prompt,omitempty"`
}

type header struct {
	Version     int         `json:"version"`
	Fingerprint Fingerprint `json:"fingerprint"`
}

// Load 读取检查点。文件不存在时返回空表。
func Load(path string, fp Fingerprint) (map[contract.FileID]contract.FileSummary, error) {
	out := make(map[contract.FileID]contract.FileSummary)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return out, nil
	}
	var h header
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil || h.Version != version {
		return nil, fmt.Errorf("%w: unreadable header", ErrFingerprintMismatch)
	}
	if h.Fingerprint != fp {
		return nil, ErrFingerprintMismatch
	}
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var fs contract.FileSummary
		if err := json.Unmarshal(line, &fs); err != nil || fs.FileID == "" {
			continue
		}
		out[fs.FileID] = fs
	}
	if err := sc.Err(); err != nil && !errors.Is(err, bufio.ErrTooLong) {
		return nil, err
	}
	return out, nil
}

// Reusable 报告检查点条目能否代替重新摘要：内容未变，且没有可重试的失败分块。
func Reusable(fs contract.FileSummary, contentHash string) bool {
	return fs.ContentHash != "" && fs.ContentHash == contentHash && !fs.HasKind(contract.KindTransient)
}

// Store 为追加写入的检查点句柄，并发安全。
type Store struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Start 以头部加 keep 条目原子重写检查点，然后以追加模式打开。
func Start(path string, fp Fingerprint, keep []contract.FileSummary) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(header{Version: version, Fingerprint: fp}); err != nil {
		return nil, err
	}
	for _, fs := range keep {
		if err := enc.Encode(fs); err != nil {
			return nil, err
		}
	}
	if err := writeAtomic(dir, path, buf.Bytes()); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, f: f}, nil
}

// Path 返回检查点路径。
func (s *Store) Path() string { return s.path }

// Append 写入一行并 fsync，返回后该文件即可在续跑时复用。
func (s *Store) Append(fs contract.FileSummary) error {
	b, err := json.Marshal(fs)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	if _, err := s.f.Write(b); err != nil {
		return err
	}
	return s.f.Sync()
}

// Close 关闭句柄；可重复调用。
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func writeAtomic(dir, dest string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	// 最佳努力：同步父目录
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
