package contract

import (
	"errors"
	"fmt"
)

// Kind: 错误类别（带标签的错误分类），贯穿 SummaryResult 与 FileSummary。
type Kind string

const (
	// KindPathNotFound: 扫描根不存在或不是目录（致命，开始前中止）。
	KindPathNotFound Kind = "path_not_found"
	// KindConfiguration: 凭据无效、模型无效、请求非法等（致命，中止运行）。
	KindConfiguration Kind = "configuration"
	// KindDecode: 非文本或非 UTF-8 文件（文件级恢复）。
	KindDecode Kind = "decode"
	// KindTransient: 网络/限流/上游 5xx（分块级重试，耗尽后记录）。
	KindTransient Kind = "transient_request"
	// KindSkippedEntry: 无法读取的目录项。遍历期间仅诊断；已发现但读取失败的文件记为文件级 Part。
	KindSkippedEntry Kind = "skipped_entry"
)

// 类别哨兵：errors.Is(err, ErrXxx) 对任意包装层生效。
var (
	ErrPathNotFound  = errors.New("path not found")
	ErrConfiguration = errors.New("configuration error")
	ErrDecode        = errors.New("decode error")
	ErrTransient     = errors.New("transient request error")
	ErrSkippedEntry  = errors.New("skipped entry")
)

// 其他最小错误分类。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

func (k Kind) sentinel() error {
	switch k {
	case KindPathNotFound:
		return ErrPathNotFound
	case KindConfiguration:
		return ErrConfiguration
	case KindDecode:
		return ErrDecode
	case KindTransient:
		return ErrTransient
	case KindSkippedEntry:
		return ErrSkippedEntry
	default:
		return nil
	}
}

// Fatal 报告该类别是否终止整个运行。
func (k Kind) Fatal() bool { return k == KindPathNotFound || k == KindConfiguration }

// Error: 带类别的错误。Op 为出错操作（如 "select"、"openai"），Path 可为空。
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// E 构造 *Error；err 可为 nil（以类别哨兵代替）。
func E(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Path != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, msg)
	default:
		return msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, ErrConfiguration) 等按类别匹配。
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf 返回错误链上最外层 *Error 的类别；否则按类别哨兵匹配；都不命中返回空串。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	for _, k := range []Kind{KindPathNotFound, KindConfiguration, KindDecode, KindTransient, KindSkippedEntry} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return ""
}

// Describe 将错误转为可序列化描述；kind 为空时取 KindOf(err)。
func Describe(kind Kind, err error, attempts int) *ErrorDescriptor {
	if kind == "" {
		kind = KindOf(err)
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &ErrorDescriptor{Kind: kind, Message: msg, Attempts: attempts}
}
