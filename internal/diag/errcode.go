package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"reposumm/pkg/contract"
)

// Code 为日志与指标使用的错误分类，与退出码无关。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
	CodeConfig    Code = "config"
	CodePath      Code = "path_not_found"
	CodeDecode    Code = "decode"
	CodeTransient Code = "transient"
)

// classRule 按顺序匹配，首个命中者决定分类。
type classRule struct {
	code  Code
	match func(error) bool
}

func isAny(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}

func ofKind(k contract.Kind) func(error) bool {
	return func(err error) bool { return contract.KindOf(err) == k }
}

func asType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

var classRules = []classRule{
	{CodeCancel, isAny(context.Canceled, context.DeadlineExceeded)},
	{CodeConfig, ofKind(contract.KindConfiguration)},
	{CodePath, ofKind(contract.KindPathNotFound)},
	{CodeDecode, ofKind(contract.KindDecode)},
	{CodeBudget, isAny(contract.ErrRateLimited)},
	{CodeProtocol, isAny(contract.ErrResponseInvalid)},
	{CodeInvariant, isAny(contract.ErrInvariantViolation, contract.ErrInvalidInput, contract.ErrPathInvalid)},
	{CodeIO, asType[*os.PathError]},
	{CodeNetwork, asType[net.Error]},
	{CodeTransient, ofKind(contract.KindTransient)},
}

// Classify 依据错误类别、哨兵与标准库错误类型归类，不匹配消息文本。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	for _, r := range classRules {
		if r.match(err) {
			return r.code
		}
	}
	return CodeUnknown
}

// NowUTC 返回日志 ts 字段所用的 RFC3339 UTC 时间。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
