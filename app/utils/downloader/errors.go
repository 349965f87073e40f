package downloader

import (
	"errors"
	"fmt"
)

// 传输错误分类
var (
	ErrNetwork          = errors.New("network error")
	ErrFilesystem       = errors.New("filesystem error")
	ErrSizeMismatch     = errors.New("size mismatch")
	ErrCancelled        = errors.New("cancelled by user")
	ErrRangeUnsupported = errors.New("range not satisfiable")
)

// TransferError 带分类的传输错误，errors.Is 同时匹配分类和原始错误
type TransferError struct {
	Kind error
	Op   string
	Err  error
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *TransferError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// RangeError 服务端返回 416，Total 为 Content-Range 中的资源大小，未知时为 -1
type RangeError struct {
	Total int64
}

func (e *RangeError) Error() string {
	if e.Total < 0 {
		return ErrRangeUnsupported.Error()
	}
	return fmt.Sprintf("%v (resource is %d bytes)", ErrRangeUnsupported, e.Total)
}

func (e *RangeError) Unwrap() error { return ErrRangeUnsupported }

func networkError(op string, err error) error {
	return &TransferError{Kind: ErrNetwork, Op: op, Err: err}
}

func fsError(op string, err error) error {
	return &TransferError{Kind: ErrFilesystem, Op: op, Err: err}
}

func sizeMismatch(want, got int64) error {
	return &TransferError{
		Kind: ErrSizeMismatch,
		Op:   "finalize",
		Err:  fmt.Errorf("expected %d bytes, got %d", want, got),
	}
}

// Outcome 传输结果类型
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// OutcomeOf 根据错误判断结果类型
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, ErrCancelled):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

// FailReason 返回适合展示给用户的失败原因
func FailReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSizeMismatch):
		return "size mismatch"
	default:
		return err.Error()
	}
}
