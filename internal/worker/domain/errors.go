package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound source blob missing
	ErrNotFound = errors.New("not found")
	// ErrTransient network / storage / broker / encoder failure, retried
	ErrTransient = errors.New("transient failure")
	// ErrHardTimeout job exceeded its hard time limit, retried
	ErrHardTimeout = errors.New("hard time limit exceeded")
	// ErrSoftTimeout job aborted cooperatively after the soft limit
	ErrSoftTimeout = errors.New("soft time limit exceeded")
	// ErrValidation output does not meet the transformation spec
	ErrValidation = errors.New("output validation failed")
	// ErrVideoNotFound video record missing in record store
	ErrVideoNotFound = errors.New("video record not found")
	// ErrWorkspaceBusy workspace for the video is already open in this process
	ErrWorkspaceBusy = errors.New("workspace busy")
	// ErrVideoLocked another worker holds the video lock
	ErrVideoLocked = errors.New("video locked by another worker")
)

// Error 定義帶有分類的錯誤
// errors.Is 可以同時比對 Kind 與原始錯誤
type Error struct {
	Kind    error
	Op      string
	VideoID uint
	Err     error
}

// NewError create typed error
func NewError(kind error, op string, videoID uint, err error) *Error {
	return &Error{Kind: kind, Op: op, VideoID: videoID, Err: err}
}

// Transient wrap err as transient
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: ErrTransient, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.VideoID != 0 {
		return fmt.Sprintf("%s video %d: %s", e.Op, e.VideoID, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

// Unwrap 回傳 Kind 與原始錯誤
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable 判斷錯誤是否應交給 backoff policy 重試
// ErrValidation 只有 strict 模式才會出現，直接進 dead letter
func IsRetryable(err error, retryNotFound bool) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation):
		return false
	case errors.Is(err, ErrNotFound):
		return retryNotFound
	default:
		return true
	}
}
