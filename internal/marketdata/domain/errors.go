package domain

import (
	"errors"
	"fmt"
)

// 错误分类：
//   - ErrQuotaExceeded / ErrTransientNetwork 可重试，由客户端退避处理
//   - MalformedResponseError 不可重试，按 ticker 失败
//   - PersistenceError 子批次回滚后运行继续
//   - ErrMissingAPIKey 启动期致命错误
var (
	// ErrQuotaExceeded 上游配额耗尽（HTTP 429 或限流提示）
	ErrQuotaExceeded = errors.New("provider quota exceeded")
	// ErrTransientNetwork 瞬时网络/上游错误（5xx、超时、连接失败）
	ErrTransientNetwork = errors.New("transient network error")
	// ErrMissingAPIKey 未配置上游 API key
	ErrMissingAPIKey = errors.New("provider api key is not configured")
	// ErrQuoteNotFound 报价不存在
	ErrQuoteNotFound = errors.New("quote not found")
)

// MalformedResponseError 上游返回了无法解析的 payload（缺少期望的数据键，
// 或带有错误信息字段）。不可重试。
type MalformedResponseError struct {
	Ticker string
	Reason string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed provider response for %s: %s", e.Ticker, e.Reason)
}

// PersistenceError 持久层写入失败。触发当前子批次回滚，运行继续。
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsRetryable 判定错误是否允许重试。只有传输/配额类错误可重试，
// schema 损坏的响应重试没有意义。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrTransientNetwork)
}
