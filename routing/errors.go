package routing

import "fmt"

// ExhaustedError 整条链走完仍无成功。
// LastReason 是最后一个环节的失败原因。
type ExhaustedError struct {
	AliasName  string
	LastReason string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers exhausted for alias %q: %s", e.AliasName, e.LastReason)
}

// CapabilityMismatchError 请求声明的能力与别名配置的能力不一致。
// 属于调用方错误，在任何链路尝试之前返回。
type CapabilityMismatchError struct {
	AliasName string
	Requested string
	Supported string
}

func (e *CapabilityMismatchError) Error() string {
	return fmt.Sprintf("alias %q serves capability %q, not %q",
		e.AliasName, e.Supported, e.Requested)
}

// StorageError 数据访问失败。不可恢复，不尝试任何链路。
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
