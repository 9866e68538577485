package config

import (
	"errors"
	"fmt"
)

// 校验失败的类别，FieldError 会包装其中之一，调用方可用 errors.Is 判断。
var (
	ErrInvalidValue   = errors.New("invalid value")
	ErrUnknownProfile = errors.New("unknown cache profile")
	ErrUnknownDriver  = errors.New("unknown storage driver")
)

// FieldError 携带出错字段（如 Global.StorageDriver、Hub[npm].Profile）与原因。
type FieldError struct {
	Field  string
	Reason string
	Err    error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e FieldError) Unwrap() error {
	return e.Err
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason, Err: ErrInvalidValue}
}

func newFieldErrorKind(field, reason string, kind error) error {
	return FieldError{Field: field, Reason: reason, Err: kind}
}

func globalField(field string) string {
	return "Global." + field
}

// hubField 拼接 Hub[name].Field 形式的字段路径，name 为空时输出 Hub[].Field。
func hubField(name, field string) string {
	return fmt.Sprintf("Hub[%s].%s", name, field)
}
