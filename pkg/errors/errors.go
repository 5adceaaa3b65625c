// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors 提供统一错误分类，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// Kind 错误类别，API 层据此映射 HTTP 状态码
type Kind int

const (
	KindInternal   Kind = iota // 未分类 / 程序错误
	KindValidation             // 请求参数不合法
	KindConflict               // 与当前状态冲突（非法状态迁移、持有者不符等）
	KindNotFound               // 目标不存在
	KindForbidden              // 被策略拒绝（配额、审批）
	KindTransient              // 暂时性失败，可重试
)

// Error 携带类别与机器可读 reason 的错误
type Error struct {
	Kind   Kind
	Reason string // 可选，如 "quota_exhausted"、"approval_pending"
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E 构造分类错误
func E(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef 带格式的 E
func Ef(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WithReason 构造带机器可读 reason 的分类错误
func WithReason(kind Kind, reason, msg string) error {
	return &Error{Kind: kind, Reason: reason, Msg: msg}
}

// KindOf 取错误类别；非分类错误返回 KindInternal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf 取机器可读 reason，无则返回空串
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// Wrap 包装错误并附加消息，保留已有类别
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Kind: e.Kind, Reason: e.Reason, Msg: msg, Err: err}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}
