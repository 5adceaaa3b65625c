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

// Package clock 提供可注入时钟；时间相关语义（due、租约过期、配额窗口）统一经由 Clock 取 now
package clock

import (
	"sync"
	"time"
)

// Clock 时钟接口
type Clock interface {
	Now() time.Time
}

// Real 系统时钟
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Manual 测试用手动时钟
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual 创建固定在 t 的手动时钟
func NewManual(t time.Time) *Manual {
	return &Manual{now: t.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance 前进 d
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set 跳到 t
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}
