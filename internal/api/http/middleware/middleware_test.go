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

package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"codex-orchestrator/internal/orchestrator/clock"
)

func TestRateLimiterAllow(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(2, clk)

	ok, remaining := rl.Allow("1.2.3.4")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)

	ok, remaining = rl.Allow("1.2.3.4")
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)

	ok, _ = rl.Allow("1.2.3.4")
	assert.False(t, ok, "third request within the window must be rejected")

	// 客户端相互独立
	ok, _ = rl.Allow("5.6.7.8")
	assert.True(t, ok)

	// 窗口滑出后恢复
	clk.Advance(61 * time.Second)
	ok, remaining = rl.Allow("1.2.3.4")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)
}

func TestRateLimiterDisabled(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(0, clk)
	for i := 0; i < 100; i++ {
		ok, remaining := rl.Allow("1.2.3.4")
		assert.True(t, ok)
		assert.Equal(t, -1, remaining)
	}
}

func TestRateLimiterPartialWindow(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(2, clk)

	rl.Allow("c")
	clk.Advance(40 * time.Second)
	rl.Allow("c")
	// 首个时间戳滑出，第二个仍在窗口内
	clk.Advance(30 * time.Second)
	ok, remaining := rl.Allow("c")
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)
	ok, _ = rl.Allow("c")
	assert.False(t, ok)
}
