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

// Package middleware HTTP 中间件：请求 id、CORS、滑动窗口限流
package middleware

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"codex-orchestrator/internal/orchestrator/clock"
	"codex-orchestrator/pkg/metrics"
)

// RequestIDHeader 请求 id 头
const RequestIDHeader = "X-Request-ID"

// RequestID 为每个请求生成（或透传）请求 id 并回写响应头
func RequestID() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		id := string(ctx.GetHeader(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.Set("request_id", id)
		ctx.Header(RequestIDHeader, id)
		ctx.Next(c)
	}
}

// CORS 按配置的来源放行；origins 为空或含 "*" 时放行一切
func CORS(origins []string) app.HandlerFunc {
	allowAll := len(origins) == 0
	allowed := map[string]bool{}
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(c context.Context, ctx *app.RequestContext) {
		origin := string(ctx.GetHeader("Origin"))
		if allowAll {
			ctx.Header("Access-Control-Allow-Origin", "*")
		} else if allowed[origin] {
			ctx.Header("Access-Control-Allow-Origin", origin)
		}
		ctx.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		ctx.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Request-ID, X-Orch-Secret")
		ctx.Header("Access-Control-Max-Age", "86400")
		if string(ctx.Method()) == "OPTIONS" {
			ctx.AbortWithStatus(consts.StatusNoContent)
			return
		}
		ctx.Next(c)
	}
}

// RateLimiter 每客户端滑动窗口限流。窗口内时间戳按需修剪，
// 响应带 X-RateLimit-Remaining，超限 429。
type RateLimiter struct {
	mu      sync.Mutex
	perMin  int
	window  time.Duration
	clock   clock.Clock
	clients map[string][]time.Time
}

// NewRateLimiter perMin <=0 表示不限流
func NewRateLimiter(perMin int, clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		perMin:  perMin,
		window:  time.Minute,
		clock:   clk,
		clients: make(map[string][]time.Time),
	}
}

// Allow 记录一次请求并返回 (是否放行, 剩余额度)；不限流时剩余为 -1
func (rl *RateLimiter) Allow(client string) (bool, int) {
	if rl.perMin <= 0 {
		return true, -1
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.clock.Now()
	cutoff := now.Add(-rl.window)
	stamps := rl.clients[client]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= rl.perMin {
		rl.clients[client] = kept
		return false, 0
	}
	kept = append(kept, now)
	rl.clients[client] = kept
	return true, rl.perMin - len(kept)
}

// Handler 限流中间件
func (rl *RateLimiter) Handler() app.HandlerFunc {
	return func(c context.Context, ctx *app.RequestContext) {
		ok, remaining := rl.Allow(clientKey(ctx))
		if remaining >= 0 {
			ctx.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		}
		if !ok {
			metrics.RateLimitedTotal.Inc()
			ctx.AbortWithStatusJSON(consts.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
			})
			return
		}
		ctx.Next(c)
	}
}

func clientKey(ctx *app.RequestContext) string {
	if fwd := string(ctx.GetHeader("X-Forwarded-For")); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	return ctx.ClientIP()
}
