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

package http

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/hertz-contrib/websocket"

	"codex-orchestrator/pkg/metrics"
)

var upgrader = websocket.HertzUpgrader{
	CheckOrigin: func(ctx *app.RequestContext) bool { return true },
}

// StreamLogs WS /work-items/runs/:id/logs/ws
// 总线不回放历史：客户端应先 GET /logs 再订阅，按 seq 去重。
// 订阅者缓冲满会被总线断开（连接随之关闭），慢消费者不拖慢发布方。
func (h *Handler) StreamLogs(c context.Context, ctx *app.RequestContext) {
	id, err := pathID(ctx, "id")
	if err != nil {
		h.respondErr(ctx, err)
		return
	}
	if _, err := h.store.GetRun(c, id); err != nil {
		h.respondErr(ctx, err)
		return
	}
	err = upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		sub := h.bus.Subscribe(id)
		defer sub.Close()
		metrics.WSSubscribers.Inc()
		defer metrics.WSSubscribers.Dec()

		// 读侧只为感知客户端断开
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "run_id", id, "err", err)
	}
}
