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

package logbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisMirror 将总线事件镜像到 Redis Pub/Sub（频道 orch:run:<id>）。
// 单实例部署不需要；多实例时其他实例可据此转发给本地订阅者。
type RedisMirror struct {
	rdb *redis.Client
}

// NewRedisMirror 连接 Redis
func NewRedisMirror(ctx context.Context, addr string, db int) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisMirror{rdb: rdb}, nil
}

func (m *RedisMirror) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return m.rdb.Publish(ctx, fmt.Sprintf("orch:run:%d", ev.RunID), payload).Err()
}

// Close 关闭连接
func (m *RedisMirror) Close() error { return m.rdb.Close() }
