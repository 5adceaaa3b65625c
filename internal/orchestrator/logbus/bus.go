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

// Package logbus 进程内按 Run 扇出的事件总线。
// 发布在持久化成功后进行；总线不回放历史，订阅者需先读持久化日志再订阅去重。
package logbus

import (
	"context"
	"sync"

	"codex-orchestrator/internal/orchestrator/store"
)

// EventKind 事件类型
type EventKind string

const (
	KindLog  EventKind = "log"
	KindStep EventKind = "step"
)

// Event 总线事件信封；Kind 决定 Log/Step 哪个字段有效
type Event struct {
	Kind  EventKind      `json:"kind"`
	RunID int64          `json:"run_id"`
	Log   *store.LogEntry `json:"log,omitempty"`
	Step  *store.RunStep  `json:"step,omitempty"`
}

// Mirror 外部镜像发布器（多实例扩展点）；失败不影响进程内投递
type Mirror interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus 按 Run 维护订阅者集合。发布非阻塞：订阅者缓冲满即断开并置 overflow 标记，
// 慢消费者不得拖慢发布方。
type Bus struct {
	mu     sync.Mutex
	subs   map[int64]map[*Subscriber]struct{}
	buffer int
	mirror Mirror
}

// NewBus 创建总线；buffer <=0 时默认 256
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		subs:   make(map[int64]map[*Subscriber]struct{}),
		buffer: buffer,
	}
}

// SetMirror 设置镜像发布器（如 Redis Pub/Sub）
func (b *Bus) SetMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Subscriber 单 Run 订阅者
type Subscriber struct {
	bus      *Bus
	runID    int64
	ch       chan Event
	closed   bool
	overflow bool
}

// Subscribe 订阅 runID 的事件
func (b *Bus) Subscribe(runID int64) *Subscriber {
	sub := &Subscriber{bus: b, runID: runID, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[runID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.subs[runID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Events 事件通道；订阅者被断开或 Close 后通道关闭
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Overflowed 是否因缓冲溢出被断开
func (s *Subscriber) Overflowed() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.overflow
}

// Close 退订
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.dropLocked(s, false)
}

func (b *Bus) dropLocked(s *Subscriber, overflow bool) {
	if s.closed {
		return
	}
	s.closed = true
	s.overflow = overflow
	if set, ok := b.subs[s.runID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.runID)
		}
	}
	close(s.ch)
}

// Publish 向 runID 的所有订阅者投递 ev；缓冲满的订阅者被断开
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.mu.Lock()
	var dropped []*Subscriber
	for sub := range b.subs[ev.RunID] {
		select {
		case sub.ch <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		b.dropLocked(sub, true)
	}
	mirror := b.mirror
	b.mu.Unlock()

	if mirror != nil {
		_ = mirror.Publish(ctx, ev)
	}
}

// SubscriberCount 当前订阅者数（观测用）
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}
