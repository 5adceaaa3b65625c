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
	"testing"

	"codex-orchestrator/internal/orchestrator/store"
)

func TestPublishFanOut(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(8)
	s1 := bus.Subscribe(1)
	s2 := bus.Subscribe(1)
	other := bus.Subscribe(2)
	defer s1.Close()
	defer s2.Close()
	defer other.Close()

	bus.Publish(ctx, Event{Kind: KindLog, RunID: 1, Log: &store.LogEntry{RunID: 1, Seq: 1}})

	for i, sub := range []*Subscriber{s1, s2} {
		select {
		case ev := <-sub.Events():
			if ev.Kind != KindLog || ev.Log.Seq != 1 {
				t.Errorf("sub %d: unexpected event %+v", i, ev)
			}
		default:
			t.Errorf("sub %d: no event delivered", i)
		}
	}
	select {
	case ev := <-other.Events():
		t.Errorf("run 2 subscriber got run 1 event: %+v", ev)
	default:
	}
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(2)
	slow := bus.Subscribe(7)

	for i := 0; i < 3; i++ {
		bus.Publish(ctx, Event{Kind: KindLog, RunID: 7, Log: &store.LogEntry{RunID: 7, Seq: int64(i + 1)}})
	}
	if !slow.Overflowed() {
		t.Fatal("slow subscriber should be marked overflowed")
	}
	// 断开后通道关闭：缓冲中的事件可读完，随后 ok=false
	n := 0
	for range slow.Events() {
		n++
	}
	if n != 2 {
		t.Errorf("buffered events = %d, want 2", n)
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d after disconnect", bus.SubscriberCount())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus(0)
	sub := bus.Subscribe(3)
	if bus.SubscriberCount() != 1 {
		t.Fatalf("SubscriberCount = %d", bus.SubscriberCount())
	}
	sub.Close()
	sub.Close()
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d after close", bus.SubscriberCount())
	}
	if sub.Overflowed() {
		t.Error("explicit close must not set overflow")
	}
}

type captureMirror struct {
	events []Event
}

func (c *captureMirror) Publish(ctx context.Context, ev Event) error {
	c.events = append(c.events, ev)
	return nil
}

func TestMirrorReceivesAllEvents(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(4)
	mirror := &captureMirror{}
	bus.SetMirror(mirror)

	bus.Publish(ctx, Event{Kind: KindStep, RunID: 9, Step: &store.RunStep{RunID: 9, Idx: 0}})
	bus.Publish(ctx, Event{Kind: KindLog, RunID: 9, Log: &store.LogEntry{RunID: 9, Seq: 1}})

	if len(mirror.events) != 2 {
		t.Fatalf("mirror events = %d, want 2", len(mirror.events))
	}
	if mirror.events[0].Kind != KindStep || mirror.events[1].Kind != KindLog {
		t.Errorf("mirror event order: %+v", mirror.events)
	}
}
