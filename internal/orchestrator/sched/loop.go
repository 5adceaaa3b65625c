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

package sched

import (
	"context"
	"sync"
	"time"

	"codex-orchestrator/internal/orchestrator/lease"
	"codex-orchestrator/pkg/log"
)

// Loop 后台循环：定期 tick 与租约过期扫描。
// 手动 tick 与后台 tick 经 Scheduler 内部单飞互斥，不会并发执行。
type Loop struct {
	sched        *Scheduler
	leases       *lease.Manager
	logger       *log.Logger
	tickInterval time.Duration
	scanInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewLoop 创建后台循环；tickInterval <=0 时不起 tick 协程，
// scanInterval <=0 时取租约 TTL/4
func NewLoop(s *Scheduler, lm *lease.Manager, logger *log.Logger, tickInterval, scanInterval time.Duration) *Loop {
	if scanInterval <= 0 {
		scanInterval = lm.DefaultTTL() / 4
	}
	return &Loop{
		sched:        s,
		leases:       lm,
		logger:       logger,
		tickInterval: tickInterval,
		scanInterval: scanInterval,
		stopCh:       make(chan struct{}),
	}
}

// Start 启动后台协程
func (l *Loop) Start(ctx context.Context) {
	if l.tickInterval > 0 {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			ticker := time.NewTicker(l.tickInterval)
			defer ticker.Stop()
			for {
				select {
				case <-l.stopCh:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := l.sched.Tick(ctx); err != nil {
						l.logger.Warn("background tick failed", "err", err)
					}
				}
			}
		}()
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.scanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := l.leases.ExpireScan(ctx); err != nil {
					l.logger.Warn("expire scan failed", "err", err)
				} else if n > 0 {
					l.logger.Info("expire scan reclaimed runs", "count", n)
				}
			}
		}
	}()
}

// Stop 停止并等待协程退出
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}
