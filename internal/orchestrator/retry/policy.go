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

// Package retry 重试预算与指数退避
package retry

import (
	"math/rand"
	"time"

	"codex-orchestrator/internal/orchestrator/store"
)

// Policy 重试策略；MaxRetries 不含首次执行
type Policy struct {
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffJitter time.Duration
}

// Resolve 工单级覆盖回落到默认值
func Resolve(wi *store.WorkItem, def Policy) Policy {
	p := def
	if wi == nil {
		return p
	}
	if wi.MaxRetries != nil {
		p.MaxRetries = *wi.MaxRetries
	}
	if wi.BackoffBaseSeconds != nil {
		p.BackoffBase = time.Duration(*wi.BackoffBaseSeconds) * time.Second
	}
	if wi.BackoffJitterSeconds != nil {
		p.BackoffJitter = time.Duration(*wi.BackoffJitterSeconds) * time.Second
	}
	return p
}

// Exhausted 已失败 failures 次后预算是否用尽
func (p Policy) Exhausted(failures int) bool {
	return failures > p.MaxRetries
}

// Delay 第 n 次失败后的退避：base·2^(n−1) + uniform(0, jitter)
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	backoff := p.BackoffBase
	for i := 1; i < n; i++ {
		backoff *= 2
		if backoff > 24*time.Hour {
			backoff = 24 * time.Hour
			break
		}
	}
	if p.BackoffJitter > 0 {
		backoff += time.Duration(rand.Int63n(int64(p.BackoffJitter)))
	}
	return backoff
}
