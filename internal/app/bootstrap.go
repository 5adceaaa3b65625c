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

// Package app 统一初始化：配置、日志、存储、总线、密钥
package app

import (
	"context"
	"fmt"

	"codex-orchestrator/internal/orchestrator/clock"
	"codex-orchestrator/internal/orchestrator/inforeq"
	"codex-orchestrator/internal/orchestrator/logbus"
	"codex-orchestrator/internal/orchestrator/store"
	"codex-orchestrator/pkg/config"
	"codex-orchestrator/pkg/log"
	"codex-orchestrator/pkg/secrets"
)

// Bootstrap 供 cmd/api 装配的共享基础设施
type Bootstrap struct {
	Config *config.Config
	Logger *log.Logger
	Store  store.Store
	Clock  clock.Clock
	Bus    *logbus.Bus
	Sealer inforeq.Sealer

	mirror *logbus.RedisMirror
}

// NewBootstrap 根据配置创建 Bootstrap
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	var st store.Store
	switch cfg.Database.Type {
	case "postgres":
		if cfg.Database.URL == "" {
			return nil, fmt.Errorf("database.type=postgres 时 database.url 必填")
		}
		st, err = store.NewPgStore(ctx, cfg.Database.URL, cfg.Database.PoolSize)
		if err != nil {
			return nil, fmt.Errorf("初始化 postgres 存储失败: %w", err)
		}
		logger.Info("存储使用 PostgreSQL 后端")
	default:
		st = store.NewMemoryStore()
		logger.Info("存储使用内存后端（仅单实例、非持久）")
	}

	bus := logbus.NewBus(cfg.LogBus.Buffer)
	var mirror *logbus.RedisMirror
	if cfg.LogBus.RedisAddr != "" {
		mirror, err = logbus.NewRedisMirror(ctx, cfg.LogBus.RedisAddr, cfg.LogBus.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("初始化 Redis 日志镜像失败: %w", err)
		}
		bus.SetMirror(mirror)
		logger.Info("日志总线镜像到 Redis", "addr", cfg.LogBus.RedisAddr)
	}

	key, err := secrets.ResolveSharedKey(ctx,
		cfg.Secret.Source, cfg.Secret.EnvVar,
		cfg.Secret.VaultAddr, cfg.Secret.VaultPath, cfg.Secret.VaultKey)
	if err != nil {
		return nil, fmt.Errorf("解析共享密钥失败: %w", err)
	}
	var sealer inforeq.Sealer = inforeq.NoopSealer{}
	if key != "" {
		s, err := inforeq.NewAESGCMSealer(key)
		if err != nil {
			return nil, fmt.Errorf("初始化 sealer 失败: %w", err)
		}
		sealer = s
		logger.Info("信息请求响应加密已启用")
	}

	return &Bootstrap{
		Config: cfg,
		Logger: logger,
		Store:  st,
		Clock:  clock.Real{},
		Bus:    bus,
		Sealer: sealer,
		mirror: mirror,
	}, nil
}

// Close 释放存储与镜像连接
func (b *Bootstrap) Close() {
	if b.mirror != nil {
		_ = b.mirror.Close()
	}
	if b.Store != nil {
		b.Store.Close()
	}
}
