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

// Package api API 应用：装配编排器服务、HTTP Router 与后台循环
package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"codex-orchestrator/internal/api/http"
	"codex-orchestrator/internal/api/http/middleware"
	"codex-orchestrator/internal/app"
	"codex-orchestrator/internal/orchestrator/approval"
	"codex-orchestrator/internal/orchestrator/inforeq"
	"codex-orchestrator/internal/orchestrator/lease"
	"codex-orchestrator/internal/orchestrator/quota"
	"codex-orchestrator/internal/orchestrator/retry"
	"codex-orchestrator/internal/orchestrator/run"
	"codex-orchestrator/internal/orchestrator/sched"
	"codex-orchestrator/pkg/log"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用
type App struct {
	bootstrap    *app.Bootstrap
	router       *http.Router
	hertz        *server.Hertz
	loop         *sched.Loop
	otelProvider otelProviderShutdown
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(bootstrap *app.Bootstrap) (*App, error) {
	cfg := bootstrap.Config
	defaults := retry.Policy{
		MaxRetries:    cfg.Retry.MaxRetries,
		BackoffBase:   time.Duration(cfg.Retry.BackoffBaseSeconds) * time.Second,
		BackoffJitter: time.Duration(cfg.Retry.BackoffJitterSeconds) * time.Second,
	}

	gate := approval.NewGate(cfg.ApprovalRequired())
	meter := quota.NewMeter(bootstrap.Clock)
	scheduler := sched.NewScheduler(bootstrap.Store, gate, meter, bootstrap.Clock, bootstrap.Logger, defaults)
	leases := lease.NewManager(bootstrap.Store, bootstrap.Bus, bootstrap.Clock, bootstrap.Logger,
		time.Duration(cfg.Lease.DefaultClaimTTLSeconds)*time.Second, defaults)
	lifecycle := run.NewLifecycle(bootstrap.Store, bootstrap.Bus, bootstrap.Clock, bootstrap.Logger, defaults)
	approvals := approval.NewService(bootstrap.Store, bootstrap.Clock)
	info := inforeq.NewChannel(bootstrap.Store, bootstrap.Clock, bootstrap.Sealer)

	handler := http.NewHandler(bootstrap.Store, scheduler, leases, lifecycle,
		approvals, info, meter, bootstrap.Bus, bootstrap.Clock, bootstrap.Logger)

	limiter := middleware.NewRateLimiter(cfg.API.RateLimitPerMin, bootstrap.Clock)
	router := http.NewRouter(handler,
		middleware.RequestID(),
		middleware.CORS(cfg.API.CORSOrigins),
		limiter.Handler(),
	)

	loop := sched.NewLoop(scheduler, leases, bootstrap.Logger.With("component", "sched"),
		time.Duration(cfg.Scheduler.BackgroundInterval)*time.Second,
		time.Duration(cfg.Scheduler.ExpireScanInterval)*time.Second)

	return &App{
		bootstrap: bootstrap,
		router:    router,
		loop:      loop,
	}, nil
}

// Run 启动 HTTP 服务，addr 如 ":8080"
func (a *App) Run(addr string) error {
	cfg := a.bootstrap.Config
	a.bootstrap.Logger.Info("API 服务启动", "addr", addr)

	// hertz 日志走 slog 扩展，与 bootstrap 配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Log.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：启用链路追踪（OpenTelemetry）
	if cfg.Tracing.Enable {
		serviceName := cfg.Tracing.ServiceName
		if serviceName == "" {
			serviceName = "codex-orchestrator"
		}
		exportEndpoint := cfg.Tracing.ExportEndpoint
		if exportEndpoint == "" {
			exportEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if exportEndpoint != "" {
			opts := []provider.Option{
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(exportEndpoint),
			}
			if cfg.Tracing.Insecure {
				opts = append(opts, provider.WithInsecure())
			}
			a.otelProvider = provider.NewOpenTelemetryProvider(opts...)
			tracerOpt, tracerCfg := hertztracing.NewServerTracer()
			a.hertz = a.router.Build(addr, tracerOpt)
			a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
			a.bootstrap.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", exportEndpoint)
		} else {
			a.hertz = a.router.Build(addr)
		}
	} else {
		a.hertz = a.router.Build(addr)
	}

	a.loop.Start(context.Background())
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	a.loop.Stop()
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	a.bootstrap.Close()
	return nil
}
