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
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
)

// Router 路由装配
type Router struct {
	handler    *Handler
	middleware []app.HandlerFunc
}

// NewRouter 创建路由器；middleware 按序作用于全部路由
func NewRouter(h *Handler, middleware ...app.HandlerFunc) *Router {
	return &Router{handler: h, middleware: middleware}
}

// Build 构建 hertz server 并注册路由
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append(opts, server.WithHostPorts(addr))
	srv := server.New(opts...)
	for _, mw := range r.middleware {
		srv.Use(mw)
	}
	r.register(srv)
	return srv
}

func (r *Router) register(srv *server.Hertz) {
	h := r.handler

	projects := srv.Group("/projects")
	projects.POST("/", h.CreateProject)
	projects.GET("/", h.ListProjects)
	projects.POST("/:id/quota", h.SetProjectQuota)

	work := srv.Group("/work-items")
	work.POST("/", h.CreateWorkItem)
	work.GET("/", h.ListWorkItems)
	work.GET("/:id", h.GetWorkItem)
	work.POST("/:id/policy", h.SetWorkItemPolicy)
	work.POST("/:id/tool-recipe", h.PutToolRecipe)
	work.GET("/:id/tool-recipe", h.GetToolRecipe)
	work.POST("/:id/approvals", h.RequestApproval)
	work.GET("/:id/approvals", h.ListApprovals)
	work.POST("/approvals/:id/approve", h.DecideApproval)
	work.POST("/:id/start", h.StartRun)
	work.GET("/:id/runs", h.ListWorkItemRuns)

	runs := work.Group("/runs")
	runs.GET("/:id", h.GetRun)
	runs.POST("/:id/claim", h.Claim)
	runs.POST("/:id/heartbeat", h.Heartbeat)
	runs.POST("/:id/complete", h.Complete)
	runs.POST("/:id/cancel", h.CancelRun)
	runs.POST("/:id/logs", h.AppendLog)
	runs.GET("/:id/logs", h.ListLogs)
	runs.GET("/:id/logs/ws", h.StreamLogs)
	runs.POST("/:id/steps", h.CreateStep)
	runs.GET("/:id/steps", h.ListSteps)
	runs.PATCH("/steps/:id", h.UpdateStep)
	runs.POST("/:id/info-requests", h.CreateInfoRequest)
	runs.GET("/:id/info-requests", h.ListInfoRequests)
	runs.GET("/info-requests/:id", h.GetInfoRequest)
	runs.POST("/info-requests/:id/respond", h.RespondInfoRequest)
	runs.POST("/info-requests/:id/cancel", h.CancelInfoRequest)

	scheduler := srv.Group("/scheduler")
	scheduler.POST("/enqueue", h.Enqueue)
	scheduler.POST("/tick", h.Tick)
	scheduler.GET("/queue", h.Queue)
	scheduler.POST("/requeue/work-item", h.RequeueWorkItem)
	scheduler.POST("/requeue/run/:id", h.RequeueRun)

	obs := srv.Group("/observability")
	obs.GET("/health", h.Health)
	obs.GET("/metrics", h.Metrics)
	obs.GET("/traces", h.Traces)
	obs.GET("/runs/:id", h.RunDetail)
	obs.GET("/usage", h.Usage)
	obs.GET("/agents", h.Agents)
}
