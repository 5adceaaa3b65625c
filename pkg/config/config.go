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

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	LogBus    LogBusConfig    `mapstructure:"logbus"`
	Secret    SecretConfig    `mapstructure:"secret"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`

	// RequireApproval 为 false 时审批门禁关闭，所有工单视为已批准
	RequireApproval *bool `mapstructure:"require_approval"`
}

// APIConfig API 服务配置
type APIConfig struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min"` // 每客户端每分钟请求上限，<=0 关闭限流
}

// DatabaseConfig 存储配置
type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // memory | postgres
	URL      string `mapstructure:"url"`  // type=postgres 时必填
	PoolSize int    `mapstructure:"pool_size"`
}

// SchedulerConfig 调度循环配置
type SchedulerConfig struct {
	// BackgroundInterval 后台 tick 间隔（秒），<=0 时仅手动 tick
	BackgroundInterval int `mapstructure:"background_interval"`
	// ExpireScanInterval 租约过期扫描间隔（秒），<=0 时取 claim TTL/4
	ExpireScanInterval int `mapstructure:"expire_scan_interval"`
}

// RetryConfig 全局重试默认值，可被工单级策略覆盖
type RetryConfig struct {
	MaxRetries           int `mapstructure:"max_retries"`
	BackoffBaseSeconds   int `mapstructure:"backoff_base_seconds"`
	BackoffJitterSeconds int `mapstructure:"backoff_jitter_seconds"`
}

// LeaseConfig 运行租约配置
type LeaseConfig struct {
	DefaultClaimTTLSeconds int `mapstructure:"default_claim_ttl_seconds"` // <=0 时默认 300
}

// LogBusConfig 进程内日志总线配置
type LogBusConfig struct {
	Buffer    int    `mapstructure:"buffer"`     // 每订阅者缓冲条数，<=0 时默认 256
	RedisAddr string `mapstructure:"redis_addr"` // 非空时事件额外镜像到 Redis Pub/Sub
	RedisDB   int    `mapstructure:"redis_db"`
}

// SecretConfig 共享密钥来源配置（信息请求响应加密 / 明文读取鉴权）
type SecretConfig struct {
	Source    string `mapstructure:"source"` // env | vault | 空（无密钥，明文存储）
	EnvVar    string `mapstructure:"env_var"`
	VaultAddr string `mapstructure:"vault_addr"`
	VaultPath string `mapstructure:"vault_path"`
	VaultKey  string `mapstructure:"vault_key"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// ApprovalRequired 审批门禁是否开启；未配置时默认开启
func (c *Config) ApprovalRequired() bool {
	return c.RequireApproval == nil || *c.RequireApproval
}

// LoadConfig 加载配置文件；ORCH_ 前缀环境变量覆盖同名配置项（如 ORCH_DATABASE_URL）
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("orch")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	return &config, nil
}

// Default 无配置文件时的默认配置（memory 存储，手动 tick）
func Default() *Config {
	v := viper.New()
	v.SetEnvPrefix("orch")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)
	var config Config
	_ = v.Unmarshal(&config)
	return &config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.rate_limit_per_min", 120)
	v.SetDefault("database.type", "memory")
	v.SetDefault("database.pool_size", 8)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.backoff_base_seconds", 1)
	v.SetDefault("retry.backoff_jitter_seconds", 0)
	v.SetDefault("lease.default_claim_ttl_seconds", 300)
	v.SetDefault("logbus.buffer", 256)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("tracing.service_name", "codex-orchestrator")
}
