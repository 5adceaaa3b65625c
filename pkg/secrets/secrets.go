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

// Package secrets 编排器共享密钥的来源解析。
// 密钥只在启动时读取一次，进程不回写；来源可为环境变量或 Vault。
package secrets

import (
	"context"
	"fmt"
)

// Source 密钥来源（只读）
type Source interface {
	Get(ctx context.Context, key string) (string, error)
}

// ResolveSharedKey 解析编排器共享密钥。
// source=env 从 envVar 读取（默认 ORCH_SECRET_KEY）；
// source=vault 从 vaultPath 前缀下的 vaultKey 读取（默认 secret_key）；
// source 为空时返回空串（不加密、不鉴权明文读取）。
func ResolveSharedKey(ctx context.Context, source, envVar, vaultAddr, vaultPath, vaultKey string) (string, error) {
	switch source {
	case "":
		return "", nil
	case "env":
		if envVar == "" {
			envVar = "ORCH_SECRET_KEY"
		}
		return EnvSource{}.Get(ctx, envVar)
	case "vault":
		src, err := NewVaultSource(vaultAddr, vaultPath)
		if err != nil {
			return "", err
		}
		if vaultKey == "" {
			vaultKey = "secret_key"
		}
		return src.Get(ctx, vaultKey)
	default:
		return "", fmt.Errorf("unknown secret source: %s", source)
	}
}
