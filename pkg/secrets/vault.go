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

package secrets

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// VaultSource 从 HashiCorp Vault 读取共享密钥。
// 认证走 vault 客户端默认链（VAULT_TOKEN 等环境变量）。
type VaultSource struct {
	client *vault.Client
	prefix string
}

// NewVaultSource 创建 Vault 来源；addr 为空取客户端默认地址，
// prefix 为密钥路径前缀（默认 "secret"）
func NewVaultSource(addr, prefix string) (*VaultSource, error) {
	cfg := vault.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	if prefix == "" {
		prefix = "secret"
	}
	return &VaultSource{client: client, prefix: prefix}, nil
}

func (v *VaultSource) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.prefix+"/"+key)
	if err != nil {
		return "", fmt.Errorf("read secret from vault: %w", err)
	}
	if secret == nil {
		return "", fmt.Errorf("secret not found: %s", key)
	}
	if val, ok := secret.Data["value"].(string); ok {
		return val, nil
	}
	// KV v2 将负载嵌在 data 下
	if data, ok := secret.Data["data"].(map[string]interface{}); ok {
		if val, ok := data["value"].(string); ok {
			return val, nil
		}
		if val, ok := data[key].(string); ok {
			return val, nil
		}
	}
	return "", fmt.Errorf("secret %s carries no string value", key)
}
