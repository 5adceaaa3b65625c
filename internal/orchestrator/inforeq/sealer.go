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

package inforeq

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// Sealer 响应封存方案。核心只认 algo 标签，方案可替换；
// algo 为空表示明文存储。
type Sealer interface {
	// Enabled 是否启用加密
	Enabled() bool
	// Seal 加密明文，返回密文与 algo 标签
	Seal(plain []byte) (cipherText []byte, algo string, err error)
	// Open 按 algo 解密
	Open(cipherText []byte, algo string) ([]byte, error)
	// Match 请求方提供的共享密钥是否与封存密钥一致（明文读取鉴权）
	Match(key string) bool
}

// NoopSealer 未配置密钥时的明文方案
type NoopSealer struct{}

func (NoopSealer) Enabled() bool { return false }

func (NoopSealer) Seal(p []byte) ([]byte, string, error) { return p, "", nil }
func (NoopSealer) Open(c []byte, algo string) ([]byte, error) {
	if algo != "" {
		return nil, fmt.Errorf("sealer disabled, cannot open %q payload", algo)
	}
	return c, nil
}
func (NoopSealer) Match(string) bool { return true }

const algoAESGCM = "aes-gcm"

// AESGCMSealer 共享密钥派生 AES-256-GCM；nonce 前缀存储
type AESGCMSealer struct {
	key  string
	aead cipher.AEAD
}

// NewAESGCMSealer 由共享密钥创建 sealer
func NewAESGCMSealer(sharedKey string) (*AESGCMSealer, error) {
	sum := sha256.Sum256([]byte(sharedKey))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCMSealer{key: sharedKey, aead: aead}, nil
}

func (s *AESGCMSealer) Enabled() bool { return true }

func (s *AESGCMSealer) Seal(plain []byte) ([]byte, string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, "", err
	}
	out := s.aead.Seal(nonce, nonce, plain, nil)
	return out, algoAESGCM, nil
}

func (s *AESGCMSealer) Open(cipherText []byte, algo string) ([]byte, error) {
	if algo != algoAESGCM {
		return nil, fmt.Errorf("unsupported seal algo %q", algo)
	}
	ns := s.aead.NonceSize()
	if len(cipherText) < ns {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return s.aead.Open(nil, cipherText[:ns], cipherText[ns:], nil)
}

func (s *AESGCMSealer) Match(key string) bool { return key != "" && key == s.key }
