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
	"testing"
)

func TestEnvSourceGet(t *testing.T) {
	ctx := context.Background()
	t.Setenv("ORCH_TEST_SECRET", "s3cret")

	got, err := EnvSource{}.Get(ctx, "ORCH_TEST_SECRET")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("Get = %q, want s3cret", got)
	}
	if _, err := (EnvSource{}).Get(ctx, "ORCH_TEST_SECRET_MISSING"); err == nil {
		t.Error("unset variable must return an error")
	}
}

func TestResolveSharedKey(t *testing.T) {
	ctx := context.Background()

	key, err := ResolveSharedKey(ctx, "", "", "", "", "")
	if err != nil || key != "" {
		t.Fatalf("empty source: got %q err=%v, want empty key", key, err)
	}

	t.Setenv("ORCH_TEST_SECRET", "from-custom-var")
	key, err = ResolveSharedKey(ctx, "env", "ORCH_TEST_SECRET", "", "", "")
	if err != nil {
		t.Fatalf("env resolve: %v", err)
	}
	if key != "from-custom-var" {
		t.Errorf("key = %q", key)
	}

	// envVar 缺省回落 ORCH_SECRET_KEY
	t.Setenv("ORCH_SECRET_KEY", "from-default-var")
	key, err = ResolveSharedKey(ctx, "env", "", "", "", "")
	if err != nil {
		t.Fatalf("env resolve with default var: %v", err)
	}
	if key != "from-default-var" {
		t.Errorf("key = %q", key)
	}

	if _, err := ResolveSharedKey(ctx, "nope", "", "", "", ""); err == nil {
		t.Error("unknown source must return an error")
	}
}
