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

// Package recipe 工具配方（YAML）的解析与校验。
// 核心只校验结构，配方内容对调度语义不透明。
package recipe

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Recipe 工具配方
type Recipe struct {
	Tools []Tool `yaml:"tools"`
	Steps []Step `yaml:"steps"`
}

// Tool 工具声明
type Tool struct {
	Name     string            `yaml:"name"`
	Version  string            `yaml:"version"`
	Checksum string            `yaml:"checksum"`
	Env      map[string]string `yaml:"env"`
	Network  bool              `yaml:"network"`
}

// Step 步骤：纯字符串或 {run, env?, timeout?, cwd?}
type Step struct {
	Run     string            `yaml:"run"`
	Env     map[string]string `yaml:"env"`
	Timeout int               `yaml:"timeout"`
	Cwd     string            `yaml:"cwd"`
}

// UnmarshalYAML 兼容字符串简写
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var run string
		if err := node.Decode(&run); err != nil {
			return err
		}
		s.Run = run
		return nil
	}
	type raw Step
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	*s = Step(r)
	return nil
}

// Parse 解析并校验配方 YAML
func Parse(text string) (*Recipe, error) {
	var r Recipe
	if err := yaml.Unmarshal([]byte(text), &r); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate 结构校验
func (r *Recipe) Validate() error {
	if len(r.Tools) == 0 {
		return fmt.Errorf("recipe must declare at least one tool")
	}
	seen := map[string]bool{}
	for i, t := range r.Tools {
		if t.Name == "" {
			return fmt.Errorf("tools[%d]: name is required", i)
		}
		if t.Version == "" {
			return fmt.Errorf("tools[%d] (%s): version is required", i, t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("tools[%d]: duplicate tool %q", i, t.Name)
		}
		seen[t.Name] = true
	}
	for i, s := range r.Steps {
		if s.Run == "" {
			return fmt.Errorf("steps[%d]: run is required", i)
		}
		if s.Timeout < 0 {
			return fmt.Errorf("steps[%d]: timeout must not be negative", i)
		}
	}
	return nil
}
