// Copyright 2015 CoreOS, Inc.
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

package plan

import (
	"os"
	"path/filepath"
	"testing"
)

const samplePlan = `
hwdetect: "cat /etc/hw-id"
suite: smoke
sets:
  - name: basic
    environments: ["qemu"]
    cases:
      - name: echo-ok
        steps:
          - command: "echo hi"
            expected_result: 0
`

func TestLoadYAMLPlanNodeSequence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	if err := os.WriteFile(path, []byte(samplePlan), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadYAMLPlan(path)
	if err != nil {
		t.Fatalf("LoadYAMLPlan: %v", err)
	}

	var kinds []NodeKind
	for {
		node, ok := p.Next()
		if !ok {
			break
		}
		kinds = append(kinds, node.Kind)
	}
	if err := p.Err(); err != nil {
		t.Fatalf("unexpected parser error: %v", err)
	}

	want := []NodeKind{NodeTdStart, NodeHwIdDetect, NodeSuiteStart, NodeSetProcess, NodeSuiteEnd, NodeTdEnd}
	if len(kinds) != len(want) {
		t.Fatalf("got %d nodes, want %d: %v", len(kinds), len(want), kinds)
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Errorf("node %d: got %s, want %s", i, kinds[i], k)
		}
	}
}

func TestLoadYAMLPlanMissingFile(t *testing.T) {
	_, err := LoadYAMLPlan(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing plan file")
	}
}
