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

package engine

import (
	"context"
	"testing"

	"github.com/coreos/testrunner-lite/internal/plan"
)

func TestRunSetSkipsOutOfEnvironment(t *testing.T) {
	rc := newTestRunContext()
	rc.RunAutomatic = true
	rc.RunEnvironment = "qemu"
	sr := NewSetRunner(rc)

	s := &plan.Set{
		Name:         "prod-only",
		Environments: map[string]struct{}{"metal": {}},
		Cases:        []*plan.Case{{Name: "c1", Steps: []*plan.Step{{Command: "exit 0"}}}},
	}
	sr.RunSet(context.Background(), nil, s)

	if rc.Executed != 0 {
		t.Errorf("Executed = %d, want 0 for a Set outside the active environment", rc.Executed)
	}
}

func TestRunSetPreStepFailureFailsAllCases(t *testing.T) {
	rc := newTestRunContext()
	rc.RunAutomatic = true
	sr := NewSetRunner(rc)

	s := &plan.Set{
		Name: "broken",
		PreSteps: plan.StepGroup{
			Steps: []*plan.Step{{Command: "exit 1", ExpectedResult: 0, HasExpectedResult: true}},
		},
		Cases: []*plan.Case{
			{Name: "c1", Steps: []*plan.Step{{Command: "exit 0"}}},
			{Name: "c2", Steps: []*plan.Step{{Command: "exit 0"}}},
		},
	}
	sr.RunSet(context.Background(), nil, s)

	for _, c := range s.Cases {
		if c.Verdict != plan.VerdictFail {
			t.Errorf("case %q verdict = %s, want FAIL", c.Name, c.Verdict)
		}
		if c.FailureInfo == "" {
			t.Errorf("case %q has no failure info recorded", c.Name)
		}
	}
	if rc.Passed != 0 {
		t.Errorf("Passed = %d, want 0", rc.Passed)
	}
}

func TestRunSetHWIDWhitelistExcludesOtherHardware(t *testing.T) {
	rc := newTestRunContext()
	rc.RunAutomatic = true
	sr := NewSetRunner(rc)

	def := &plan.Definition{DetectedHW: "board-b"}
	s := &plan.Set{
		Name:          "board-a-only",
		HWIDWhitelist: "board-a,board-c",
		Cases:         []*plan.Case{{Name: "c1", Steps: []*plan.Step{{Command: "exit 0"}}}},
	}
	sr.RunSet(context.Background(), def, s)

	if rc.Executed != 0 {
		t.Errorf("Executed = %d, want 0 for hardware not in the whitelist", rc.Executed)
	}
}

func TestHwidListedMembership(t *testing.T) {
	if !hwidListed("a, b, c", "b") {
		t.Errorf("expected %q to be listed in %q", "b", "a, b, c")
	}
	if hwidListed("a,b,c", "d") {
		t.Errorf("did not expect %q to be listed in %q", "d", "a,b,c")
	}
}
