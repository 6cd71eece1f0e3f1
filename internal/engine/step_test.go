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
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/coreos/testrunner-lite/internal/plan"
)

func newTestRunContext() *RunContext {
	cfg := Config{
		CommonSoftTimeout: time.Second,
		CommonHardTimeout: 2 * time.Second,
	}
	return NewRunContext(cfg, &Executor{})
}

func TestRunStepPassOnExpectedResult(t *testing.T) {
	rc := newTestRunContext()
	sr := NewStepRunner(rc)
	c := &plan.Case{Name: "t", Verdict: plan.VerdictPass}
	st := &plan.Step{Command: "exit 0", ExpectedResult: 0, HasExpectedResult: true}
	sc := &StepContext{Kind: contextCase, Case: c, Sink: c, Timeout: time.Second}

	if ok := sr.RunStep(context.Background(), st, sc); !ok {
		t.Fatalf("expected step to pass, failure info %q", st.FailureInfo)
	}
	if c.Verdict != plan.VerdictPass {
		t.Errorf("case verdict = %s, want PASS", c.Verdict)
	}
}

func TestRunStepFailOnUnexpectedResult(t *testing.T) {
	rc := newTestRunContext()
	sr := NewStepRunner(rc)
	c := &plan.Case{Name: "t", Verdict: plan.VerdictPass}
	st := &plan.Step{Command: "exit 1", ExpectedResult: 0, HasExpectedResult: true}
	sc := &StepContext{Kind: contextCase, Case: c, Sink: c, Timeout: time.Second}

	if ok := sr.RunStep(context.Background(), st, sc); ok {
		t.Fatalf("expected step to fail")
	}
	if c.Verdict != plan.VerdictFail {
		t.Errorf("case verdict = %s, want FAIL", c.Verdict)
	}
}

func TestRunStepBailedOutMarksResult(t *testing.T) {
	rc := newTestRunContext()
	rc.raiseBailOut(BailOutRemoteFail, "connection lost")
	sr := NewStepRunner(rc)
	c := &plan.Case{Name: "t", Verdict: plan.VerdictPass}
	st := &plan.Step{Command: "exit 0", ExpectedResult: 0, HasExpectedResult: true}
	sc := &StepContext{Kind: contextCase, Case: c, Sink: c, Timeout: time.Second}

	if ok := sr.RunStep(context.Background(), st, sc); ok {
		t.Fatalf("expected a bailed-out step to fail")
	}
	if !st.HasResult {
		t.Errorf("expected HasResult to be set on a bailed-out step")
	}
	if st.ReturnCode != BailOutRemoteFail {
		t.Errorf("ReturnCode = %d, want %d", st.ReturnCode, BailOutRemoteFail)
	}
	if st.FailureInfo != "connection lost" {
		t.Errorf("FailureInfo = %q, want %q", st.FailureInfo, "connection lost")
	}
}

func TestRunGroupAggregatesFailure(t *testing.T) {
	rc := newTestRunContext()
	sr := NewStepRunner(rc)
	steps := []*plan.Step{
		{Command: "exit 0", ExpectedResult: 0, HasExpectedResult: true},
		{Command: "exit 3", ExpectedResult: 0, HasExpectedResult: true},
	}

	pass, info := sr.RunGroup(context.Background(), steps, time.Second)
	if pass {
		t.Fatalf("expected group to fail")
	}
	if info == "" {
		t.Errorf("expected non-empty failure info")
	}
}

func TestPostProcessStepsKillsProcessGroup(t *testing.T) {
	// A started step whose process group is still alive when the
	// post-processor runs: this is what it exists to clean up.
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting sleep: %v", err)
	}
	st := &plan.Step{Command: "sleep 30", StartTime: time.Now(), Pgid: cmd.Process.Pid}

	PostProcessSteps([]*plan.Step{st}, false)

	_ = cmd.Wait()
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() || ws.Signal() != syscall.SIGKILL {
		t.Fatalf("step process group was not killed with SIGKILL: %v", cmd.ProcessState)
	}
}
