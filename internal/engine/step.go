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
	"fmt"
	"time"

	"github.com/coreos/testrunner-lite/internal/plan"
)

// stepContextKind replaces the teacher-inherited "dummy case" sentinel
// flag (spec §9 DESIGN NOTES) with an explicit tag on the context a
// Step Runner call executes under.
type stepContextKind int

const (
	contextCase stepContextKind = iota
	contextPrePost
)

// verdictSink is whatever a StepContext reports failures into: a real
// Case, or an ephemeral group verdict for pre/post step groups and
// post_reboot_steps.
type verdictSink interface {
	Fail(info string)
}

// groupVerdict is the verdictSink used for StepGroups and
// post_reboot_steps, which have no Case of their own to fail.
type groupVerdict struct {
	verdict     plan.Verdict
	failureInfo string
}

func (g *groupVerdict) Fail(info string) {
	g.verdict = plan.VerdictFail
	if g.failureInfo == "" {
		g.failureInfo = info
	}
}

// StepContext carries everything the Step Runner needs beyond the Step
// itself: which kind of context it runs in, where to report failure,
// and the effective soft timeout for command steps.
type StepContext struct {
	Kind    stepContextKind
	Case    *plan.Case // nil when Kind == contextPrePost
	Sink    verdictSink
	Timeout time.Duration
}

// StepRunner executes a single Step against a RunContext (spec §4.2).
type StepRunner struct {
	rc *RunContext
}

// NewStepRunner builds a StepRunner bound to rc.
func NewStepRunner(rc *RunContext) *StepRunner {
	return &StepRunner{rc: rc}
}

// RunStep runs one step and returns whether it passed. It has side
// effects on both step and sc.Sink.
func (r *StepRunner) RunStep(ctx context.Context, step *plan.Step, sc *StepContext) bool {
	r.rc.CurrentStepNum++

	if step.Control == plan.ControlRebootForced && !r.rc.IsBailedOut() {
		return r.runRebootForced(ctx, step, sc)
	}

	if r.rc.IsBailedOut() {
		return r.failBailedOut(step, sc)
	}

	if step.Event != plan.EventNone {
		if r.rc.Events == nil {
			plog.Warningf("event step has no event helper wired in, skipping")
			step.HasResult = true
			return true
		}
		if err := r.rc.Events.Dispatch(ctx, step.Event, step.Resource); err != nil {
			step.HasResult = true
			return r.fail(step, sc, fmt.Sprintf("event on %q failed: %v", step.Resource, err))
		}
		step.HasResult = true
		return true
	}

	if step.Manual {
		if sc.Kind == contextPrePost {
			plog.Warningf("manual step in pre/post step group is not supported, skipping")
			step.HasResult = true
			return true
		}
		if r.rc.Manual == nil {
			plog.Warningf("manual step has no manual helper wired in, skipping")
			step.HasResult = true
			return true
		}
		if err := r.rc.Manual.RunManualStep(ctx, step); err != nil {
			step.HasResult = true
			return r.fail(step, sc, err.Error())
		}
		step.HasResult = true
		return true
	}

	return r.runCommand(ctx, step, sc)
}

// RunGroup runs an ordered list of steps under pre/post (dummy-case)
// semantics and returns the aggregate pass/fail and failure info.
func (r *StepRunner) RunGroup(ctx context.Context, steps []*plan.Step, timeout time.Duration) (bool, string) {
	gv := &groupVerdict{verdict: plan.VerdictPass}
	sc := &StepContext{Kind: contextPrePost, Sink: gv, Timeout: timeout}
	for _, st := range steps {
		r.RunStep(ctx, st, sc)
	}
	return gv.verdict != plan.VerdictFail, gv.failureInfo
}

func (r *StepRunner) runRebootForced(ctx context.Context, step *plan.Step, sc *StepContext) bool {
	step.StartTime = time.Now()
	var err error
	if r.rc.Reboot != nil {
		err = r.rc.Reboot.WaitForReboot(ctx)
	}
	step.EndTime = time.Now()
	step.HasResult = true

	if err != nil {
		r.rc.raiseBailOut(BailOutRemoteFail, "connection failure")
		return r.fail(step, sc, "connection failure")
	}

	if sc.Kind == contextCase && sc.Case != nil && len(sc.Case.PostRebootSteps) > 0 {
		if pass, info := r.RunGroup(ctx, sc.Case.PostRebootSteps, r.rc.softTimeoutFor(sc.Case)); !pass {
			return r.fail(step, sc, fmtFailureInfo("post reboot steps failed", info))
		}
	}
	return true
}

func (r *StepRunner) failBailedOut(step *plan.Step, sc *StepContext) bool {
	if step.Control == plan.ControlRebootForced {
		r.rc.BailOut = BailOutRemoteFail
		step.FailureInfo = "connection failure"
	} else {
		step.FailureInfo = r.rc.GlobalFailure
	}
	step.HasResult = true
	step.ReturnCode = r.rc.BailOut
	sc.Sink.Fail(step.FailureInfo)
	return false
}

func (r *StepRunner) fail(step *plan.Step, sc *StepContext, info string) bool {
	if step.FailureInfo == "" {
		step.FailureInfo = info
	}
	sc.Sink.Fail(step.FailureInfo)
	return false
}

func (r *StepRunner) runCommand(ctx context.Context, step *plan.Step, sc *StepContext) bool {
	soft := sc.Timeout
	if soft <= 0 {
		soft = r.rc.CommonSoftTimeout
	}
	hard := r.rc.CommonHardTimeout
	if hard < soft {
		hard = soft
	}

	res := r.rc.Executor.Run(ctx, step.Command, ExecConfig{SoftTimeout: soft, HardTimeout: hard})
	step.Stdout = res.Stdout
	step.Stderr = res.Stderr
	step.StartTime = res.StartTime
	step.EndTime = res.EndTime
	step.Pgid = res.Pgid
	step.Signaled = res.Signaled
	step.ReturnCode = res.ReturnCode
	step.HasResult = true
	if step.FailureInfo == "" {
		step.FailureInfo = res.FailureInfo
	}

	if isConnectionFailureExit(r.rc, res) {
		r.rc.raiseBailOut(BailOutRemoteFail, "earlier connection failure")
	}

	if step.Control == plan.ControlRebootExpected {
		return r.classifyRebootExpected(ctx, step, sc)
	}

	if r.rc.BailOut == BailOutRemoteFail {
		return r.fail(step, sc, r.rc.GlobalFailure)
	}

	pass := res.Signaled == 0 && res.ReturnCode == step.ExpectedResult
	if sc.Kind == contextPrePost && !step.HasExpectedResult {
		pass = true
	}
	if !pass {
		info := step.FailureInfo
		if info == "" {
			info = fmt.Sprintf("unexpected return code %d", res.ReturnCode)
		}
		return r.fail(step, sc, info)
	}
	return true
}

func (r *StepRunner) classifyRebootExpected(ctx context.Context, step *plan.Step, sc *StepContext) bool {
	if r.rc.BailOut == BailOutRemoteFail {
		var err error
		if r.rc.Reboot != nil {
			err = r.rc.Reboot.WaitForReboot(ctx)
		}
		if err != nil {
			r.rc.BailOut = BailOutRemoteFail
			return r.fail(step, sc, "connection failure")
		}
		r.rc.clearBailOut()
		if sc.Kind == contextCase && sc.Case != nil && len(sc.Case.PostRebootSteps) > 0 {
			if pass, info := r.RunGroup(ctx, sc.Case.PostRebootSteps, r.rc.softTimeoutFor(sc.Case)); !pass {
				return r.fail(step, sc, fmtFailureInfo("post reboot steps failed", info))
			}
		}
		step.ReturnCode = step.ExpectedResult
		return true
	}

	// The command under test returned without ever disconnecting:
	// a reboot was expected but did not happen.
	step.ReturnCode = step.ExpectedResult + 1
	return r.fail(step, sc, "expected reboot did not occur")
}

func fmtFailureInfo(prefix, detail string) string {
	if detail == "" {
		return prefix
	}
	return fmt.Sprintf("%s: %s", prefix, detail)
}

func isConnectionFailureExit(rc *RunContext, res *ExecResult) bool {
	code := rc.connectionFailureExitCode()
	if code == nil {
		return false
	}
	return res.Signaled == 0 && res.ReturnCode == *code
}
