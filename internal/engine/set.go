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
	"strings"

	"github.com/coreos/testrunner-lite/internal/plan"
)

// SetRunner applies a Set's filters and drives its pre_steps, Cases,
// post_steps and set-level gets (spec §4.5).
type SetRunner struct {
	rc    *RunContext
	steps *StepRunner
	cases *CaseRunner
}

// NewSetRunner builds a SetRunner bound to rc.
func NewSetRunner(rc *RunContext) *SetRunner {
	return &SetRunner{rc: rc, steps: NewStepRunner(rc), cases: NewCaseRunner(rc)}
}

// RunSet executes s to completion. Filtered-out Sets return immediately
// without touching their Cases' counters.
func (r *SetRunner) RunSet(ctx context.Context, def *plan.Definition, s *plan.Set) {
	r.rc.CurrentSet = s

	if r.rc.UserSetFilter != nil && !r.rc.UserSetFilter.MatchString(s.Name) {
		return
	}
	if s.HWIDWhitelist != "" && def != nil && def.DetectedHW != "" && !hwidListed(s.HWIDWhitelist, def.DetectedHW) {
		return
	}
	if len(s.Environments) > 0 {
		if _, ok := s.Environments[r.rc.RunEnvironment]; !ok {
			return
		}
	}
	if r.rc.Denylist != nil && r.rc.Denylist.DeniesSet(s.Name, def) {
		return
	}

	s.Environment = r.rc.RunEnvironment

	plog.Infof("pre_set %q", s.Name)

	if len(s.PreSteps.Steps) > 0 {
		if pass, info := r.steps.RunGroup(ctx, s.PreSteps.Steps, s.PreSteps.Timeout); !pass {
			failInfo := r.rc.GlobalFailure
			if failInfo == "" {
				failInfo = info
			}
			if failInfo == "" {
				failInfo = "pre_steps failed"
			}
			for _, c := range s.Cases {
				if r.rc.Denylist != nil && r.rc.Denylist.DeniesCase(s.Name, c.Name, def) {
					c.Filtered = true
					r.rc.Filtered++
					continue
				}
				c.Verdict = plan.VerdictFail
				c.FailureInfo = failInfo
				r.rc.Executed++
				r.cases.finalize(c)
			}
			r.finishSet(ctx, s)
			return
		}
	}

	for _, c := range s.Cases {
		if r.rc.Denylist != nil && r.rc.Denylist.DeniesCase(s.Name, c.Name, def) {
			c.Filtered = true
			r.rc.Filtered++
			continue
		}
		r.cases.RunCase(ctx, c)
	}

	if r.rc.ResumeTestRun && r.rc.Resume != nil {
		if err := r.rc.Resume.Wait(ctx); err != nil {
			plog.Warningf("set %q: resume wait failed: %v", s.Name, err)
		}
	}

	if len(s.PostSteps.Steps) > 0 {
		if pass, info := r.steps.RunGroup(ctx, s.PostSteps.Steps, s.PostSteps.Timeout); !pass {
			plog.Warningf("set %q: post_steps failed: %s", s.Name, info)
		}
	}

	getProc := NewGetProcessor(r.rc)
	for _, g := range s.Gets {
		if err := getProc.ProcessGet(ctx, g); err != nil {
			plog.Warningf("set %q: get %q failed: %v", s.Name, g.Source, err)
		}
	}

	if r.rc.ResumeTestRun && r.rc.ResumeExitAfter {
		r.rc.raiseBailOut(BailOutRemoteFail, "resume exit-after checkpoint")
	}

	r.finishSet(ctx, s)
}

func (r *SetRunner) finishSet(ctx context.Context, s *plan.Set) {
	plog.Infof("post_set %q", s.Name)
	PostProcessSteps(s.PreSteps.Steps, false)
	PostProcessSteps(s.PostSteps.Steps, false)
}

// hwidListed reports whether id is one of list's comma-separated, exact
// (whitespace-trimmed) members — the original's list_contains, used here
// to compare one whole detected ID, never a fragment of one (spec §4.5
// item 2; see DESIGN.md Open Question decisions).
func hwidListed(list, id string) bool {
	for _, entry := range strings.Split(list, ",") {
		if strings.TrimSpace(entry) == id {
			return true
		}
	}
	return false
}
