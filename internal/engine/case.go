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
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/coreos/testrunner-lite/internal/plan"
)

// CaseRunner orchestrates a Case's step list, post_reboot_steps, crash
// correlation, measurement collection and artefact gets (spec §4.3).
type CaseRunner struct {
	rc    *RunContext
	steps *StepRunner
}

// NewCaseRunner builds a CaseRunner bound to rc.
func NewCaseRunner(rc *RunContext) *CaseRunner {
	return &CaseRunner{rc: rc, steps: NewStepRunner(rc)}
}

// RunCase executes c to completion, mutating its verdict, failure info,
// crash-report table and RichCoreUUID in place.
func (r *CaseRunner) RunCase(ctx context.Context, c *plan.Case) {
	if c.Manual && !r.rc.RunManual {
		c.Filtered = true
		r.rc.Filtered++
		return
	}
	if !c.Manual && !r.rc.RunAutomatic {
		c.Filtered = true
		r.rc.Filtered++
		return
	}
	// UserCaseFilter is an allowlist: a case survives only if its name
	// matches, the same -run convention the "testing" package uses. This
	// keeps the user filter and the denylist (DeniesCase) as opposite
	// halves of one selection pipeline rather than two denylists.
	if r.rc.UserCaseFilter != nil && !r.rc.UserCaseFilter.MatchString(c.Name) {
		c.Filtered = true
		r.rc.Filtered++
		return
	}

	r.rc.CurrentCaseName = c.Name

	if c.State == plan.DesignState {
		c.Verdict = plan.VerdictNA
		r.rc.Executed++
		r.finalize(c)
		return
	}
	if len(c.Steps) == 0 {
		c.Verdict = plan.VerdictNA
		r.rc.Executed++
		r.finalize(c)
		return
	}

	r.rc.Executed++
	if c.CrashReports == nil {
		c.CrashReports = map[string]string{}
	}
	if c.Timeout <= 0 {
		c.Timeout = r.rc.CommonSoftTimeout
	}
	c.Verdict = plan.VerdictPass

	var caseUUID string
	if r.rc.CrashCollectionEnabled {
		caseUUID = newMarkerUUID()
		if err := writeMarkerFile(r.rc.markerFilePath(), caseUUID); err != nil {
			plog.Warningf("case %q: could not write crash marker: %v", c.Name, err)
		}
	}

	if r.rc.PowerMeasurementEnabled && r.rc.Measurement != nil {
		if err := r.rc.Measurement.Start(c.Name); err != nil {
			plog.Warningf("case %q: could not start measurement streamer: %v", c.Name, err)
		}
	}

	if c.Manual && r.rc.Manual != nil {
		if err := r.rc.Manual.PreManualPrompt(ctx, c); err != nil {
			plog.Warningf("case %q: pre-manual prompt failed: %v", c.Name, err)
		}
	}

	sc := &StepContext{Kind: contextCase, Case: c, Sink: c, Timeout: c.Timeout}
	for _, st := range c.Steps {
		r.steps.RunStep(ctx, st, sc)
	}

	PostProcessSteps(c.Steps, c.Filtered)
	PostProcessSteps(c.PostRebootSteps, c.Filtered)

	if c.Manual && r.rc.Manual != nil {
		if err := r.rc.Manual.PostManualPrompt(ctx, c); err != nil {
			plog.Warningf("case %q: post-manual prompt failed: %v", c.Name, err)
		}
	}

	if r.rc.PowerMeasurementEnabled && r.rc.Measurement != nil {
		file, err := r.rc.Measurement.Stop()
		if err != nil {
			plog.Warningf("case %q: could not stop measurement streamer: %v", c.Name, err)
		} else if r.rc.MeasParser != nil {
			if _, err := r.rc.MeasParser.Parse(c, file); err != nil {
				plog.Warningf("case %q: could not parse measurement file: %v", c.Name, err)
			}
		}
	}

	if r.rc.CrashCollectionEnabled {
		if err := removeMarkerFile(r.rc.markerFilePath()); err != nil {
			plog.Warningf("case %q: could not remove crash marker: %v", c.Name, err)
		}
		collector := NewCrashCollector(r.rc)
		found, err := collector.Collect(ctx, caseUUID, c.CrashReports)
		if err != nil {
			plog.Warningf("case %q: crash collection failed: %v", c.Name, err)
		} else if found {
			c.RichCoreUUID = caseUUID
		}
	}

	getProc := NewGetProcessor(r.rc)
	for _, g := range c.Gets {
		getProc.ProcessCaseGet(ctx, c, g)
	}

	r.finalize(c)
}

func (r *CaseRunner) finalize(c *plan.Case) {
	switch c.Verdict {
	case plan.VerdictPass:
		r.rc.Passed++
	case plan.VerdictFail:
		r.rc.Failed++
	case plan.VerdictNA:
		r.rc.NA++
	}
}

// PostProcessSteps guarantees no orphan process group outlives its Case
// or StepGroup (spec §4.4, testable property 1): every step that
// actually started and still owns a process group is sent SIGKILL.
func PostProcessSteps(steps []*plan.Step, filtered bool) {
	if filtered {
		return
	}
	for _, st := range steps {
		if st.Manual || st.StartTime.IsZero() || st.Pgid == 0 {
			continue
		}
		if err := syscall.Kill(-st.Pgid, syscall.SIGKILL); err != nil {
			plog.Debugf("step post-processor: kill pgid %d: %v", st.Pgid, err)
		}
	}
}

// newMarkerUUID generates a v4 UUID and replaces every '-' with
// UUIDDashReplacement, per the marker-file filename convention the
// external crash dumper expects (spec §4.3, §9).
func newMarkerUUID() string {
	id := uuid.New().String()
	return strings.ReplaceAll(id, "-", string(rune(UUIDDashReplacement)))
}

func (c *Config) markerFilePath() string {
	return filepath.Join(c.CrashDumpsDir, c.markerFileName())
}

func writeMarkerFile(path, contents string) error {
	if path == "" {
		return errors.New("no crash-dumps directory configured")
	}
	return os.WriteFile(path, []byte(contents), 0644)
}

func removeMarkerFile(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
