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
	"regexp"
	"time"

	"github.com/coreos/pkg/capnslog"

	"github.com/coreos/testrunner-lite/internal/plan"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/testrunner-lite", "engine")

// BailOutRemoteFail is the sentinel bail_out code raised on an
// unrecoverable target-connection failure (spec §3, §7).
const BailOutRemoteFail = 1

// BailOutHealthy is the zero value meaning "no poisoning in effect".
const BailOutHealthy = 0

// UUIDDashReplacement is the byte every '-' in a case UUID's canonical
// 36-character form is replaced with before it is written to the marker
// file, so the crash dumper sees a "word-like" filename suffix. This is
// an external contract with the dumper, not a style choice (spec §9).
const UUIDDashReplacement = '0'

// RebootWaiter blocks until the target either becomes reachable again
// after a reboot, or the reboot is known to have failed.
type RebootWaiter interface {
	WaitForReboot(ctx context.Context) error
}

// ManualHelper drives interactive manual steps and case-level prompts.
// It is never invoked for pre/post step groups (spec §4.2 item 5).
type ManualHelper interface {
	RunManualStep(ctx context.Context, step *plan.Step) error
	PreManualPrompt(ctx context.Context, c *plan.Case) error
	PostManualPrompt(ctx context.Context, c *plan.Case) error
}

// EventHelper dispatches a Step's SEND/WAIT synchronization event.
type EventHelper interface {
	Dispatch(ctx context.Context, kind plan.EventKind, resource string) error
}

// MeasurementData is the parsed content of a power-measurement file;
// its shape is owned by the measurement-file parser collaborator and
// opaque to the engine beyond being handed to the evaluator.
type MeasurementData interface{}

// MeasurementStreamer starts/stops the external power-measurement
// collector around a Case.
type MeasurementStreamer interface {
	Start(caseName string) error
	Stop() (outputFile string, err error)
}

// MeasurementParser turns a measurement file into engine-opaque data,
// storing it onto the Case as a side effect understood only by the
// parser/evaluator pair.
type MeasurementParser interface {
	Parse(c *plan.Case, file string) (MeasurementData, error)
}

// MeasurementEvaluator decides PASS/FAIL from parsed measurement data.
type MeasurementEvaluator interface {
	Evaluate(data MeasurementData) (plan.Verdict, error)
}

// ResumeSignal is the external checkpoint gate a Set Runner blocks on
// when resume-testrun is configured.
type ResumeSignal interface {
	Wait(ctx context.Context) error
}

// RemoteConfig carries the {target_address, target_port, username,
// ssh_key} tuple from spec §6, or a templated remote-getter command
// string as the alternative transport.
type RemoteConfig struct {
	Host    string
	Port    int
	User    string
	KeyFile string

	// GetterTemplate, when set and Host is empty, is used instead of
	// scp; "<FILE>" and "<DEST>" are substituted.
	GetterTemplate string

	// CommandTemplate, when set, Host is empty and GetterTemplate is
	// also set, wraps an arbitrary
	// remote command (e.g. the delete-after-fetch "rm -f"); "<CMD>" is
	// substituted.
	CommandTemplate string
}

// Enabled reports whether any remote transport is configured at all.
func (r *RemoteConfig) Enabled() bool {
	return r != nil && (r.Host != "" || r.GetterTemplate != "")
}

// SSHEnabled reports whether the scp-based transport should be used.
func (r *RemoteConfig) SSHEnabled() bool {
	return r != nil && r.Host != ""
}

// Config holds the engine's static, plan-independent configuration.
type Config struct {
	CommonSoftTimeout time.Duration
	CommonHardTimeout time.Duration

	OutputFolder string
	ChrootPrefix string

	Remote *RemoteConfig

	CrashDumpsDir          string
	MarkerFileName         string
	UploadLogPath          string
	CoreUploadTimeout      time.Duration
	CrashCollectionEnabled bool

	PowerMeasurementEnabled  bool
	VerdictsFromMeasurements bool

	ResumeTestRun   bool
	ResumeExitAfter bool

	RunEnvironment string

	// ConnectionFailureExitCode, when set, names the exit code the
	// remote launcher uses to signal a dropped connection (spec §7);
	// nil disables this detection for purely local runs.
	ConnectionFailureExitCode *int

	RunManual    bool
	RunAutomatic bool

	UserCaseFilter *regexp.Regexp
	UserSetFilter  *regexp.Regexp

	Denylist *Denylist
}

func (c *Config) markerFileName() string {
	if c.MarkerFileName != "" {
		return c.MarkerFileName
	}
	return "testrunner-lite-testcase"
}

// RunContext is the single explicit value threaded through the Step
// Runner and Case Runner in place of the teacher's process-wide
// globals. bail_out/global_failure is raised on remote-failure
// detection (a connection-failure exit code, or a forced reboot that
// does not come back) and by a Set's resume exit-after checkpoint, and
// is cleared only on a successful reboot-expected reconnection.
type RunContext struct {
	Config

	Executor    *Executor
	Reboot      RebootWaiter
	Manual      ManualHelper
	Events      EventHelper
	Measurement MeasurementStreamer
	MeasParser  MeasurementParser
	MeasEval    MeasurementEvaluator
	Resume      ResumeSignal

	BailOut       int
	GlobalFailure string

	CurrentDefinition *plan.Definition
	CurrentSuite      *plan.Suite
	CurrentSet        *plan.Set
	CurrentCaseName   string
	CurrentStepNum    int

	Executed int
	Passed   int
	Failed   int
	NA       int
	Filtered int
}

// NewRunContext builds a RunContext ready to drive a plan through the
// engine.
func NewRunContext(cfg Config, exec *Executor) *RunContext {
	return &RunContext{
		Config:   cfg,
		Executor: exec,
	}
}

// IsBailedOut reports whether the run is currently poisoned.
func (rc *RunContext) IsBailedOut() bool {
	return rc.BailOut != BailOutHealthy
}

// raiseBailOut is the single place bail_out transitions to a failure
// state; it never clears it.
func (rc *RunContext) raiseBailOut(code int, reason string) {
	if rc.BailOut == BailOutHealthy {
		rc.BailOut = code
		rc.GlobalFailure = reason
		plog.Errorf("bail-out raised: %s", reason)
	}
}

// clearBailOut is the single place bail_out is reset, done only on a
// successful reboot-expected reconnection (spec §9).
func (rc *RunContext) clearBailOut() {
	rc.BailOut = BailOutHealthy
	rc.GlobalFailure = ""
}

func (rc *RunContext) connectionFailureExitCode() *int {
	return rc.ConnectionFailureExitCode
}

func (rc *RunContext) softTimeoutFor(c *plan.Case) time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return rc.CommonSoftTimeout
}
