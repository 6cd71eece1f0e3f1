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
	"path/filepath"
	"strconv"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/pkg/errors"

	"github.com/coreos/testrunner-lite/internal/plan"
)

// GetProcessor implements the declarative artefact-fetch operation
// (spec §4.6): compose a fetch command appropriate to the configured
// transport, run it, and optionally delete the source afterward.
type GetProcessor struct {
	rc *RunContext
}

// NewGetProcessor builds a GetProcessor bound to rc.
func NewGetProcessor(rc *RunContext) *GetProcessor {
	return &GetProcessor{rc: rc}
}

// ProcessGet fetches a single GetFile. Under bail-out, gets are no-ops
// that report success (spec §4.6 "Behaviour under bail-out").
func (g *GetProcessor) ProcessGet(ctx context.Context, gf *plan.GetFile) error {
	if g.rc.IsBailedOut() {
		return nil
	}

	src := gf.Source
	if g.rc.ChrootPrefix != "" {
		src = g.rc.ChrootPrefix + src
	}

	fetchCmd := g.buildFetchCommand(src)
	res := g.rc.Executor.Run(ctx, fetchCmd, ExecConfig{
		SoftTimeout:  g.rc.CommonSoftTimeout,
		HardTimeout:  g.rc.CommonHardTimeout,
		DisobeyChroot: true,
	})
	if res.Signaled != 0 || res.ReturnCode != 0 {
		return errors.Errorf("get %q failed: %s", gf.Source, res.FailureInfo)
	}

	if gf.DeleteAfter {
		rmCmd := g.buildRemoteCommand(fmt.Sprintf("rm -f %s", shellquote.Join(src)))
		g.rc.Executor.Run(ctx, rmCmd, ExecConfig{
			SoftTimeout:   g.rc.CommonSoftTimeout,
			HardTimeout:   g.rc.CommonHardTimeout,
			DisobeyChroot: true,
		})
	}
	return nil
}

// ProcessCaseGet is ProcessGet plus the case-level measurement pipeline:
// parse the fetched file and, if the Case is still PASS and
// verdicts-from-measurements is enabled, let the evaluator flip it.
func (g *GetProcessor) ProcessCaseGet(ctx context.Context, c *plan.Case, gf *plan.GetFile) {
	if g.rc.IsBailedOut() {
		return
	}
	if err := g.ProcessGet(ctx, gf); err != nil {
		plog.Warningf("get %q failed: %v", gf.Source, err)
		return
	}
	if !gf.Measurement || g.rc.MeasParser == nil {
		return
	}

	dest := filepath.Join(g.rc.OutputFolder, filepath.Base(gf.Source))
	data, err := g.rc.MeasParser.Parse(c, dest)
	if err != nil {
		plog.Warningf("measurement parse of %q failed: %v", dest, err)
		return
	}
	if c.Verdict != plan.VerdictPass || !g.rc.VerdictsFromMeasurements || g.rc.MeasEval == nil {
		return
	}
	verdict, err := g.rc.MeasEval.Evaluate(data)
	if err != nil {
		plog.Warningf("measurement evaluation failed: %v", err)
		return
	}
	if verdict == plan.VerdictFail {
		c.Fail("measurement evaluation failed")
	}
}

func (g *GetProcessor) buildFetchCommand(src string) string {
	remote := g.rc.Remote
	switch {
	case remote.SSHEnabled():
		args := []string{"scp"}
		if remote.Port != 0 {
			args = append(args, "-P", strconv.Itoa(remote.Port))
		}
		if remote.KeyFile != "" {
			args = append(args, "-i", remote.KeyFile)
		}
		remoteSrc := fmt.Sprintf("%s@%s:'%s'", remote.User, remote.Host, src)
		args = append(args, remoteSrc, g.rc.OutputFolder)
		return shellquote.Join(args...)
	case remote.Enabled() && remote.GetterTemplate != "":
		cmd := strings.ReplaceAll(remote.GetterTemplate, "<FILE>", src)
		return strings.ReplaceAll(cmd, "<DEST>", g.rc.OutputFolder)
	default:
		return shellquote.Join("cp", src, g.rc.OutputFolder)
	}
}

// buildRemoteCommand wraps cmd so it executes where the source file
// actually lives: over ssh when the scp transport is configured, via
// the templated <CMD> placeholder when only a remote-executor command
// is configured, or unwrapped for a purely local run.
func (g *GetProcessor) buildRemoteCommand(cmd string) string {
	remote := g.rc.Remote
	switch {
	case remote.SSHEnabled():
		args := []string{"ssh"}
		if remote.Port != 0 {
			args = append(args, "-p", strconv.Itoa(remote.Port))
		}
		if remote.KeyFile != "" {
			args = append(args, "-i", remote.KeyFile)
		}
		args = append(args, fmt.Sprintf("%s@%s", remote.User, remote.Host), cmd)
		return shellquote.Join(args...)
	case remote.Enabled() && remote.CommandTemplate != "":
		return strings.ReplaceAll(remote.CommandTemplate, "<CMD>", cmd)
	default:
		return cmd
	}
}
