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

// Driver pulls nodes from a plan.Parser and dispatches each to the
// appropriate runner, until the parser signals end-of-stream (spec
// §4.8). It owns nothing the runners don't already own; it exists only
// to sequence the parser's callback protocol into calls.
type Driver struct {
	rc   *RunContext
	sets *SetRunner
}

// NewDriver builds a Driver bound to rc.
func NewDriver(rc *RunContext) *Driver {
	return &Driver{rc: rc, sets: NewSetRunner(rc)}
}

// Run pulls every node from p and drives the plan to completion,
// returning the first parse error encountered, if any.
func (d *Driver) Run(ctx context.Context, p plan.Parser) error {
	for {
		node, ok := p.Next()
		if !ok {
			break
		}
		d.dispatch(ctx, node)
	}

	plog.Infof("run complete: executed=%d passed=%d failed=%d na=%d filtered=%d",
		d.rc.Executed, d.rc.Passed, d.rc.Failed, d.rc.NA, d.rc.Filtered)

	return p.Err()
}

func (d *Driver) dispatch(ctx context.Context, node plan.Node) {
	switch node.Kind {
	case plan.NodeTdStart:
		d.rc.CurrentDefinition = node.Definition
	case plan.NodeHwIdDetect:
		d.runHWDetect(ctx, node.Definition)
	case plan.NodeSuiteStart:
		d.rc.CurrentSuite = node.Suite
	case plan.NodeSetProcess:
		d.sets.RunSet(ctx, d.rc.CurrentDefinition, node.Set)
	case plan.NodeSuiteEnd:
		d.rc.CurrentSuite = nil
	case plan.NodeTdEnd:
		d.rc.CurrentDefinition = nil
	}
}

func (d *Driver) runHWDetect(ctx context.Context, def *plan.Definition) {
	if def == nil || def.HWDetectCommand == "" {
		return
	}
	res := d.rc.Executor.Run(ctx, def.HWDetectCommand, ExecConfig{
		SoftTimeout: d.rc.CommonSoftTimeout,
		HardTimeout: d.rc.CommonHardTimeout,
	})
	if res.Signaled != 0 || res.ReturnCode != 0 {
		plog.Warningf("hw-id detect command failed: %s", res.FailureInfo)
		return
	}
	def.DetectedHW = strings.TrimSpace(string(res.Stdout))
}
