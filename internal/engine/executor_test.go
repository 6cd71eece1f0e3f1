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
	"testing"
	"time"
)

func TestExecutorRunSuccess(t *testing.T) {
	e := &Executor{}
	res := e.Run(context.Background(), "echo hi", ExecConfig{SoftTimeout: time.Second, HardTimeout: 2 * time.Second})

	if res.ReturnCode != 0 {
		t.Fatalf("ReturnCode = %d, want 0", res.ReturnCode)
	}
	if res.Signaled != 0 {
		t.Fatalf("Signaled = %d, want 0", res.Signaled)
	}
	if strings.TrimSpace(string(res.Stdout)) != "hi" {
		t.Fatalf("Stdout = %q, want \"hi\"", res.Stdout)
	}
	if res.EndTime.Before(res.StartTime) {
		t.Fatalf("EndTime %v is before StartTime %v", res.EndTime, res.StartTime)
	}
}

func TestExecutorRunNonZeroExit(t *testing.T) {
	e := &Executor{}
	res := e.Run(context.Background(), "exit 7", ExecConfig{SoftTimeout: time.Second, HardTimeout: 2 * time.Second})

	if res.ReturnCode != 7 {
		t.Fatalf("ReturnCode = %d, want 7", res.ReturnCode)
	}
	if res.Signaled != 0 {
		t.Fatalf("Signaled = %d, want 0", res.Signaled)
	}
}

func TestExecutorHardTimeoutKillsProcessGroup(t *testing.T) {
	e := &Executor{}
	// Spawns a child that ignores SIGTERM and so outlives the soft
	// timeout, forking a grandchild so a kill of the leader alone would
	// leave it running: only a process-group-wide kill satisfies this.
	cmd := "trap '' TERM; sleep 30 & wait"
	res := e.Run(context.Background(), cmd, ExecConfig{
		SoftTimeout: 50 * time.Millisecond,
		HardTimeout: 150 * time.Millisecond,
	})

	if res.Signaled == 0 {
		t.Fatalf("expected process to be signaled after hard timeout, Signaled = %d", res.Signaled)
	}
	if res.Pgid == 0 {
		t.Fatalf("expected a non-zero Pgid to have been recorded")
	}
}

func TestExecutorContextCancellation(t *testing.T) {
	e := &Executor{}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	res := e.Run(ctx, "sleep 30", ExecConfig{SoftTimeout: time.Minute, HardTimeout: time.Minute})
	if res.Signaled == 0 {
		t.Fatalf("expected ctx cancellation to signal the process, Signaled = %d", res.Signaled)
	}
}
