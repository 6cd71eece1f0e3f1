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

	"github.com/coreos/testrunner-lite/internal/plan"
)

func TestGetProcessorBailOutIsNoop(t *testing.T) {
	rc := newTestRunContext()
	rc.Remote = &RemoteConfig{}
	rc.OutputFolder = t.TempDir()
	rc.raiseBailOut(BailOutRemoteFail, "down")
	g := NewGetProcessor(rc)

	err := g.ProcessGet(context.Background(), &plan.GetFile{Source: "/does/not/exist"})
	if err != nil {
		t.Fatalf("ProcessGet under bail-out should be a no-op, got %v", err)
	}
}

func TestBuildFetchCommandPlainCopy(t *testing.T) {
	rc := newTestRunContext()
	rc.Remote = &RemoteConfig{}
	rc.OutputFolder = "/tmp/out"
	g := NewGetProcessor(rc)

	got := g.buildFetchCommand("/var/log/messages")
	want := "cp /var/log/messages /tmp/out"
	if got != want {
		t.Errorf("buildFetchCommand = %q, want %q", got, want)
	}
}

func TestBuildFetchCommandSSH(t *testing.T) {
	rc := newTestRunContext()
	rc.Remote = &RemoteConfig{Host: "target.example", Port: 2222, User: "core"}
	rc.OutputFolder = "/tmp/out"
	g := NewGetProcessor(rc)

	got := g.buildFetchCommand("/var/log/messages")
	if got == "" {
		t.Fatal("expected a non-empty scp command")
	}
	if !strings.Contains(got, "scp") || !strings.Contains(got, "-P 2222") || !strings.Contains(got, "core@target.example") {
		t.Errorf("buildFetchCommand = %q, missing expected scp elements", got)
	}
}

func TestBuildFetchCommandGetterTemplate(t *testing.T) {
	rc := newTestRunContext()
	rc.Remote = &RemoteConfig{GetterTemplate: "fetchtool <FILE> <DEST>"}
	rc.OutputFolder = "/tmp/out"
	g := NewGetProcessor(rc)

	got := g.buildFetchCommand("/var/log/messages")
	want := "fetchtool /var/log/messages /tmp/out"
	if got != want {
		t.Errorf("buildFetchCommand = %q, want %q", got, want)
	}
}
