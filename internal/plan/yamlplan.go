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

package plan

import (
	"os"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// The real testrunner-lite plan format is XML, parsed by a collaborator
// entirely out of this engine's scope (spec §1). This YAML reader is a
// minimal, concrete Parser implementation — enough to drive the Run
// Driver end to end in tests and from the CLI — modeled on the
// kola-denylist.yaml loading the teacher uses for its own declarative
// input (gopkg.in/yaml.v2, struct tags, single Unmarshal call).

type yamlStepGroup struct {
	TimeoutSeconds int        `yaml:"timeout"`
	Steps          []yamlStep `yaml:"steps"`
}

type yamlStep struct {
	Command        string `yaml:"command"`
	Event          string `yaml:"event"` // "", "send", "wait"
	Resource       string `yaml:"resource"`
	Manual         bool   `yaml:"manual"`
	Control        string `yaml:"control"` // "", "reboot-forced", "reboot-expected"
	ExpectedResult *int   `yaml:"expected_result"`
}

type yamlGet struct {
	Source      string `yaml:"source"`
	DeleteAfter bool   `yaml:"delete_after"`
	Measurement bool   `yaml:"measurement"`
	Series      bool   `yaml:"series"`
}

type yamlCase struct {
	Name            string     `yaml:"name"`
	Manual          bool       `yaml:"manual"`
	State           string     `yaml:"state"`
	TimeoutSeconds  int        `yaml:"timeout"`
	Steps           []yamlStep `yaml:"steps"`
	PostRebootSteps []yamlStep `yaml:"post_reboot_steps"`
	Gets            []yamlGet  `yaml:"gets"`
}

type yamlSet struct {
	Name         string        `yaml:"name"`
	Environments []string      `yaml:"environments"`
	HWID         string        `yaml:"hwid"`
	PreSteps     yamlStepGroup `yaml:"pre_steps"`
	PostSteps    yamlStepGroup `yaml:"post_steps"`
	Cases        []yamlCase    `yaml:"cases"`
	Gets         []yamlGet     `yaml:"gets"`
}

type yamlDoc struct {
	HWDetectCommand string    `yaml:"hwdetect"`
	Suite           string    `yaml:"suite"`
	Sets            []yamlSet `yaml:"sets"`
}

func convertStep(s yamlStep) *Step {
	step := &Step{
		Command:  s.Command,
		Resource: s.Resource,
		Manual:   s.Manual,
	}
	switch s.Event {
	case "send":
		step.Event = EventSend
	case "wait":
		step.Event = EventWait
	default:
		step.Event = EventNone
	}
	switch s.Control {
	case "reboot-forced":
		step.Control = ControlRebootForced
	case "reboot-expected":
		step.Control = ControlRebootExpected
	default:
		step.Control = ControlNone
	}
	if s.ExpectedResult != nil {
		step.ExpectedResult = *s.ExpectedResult
		step.HasExpectedResult = true
	}
	return step
}

func convertSteps(in []yamlStep) []*Step {
	out := make([]*Step, 0, len(in))
	for _, s := range in {
		out = append(out, convertStep(s))
	}
	return out
}

func convertGet(g yamlGet) *GetFile {
	return &GetFile{
		Source:      g.Source,
		DeleteAfter: g.DeleteAfter,
		Measurement: g.Measurement,
		Series:      g.Series,
	}
}

func convertGets(in []yamlGet) []*GetFile {
	out := make([]*GetFile, 0, len(in))
	for _, g := range in {
		out = append(out, convertGet(g))
	}
	return out
}

func convertCase(c yamlCase) *Case {
	return &Case{
		Name:            c.Name,
		Manual:          c.Manual,
		State:           c.State,
		Timeout:         time.Duration(c.TimeoutSeconds) * time.Second,
		Steps:           convertSteps(c.Steps),
		PostRebootSteps: convertSteps(c.PostRebootSteps),
		Gets:            convertGets(c.Gets),
		CrashReports:    map[string]string{},
	}
}

func convertSet(s yamlSet) *Set {
	envs := make(map[string]struct{}, len(s.Environments))
	for _, e := range s.Environments {
		envs[e] = struct{}{}
	}
	cases := make([]*Case, 0, len(s.Cases))
	for _, c := range s.Cases {
		cases = append(cases, convertCase(c))
	}
	return &Set{
		Name:          s.Name,
		Environments:  envs,
		HWIDWhitelist: s.HWID,
		PreSteps: StepGroup{
			Timeout: time.Duration(s.PreSteps.TimeoutSeconds) * time.Second,
			Steps:   convertSteps(s.PreSteps.Steps),
		},
		PostSteps: StepGroup{
			Timeout: time.Duration(s.PostSteps.TimeoutSeconds) * time.Second,
			Steps:   convertSteps(s.PostSteps.Steps),
		},
		Cases: cases,
		Gets:  convertGets(s.Gets),
	}
}

// yamlParser implements Parser by replaying a fully decoded document as
// a fixed Node sequence: td_start, [hwid_detect], suite_start,
// set_process*, suite_end, td_end.
type yamlParser struct {
	nodes []Node
	idx   int
	err   error
}

// LoadYAMLPlan reads and decodes a YAML test-plan document from path and
// returns a Parser ready to be driven by the Run Driver.
func LoadYAMLPlan(path string) (Parser, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading plan %q", path)
	}
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parsing plan %q", path)
	}

	def := &Definition{HWDetectCommand: doc.HWDetectCommand}
	nodes := []Node{{Kind: NodeTdStart, Definition: def}}
	if def.HWDetectCommand != "" {
		nodes = append(nodes, Node{Kind: NodeHwIdDetect, Definition: def})
	}
	suite := &Suite{Name: doc.Suite}
	nodes = append(nodes, Node{Kind: NodeSuiteStart, Suite: suite})
	for _, s := range doc.Sets {
		nodes = append(nodes, Node{Kind: NodeSetProcess, Set: convertSet(s)})
	}
	nodes = append(nodes, Node{Kind: NodeSuiteEnd, Suite: suite})
	nodes = append(nodes, Node{Kind: NodeTdEnd, Definition: def})

	return &yamlParser{nodes: nodes}, nil
}

func (p *yamlParser) Next() (Node, bool) {
	if p.idx >= len(p.nodes) {
		return Node{}, false
	}
	n := p.nodes[p.idx]
	p.idx++
	return n, true
}

func (p *yamlParser) Err() error {
	return p.err
}
