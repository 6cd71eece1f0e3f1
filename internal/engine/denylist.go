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
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/coreos/testrunner-lite/internal/plan"
)

// snoozeFormat is the date layout a denylist entry's snooze_until uses.
const snoozeFormat = "2006-01-02"

// denyEntry is one element of the YAML list in a denylist file: a glob pattern
// matched against "<set>.<case>", optionally scoped to specific
// hardware IDs and with a snooze date after which it no longer applies.
type denyEntry struct {
	Pattern     string   `yaml:"pattern"`
	HWIDs       []string `yaml:"hwids,omitempty"`
	SnoozeUntil string   `yaml:"snooze_until,omitempty"`
	Tracker     string   `yaml:"tracker,omitempty"`
}

// Denylist is a loaded set of deny entries, consulted by the Set Runner
// to drop whole Sets or individual Cases before they ever execute.
type Denylist struct {
	entries []denyEntry
}

// LoadDenylist reads a YAML denylist file. A missing file is not an
// error: it denotes "no denials configured".
func LoadDenylist(path string) (*Denylist, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Denylist{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading denylist %q", path)
	}
	var entries []denyEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrapf(err, "parsing denylist %q", path)
	}
	return &Denylist{entries: entries}, nil
}

// DeniesSet reports whether every case of Set name should be skipped,
// i.e. some entry's pattern is exactly "<name>.*".
func (d *Denylist) DeniesSet(name string, def *plan.Definition) bool {
	if d == nil {
		return false
	}
	return d.matches(name+".*", def, true)
}

// DeniesCase reports whether setName.caseName is denied.
func (d *Denylist) DeniesCase(setName, caseName string, def *plan.Definition) bool {
	if d == nil {
		return false
	}
	return d.matches(setName+"."+caseName, def, false)
}

func (d *Denylist) matches(full string, def *plan.Definition, literal bool) bool {
	now := currentDate()
	for _, e := range d.entries {
		var ok bool
		if literal {
			ok = e.Pattern == full
		} else {
			var err error
			ok, err = path.Match(e.Pattern, full)
			if err != nil {
				ok = false
			}
		}
		if !ok {
			continue
		}
		if e.SnoozeUntil != "" {
			until, err := time.Parse(snoozeFormat, e.SnoozeUntil)
			if err == nil && now.After(until) {
				continue
			}
		}
		if len(e.HWIDs) > 0 {
			if def == nil || def.DetectedHW == "" || !hwidInList(e.HWIDs, def.DetectedHW) {
				continue
			}
		}
		return true
	}
	return false
}

func hwidInList(list []string, id string) bool {
	for _, h := range list {
		if strings.TrimSpace(h) == id {
			return true
		}
	}
	return false
}

// currentDate is the single seam snooze-date comparisons go through, so
// a future test-tool shim can freeze it.
var currentDate = time.Now
