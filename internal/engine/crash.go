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
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/coreos/testrunner-lite/internal/plan"
)

// CrashCollector correlates crash dumps written by an external dumper
// process to the Case that produced them, by UUID suffix, and
// reconciles them against an uploader's log of published telemetry
// URLs (spec §4.7).
type CrashCollector struct {
	rc *RunContext
}

// NewCrashCollector builds a CrashCollector bound to rc.
func NewCrashCollector(rc *RunContext) *CrashCollector {
	return &CrashCollector{rc: rc}
}

// Collect fills reports with base-report-name -> telemetry-url entries
// for every crash dump tagged with caseUUID, waiting up to
// CoreUploadTimeout for the uploader to catch up, and falling back to
// fetching any still-unreconciled report directly from the target. It
// returns whether at least one report was found.
func (cc *CrashCollector) Collect(ctx context.Context, caseUUID string, reports map[string]string) (bool, error) {
	dir := cc.rc.CrashDumpsDir
	if dir == "" || caseUUID == "" {
		return false, nil
	}

	if err := cc.discover(dir, caseUUID, reports); err != nil {
		return false, errors.Wrap(err, "discovery phase")
	}
	if len(reports) == 0 {
		return false, nil
	}

	pending := cc.reconcile(reports)

	if pending && cc.rc.CoreUploadTimeout > 0 {
		pending = cc.wait(ctx, dir, reports)
	}

	if pending {
		getProc := NewGetProcessor(cc.rc)
		for name, url := range reports {
			if url != "" {
				continue
			}
			gf := &plan.GetFile{Source: filepath.Join(dir, name), DeleteAfter: true}
			if err := getProc.ProcessGet(ctx, gf); err != nil {
				plog.Warningf("crash report %q: fallback fetch failed: %v", name, err)
			}
		}
	}

	return true, nil
}

// discover scans dir for regular files ending in "."+caseUUID, inserts
// their base name into reports, and unlinks the marker alongside them.
// The directory mutates as dumps land, so the scan restarts whenever it
// finds something new, matching the Phase A restart-on-change behaviour.
func (cc *CrashCollector) discover(dir, caseUUID string, reports map[string]string) error {
	suffix := "." + caseUUID
	for {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		changed := false
		for _, ent := range entries {
			if ent.IsDir() || !strings.HasSuffix(ent.Name(), suffix) {
				continue
			}
			base := strings.TrimSuffix(ent.Name(), suffix)
			if _, known := reports[base]; known {
				continue
			}
			reports[base] = ""
			if err := os.Remove(filepath.Join(dir, ent.Name())); err != nil {
				plog.Warningf("crash collector: could not unlink marker %q: %v", ent.Name(), err)
			}
			changed = true
		}
		if !changed {
			return nil
		}
	}
}

// reconcile reads the uploader's log and fills in URLs for any report
// already known. It returns whether any report is still unresolved.
func (cc *CrashCollector) reconcile(reports map[string]string) bool {
	pending := false
	f, err := os.Open(cc.rc.UploadLogPath)
	if err != nil {
		for _, url := range reports {
			if url == "" {
				return true
			}
		}
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.LastIndex(line, " ")
		if idx < 0 {
			continue
		}
		name, url := line[:idx], line[idx+1:]
		if _, known := reports[name]; known && reports[name] == "" {
			reports[name] = url
		}
	}

	for _, url := range reports {
		if url == "" {
			pending = true
		}
	}
	return pending
}

// wait blocks on directory changes in dir, timing out after
// CoreUploadTimeout, re-reconciling after every wake, until no report is
// left unresolved or the watch itself gives up.
func (cc *CrashCollector) wait(ctx context.Context, dir string, reports map[string]string) bool {
	watch, err := newDirWatch(dir)
	if err != nil {
		plog.Warningf("crash collector: could not watch %q: %v", dir, err)
		return true
	}
	defer watch.Close()

	pending := true
	for pending {
		woke, err := watch.Wait(ctx, cc.rc.CoreUploadTimeout)
		if err != nil || !woke {
			return pending
		}
		pending = cc.reconcile(reports)
	}
	return pending
}

// dirWatch is a minimal inotify-backed wait-for-change primitive,
// watching deletions and arrivals in a single directory. A background
// goroutine reads raw inotify events for the lifetime of the watch and
// republishes each as a tick on events; Wait only ever consumes from
// that channel, so a timed-out Wait never leaves a stray blocking read.
type dirWatch struct {
	fd     int
	events chan struct{}
}

func newDirWatch(dir string) (*dirWatch, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if _, err := unix.InotifyAddWatch(fd, dir, unix.IN_DELETE|unix.IN_CLOSE_WRITE|unix.IN_MOVED_TO); err != nil {
		unix.Close(fd)
		return nil, err
	}

	w := &dirWatch{fd: fd, events: make(chan struct{}, 1)}
	go w.pump()
	return w, nil
}

func (w *dirWatch) pump() {
	buf := make([]byte, 64*(unix.SizeofInotifyEvent+unix.PathMax))
	for {
		n, err := unix.Read(w.fd, buf)
		if err != nil || n == 0 {
			return
		}
		select {
		case w.events <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until the watched directory changes, timeout elapses, or
// ctx is cancelled. It reports whether a change (rather than a timeout
// or cancellation) woke it.
func (w *dirWatch) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.events:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (w *dirWatch) Close() error {
	return unix.Close(w.fd)
}
