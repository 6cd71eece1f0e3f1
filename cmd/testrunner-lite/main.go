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

package main

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/coreos/testrunner-lite/internal/engine"
	"github.com/coreos/testrunner-lite/internal/plan"
)

var (
	plog = capnslog.NewPackageLogger("github.com/coreos/testrunner-lite", "main")

	root = &cobra.Command{
		Use:   "testrunner-lite [plan]",
		Short: "Hierarchical shell-command test execution engine",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecute,
	}

	planFormat          string
	outputFolder        string
	chrootPrefix        string
	softTimeoutSeconds  int
	hardTimeoutSeconds  int
	runEnvironment      string
	runManual           bool
	runAutomatic        bool
	caseFilter          string
	setFilter           string
	denylistPath        string
	remoteHost          string
	remotePort          int
	remoteUser          string
	remoteKeyFile       string
	crashDumpsDir       string
	markerFileName      string
	uploadLogPath       string
	coreUploadSeconds   int
	crashEnabled        bool
	connFailExitCode    int
	connFailExitCodeSet bool
	debug               bool
)

func init() {
	flags := root.Flags()
	flags.StringVar(&planFormat, "plan-format", "yaml", "plan document format (only \"yaml\" is built in)")
	flags.StringVar(&outputFolder, "output", ".", "directory fetched artefacts are written to")
	flags.StringVar(&chrootPrefix, "chroot", "", "run commands under this chroot prefix")
	flags.IntVar(&softTimeoutSeconds, "soft-timeout", 60, "default per-step soft timeout, in seconds")
	flags.IntVar(&hardTimeoutSeconds, "hard-timeout", 90, "default per-step hard timeout, in seconds")
	flags.StringVar(&runEnvironment, "environment", "", "active run environment name")
	flags.BoolVar(&runManual, "manual", false, "include manual cases")
	flags.BoolVar(&runAutomatic, "automatic", true, "include automatic cases")
	flags.StringVar(&caseFilter, "case-filter", "", "regexp a case name must match to run (allowlist, not a denylist)")
	flags.StringVar(&setFilter, "set-filter", "", "regexp restricting which sets run")
	flags.StringVar(&denylistPath, "denylist", "", "YAML file listing sets/cases to always skip")
	flags.StringVar(&remoteHost, "target-address", "", "ssh target host")
	flags.IntVar(&remotePort, "target-port", 22, "ssh target port")
	flags.StringVar(&remoteUser, "username", "root", "ssh target user")
	flags.StringVar(&remoteKeyFile, "ssh-key", "", "ssh private key file")
	flags.StringVar(&crashDumpsDir, "crash-dumps-dir", "", "directory the crash dumper writes into")
	flags.StringVar(&markerFileName, "marker-file", "", "crash marker filename override")
	flags.StringVar(&uploadLogPath, "upload-log", "", "uploader's report-to-URL log file")
	flags.IntVar(&coreUploadSeconds, "core-upload-timeout", 0, "seconds to wait for crash report upload, 0 disables waiting")
	flags.BoolVar(&crashEnabled, "crash-collection", false, "enable crash-report collection")
	flags.IntVar(&connFailExitCode, "connection-failure-exit-code", 0, "exit code that marks an unrecoverable connection failure")
	flags.BoolVar(&debug, "debug", false, "enable debug logging")
}

func runExecute(cmd *cobra.Command, args []string) error {
	if debug {
		capnslog.SetGlobalLogLevel(capnslog.DEBUG)
	} else {
		capnslog.SetGlobalLogLevel(capnslog.INFO)
	}

	cfg, err := buildConfig()
	if err != nil {
		return errors.Wrap(err, "building configuration")
	}

	if denylistPath != "" {
		dl, err := engine.LoadDenylist(denylistPath)
		if err != nil {
			return errors.Wrap(err, "loading denylist")
		}
		cfg.Denylist = dl
	}

	p, err := loadPlan(args[0])
	if err != nil {
		return errors.Wrap(err, "loading plan")
	}

	exec := &engine.Executor{ChrootPrefix: cfg.ChrootPrefix}
	rc := engine.NewRunContext(cfg, exec)
	rc.Reboot = noopRebootWaiter{}
	rc.Events = noopEventHelper{}

	driver := engine.NewDriver(rc)
	if err := driver.Run(context.Background(), p); err != nil {
		return errors.Wrap(err, "running plan")
	}

	if rc.Failed > 0 {
		return fmt.Errorf("%d case(s) failed", rc.Failed)
	}
	return nil
}

func buildConfig() (engine.Config, error) {
	cfg := engine.Config{
		CommonSoftTimeout:      time.Duration(softTimeoutSeconds) * time.Second,
		CommonHardTimeout:      time.Duration(hardTimeoutSeconds) * time.Second,
		OutputFolder:           outputFolder,
		ChrootPrefix:           chrootPrefix,
		CrashDumpsDir:          crashDumpsDir,
		MarkerFileName:         markerFileName,
		UploadLogPath:          uploadLogPath,
		CoreUploadTimeout:      time.Duration(coreUploadSeconds) * time.Second,
		CrashCollectionEnabled: crashEnabled,
		RunEnvironment:         runEnvironment,
		RunManual:              runManual,
		RunAutomatic:           runAutomatic,
	}

	if remoteHost != "" {
		cfg.Remote = &engine.RemoteConfig{
			Host:    remoteHost,
			Port:    remotePort,
			User:    remoteUser,
			KeyFile: remoteKeyFile,
		}
	} else {
		cfg.Remote = &engine.RemoteConfig{}
	}

	if cmdFlagChanged("connection-failure-exit-code") {
		code := connFailExitCode
		cfg.ConnectionFailureExitCode = &code
	}

	if caseFilter != "" {
		re, err := regexp.Compile(caseFilter)
		if err != nil {
			return cfg, errors.Wrap(err, "compiling case filter")
		}
		cfg.UserCaseFilter = re
	}
	if setFilter != "" {
		re, err := regexp.Compile(setFilter)
		if err != nil {
			return cfg, errors.Wrap(err, "compiling set filter")
		}
		cfg.UserSetFilter = re
	}

	return cfg, nil
}

func cmdFlagChanged(name string) bool {
	f := root.Flags().Lookup(name)
	return f != nil && f.Changed
}

func loadPlan(path string) (plan.Parser, error) {
	switch planFormat {
	case "yaml", "":
		return plan.LoadYAMLPlan(path)
	default:
		return nil, errors.Errorf("unsupported plan format %q", planFormat)
	}
}

// noopRebootWaiter is the built-in RebootWaiter used when no remote
// transport is configured: reboots are assumed to succeed instantly.
type noopRebootWaiter struct{}

func (noopRebootWaiter) WaitForReboot(ctx context.Context) error { return nil }

// noopEventHelper is the built-in EventHelper used when the plan's
// SEND/WAIT synchronization steps have no external dispatcher wired in.
type noopEventHelper struct{}

func (noopEventHelper) Dispatch(ctx context.Context, kind plan.EventKind, resource string) error {
	return nil
}

func main() {
	if err := root.Execute(); err != nil {
		plog.Errorf("%v", err)
		os.Exit(1)
	}
}
