// Copyright 2024 The OSS Rebuild Authors
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

package subprocess

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	res, err := Run(context.Background(), "sh", []string{"-c", "echo out; echo err >&2; exit 3"}, Options{})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if strings.TrimSpace(string(res.Stdout)) != "out" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "out")
	}
	if strings.TrimSpace(string(res.Stderr)) != "err" {
		t.Errorf("Stderr = %q, want %q", res.Stderr, "err")
	}
	if res.Reason != ExitedNormally {
		t.Errorf("Reason = %v, want ExitedNormally", res.Reason)
	}
}

func TestRunTimeoutTerminates(t *testing.T) {
	res, err := Run(context.Background(), "sh", []string{"-c", "trap 'exit 0' TERM; sleep 5"}, Options{
		Timeout:     50 * time.Millisecond,
		KillTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Reason != TimedOutTerminated {
		t.Errorf("Reason = %v, want TimedOutTerminated", res.Reason)
	}
}

func TestRunTimeoutKillsWhenTermIgnored(t *testing.T) {
	res, err := Run(context.Background(), "sh", []string{"-c", "trap '' TERM; sleep 5"}, Options{
		Timeout:     50 * time.Millisecond,
		KillTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Reason != TimedOutKilled {
		t.Errorf("Reason = %v, want TimedOutKilled", res.Reason)
	}
}
