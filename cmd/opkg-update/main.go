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

// Command opkg-update is the thin CLI surface over the transaction
// engine, fetch layer, and archive/plan subsystems (spec.md §1, §6): it
// owns argument parsing and exit-code mapping only, leaving the
// declarative-configuration DSL and the dependency solver as external
// collaborators the manifest file already encodes.
package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/google/opkg-updater/internal/sysinfo"
	"github.com/google/opkg-updater/pkg/fetch"
)

var cfg Config

var rootCmd = &cobra.Command{
	Use:   "opkg-update",
	Short: "Reconcile an embedded router's installed packages against a resolved plan",
}

var updateCmd = &cobra.Command{
	Use:   "update <manifest.json>",
	Short: "Resolve, fetch, and apply a manifest of package installs/removes",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rollbackOnly, _ := cmd.Flags().GetBool("rollback-only")
		ctx := context.Background()
		if info, err := sysinfo.Detect(cfg.RootDir); err == nil {
			fetch.UserAgent = info.UserAgent()
		}
		if rollbackOnly {
			os.Exit(runRollback(ctx, cfg, args[0]))
		}
		os.Exit(runUpdate(ctx, cfg, args[0]))
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Operate directly on a pre-resolved transaction plan, bypassing planning",
}

var planApplyCmd = &cobra.Command{
	Use:   "apply <plan.json>",
	Short: "Apply a pre-resolved step sequence straight to the transaction engine",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runPlanApply(context.Background(), cfg, args[0]))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfg.RootDir, "root", "/", "target root filesystem directory")
	rootCmd.PersistentFlags().IntVar(&cfg.Parallelism, "parallelism", 4, "maximum concurrent downloads")
	rootCmd.PersistentFlags().BoolVar(&cfg.Batch, "batch", false, "run non-interactively, never prompting for approval")
	rootCmd.PersistentFlags().StringVar(&cfg.TaskLogPath, "task-log", "", "task-log path; accepted but not read by any command")
	rootCmd.PersistentFlags().BoolVar(&cfg.ReinstallAll, "reinstall-all", false, "reinstall-all mode; accepted but not read by any command")
	rootCmd.PersistentFlags().BoolVar(&cfg.NoReplan, "no-replan", false, "no-replan mode; accepted but not read by any command")

	updateCmd.Flags().Bool("continue", true, "resume and complete an interrupted transaction (default)")
	updateCmd.Flags().Bool("rollback-only", false, "abort and discard an interrupted transaction instead of completing it")

	planCmd.AddCommand(planApplyCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(planCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
