package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neul-labs/grit/internal/config"
	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/integrity"
	"github.com/neul-labs/grit/internal/ipc"
	"github.com/neul-labs/grit/internal/signing"
	"github.com/neul-labs/grit/internal/store"
	"github.com/neul-labs/grit/internal/types"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect and verify the local store",
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(false, ipc.OpDbStats, struct{}{})
		if err != nil {
			return err
		}
		printResult(raw, func(raw json.RawMessage) {
			var stats store.DbStats
			if json.Unmarshal(raw, &stats) != nil {
				printJSON(raw)
				return
			}
			fmt.Printf("path:                 %s\n", stats.Path)
			fmt.Printf("size:                 %d bytes\n", stats.SizeBytes)
			fmt.Printf("events:               %d\n", stats.EventCount)
			fmt.Printf("issues:               %d\n", stats.IssueCount)
			fmt.Printf("events since rebuild: %d\n", stats.EventsSinceRebuild)
			if stats.RebuildRecommended {
				warnf("rebuild recommended")
			}
		})
		return nil
	},
}

var dbCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify event hashes and parent integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := resolveCtx(false)
		if err != nil {
			return err
		}
		st, _, err := localOps(r)
		if err != nil {
			return err
		}
		defer st.Close()

		report, err := integrity.CheckStore(st.Store)
		if err != nil {
			return err
		}
		if flagJSON {
			raw, _ := json.Marshal(report)
			printJSON(raw)
		} else {
			fmt.Printf("checked %d events\n", report.EventCount)
			for _, c := range report.CorruptEvents {
				warnf("%s: %s (%s)", c.Kind, c.EventID, c.Detail)
			}
			if report.Healthy() {
				okf("store is healthy")
			}
		}
		if !report.Healthy() {
			return errs.New(errs.HashMismatch, "%d integrity findings", len(report.CorruptEvents))
		}
		return nil
	},
}

var dbVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify event signatures under the configured policy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := resolveCtx(false)
		if err != nil {
			return err
		}
		policy := signing.PolicyWarn
		if p, err := signing.ParsePolicy(r.Repo.VerifyPolicy); err == nil {
			policy = p
		}

		// Public keys come from each actor's config.
		actors, err := config.ListActors(r.GitDir)
		if err != nil {
			return err
		}
		keys := map[types.ActorID]string{}
		for _, a := range actors {
			if a.PublicKey == "" {
				continue
			}
			if id, err := types.ParseActorID(a.ActorID); err == nil {
				keys[id] = a.PublicKey
			}
		}

		st, _, err := localOps(r)
		if err != nil {
			return err
		}
		defer st.Close()

		failures, err := integrity.VerifySignatures(st.Store, policy, func(id types.ActorID) string {
			return keys[id]
		})
		if err != nil {
			return err
		}
		if flagJSON {
			raw, _ := json.Marshal(failures)
			printJSON(raw)
		} else {
			for _, f := range failures {
				warnf("%s: %s", f.EventID, f.Detail)
			}
			if len(failures) == 0 {
				okf("signatures verified (policy %s)", policy)
			}
		}
		if len(failures) > 0 && policy == signing.PolicyRequire {
			return errs.New(errs.Signature, "%d signature failures", len(failures))
		}
		return nil
	},
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild all projections from the event table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := execCommand(false, ipc.OpRebuild, struct{}{})
		if err != nil {
			return err
		}
		printResult(raw, func(raw json.RawMessage) {
			var stats store.RebuildStats
			if json.Unmarshal(raw, &stats) == nil {
				okf("rebuilt %d issues from %d events", stats.IssueCount, stats.EventCount)
			}
		})
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbStatsCmd, dbCheckCmd, dbVerifyCmd)
	rootCmd.AddCommand(dbCmd, rebuildCmd)
}
