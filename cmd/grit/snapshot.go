package main

import (
	"encoding/json"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/spf13/cobra"

	"github.com/neul-labs/grit/internal/config"
	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/snapshot"
	"github.com/neul-labs/grit/internal/store"
	"github.com/neul-labs/grit/internal/wal"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create and manage snapshot compaction points",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Snapshot all events up to the current WAL head",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := resolveCtx(true)
		if err != nil {
			return err
		}

		w, err := wal.Open(r.RepoRoot)
		if err != nil {
			return err
		}
		head, err := w.Head()
		if err != nil {
			return err
		}
		if head == nil {
			return errs.New(errs.NotFound, "no WAL to snapshot")
		}

		st, _, err := localOps(r)
		if err != nil {
			return err
		}
		events, err := st.GetAllEvents()
		closeErr := st.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return closeErr
		}
		if len(events) == 0 {
			return errs.New(errs.NotFound, "no events to snapshot")
		}

		mgr, err := snapshot.Open(r.RepoRoot)
		if err != nil {
			return err
		}
		hash, err := mgr.Create(*head, events)
		if err != nil {
			return err
		}
		if flagJSON {
			raw, _ := json.Marshal(map[string]interface{}{"oid": hash.String(), "event_count": len(events)})
			printJSON(raw)
		} else {
			okf("snapshot %s (%d events)", hash, len(events))
		}
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := resolveCtx(false)
		if err != nil {
			return err
		}
		mgr, err := snapshot.Open(r.RepoRoot)
		if err != nil {
			return err
		}
		snapshots, err := mgr.List()
		if err != nil {
			return err
		}
		if flagJSON {
			raw, _ := json.Marshal(snapshots)
			printJSON(raw)
			return nil
		}
		if len(snapshots) == 0 {
			fmt.Println("no snapshots")
			return nil
		}
		for _, s := range snapshots {
			fmt.Printf("%s  %d\n", s.Hash, s.Timestamp)
		}
		return nil
	},
}

var snapshotGcKeep int

var snapshotGcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete snapshots beyond the newest N",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := resolveCtx(false)
		if err != nil {
			return err
		}
		mgr, err := snapshot.Open(r.RepoRoot)
		if err != nil {
			return err
		}
		keep := snapshotGcKeep
		if !cmd.Flags().Changed("keep") && r.Repo.Snapshot.GcKeep > 0 {
			keep = r.Repo.Snapshot.GcKeep
		}
		stats, err := mgr.Gc(keep)
		if err != nil {
			return err
		}
		okf("deleted %d snapshots, kept %d", stats.Deleted, stats.Kept)
		return nil
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <oid>",
	Short: "Rebuild the store from a snapshot plus newer WAL events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := resolveCtx(true)
		if err != nil {
			return err
		}
		mgr, err := snapshot.Open(r.RepoRoot)
		if err != nil {
			return err
		}
		hash := plumbing.NewHash(args[0])
		events, err := mgr.Read(hash)
		if err != nil {
			return err
		}
		walHead, err := mgr.WalHead(hash)
		if err != nil {
			return err
		}

		w, err := wal.Open(r.RepoRoot)
		if err != nil {
			return err
		}
		newer, err := w.ReadSince(walHead)
		if err != nil {
			return err
		}
		events = append(events, newer...)

		st, err := store.OpenLockedBlocking(config.StorePath(r.DataDir), storeOpenTimeout)
		if err != nil {
			return err
		}
		defer st.Close()
		stats, err := st.RebuildFromEvents(events)
		if err != nil {
			return err
		}
		okf("restored %d issues from %d events", stats.IssueCount, stats.EventCount)
		return nil
	},
}

func init() {
	snapshotGcCmd.Flags().IntVar(&snapshotGcKeep, "keep", 3, "snapshots to keep")
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotGcCmd, snapshotRestoreCmd)
	rootCmd.AddCommand(snapshotCmd)
}
