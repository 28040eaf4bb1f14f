package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/neul-labs/grit/internal/locks"
)

var lockTTL time.Duration

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Advisory resource locks (repo:*, path:<p>, issue:<id>)",
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire <resource>",
	Short: "Acquire or renew a lease on a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := resolveCtx(true)
		if err != nil {
			return err
		}
		mgr, err := locks.Open(r.RepoRoot)
		if err != nil {
			return err
		}
		lock, err := mgr.Acquire(args[0], r.ActorID.String(), lockTTL)
		if err != nil {
			return err
		}
		if flagJSON {
			raw, _ := json.Marshal(lock)
			printJSON(raw)
		} else {
			okf("locked %s until %s", lock.Resource,
				time.UnixMilli(int64(lock.ExpiresUnixMs)).Local().Format(time.RFC3339))
		}
		return nil
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <resource>",
	Short: "Release an owned lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := resolveCtx(false)
		if err != nil {
			return err
		}
		mgr, err := locks.Open(r.RepoRoot)
		if err != nil {
			return err
		}
		if err := mgr.Release(args[0], r.ActorID.String()); err != nil {
			return err
		}
		okf("released %s", args[0])
		return nil
	},
}

var lockStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List all locks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := resolveCtx(false)
		if err != nil {
			return err
		}
		mgr, err := locks.Open(r.RepoRoot)
		if err != nil {
			return err
		}
		all, err := mgr.ListLocks()
		if err != nil {
			return err
		}
		if flagJSON {
			raw, _ := json.Marshal(all)
			printJSON(raw)
			return nil
		}
		if len(all) == 0 {
			fmt.Println("no locks")
			return nil
		}
		for _, lock := range all {
			state := "active"
			if lock.Expired() {
				state = "expired"
			}
			owned := ""
			if lock.Owner == r.ActorID.String() {
				owned = " (you)"
			}
			fmt.Printf("%-8s %s  owner %s%s  %dms left\n",
				state, lock.Resource, lock.Owner, owned, lock.TimeRemaining())
		}
		return nil
	},
}

var lockGcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove expired locks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := resolveCtx(false)
		if err != nil {
			return err
		}
		mgr, err := locks.Open(r.RepoRoot)
		if err != nil {
			return err
		}
		stats, err := mgr.Gc()
		if err != nil {
			return err
		}
		okf("removed %d expired locks, kept %d", stats.Removed, stats.Kept)
		return nil
	},
}

func init() {
	lockAcquireCmd.Flags().DurationVar(&lockTTL, "ttl", locks.DefaultTTL, "lease duration")
	lockCmd.AddCommand(lockAcquireCmd, lockReleaseCmd, lockStatusCmd, lockGcCmd)
	rootCmd.AddCommand(lockCmd)
}
