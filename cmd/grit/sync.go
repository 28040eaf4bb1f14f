package main

import (
	"github.com/spf13/cobra"

	"github.com/neul-labs/grit/internal/config"
	"github.com/neul-labs/grit/internal/gitsync"
	"github.com/neul-labs/grit/internal/store"
	"github.com/neul-labs/grit/internal/wal"
)

var (
	syncPullOnly bool
	syncPushOnly bool
	syncNoRebase bool
)

// Sync runs locally only: it needs a git handle the daemon workers do not
// carry. After a pull the local store ingests whatever the WAL brought in.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull and push refs/grit/* with the remote",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := resolveCtx(true)
		if err != nil {
			return err
		}
		mgr, err := gitsync.Open(r.RepoRoot)
		if err != nil {
			return err
		}

		if !syncPushOnly {
			pull, err := mgr.Pull(flagRemote)
			if err != nil {
				return err
			}
			okf("%s", pull.Message)
			if pull.EventsPulled > 0 {
				if err := ingestWAL(r.RepoRoot, r.DataDir); err != nil {
					return err
				}
			}
		}
		if syncPullOnly {
			return nil
		}

		var push *gitsync.PushResult
		if syncNoRebase {
			push, err = mgr.Push(flagRemote)
		} else {
			push, err = mgr.PushWithRebase(flagRemote, r.ActorID)
		}
		if err != nil {
			return err
		}
		if push.Rebased {
			warnf("%s", push.Message)
		} else {
			okf("%s", push.Message)
		}
		return nil
	},
}

// ingestWAL inserts any WAL events the store has not seen. Inserts are
// idempotent by event ID, so replaying the full chain is safe.
func ingestWAL(repoRoot, dataDir string) error {
	w, err := wal.Open(repoRoot)
	if err != nil {
		return err
	}
	events, err := w.ReadAll()
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	st, err := store.OpenLockedBlocking(config.StorePath(dataDir), storeOpenTimeout)
	if err != nil {
		return err
	}
	defer st.Close()

	for _, e := range events {
		if err := st.InsertEvent(e); err != nil {
			return err
		}
	}
	return st.Flush()
}

func init() {
	syncCmd.Flags().BoolVar(&syncPullOnly, "pull", false, "pull only")
	syncCmd.Flags().BoolVar(&syncPushOnly, "push", false, "push only")
	syncCmd.Flags().BoolVar(&syncNoRebase, "no-rebase", false, "fail on non-fast-forward instead of rebasing")
	rootCmd.AddCommand(syncCmd)
}
