package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/neul-labs/grit/internal/config"
	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/ipc"
	"github.com/neul-labs/grit/internal/locks"
	"github.com/neul-labs/grit/internal/ops"
	"github.com/neul-labs/grit/internal/signing"
	"github.com/neul-labs/grit/internal/store"
)

var (
	flagJSON     bool
	flagActor    string
	flagDataDir  string
	flagNoDaemon bool
	flagRemote   string
)

// storeOpenTimeout bounds how long a local command waits for the flock.
const storeOpenTimeout = 5 * time.Second

var rootCmd = &cobra.Command{
	Use:           "grit",
	Short:         "Distributed git-backed issue tracker",
	Long:          "grit keeps issue state as content-addressed events inside your git repository\nand synchronizes through normal push/pull on the refs/grit/* namespace.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "machine-readable JSON output")
	rootCmd.PersistentFlags().StringVar(&flagActor, "actor", "", "act as this actor (hex id)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "explicit actor data directory")
	rootCmd.PersistentFlags().BoolVar(&flagNoDaemon, "no-daemon", false, "force local execution, bypassing a running daemon")
	rootCmd.PersistentFlags().StringVar(&flagRemote, "remote", "origin", "git remote for sync")

	viper.SetEnvPrefix("GRIT")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("remote", rootCmd.PersistentFlags().Lookup("remote"))

	cobra.OnInitialize(func() {
		if flagActor == "" {
			flagActor = viper.GetString("actor")
		}
		if flagDataDir == "" {
			flagDataDir = viper.GetString("data_dir")
		}
		if !rootCmd.PersistentFlags().Changed("remote") {
			if r := viper.GetString("remote"); r != "" {
				flagRemote = r
			}
		}
	})
}

// resolveCtx finds the repository and the active actor. Write commands
// pass autoInit so first use creates an actor.
func resolveCtx(autoInit bool) (*config.Resolved, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "getting working directory")
	}
	gitDir, err := config.FindGitDir(cwd)
	if err != nil {
		return nil, err
	}
	return config.Resolve(gitDir, config.ResolveOptions{
		DataDir:  flagDataDir,
		Actor:    flagActor,
		AutoInit: autoInit,
	})
}

// localOps opens the store under the blocking flock and builds the ops
// layer for direct execution. Callers must Close the returned store.
func localOps(r *config.Resolved) (*store.LockedStore, *ops.Ops, error) {
	st, err := store.OpenLockedBlocking(config.StorePath(r.DataDir), storeOpenTimeout)
	if err != nil {
		return nil, nil, err
	}
	signer, err := signing.LoadKey(r.DataDir)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	lockPolicy := locks.PolicyWarn
	if p, err := locks.ParsePolicy(r.Repo.LockPolicy); err == nil {
		lockPolicy = p
	}
	o := &ops.Ops{
		Store:      st.Store,
		RepoRoot:   r.RepoRoot,
		Actor:      r.ActorID,
		Signer:     signer,
		LockPolicy: lockPolicy,
	}
	return st, o, nil
}

// execCommand routes one command: forced local, then the daemon lease,
// then the connection probe. A live lease with an unreachable endpoint
// means the daemon is wedged: surface Blocked rather than racing it on
// the store.
func execCommand(autoInit bool, op string, args interface{}) (json.RawMessage, error) {
	r, err := resolveCtx(autoInit)
	if err != nil {
		return nil, err
	}

	if !flagNoDaemon {
		lock, err := ipc.ReadDaemonLock(r.DataDir)
		if err != nil {
			return nil, err
		}
		if lock != nil && !lock.Expired() {
			client, err := ipc.Dial(lock.IpcEndpoint, r.RepoRoot, r.ActorID.String(), r.DataDir)
			if err != nil {
				return nil, errs.New(errs.DbBusy,
					"daemon pid %d holds the lease but is unreachable (expires in %dms)",
					lock.Pid, lock.TimeRemaining())
			}
			defer client.Close()
			resp, err := client.Execute(op, args)
			if err != nil {
				return nil, err
			}
			if resp.Data == nil {
				return nil, nil
			}
			return json.RawMessage(*resp.Data), nil
		}
	}

	st, o, err := localOps(r)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	var rawArgs json.RawMessage
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, err, "encoding args")
		}
		rawArgs = encoded
	}
	result, err := ops.Dispatch(o, ipc.Command{Op: op, Args: rawArgs})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "encoding result")
	}
	return encoded, nil
}

var (
	colorOK   = color.New(color.FgGreen)
	colorWarn = color.New(color.FgYellow)
)

func useColor() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) && !flagJSON
}

// printJSON writes the raw payload, indented.
func printJSON(raw json.RawMessage) {
	var buf interface{}
	if err := json.Unmarshal(raw, &buf); err != nil {
		fmt.Println(string(raw))
		return
	}
	out, _ := json.MarshalIndent(buf, "", "  ")
	fmt.Println(string(out))
}

// printResult prints JSON under --json, otherwise calls the human
// formatter (or falls back to JSON when none is given).
func printResult(raw json.RawMessage, human func(json.RawMessage)) {
	if raw == nil {
		return
	}
	if flagJSON || human == nil {
		printJSON(raw)
		return
	}
	human(raw)
}

func okf(format string, args ...interface{}) {
	if useColor() {
		colorOK.Printf(format+"\n", args...)
		return
	}
	fmt.Printf(format+"\n", args...)
}

func warnf(format string, args ...interface{}) {
	if useColor() {
		colorWarn.Printf(format+"\n", args...)
		return
	}
	fmt.Printf(format+"\n", args...)
}
