package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/neul-labs/grit/internal/config"
	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/ipc"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the background daemon",
}

var daemonForeground bool

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start gritd for this repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := resolveCtx(true)
		if err != nil {
			return err
		}
		endpoint := daemonEndpoint(r.GitDir)

		if lock, err := ipc.ReadDaemonLock(r.DataDir); err == nil && lock != nil && !lock.Expired() {
			return errs.New(errs.DbBusy, "daemon pid %d already holds the lease", lock.Pid)
		}

		gritd, err := exec.LookPath("gritd")
		if err != nil {
			return errs.Wrap(errs.NotFound, err, "gritd binary not found in PATH")
		}
		daemonArgs := []string{
			"--endpoint", endpoint,
			"--log-file", filepath.Join(config.GritDir(r.GitDir), "gritd.log"),
		}
		child := exec.Command(gritd, daemonArgs...)
		if daemonForeground {
			child.Stdout = os.Stdout
			child.Stderr = os.Stderr
			return child.Run()
		}
		if err := child.Start(); err != nil {
			return errs.Wrap(errs.Internal, err, "starting gritd")
		}
		_ = child.Process.Release()

		// Wait briefly for the socket to come up.
		for i := 0; i < 20; i++ {
			if _, err := os.Stat(endpoint); err == nil {
				okf("daemon started (endpoint %s)", endpoint)
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return errs.New(errs.IPC, "daemon did not come up at %s", endpoint)
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := resolveCtx(false)
		if err != nil {
			return err
		}
		client, err := dialDaemon(r)
		if err != nil {
			return err
		}
		defer client.Close()

		resp, err := client.Execute(ipc.OpDaemonStatus, nil)
		if err != nil {
			return err
		}
		var status ipc.DaemonStatusData
		if err := ipc.DecodeData(resp, &status); err != nil {
			return err
		}
		if flagJSON {
			raw, _ := json.Marshal(status)
			printJSON(raw)
			return nil
		}
		fmt.Printf("pid:     %d\n", status.Pid)
		fmt.Printf("uptime:  %.0fs\n", status.UptimeSeconds)
		fmt.Printf("workers: %d\n", len(status.Workers))
		for _, w := range status.Workers {
			fmt.Printf("  %s\n", w)
		}
		return nil
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon gracefully",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := resolveCtx(false)
		if err != nil {
			return err
		}
		client, err := dialDaemon(r)
		if err != nil {
			return err
		}
		defer client.Close()
		if _, err := client.Execute(ipc.OpDaemonStop, nil); err != nil {
			return err
		}
		okf("daemon stopping")
		return nil
	},
}

func daemonEndpoint(gitDir string) string {
	return filepath.Join(config.GritDir(gitDir), "gritd.sock")
}

func dialDaemon(r *config.Resolved) (*ipc.Client, error) {
	endpoint := daemonEndpoint(r.GitDir)
	if lock, err := ipc.ReadDaemonLock(r.DataDir); err == nil && lock != nil && !lock.Expired() {
		endpoint = lock.IpcEndpoint
	}
	client, err := ipc.Dial(endpoint, r.RepoRoot, r.ActorID.String(), r.DataDir)
	if err != nil {
		return nil, errs.New(errs.IPC, "no daemon reachable at %s", endpoint)
	}
	return client, nil
}

func init() {
	daemonStartCmd.Flags().BoolVar(&daemonForeground, "foreground", false, "run in the foreground")
	daemonCmd.AddCommand(daemonStartCmd, daemonStatusCmd, daemonStopCmd)
	rootCmd.AddCommand(daemonCmd)
}
