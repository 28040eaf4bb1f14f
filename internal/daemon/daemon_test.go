package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/rs/zerolog"

	"github.com/neul-labs/grit/internal/config"
	"github.com/neul-labs/grit/internal/ipc"
	"github.com/neul-labs/grit/internal/types"
)

// startSupervisor brings up a supervisor on sockets inside a fresh git
// repository and returns a connected client for its only actor.
func startSupervisor(t *testing.T) (*Supervisor, *ipc.Client, string) {
	t.Helper()

	repoDir := t.TempDir()
	if _, err := git.PlainInit(repoDir, false); err != nil {
		t.Fatalf("initializing repo: %v", err)
	}
	gitDir := filepath.Join(repoDir, ".git")
	actorCfg, err := config.InitActor(gitDir, "test")
	if err != nil {
		t.Fatalf("initializing actor: %v", err)
	}
	dataDir := config.ActorDir(gitDir, actorCfg.ActorID)

	// Keep socket paths short; unix sockets cap around 100 bytes.
	sockDir, err := os.MkdirTemp("", "gritd")
	if err != nil {
		t.Fatalf("socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(sockDir) })
	endpoint := filepath.Join(sockDir, "d.sock")

	sup := NewSupervisor(endpoint, endpoint+".notify", "testhost", zerolog.Nop())
	go func() { _ = sup.Run() }()
	t.Cleanup(sup.Stop)

	// Wait for the socket.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(endpoint); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("supervisor socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	client, err := ipc.Dial(endpoint, repoDir, actorCfg.ActorID, dataDir)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return sup, client, dataDir
}

func TestPingAndStatus(t *testing.T) {
	_, client, _ := startSupervisor(t)

	if err := client.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}

	resp, err := client.Execute(ipc.OpDaemonStatus, nil)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status ipc.DaemonStatusData
	if err := ipc.DecodeData(resp, &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Pid != os.Getpid() {
		t.Errorf("pid = %d", status.Pid)
	}
}

func TestIssueRoundTripThroughDaemon(t *testing.T) {
	_, client, dataDir := startSupervisor(t)

	resp, err := client.Execute(ipc.OpIssueCreate, ipc.IssueCreateArgs{
		Title:  "Through the daemon",
		Body:   "body",
		Labels: []string{"bug"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var created types.Event
	if err := ipc.DecodeData(resp, &created); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	if created.IssueID == (types.IssueID{}) {
		t.Fatal("no issue id assigned")
	}

	// The worker holds the daemon lease for its data directory.
	lease, err := ipc.ReadDaemonLock(dataDir)
	if err != nil {
		t.Fatalf("reading lease: %v", err)
	}
	if lease == nil || lease.Expired() {
		t.Fatal("worker did not hold a live daemon lease")
	}

	resp, err = client.Execute(ipc.OpIssueList, ipc.IssueListArgs{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var summaries []types.IssueSummary
	if err := ipc.DecodeData(resp, &summaries); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Title != "Through the daemon" {
		t.Fatalf("summaries = %+v", summaries)
	}

	resp, err = client.Execute(ipc.OpIssueShow, ipc.IssueShowArgs{IssueID: created.IssueID.String()})
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	var proj types.IssueProjection
	if err := ipc.DecodeData(resp, &proj); err != nil {
		t.Fatalf("decode show: %v", err)
	}
	if !proj.HasLabel("bug") {
		t.Error("label lost through the daemon path")
	}
}

func TestUnknownOperationRejected(t *testing.T) {
	_, client, _ := startSupervisor(t)
	resp, err := client.Execute("no_such_op", struct{}{})
	if err == nil {
		t.Fatalf("unknown op accepted: %+v", resp)
	}
}

func TestSyncRefusedByDaemon(t *testing.T) {
	_, client, _ := startSupervisor(t)
	if _, err := client.Execute(ipc.OpSync, struct{}{}); err == nil {
		t.Fatal("sync through the daemon must be refused")
	}
}

func TestDaemonStop(t *testing.T) {
	_, client, dataDir := startSupervisor(t)

	// Create a worker so shutdown has something to drain.
	if _, err := client.Execute(ipc.OpIssueCreate, ipc.IssueCreateArgs{Title: "x"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := client.Execute(ipc.OpDaemonStop, nil); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// The worker must release the lease during shutdown.
	deadline := time.Now().Add(3 * time.Second)
	for {
		lease, err := ipc.ReadDaemonLock(dataDir)
		if err == nil && lease == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lease not released on shutdown")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
