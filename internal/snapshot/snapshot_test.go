package snapshot

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/neul-labs/grit/internal/hash"
	"github.com/neul-labs/grit/internal/types"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if _, err := git.PlainInit(dir, false); err != nil {
		t.Fatalf("initializing repo: %v", err)
	}
	return dir
}

func makeEvents(t *testing.T, count int) []*types.Event {
	t.Helper()
	events := make([]*types.Event, 0, count)
	for i := 0; i < count; i++ {
		e, err := hash.NewEvent(types.NewIssueID(), types.ActorID{1}, 1700000000000+uint64(i), nil,
			types.IssueCreated{Title: fmt.Sprintf("Issue %d", i), Body: "Body"})
		if err != nil {
			t.Fatalf("building event: %v", err)
		}
		events = append(events, e)
	}
	return events
}

func TestCreateAndRead(t *testing.T) {
	dir := initRepo(t)
	mgr, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	events := makeEvents(t, 5)
	walHead := plumbing.NewHash("0000000000000000000000000000000000000001")
	commitHash, err := mgr.Create(walHead, events)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	read, err := mgr.Read(commitHash)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(read) != 5 {
		t.Fatalf("read %d events, want 5", len(read))
	}
	for i, e := range read {
		if e.EventID != events[i].EventID {
			t.Errorf("event %d id mismatch", i)
		}
	}

	head, err := mgr.WalHead(commitHash)
	if err != nil {
		t.Fatalf("wal head: %v", err)
	}
	if head != walHead {
		t.Errorf("wal head = %s, want %s", head, walHead)
	}
}

func TestChunkSplitAt1000(t *testing.T) {
	dir := initRepo(t)
	mgr, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// 2500 events must produce three chunks: 1000 + 1000 + 500.
	events := makeEvents(t, 2500)
	commitHash, err := mgr.Create(plumbing.ZeroHash, events)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	snapshots, err := mgr.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snapshots) != 1 {
		t.Fatalf("snapshots = %d", len(snapshots))
	}

	read, err := mgr.Read(commitHash)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(read) != 2500 {
		t.Fatalf("read %d events, want 2500", len(read))
	}
	for i := range events {
		if read[i].EventID != events[i].EventID {
			t.Fatalf("declared chunk order broken at %d", i)
		}
	}
}

func TestEmptySnapshotRejected(t *testing.T) {
	dir := initRepo(t)
	mgr, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := mgr.Create(plumbing.ZeroHash, nil); err == nil {
		t.Fatal("empty snapshot must be rejected")
	}
}

func TestListLatestGc(t *testing.T) {
	dir := initRepo(t)
	mgr, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if snapshots, _ := mgr.List(); len(snapshots) != 0 {
		t.Fatal("fresh repo has snapshots")
	}
	latest, err := mgr.Latest()
	if err != nil || latest != nil {
		t.Fatalf("latest = %v, %v", latest, err)
	}

	for i := 0; i < 5; i++ {
		if _, err := mgr.Create(plumbing.ZeroHash, makeEvents(t, 1)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		time.Sleep(2 * time.Millisecond) // distinct ref timestamps
	}

	snapshots, err := mgr.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(snapshots) != 5 {
		t.Fatalf("snapshots = %d, want 5", len(snapshots))
	}
	for i := 1; i < len(snapshots); i++ {
		if snapshots[i-1].Timestamp < snapshots[i].Timestamp {
			t.Fatal("list not newest-first")
		}
	}

	latest, err = mgr.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Hash != snapshots[0].Hash {
		t.Error("latest is not the newest snapshot")
	}

	stats, err := mgr.Gc(2)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if stats.Deleted != 3 || stats.Kept != 2 {
		t.Errorf("gc stats = %+v", stats)
	}
	if snapshots, _ := mgr.List(); len(snapshots) != 2 {
		t.Errorf("snapshots after gc = %d", len(snapshots))
	}
}
