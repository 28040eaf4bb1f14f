package integrity

import (
	"path/filepath"
	"testing"

	"github.com/neul-labs/grit/internal/hash"
	"github.com/neul-labs/grit/internal/signing"
	"github.com/neul-labs/grit/internal/store"
	"github.com/neul-labs/grit/internal/types"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sled"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCleanStoreHealthy(t *testing.T) {
	s := openStore(t)
	issueID := types.NewIssueID()
	actor := types.ActorID{1}

	parentEvent, err := hash.NewEvent(issueID, actor, 1000, nil, types.IssueCreated{Title: "t", Body: "b"})
	if err != nil {
		t.Fatalf("building event: %v", err)
	}
	if err := s.InsertEvent(parentEvent); err != nil {
		t.Fatalf("insert: %v", err)
	}
	child, err := hash.NewEvent(issueID, actor, 2000, &parentEvent.EventID, types.CommentAdded{Body: "c"})
	if err != nil {
		t.Fatalf("building child: %v", err)
	}
	if err := s.InsertEvent(child); err != nil {
		t.Fatalf("insert child: %v", err)
	}

	report, err := CheckStore(s)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !report.Healthy() || report.EventCount != 2 {
		t.Fatalf("report = %+v", report)
	}
}

func TestMissingParentDetected(t *testing.T) {
	s := openStore(t)
	issueID := types.NewIssueID()
	actor := types.ActorID{1}

	if err := s.InsertEvent(mustEvent(t, issueID, actor, 1000, nil, types.IssueCreated{Title: "t", Body: ""})); err != nil {
		t.Fatalf("insert: %v", err)
	}
	ghost := types.EventID{0xde, 0xad}
	if err := s.InsertEvent(mustEvent(t, issueID, actor, 2000, &ghost, types.CommentAdded{Body: "orphan"})); err != nil {
		t.Fatalf("insert orphan: %v", err)
	}

	report, err := CheckStore(s)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.Healthy() {
		t.Fatal("missing parent not detected")
	}
	if report.CorruptEvents[0].Kind != KindMissingParent {
		t.Errorf("kind = %s", report.CorruptEvents[0].Kind)
	}
}

func TestHashMismatchDetected(t *testing.T) {
	s := openStore(t)
	issueID := types.NewIssueID()
	actor := types.ActorID{1}

	bad := mustEvent(t, issueID, actor, 1000, nil, types.IssueCreated{Title: "t", Body: ""})
	bad.EventID[0] ^= 0xff // stored id no longer matches the preimage
	if err := s.InsertEvent(bad); err != nil {
		t.Fatalf("insert: %v", err)
	}

	report, err := CheckStore(s)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.Healthy() {
		t.Fatal("hash mismatch not detected")
	}
	if report.CorruptEvents[0].Kind != KindHashMismatch {
		t.Errorf("kind = %s", report.CorruptEvents[0].Kind)
	}
}

func TestSignatureSweep(t *testing.T) {
	s := openStore(t)
	issueID := types.NewIssueID()
	actor := types.ActorID{1}

	key, err := signing.Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	signed := mustEvent(t, issueID, actor, 1000, nil, types.IssueCreated{Title: "t", Body: ""})
	key.SignEvent(signed)
	if err := s.InsertEvent(signed); err != nil {
		t.Fatalf("insert signed: %v", err)
	}
	unsigned := mustEvent(t, issueID, actor, 2000, nil, types.CommentAdded{Body: "no sig"})
	if err := s.InsertEvent(unsigned); err != nil {
		t.Fatalf("insert unsigned: %v", err)
	}

	keyFor := func(types.ActorID) string { return key.PublicKeyHex() }

	// Warn tolerates the missing signature.
	failures, err := VerifySignatures(s, signing.PolicyWarn, keyFor)
	if err != nil {
		t.Fatalf("verify warn: %v", err)
	}
	if len(failures) != 0 {
		t.Errorf("warn failures = %+v", failures)
	}

	// Require flags it.
	failures, err = VerifySignatures(s, signing.PolicyRequire, keyFor)
	if err != nil {
		t.Fatalf("verify require: %v", err)
	}
	if len(failures) != 1 || failures[0].EventID != unsigned.EventID {
		t.Errorf("require failures = %+v", failures)
	}

	// Off checks nothing.
	failures, err = VerifySignatures(s, signing.PolicyOff, keyFor)
	if err != nil || failures != nil {
		t.Errorf("off = %v, %v", failures, err)
	}
}

func mustEvent(t *testing.T, issueID types.IssueID, actor types.ActorID, ts uint64, parent *types.EventID, kind types.EventKind) *types.Event {
	t.Helper()
	e, err := hash.NewEvent(issueID, actor, ts, parent, kind)
	if err != nil {
		t.Fatalf("building event: %v", err)
	}
	return e
}
