package ops

import (
	"path/filepath"
	"testing"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/store"
	"github.com/neul-labs/grit/internal/types"
)

// testOps runs against a bare store with the WAL disabled; WAL coupling is
// covered by the wal and gitsync packages.
func testOps(t *testing.T) *Ops {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sled"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return &Ops{
		Store:   s,
		Actor:   types.ActorID{1},
		SkipWAL: true,
	}
}

func str(s string) *string { return &s }

func TestCreateAndUpdate(t *testing.T) {
	o := testOps(t)

	created, err := o.CreateIssue("Title", "Body", []string{"bug"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	proj, err := o.Store.GetIssue(created.IssueID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if proj.Title != "Title" || !proj.HasLabel("bug") {
		t.Fatalf("projection = %+v", proj)
	}

	if _, err := o.UpdateIssue(created.IssueID, str("New"), nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	proj, _ = o.Store.GetIssue(created.IssueID)
	if proj.Title != "New" {
		t.Errorf("title = %q", proj.Title)
	}
}

func TestCreateRequiresTitle(t *testing.T) {
	o := testOps(t)
	if _, err := o.CreateIssue("", "", nil); !errs.Is(err, errs.InvalidArgs) {
		t.Fatalf("expected invalid_args, got %v", err)
	}
}

func TestUpdateMissingIssue(t *testing.T) {
	o := testOps(t)
	if _, err := o.UpdateIssue(types.IssueID{9}, str("x"), nil); !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestUpdateNothingGiven(t *testing.T) {
	o := testOps(t)
	created, err := o.CreateIssue("t", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := o.UpdateIssue(created.IssueID, nil, nil); !errs.Is(err, errs.InvalidArgs) {
		t.Fatalf("expected invalid_args, got %v", err)
	}
}

func TestStateTransitions(t *testing.T) {
	o := testOps(t)
	created, err := o.CreateIssue("t", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := o.SetState(created.IssueID, types.StateClosed); err != nil {
		t.Fatalf("close: %v", err)
	}
	proj, _ := o.Store.GetIssue(created.IssueID)
	if proj.State != types.StateClosed {
		t.Errorf("state = %s", proj.State)
	}

	if _, err := o.SetState(created.IssueID, types.StateOpen); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	proj, _ = o.Store.GetIssue(created.IssueID)
	if proj.State != types.StateOpen {
		t.Errorf("state = %s", proj.State)
	}
}

func TestLabelAndAssign(t *testing.T) {
	o := testOps(t)
	created, err := o.CreateIssue("t", "", []string{"wip"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	events, err := o.Label(created.IssueID, []string{"bug"}, []string{"wip"})
	if err != nil {
		t.Fatalf("label: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("label events = %d", len(events))
	}
	proj, _ := o.Store.GetIssue(created.IssueID)
	if !proj.HasLabel("bug") || proj.HasLabel("wip") {
		t.Errorf("labels = %v", proj.Labels)
	}

	if _, err := o.Assign(created.IssueID, []string{"alice"}, nil); err != nil {
		t.Fatalf("assign: %v", err)
	}
	proj, _ = o.Store.GetIssue(created.IssueID)
	if len(proj.Assignees) != 1 || proj.Assignees[0] != "alice" {
		t.Errorf("assignees = %v", proj.Assignees)
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	// Scenario: A depends_on B, B depends_on C; C depends_on A must be
	// rejected with Conflict and leave the store unchanged.
	o := testOps(t)

	a, err := o.CreateIssue("A", "", nil)
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	b, err := o.CreateIssue("B", "", nil)
	if err != nil {
		t.Fatalf("create B: %v", err)
	}
	c, err := o.CreateIssue("C", "", nil)
	if err != nil {
		t.Fatalf("create C: %v", err)
	}

	if _, err := o.AddDependency(a.IssueID, b.IssueID, types.DepDependsOn); err != nil {
		t.Fatalf("A->B: %v", err)
	}
	if _, err := o.AddDependency(b.IssueID, c.IssueID, types.DepDependsOn); err != nil {
		t.Fatalf("B->C: %v", err)
	}

	_, err = o.AddDependency(c.IssueID, a.IssueID, types.DepDependsOn)
	if !errs.Is(err, errs.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	deps, err := o.Store.GetDependencies(c.IssueID)
	if err != nil {
		t.Fatalf("get deps: %v", err)
	}
	if len(deps) != 0 {
		t.Errorf("store changed by rejected add: %+v", deps)
	}

	// related_to is unconstrained and may close the loop.
	if _, err := o.AddDependency(c.IssueID, a.IssueID, types.DepRelatedTo); err != nil {
		t.Fatalf("related_to rejected: %v", err)
	}
}

func TestSelfDependencyRejected(t *testing.T) {
	o := testOps(t)
	a, err := o.CreateIssue("A", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := o.AddDependency(a.IssueID, a.IssueID, types.DepBlocks); !errs.Is(err, errs.InvalidArgs) {
		t.Fatalf("expected invalid_args, got %v", err)
	}
}

func TestContextOps(t *testing.T) {
	o := testOps(t)

	if _, err := o.UpdateContext("src/main.go", "go",
		[]types.SymbolInfo{{Name: "main", Kind: "function", LineStart: 1, LineEnd: 5}},
		"entry point", types.Hash32{}); err != nil {
		t.Fatalf("update context: %v", err)
	}
	ctx, err := o.Store.GetFileContext("src/main.go")
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if ctx.Language != "go" {
		t.Errorf("language = %s", ctx.Language)
	}

	if _, err := o.SetProjectContext("framework", "cobra"); err != nil {
		t.Fatalf("set project context: %v", err)
	}
	entry, err := o.Store.GetProjectContext("framework")
	if err != nil {
		t.Fatalf("get project context: %v", err)
	}
	if entry.Value != "cobra" {
		t.Errorf("value = %s", entry.Value)
	}
}

func TestEventsAreSignedWhenKeyPresent(t *testing.T) {
	o := testOps(t)
	key := generateTestKey(t)
	o.Signer = key

	created, err := o.CreateIssue("signed", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created.Sig) != 64 {
		t.Fatalf("sig length = %d, want 64", len(created.Sig))
	}
}
