package projection

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/neul-labs/grit/internal/hash"
	"github.com/neul-labs/grit/internal/types"
)

func makeEvent(t *testing.T, issueID types.IssueID, actor types.ActorID, ts uint64, kind types.EventKind) *types.Event {
	t.Helper()
	e, err := hash.NewEvent(issueID, actor, ts, nil, kind)
	if err != nil {
		t.Fatalf("building event: %v", err)
	}
	return e
}

func str(s string) *string { return &s }

func TestApplyTitleUpdate(t *testing.T) {
	issueID := types.NewIssueID()
	actor := types.ActorID{1}

	p, err := FromEvent(makeEvent(t, issueID, actor, 1000, types.IssueCreated{Title: "Original", Body: "Body"}))
	if err != nil {
		t.Fatalf("from event: %v", err)
	}

	if err := Apply(p, makeEvent(t, issueID, actor, 2000, types.IssueUpdated{Title: str("Updated")})); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if p.Title != "Updated" {
		t.Errorf("title = %q, want Updated", p.Title)
	}
	if p.Body != "Body" {
		t.Errorf("body = %q, want unchanged Body", p.Body)
	}
	if p.UpdatedTs != 2000 {
		t.Errorf("updated_ts = %d, want 2000", p.UpdatedTs)
	}
}

func TestApplyOlderUpdateIgnored(t *testing.T) {
	issueID := types.NewIssueID()
	actor := types.ActorID{1}

	p, err := FromEvent(makeEvent(t, issueID, actor, 2000, types.IssueCreated{Title: "Original", Body: "Body"}))
	if err != nil {
		t.Fatalf("from event: %v", err)
	}

	if err := Apply(p, makeEvent(t, issueID, actor, 1000, types.IssueUpdated{Title: str("Old")})); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if p.Title != "Original" {
		t.Errorf("title = %q, older update should lose LWW", p.Title)
	}
}

func TestLWWTieBreakByActor(t *testing.T) {
	// Scenario 1 from the convergence properties: equal timestamps,
	// higher actor bytes win the tie.
	issueID := types.NewIssueID()
	actorLow := types.ActorID{0x01}
	actorHigh := types.ActorID{0x02}

	p, err := FromEvent(makeEvent(t, issueID, actorLow, 1000, types.IssueCreated{Title: "A", Body: ""}))
	if err != nil {
		t.Fatalf("from event: %v", err)
	}

	b := makeEvent(t, issueID, actorHigh, 2000, types.IssueUpdated{Title: str("B")})
	c := makeEvent(t, issueID, actorLow, 2000, types.IssueUpdated{Title: str("C")})

	if err := Apply(p, b); err != nil {
		t.Fatalf("apply b: %v", err)
	}
	if err := Apply(p, c); err != nil {
		t.Fatalf("apply c: %v", err)
	}
	if p.Title != "B" {
		t.Errorf("title = %q, want B (higher actor wins the timestamp tie)", p.Title)
	}

	// Reverse order converges to the same answer.
	p2, _ := FromEvent(makeEvent(t, issueID, actorLow, 1000, types.IssueCreated{Title: "A", Body: ""}))
	if err := Apply(p2, c); err != nil {
		t.Fatalf("apply c: %v", err)
	}
	if err := Apply(p2, b); err != nil {
		t.Fatalf("apply b: %v", err)
	}
	if p2.Title != "B" {
		t.Errorf("reversed order title = %q, want B", p2.Title)
	}
}

func TestLabelNetCount(t *testing.T) {
	// Scenario 2: two adds and one remove of the same label leave it
	// present; membership equals (#adds > #removes) under tuple-ordered
	// replay for any interleaving.
	issueID := types.NewIssueID()
	actor := types.ActorID{1}

	events := []*types.Event{
		makeEvent(t, issueID, actor, 1000, types.IssueCreated{Title: "t", Body: "b"}),
		makeEvent(t, issueID, actor, 2000, types.LabelAdded{Label: "bug"}),
		makeEvent(t, issueID, actor, 3000, types.LabelRemoved{Label: "bug"}),
		makeEvent(t, issueID, actor, 4000, types.LabelAdded{Label: "bug"}),
	}

	p, err := FromEvent(events[0])
	if err != nil {
		t.Fatalf("from event: %v", err)
	}
	for _, e := range events[1:] {
		if err := Apply(p, e); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if !p.HasLabel("bug") {
		t.Error("label bug should be present after add/remove/add")
	}
}

func TestCommentDedupByEventID(t *testing.T) {
	issueID := types.NewIssueID()
	actor := types.ActorID{1}

	p, err := FromEvent(makeEvent(t, issueID, actor, 1000, types.IssueCreated{Title: "t", Body: "b"}))
	if err != nil {
		t.Fatalf("from event: %v", err)
	}

	comment := makeEvent(t, issueID, actor, 2000, types.CommentAdded{Body: "once"})
	if err := Apply(p, comment); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := Apply(p, comment); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if len(p.Comments) != 1 {
		t.Errorf("comments = %d, duplicate event must be idempotent", len(p.Comments))
	}
}

func TestShuffledReplayConverges(t *testing.T) {
	// Property: for any two shufflings of the same event multiset, the
	// projections are identical after tuple-ordered replay.
	issueID := types.NewIssueID()
	a1 := types.ActorID{1}
	a2 := types.ActorID{2}

	created := makeEvent(t, issueID, a1, 1000, types.IssueCreated{Title: "t", Body: "b", Labels: []string{"bug"}})
	rest := []*types.Event{
		makeEvent(t, issueID, a2, 2000, types.CommentAdded{Body: "c1"}),
		makeEvent(t, issueID, a1, 3000, types.LabelAdded{Label: "p0"}),
		makeEvent(t, issueID, a2, 4000, types.IssueUpdated{Title: str("new title")}),
		makeEvent(t, issueID, a1, 5000, types.AssigneeAdded{User: "alice"}),
		makeEvent(t, issueID, a2, 6000, types.StateChanged{State: types.StateClosed}),
		makeEvent(t, issueID, a1, 7000, types.LabelRemoved{Label: "bug"}),
	}

	build := func(order []*types.Event) *types.IssueProjection {
		p, err := FromEvent(created)
		if err != nil {
			t.Fatalf("from event: %v", err)
		}
		for _, e := range order {
			if err := Apply(p, e); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}
		return p
	}

	base := build(rest)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([]*types.Event(nil), rest...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := build(shuffled)
		// LWW scalar versions depend on apply order only through the
		// winning tuple; sets are ordered. Everything except the
		// append-only list ordering must match exactly.
		if diff := cmp.Diff(base.Labels, got.Labels); diff != "" {
			t.Fatalf("labels diverged (-base +got):\n%s", diff)
		}
		if base.Title != got.Title || base.State != got.State {
			t.Fatalf("scalars diverged: %q/%s vs %q/%s", base.Title, base.State, got.Title, got.State)
		}
		if diff := cmp.Diff(base.Assignees, got.Assignees); diff != "" {
			t.Fatalf("assignees diverged (-base +got):\n%s", diff)
		}
	}
}

func TestDependencySetSemantics(t *testing.T) {
	issueID := types.NewIssueID()
	actor := types.ActorID{1}
	target := types.IssueID{0xaa}

	p, err := FromEvent(makeEvent(t, issueID, actor, 1000, types.IssueCreated{Title: "t", Body: "b"}))
	if err != nil {
		t.Fatalf("from event: %v", err)
	}

	add := makeEvent(t, issueID, actor, 2000, types.DependencyAdded{Target: target, DepType: types.DepBlocks})
	if err := Apply(p, add); err != nil {
		t.Fatalf("apply add: %v", err)
	}
	if err := Apply(p, add); err != nil {
		t.Fatalf("re-apply add: %v", err)
	}
	if len(p.Dependencies) != 1 {
		t.Fatalf("dependencies = %d, want 1", len(p.Dependencies))
	}

	rm := makeEvent(t, issueID, actor, 3000, types.DependencyRemoved{Target: target, DepType: types.DepBlocks})
	if err := Apply(p, rm); err != nil {
		t.Fatalf("apply remove: %v", err)
	}
	if len(p.Dependencies) != 0 {
		t.Fatalf("dependencies = %d after remove, want 0", len(p.Dependencies))
	}

	// Removing a never-added pair is a no-op.
	if err := Apply(p, rm); err != nil {
		t.Fatalf("re-apply remove: %v", err)
	}
}
