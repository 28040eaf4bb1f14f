package hash

import (
	"encoding/hex"
	"testing"

	"github.com/neul-labs/grit/internal/types"
)

func mustIssueID(t *testing.T, s string) types.IssueID {
	t.Helper()
	id, err := types.ParseIssueID(s)
	if err != nil {
		t.Fatalf("parsing issue id: %v", err)
	}
	return id
}

func mustActorID(t *testing.T, s string) types.ActorID {
	t.Helper()
	id, err := types.ParseActorID(s)
	if err != nil {
		t.Fatalf("parsing actor id: %v", err)
	}
	return id
}

func mustEventID(t *testing.T, s string) types.EventID {
	t.Helper()
	id, err := types.ParseEventID(s)
	if err != nil {
		t.Fatalf("parsing event id: %v", err)
	}
	return id
}

func str(s string) *string { return &s }

// The ten reference vectors. Every implementation must reproduce both the
// preimage bytes and the resulting event ID exactly.
func TestReferenceVectors(t *testing.T) {
	issueID := mustIssueID(t, "000102030405060708090a0b0c0d0e0f")
	actor := mustActorID(t, "101112131415161718191a1b1c1d1e1f")
	parent3 := mustEventID(t, "202122232425262728292a2b2c2d2e2f303132333435363738393a3b3c3d3e3f")
	shaSrc := mustEventID(t, "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	var sha types.Hash32
	copy(sha[:], shaSrc[:])

	cases := []struct {
		name    string
		ts      uint64
		parent  *types.EventID
		kind    types.EventKind
		cbor    string
		eventID string
	}{
		{
			name: "issue_created",
			ts:   1700000000000,
			kind: types.IssueCreated{Title: "Test", Body: "Body", Labels: []string{"bug", "p0"}},
			cbor: "870150000102030405060708090a0b0c0d0e0f50101112131415161718191a1b1c1d1e1f" +
				"1b0000018bcfe56800f60183645465737464426f64798263627567627030",
			eventID: "9c2aee7924bf7482dd3842c6ec32fd5103883b9d2354f63df2075ac61fe3d827",
		},
		{
			name: "issue_updated",
			ts:   1700000000000,
			kind: types.IssueUpdated{Title: str("Title 2")},
			cbor: "870150000102030405060708090a0b0c0d0e0f50101112131415161718191a1b1c1d1e1f" +
				"1b0000018bcfe56800f60282675469746c652032f6",
			eventID: "5227efec6ae3d41725827edb3e62d00a595784d7adec58fb4e1b787c44c4b333",
		},
		{
			name:   "comment_added",
			ts:     1700000001000,
			parent: &parent3,
			kind:   types.CommentAdded{Body: "Looks good"},
			cbor: "870150000102030405060708090a0b0c0d0e0f50101112131415161718191a1b1c1d1e1f" +
				"1b0000018bcfe56be85820202122232425262728292a2b2c2d2e2f303132333435363738393a3b3c3d3e3f" +
				"03816a4c6f6f6b7320676f6f64",
			eventID: "fca597420160df9f7230b28384a27dc86656b206520e5c8085e78cbb02a46e27",
		},
		{
			name: "label_added",
			ts:   1700000002000,
			kind: types.LabelAdded{Label: "bug"},
			cbor: "870150000102030405060708090a0b0c0d0e0f50101112131415161718191a1b1c1d1e1f" +
				"1b0000018bcfe56fd0f6048163627567",
			eventID: "d742a0d9c83f17176e30511d62045686b491ddf55f8d1dfe7a74921787bdd436",
		},
		{
			name: "label_removed",
			ts:   1700000003000,
			kind: types.LabelRemoved{Label: "wip"},
			cbor: "870150000102030405060708090a0b0c0d0e0f50101112131415161718191a1b1c1d1e1f" +
				"1b0000018bcfe573b8f6058163776970",
			eventID: "f23e9c69c3fa4cd2889e57fe1c547630afa132052197a5fe449e6d5acf22c40c",
		},
		{
			name: "state_changed",
			ts:   1700000004000,
			kind: types.StateChanged{State: types.StateClosed},
			cbor: "870150000102030405060708090a0b0c0d0e0f50101112131415161718191a1b1c1d1e1f" +
				"1b0000018bcfe577a0f6068166636c6f736564",
			eventID: "839ae6d0898f48efcc7a41fdbb9631e64ba1f05a6c1725fc196971bfd1645b2b",
		},
		{
			name: "link_added",
			ts:   1700000005000,
			kind: types.LinkAdded{URL: "https://example.com", Note: str("ref")},
			cbor: "870150000102030405060708090a0b0c0d0e0f50101112131415161718191a1b1c1d1e1f" +
				"1b0000018bcfe57b88f607827368747470733a2f2f6578616d706c652e636f6d63726566",
			eventID: "b8af76be8b7a40244bb8e731130ed52969a77b87532dadf9a00a352eeb00e3b5",
		},
		{
			name: "assignee_added",
			ts:   1700000006000,
			kind: types.AssigneeAdded{User: "alice"},
			cbor: "870150000102030405060708090a0b0c0d0e0f50101112131415161718191a1b1c1d1e1f" +
				"1b0000018bcfe57f70f6088165616c696365",
			eventID: "42f329d826d34d425dd67080d91f6c909bc56411c9add54389fbec5d457b14e4",
		},
		{
			name: "assignee_removed",
			ts:   1700000007000,
			kind: types.AssigneeRemoved{User: "alice"},
			cbor: "870150000102030405060708090a0b0c0d0e0f50101112131415161718191a1b1c1d1e1f" +
				"1b0000018bcfe58358f6098165616c696365",
			eventID: "bfb0fdfed0f0ee36f31107963317dd904143f37d9ef8792f64272cf2f07f6a1e",
		},
		{
			name: "attachment_added",
			ts:   1700000008000,
			kind: types.AttachmentAdded{Name: "log.txt", SHA256: sha, Mime: "text/plain"},
			cbor: "870150000102030405060708090a0b0c0d0e0f50101112131415161718191a1b1c1d1e1f" +
				"1b0000018bcfe58740f60a83676c6f672e7478745820" +
				"000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f6a746578742f706c61696e",
			eventID: "dc83946d33437f0b73d8b04c63f7b0b85b9e9a24e790fee3ca129d3d8b870749",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			preimage, err := BuildCanonicalCBOR(issueID, actor, tc.ts, tc.parent, tc.kind)
			if err != nil {
				t.Fatalf("building preimage: %v", err)
			}
			if got := hex.EncodeToString(preimage); got != tc.cbor {
				t.Fatalf("preimage mismatch:\n got  %s\n want %s", got, tc.cbor)
			}

			id, err := ComputeEventID(issueID, actor, tc.ts, tc.parent, tc.kind)
			if err != nil {
				t.Fatalf("computing event id: %v", err)
			}
			if id.String() != tc.eventID {
				t.Fatalf("event id mismatch: got %s want %s", id, tc.eventID)
			}
		})
	}
}

func TestLabelsSortedForHash(t *testing.T) {
	issueID := mustIssueID(t, "000102030405060708090a0b0c0d0e0f")
	actor := mustActorID(t, "101112131415161718191a1b1c1d1e1f")

	a, err := ComputeEventID(issueID, actor, 1, nil, types.IssueCreated{Title: "t", Body: "b", Labels: []string{"p0", "bug"}})
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}
	b, err := ComputeEventID(issueID, actor, 1, nil, types.IssueCreated{Title: "t", Body: "b", Labels: []string{"bug", "p0"}})
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}
	if a != b {
		t.Fatalf("label order changed the hash: %s vs %s", a, b)
	}
}

func TestVerifyEventID(t *testing.T) {
	e, err := NewEvent(types.NewIssueID(), types.NewActorID(), 1700000000000, nil, types.CommentAdded{Body: "hi"})
	if err != nil {
		t.Fatalf("building event: %v", err)
	}
	if err := VerifyEventID(e); err != nil {
		t.Fatalf("verify failed on fresh event: %v", err)
	}

	e.EventID[0] ^= 0xff
	if err := VerifyEventID(e); err == nil {
		t.Fatal("expected hash mismatch after corrupting event id")
	}
}

func TestNewKindTagsHash(t *testing.T) {
	// Tags 11-14 have no published vectors; pin that they round-trip through
	// the preimage builder without error and produce distinct IDs.
	issueID := mustIssueID(t, "000102030405060708090a0b0c0d0e0f")
	actor := mustActorID(t, "101112131415161718191a1b1c1d1e1f")
	target := mustIssueID(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	kinds := []types.EventKind{
		types.DependencyAdded{Target: target, DepType: types.DepBlocks},
		types.DependencyRemoved{Target: target, DepType: types.DepDependsOn},
		types.ContextUpdated{
			Path:     "internal/store/store.go",
			Language: "go",
			Symbols:  []types.SymbolInfo{{Name: "Open", Kind: "function", LineStart: 10, LineEnd: 42}},
			Summary:  "store open path",
		},
		types.ProjectContextUpdated{Key: "framework", Value: "cobra"},
	}

	seen := map[types.EventID]bool{}
	for _, k := range kinds {
		id, err := ComputeEventID(issueID, actor, 1700000000000, nil, k)
		if err != nil {
			t.Fatalf("hashing kind %T: %v", k, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id for kind %T", k)
		}
		seen[id] = true
	}
}
