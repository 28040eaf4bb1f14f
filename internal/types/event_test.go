package types

import (
	"encoding/json"
	"testing"
)

func str(s string) *string { return &s }

func TestEventJSONRoundTrip(t *testing.T) {
	parent := EventID{9}
	kinds := []EventKind{
		IssueCreated{Title: "t", Body: "b", Labels: []string{"bug"}},
		IssueUpdated{Title: str("new")},
		CommentAdded{Body: "c"},
		LabelAdded{Label: "bug"},
		LabelRemoved{Label: "wip"},
		StateChanged{State: StateClosed},
		LinkAdded{URL: "https://example.com", Note: str("ref")},
		AssigneeAdded{User: "alice"},
		AssigneeRemoved{User: "bob"},
		AttachmentAdded{Name: "a.txt", Mime: "text/plain"},
		DependencyAdded{Target: IssueID{1}, DepType: DepBlocks},
		DependencyRemoved{Target: IssueID{2}, DepType: DepRelatedTo},
		ContextUpdated{Path: "x.go", Language: "go", Symbols: []SymbolInfo{{Name: "X", Kind: "type", LineStart: 1, LineEnd: 2}}, Summary: "s"},
		ProjectContextUpdated{Key: "k", Value: "v"},
	}

	for _, kind := range kinds {
		e := Event{
			EventID:  EventID{1},
			IssueID:  IssueID{2},
			Actor:    ActorID{3},
			TsUnixMs: 1700000000000,
			Parent:   &parent,
			Kind:     kind,
			Sig:      []byte{0xab, 0xcd},
		}
		raw, err := json.Marshal(e)
		if err != nil {
			t.Fatalf("marshal %T: %v", kind, err)
		}
		var got Event
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("unmarshal %T: %v", kind, err)
		}
		if got.Kind.Tag() != kind.Tag() {
			t.Errorf("kind tag %d, want %d", got.Kind.Tag(), kind.Tag())
		}
		if got.Parent == nil || *got.Parent != parent {
			t.Errorf("%T: parent did not round-trip", kind)
		}
		if len(got.Sig) != 2 || got.Sig[0] != 0xab {
			t.Errorf("%T: sig did not round-trip: %v", kind, got.Sig)
		}
	}
}

func TestEventJSONNilParentAndSig(t *testing.T) {
	e := Event{
		EventID:  EventID{1},
		IssueID:  IssueID{2},
		Actor:    ActorID{3},
		TsUnixMs: 1,
		Kind:     CommentAdded{Body: "x"},
	}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Event
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Parent != nil {
		t.Error("parent should stay nil")
	}
	if got.Sig != nil {
		t.Error("sig should stay nil")
	}
}

func TestUnknownTagRejected(t *testing.T) {
	if _, err := UnmarshalKind(json.RawMessage(`{"tag":99}`)); err == nil {
		t.Fatal("unknown tag must be rejected")
	}
}

func TestVersionOrdering(t *testing.T) {
	base := Version{TsUnixMs: 100, Actor: ActorID{1}, EventID: EventID{1}}

	cases := []struct {
		name  string
		v     Version
		newer bool
	}{
		{"later ts", Version{TsUnixMs: 200, Actor: ActorID{0}, EventID: EventID{0}}, true},
		{"earlier ts", Version{TsUnixMs: 50, Actor: ActorID{9}, EventID: EventID{9}}, false},
		{"same ts higher actor", Version{TsUnixMs: 100, Actor: ActorID{2}, EventID: EventID{0}}, true},
		{"same ts lower actor", Version{TsUnixMs: 100, Actor: ActorID{0}, EventID: EventID{9}}, false},
		{"same ts actor higher event", Version{TsUnixMs: 100, Actor: ActorID{1}, EventID: EventID{2}}, true},
		{"identical", base, false},
	}
	for _, tc := range cases {
		if got := tc.v.NewerThan(base); got != tc.newer {
			t.Errorf("%s: NewerThan = %v, want %v", tc.name, got, tc.newer)
		}
	}
}

func TestSortedSetHelpers(t *testing.T) {
	set := []string{}
	set = InsertSorted(set, "p0")
	set = InsertSorted(set, "bug")
	set = InsertSorted(set, "p0") // duplicate
	if len(set) != 2 || set[0] != "bug" || set[1] != "p0" {
		t.Fatalf("set = %v", set)
	}
	set = RemoveSorted(set, "bug")
	if len(set) != 1 || set[0] != "p0" {
		t.Fatalf("set after remove = %v", set)
	}
	set = RemoveSorted(set, "absent")
	if len(set) != 1 {
		t.Fatalf("removing absent changed the set: %v", set)
	}
}
