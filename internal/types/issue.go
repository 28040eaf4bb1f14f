package types

import "sort"

// Version is the Last-Writer-Wins tuple. The tuple order
// (ts, actor, event_id) is total, so concurrent writers converge on the
// maximum regardless of apply order.
type Version struct {
	TsUnixMs uint64  `json:"ts_unix_ms"`
	Actor    ActorID `json:"actor"`
	EventID  EventID `json:"event_id"`
}

// NewVersion builds the version tuple for an event.
func NewVersion(e *Event) Version {
	return Version{TsUnixMs: e.TsUnixMs, Actor: e.Actor, EventID: e.EventID}
}

// NewerThan reports whether v is strictly greater than other in tuple order.
func (v Version) NewerThan(other Version) bool {
	if v.TsUnixMs != other.TsUnixMs {
		return v.TsUnixMs > other.TsUnixMs
	}
	if c := v.Actor.Compare(other.Actor); c != 0 {
		return c > 0
	}
	return v.EventID.Compare(other.EventID) > 0
}

// Comment is one append-only comment entry, keyed by the event that added it.
type Comment struct {
	EventID  EventID `json:"event_id"`
	Actor    ActorID `json:"actor"`
	TsUnixMs uint64  `json:"ts_unix_ms"`
	Body     string  `json:"body"`
}

// Link is one append-only link entry.
type Link struct {
	EventID EventID `json:"event_id"`
	URL     string  `json:"url"`
	Note    *string `json:"note,omitempty"`
}

// Attachment is one append-only attachment entry.
type Attachment struct {
	EventID EventID `json:"event_id"`
	Name    string  `json:"name"`
	SHA256  Hash32  `json:"sha256"`
	Mime    string  `json:"mime"`
}

// Dependency is one (target, type) edge in the dependency set.
type Dependency struct {
	Target  IssueID        `json:"target"`
	DepType DependencyType `json:"dep_type"`
}

// IssueProjection is the derived current-state view of one issue. It is a
// pure function of the issue's event multiset: sets are kept sorted so two
// replicas serialize bit-identically.
type IssueProjection struct {
	IssueID      IssueID      `json:"issue_id"`
	Title        string       `json:"title"`
	TitleVersion Version      `json:"title_version"`
	Body         string       `json:"body"`
	BodyVersion  Version      `json:"body_version"`
	State        IssueState   `json:"state"`
	StateVersion Version      `json:"state_version"`
	Labels       []string     `json:"labels"`
	Assignees    []string     `json:"assignees"`
	Comments     []Comment    `json:"comments"`
	Links        []Link       `json:"links"`
	Attachments  []Attachment `json:"attachments"`
	Dependencies []Dependency `json:"dependencies"`
	CreatedTs    uint64       `json:"created_ts"`
	UpdatedTs    uint64       `json:"updated_ts"`
}

// IssueSummary is the list-view slice of a projection.
type IssueSummary struct {
	IssueID      IssueID    `json:"issue_id"`
	Title        string     `json:"title"`
	State        IssueState `json:"state"`
	Labels       []string   `json:"labels"`
	Assignees    []string   `json:"assignees"`
	CommentCount int        `json:"comment_count"`
	CreatedTs    uint64     `json:"created_ts"`
	UpdatedTs    uint64     `json:"updated_ts"`
}

// Summary extracts the list view.
func (p *IssueProjection) Summary() IssueSummary {
	return IssueSummary{
		IssueID:      p.IssueID,
		Title:        p.Title,
		State:        p.State,
		Labels:       append([]string(nil), p.Labels...),
		Assignees:    append([]string(nil), p.Assignees...),
		CommentCount: len(p.Comments),
		CreatedTs:    p.CreatedTs,
		UpdatedTs:    p.UpdatedTs,
	}
}

// HasLabel reports sorted-set membership.
func (p *IssueProjection) HasLabel(label string) bool {
	return sortedContains(p.Labels, label)
}

// HasDependency reports membership of a (target, type) edge.
func (p *IssueProjection) HasDependency(d Dependency) bool {
	for _, dep := range p.Dependencies {
		if dep == d {
			return true
		}
	}
	return false
}

// InsertSorted adds s to a sorted string set, keeping order and uniqueness.
func InsertSorted(set []string, s string) []string {
	i := sort.SearchStrings(set, s)
	if i < len(set) && set[i] == s {
		return set
	}
	set = append(set, "")
	copy(set[i+1:], set[i:])
	set[i] = s
	return set
}

// RemoveSorted removes s from a sorted string set if present.
func RemoveSorted(set []string, s string) []string {
	i := sort.SearchStrings(set, s)
	if i < len(set) && set[i] == s {
		return append(set[:i], set[i+1:]...)
	}
	return set
}

func sortedContains(set []string, s string) bool {
	i := sort.SearchStrings(set, s)
	return i < len(set) && set[i] == s
}
