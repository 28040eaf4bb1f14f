// Package export emits the store as JSON or Markdown with a stable total
// order over events: (issue_id, ts, actor, event_id).
package export

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/store"
	"github.com/neul-labs/grit/internal/types"
)

// Since filters exported events: by timestamp or by a specific event ID
// (everything strictly after that event in the stable order).
type Since struct {
	TsUnixMs *uint64
	EventID  *types.EventID
}

// ParseSince accepts a millisecond timestamp, an RFC 3339 time, or a
// 64-char event ID.
func ParseSince(s string) (*Since, error) {
	if s == "" {
		return nil, nil
	}
	if len(s) == 64 {
		id, err := types.ParseEventID(s)
		if err == nil {
			return &Since{EventID: &id}, nil
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		ts := uint64(t.UnixMilli())
		return &Since{TsUnixMs: &ts}, nil
	}
	var ts uint64
	if _, err := fmt.Sscanf(s, "%d", &ts); err == nil {
		return &Since{TsUnixMs: &ts}, nil
	}
	return nil, errs.New(errs.InvalidArgs, "cannot parse --since value %q", s)
}

// Meta heads every JSON export.
type Meta struct {
	SchemaVersion uint32 `json:"schema_version"`
	ExportedTs    uint64 `json:"exported_ts"`
	EventCount    int    `json:"event_count"`
	IssueCount    int    `json:"issue_count"`
}

// JSONExport is the full machine-readable dump.
type JSONExport struct {
	Meta   Meta                 `json:"meta"`
	Issues []types.IssueSummary `json:"issues"`
	Events []json.RawMessage    `json:"events"`
}

// JSON builds the JSON export.
func JSON(s *store.Store, since *Since) (*JSONExport, error) {
	events, err := filteredEvents(s, since)
	if err != nil {
		return nil, err
	}
	issues, err := s.ListIssues(store.IssueFilter{})
	if err != nil {
		return nil, err
	}

	encoded := make([]json.RawMessage, 0, len(events))
	for _, e := range events {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, errs.Wrap(errs.Internal, err, "encoding event %s", e.EventID)
		}
		encoded = append(encoded, raw)
	}
	return &JSONExport{
		Meta: Meta{
			SchemaVersion: 1,
			ExportedTs:    uint64(time.Now().UnixMilli()),
			EventCount:    len(events),
			IssueCount:    len(issues),
		},
		Issues: issues,
		Events: encoded,
	}, nil
}

// Markdown renders a human-readable report, one section per issue. The
// since argument is not applied: the report always covers every issue.
func Markdown(s *store.Store, since *Since) (string, error) {
	issues, err := s.ListIssues(store.IssueFilter{})
	if err != nil {
		return "", err
	}
	sort.Slice(issues, func(i, j int) bool {
		return issues[i].IssueID.Compare(issues[j].IssueID) < 0
	})

	var b strings.Builder
	b.WriteString("# Issues\n\n")
	for _, summary := range issues {
		proj, err := s.GetIssue(summary.IssueID)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "## %s (`%s`)\n\n", proj.Title, proj.IssueID)
		fmt.Fprintf(&b, "- State: %s\n", proj.State)
		if len(proj.Labels) > 0 {
			fmt.Fprintf(&b, "- Labels: %s\n", strings.Join(proj.Labels, ", "))
		}
		if len(proj.Assignees) > 0 {
			fmt.Fprintf(&b, "- Assignees: %s\n", strings.Join(proj.Assignees, ", "))
		}
		fmt.Fprintf(&b, "- Created: %s\n", formatTs(proj.CreatedTs))
		fmt.Fprintf(&b, "- Updated: %s\n", formatTs(proj.UpdatedTs))
		if proj.Body != "" {
			fmt.Fprintf(&b, "\n%s\n", proj.Body)
		}
		for _, c := range proj.Comments {
			fmt.Fprintf(&b, "\n> %s — %s, %s\n", c.Body, c.Actor, formatTs(c.TsUnixMs))
		}
		for _, l := range proj.Links {
			note := ""
			if l.Note != nil {
				note = " (" + *l.Note + ")"
			}
			fmt.Fprintf(&b, "- Link: %s%s\n", l.URL, note)
		}
		for _, a := range proj.Attachments {
			fmt.Fprintf(&b, "- Attachment: %s (%s, sha256 %s)\n", a.Name, a.Mime, a.SHA256)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

func filteredEvents(s *store.Store, since *Since) ([]*types.Event, error) {
	events, err := s.GetAllEvents()
	if err != nil {
		return nil, err
	}
	if since == nil {
		return events, nil
	}
	if since.TsUnixMs != nil {
		var out []*types.Event
		for _, e := range events {
			if e.TsUnixMs >= *since.TsUnixMs {
				out = append(out, e)
			}
		}
		return out, nil
	}
	if since.EventID != nil {
		for i, e := range events {
			if e.EventID == *since.EventID {
				return events[i+1:], nil
			}
		}
		return nil, errs.New(errs.NotFound, "since event %s not found", since.EventID)
	}
	return events, nil
}

func formatTs(ms uint64) string {
	return time.UnixMilli(int64(ms)).UTC().Format(time.RFC3339)
}
