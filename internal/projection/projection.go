// Package projection applies events to derived issue state.
//
// Apply is commutative for set operations and uses the (ts, actor,
// event_id) tuple order for scalar LWW fields, so any ordering of the same
// event multiset converges to the same projection. Duplicate events are
// filtered upstream by event-ID dedup in the store.
package projection

import (
	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/types"
)

// FromEvent materializes a new projection from an IssueCreated event.
func FromEvent(e *types.Event) (*types.IssueProjection, error) {
	created, ok := e.Kind.(types.IssueCreated)
	if !ok {
		return nil, errs.New(errs.Internal, "expected IssueCreated event, got tag %d", e.Kind.Tag())
	}
	labels := []string{}
	for _, l := range created.Labels {
		labels = types.InsertSorted(labels, l)
	}
	v := types.NewVersion(e)
	return &types.IssueProjection{
		IssueID:      e.IssueID,
		Title:        created.Title,
		TitleVersion: v,
		Body:         created.Body,
		BodyVersion:  v,
		State:        types.StateOpen,
		StateVersion: v,
		Labels:       labels,
		Assignees:    []string{},
		Comments:     []types.Comment{},
		Links:        []types.Link{},
		Attachments:  []types.Attachment{},
		Dependencies: []types.Dependency{},
		CreatedTs:    e.TsUnixMs,
		UpdatedTs:    e.TsUnixMs,
	}, nil
}

// Apply folds one event into an existing projection. IssueCreated applied
// to an existing projection is an idempotent no-op. Context events do not
// touch issue projections; the store routes them separately.
func Apply(p *types.IssueProjection, e *types.Event) error {
	v := types.NewVersion(e)

	switch k := e.Kind.(type) {
	case types.IssueCreated:
		return nil

	case types.IssueUpdated:
		if k.Title != nil && v.NewerThan(p.TitleVersion) {
			p.Title = *k.Title
			p.TitleVersion = v
		}
		if k.Body != nil && v.NewerThan(p.BodyVersion) {
			p.Body = *k.Body
			p.BodyVersion = v
		}

	case types.CommentAdded:
		if !hasListEntry(p, e.EventID) {
			p.Comments = append(p.Comments, types.Comment{
				EventID:  e.EventID,
				Actor:    e.Actor,
				TsUnixMs: e.TsUnixMs,
				Body:     k.Body,
			})
		}

	case types.LabelAdded:
		p.Labels = types.InsertSorted(p.Labels, k.Label)

	case types.LabelRemoved:
		p.Labels = types.RemoveSorted(p.Labels, k.Label)

	case types.StateChanged:
		if v.NewerThan(p.StateVersion) {
			p.State = k.State
			p.StateVersion = v
		}

	case types.LinkAdded:
		if !hasListEntry(p, e.EventID) {
			p.Links = append(p.Links, types.Link{EventID: e.EventID, URL: k.URL, Note: k.Note})
		}

	case types.AssigneeAdded:
		p.Assignees = types.InsertSorted(p.Assignees, k.User)

	case types.AssigneeRemoved:
		p.Assignees = types.RemoveSorted(p.Assignees, k.User)

	case types.AttachmentAdded:
		if !hasListEntry(p, e.EventID) {
			p.Attachments = append(p.Attachments, types.Attachment{
				EventID: e.EventID,
				Name:    k.Name,
				SHA256:  k.SHA256,
				Mime:    k.Mime,
			})
		}

	case types.DependencyAdded:
		dep := types.Dependency{Target: k.Target, DepType: k.DepType}
		if !p.HasDependency(dep) {
			p.Dependencies = insertDependency(p.Dependencies, dep)
		}

	case types.DependencyRemoved:
		p.Dependencies = removeDependency(p.Dependencies, types.Dependency{Target: k.Target, DepType: k.DepType})

	case types.ContextUpdated, types.ProjectContextUpdated:
		return nil

	default:
		return errs.New(errs.InvalidEvent, "unhandled event kind tag %d", e.Kind.Tag())
	}

	if e.TsUnixMs > p.UpdatedTs {
		p.UpdatedTs = e.TsUnixMs
	}
	return nil
}

// hasListEntry checks the append-only lists for an entry with this event ID.
func hasListEntry(p *types.IssueProjection, id types.EventID) bool {
	for _, c := range p.Comments {
		if c.EventID == id {
			return true
		}
	}
	for _, l := range p.Links {
		if l.EventID == id {
			return true
		}
	}
	for _, a := range p.Attachments {
		if a.EventID == id {
			return true
		}
	}
	return false
}

// insertDependency keeps the dependency set ordered by (target, type) so
// serialized projections are deterministic.
func insertDependency(deps []types.Dependency, d types.Dependency) []types.Dependency {
	i := 0
	for ; i < len(deps); i++ {
		c := deps[i].Target.Compare(d.Target)
		if c > 0 || (c == 0 && deps[i].DepType >= d.DepType) {
			break
		}
	}
	deps = append(deps, types.Dependency{})
	copy(deps[i+1:], deps[i:])
	deps[i] = d
	return deps
}

func removeDependency(deps []types.Dependency, d types.Dependency) []types.Dependency {
	for i, dep := range deps {
		if dep == d {
			return append(deps[:i], deps[i+1:]...)
		}
	}
	return deps
}
