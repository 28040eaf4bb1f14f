// Package ops executes commands against one actor's store and WAL: build
// the event, apply it through the projection engine, persist atomically,
// then append to the WAL ref. Both the CLI local path and daemon workers
// run through this layer.
//
// The store insert and the WAL append are deliberately separate: on a
// crash between them the event is already durable in the store, and the
// reverse ordering never happens, so the next rebuild self-heals.
package ops

import (
	"sync"
	"time"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/hash"
	"github.com/neul-labs/grit/internal/locks"
	"github.com/neul-labs/grit/internal/signing"
	"github.com/neul-labs/grit/internal/store"
	"github.com/neul-labs/grit/internal/types"
	"github.com/neul-labs/grit/internal/wal"
)

// Ops binds one actor's store handle to the repository it writes.
// The WAL and lock managers are opened freshly per call because the
// underlying git handle is not goroutine-safe; the store handle is shared.
type Ops struct {
	Store      *store.Store
	RepoRoot   string
	Actor      types.ActorID
	Signer     *signing.KeyPair // nil when the actor has no key
	LockPolicy locks.Policy

	// SkipWAL drops the WAL append, for stores opened outside a git
	// repository (tests, scratch imports).
	SkipWAL bool

	// Applied, when set, observes every event after commit. The daemon
	// uses it to publish notifications.
	Applied func(e *types.Event)
}

var (
	clockMu sync.Mutex
	lastTs  uint64
)

// nowMs returns the wall clock in milliseconds, bumped past the previous
// value so successive events from one process never share a timestamp and
// a later write from this process wins the LWW order over an earlier one.
func nowMs() uint64 {
	clockMu.Lock()
	defer clockMu.Unlock()
	ts := uint64(time.Now().UnixMilli())
	if ts <= lastTs {
		ts = lastTs + 1
	}
	lastTs = ts
	return ts
}

// commit hashes, signs, stores, and WAL-appends one event.
func (o *Ops) commit(issueID types.IssueID, parent *types.EventID, kind types.EventKind) (*types.Event, error) {
	e, err := hash.NewEvent(issueID, o.Actor, nowMs(), parent, kind)
	if err != nil {
		return nil, err
	}
	if o.Signer != nil {
		o.Signer.SignEvent(e)
	}
	if err := o.Store.InsertEvent(e); err != nil {
		return nil, err
	}
	if err := o.appendWAL([]*types.Event{e}); err != nil {
		return nil, err
	}
	if o.Applied != nil {
		o.Applied(e)
	}
	return e, nil
}

func (o *Ops) appendWAL(events []*types.Event) error {
	if o.SkipWAL {
		return nil
	}
	w, err := wal.Open(o.RepoRoot)
	if err != nil {
		return err
	}
	_, err = w.Append(o.Actor, events)
	return err
}

// checkLock enforces the configured lock policy on a resource. Blocked
// conflicts surface as Conflict; warnings do not stop the write.
func (o *Ops) checkLock(resource string) error {
	if o.LockPolicy == locks.PolicyOff || o.LockPolicy == "" || o.SkipWAL {
		return nil
	}
	mgr, err := locks.Open(o.RepoRoot)
	if err != nil {
		return err
	}
	result, err := mgr.CheckConflicts(resource, o.Actor.String(), o.LockPolicy)
	if err != nil {
		return err
	}
	if result.Blocked {
		first := result.Conflicts[0]
		return errs.New(errs.Conflict, "resource %s locked by %s (expires in %dms)",
			first.Resource, first.Owner, first.TimeRemaining())
	}
	return nil
}

// requireIssue fails with NotFound unless the issue projection exists.
func (o *Ops) requireIssue(issueID types.IssueID) error {
	_, err := o.Store.GetIssue(issueID)
	return err
}

// CreateIssue starts a new issue and returns its creation event.
func (o *Ops) CreateIssue(title, body string, labels []string) (*types.Event, error) {
	if title == "" {
		return nil, errs.New(errs.InvalidArgs, "issue title must not be empty")
	}
	issueID := types.NewIssueID()
	return o.commit(issueID, nil, types.IssueCreated{Title: title, Body: body, Labels: labels})
}

// UpdateIssue sets title and/or body; at least one must be provided.
func (o *Ops) UpdateIssue(issueID types.IssueID, title, body *string) (*types.Event, error) {
	if title == nil && body == nil {
		return nil, errs.New(errs.InvalidArgs, "nothing to update")
	}
	if err := o.requireIssue(issueID); err != nil {
		return nil, err
	}
	if err := o.checkLock("issue:" + issueID.String()); err != nil {
		return nil, err
	}
	return o.commit(issueID, nil, types.IssueUpdated{Title: title, Body: body})
}

// Comment appends a comment.
func (o *Ops) Comment(issueID types.IssueID, body string) (*types.Event, error) {
	if body == "" {
		return nil, errs.New(errs.InvalidArgs, "comment body must not be empty")
	}
	if err := o.requireIssue(issueID); err != nil {
		return nil, err
	}
	return o.commit(issueID, nil, types.CommentAdded{Body: body})
}

// SetState closes or reopens an issue.
func (o *Ops) SetState(issueID types.IssueID, state types.IssueState) (*types.Event, error) {
	if err := o.requireIssue(issueID); err != nil {
		return nil, err
	}
	if err := o.checkLock("issue:" + issueID.String()); err != nil {
		return nil, err
	}
	return o.commit(issueID, nil, types.StateChanged{State: state})
}

// Label applies label additions and removals, one event each.
func (o *Ops) Label(issueID types.IssueID, add, remove []string) ([]*types.Event, error) {
	if len(add) == 0 && len(remove) == 0 {
		return nil, errs.New(errs.InvalidArgs, "no labels given")
	}
	if err := o.requireIssue(issueID); err != nil {
		return nil, err
	}
	var events []*types.Event
	for _, label := range add {
		e, err := o.commit(issueID, nil, types.LabelAdded{Label: label})
		if err != nil {
			return events, err
		}
		events = append(events, e)
	}
	for _, label := range remove {
		e, err := o.commit(issueID, nil, types.LabelRemoved{Label: label})
		if err != nil {
			return events, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Assign applies assignee additions and removals.
func (o *Ops) Assign(issueID types.IssueID, add, remove []string) ([]*types.Event, error) {
	if len(add) == 0 && len(remove) == 0 {
		return nil, errs.New(errs.InvalidArgs, "no assignees given")
	}
	if err := o.requireIssue(issueID); err != nil {
		return nil, err
	}
	var events []*types.Event
	for _, user := range add {
		e, err := o.commit(issueID, nil, types.AssigneeAdded{User: user})
		if err != nil {
			return events, err
		}
		events = append(events, e)
	}
	for _, user := range remove {
		e, err := o.commit(issueID, nil, types.AssigneeRemoved{User: user})
		if err != nil {
			return events, err
		}
		events = append(events, e)
	}
	return events, nil
}

// Link attaches a URL.
func (o *Ops) Link(issueID types.IssueID, url string, note *string) (*types.Event, error) {
	if url == "" {
		return nil, errs.New(errs.InvalidArgs, "link url must not be empty")
	}
	if err := o.requireIssue(issueID); err != nil {
		return nil, err
	}
	return o.commit(issueID, nil, types.LinkAdded{URL: url, Note: note})
}

// Attach records an attachment by name, content hash, and mime type.
func (o *Ops) Attach(issueID types.IssueID, name string, sha256 types.Hash32, mime string) (*types.Event, error) {
	if name == "" {
		return nil, errs.New(errs.InvalidArgs, "attachment name must not be empty")
	}
	if err := o.requireIssue(issueID); err != nil {
		return nil, err
	}
	return o.commit(issueID, nil, types.AttachmentAdded{Name: name, SHA256: sha256, Mime: mime})
}

// AddDependency adds a (target, type) edge after checking both endpoints
// exist and, for acyclic types, that the edge closes no cycle. A rejected
// add leaves the store unchanged.
func (o *Ops) AddDependency(issueID, target types.IssueID, depType types.DependencyType) (*types.Event, error) {
	if issueID == target {
		return nil, errs.New(errs.InvalidArgs, "an issue cannot depend on itself")
	}
	if err := o.requireIssue(issueID); err != nil {
		return nil, err
	}
	if err := o.requireIssue(target); err != nil {
		return nil, err
	}
	cycle, err := o.Store.WouldCreateCycle(issueID, target, depType)
	if err != nil {
		return nil, err
	}
	if cycle {
		return nil, errs.New(errs.Conflict, "dependency %s -> %s (%s) would create a cycle",
			issueID, target, depType)
	}
	return o.commit(issueID, nil, types.DependencyAdded{Target: target, DepType: depType})
}

// RemoveDependency removes a (target, type) edge.
func (o *Ops) RemoveDependency(issueID, target types.IssueID, depType types.DependencyType) (*types.Event, error) {
	if err := o.requireIssue(issueID); err != nil {
		return nil, err
	}
	return o.commit(issueID, nil, types.DependencyRemoved{Target: target, DepType: depType})
}

// UpdateContext records extracted file context. Context events carry no
// issue, so they are filed under a zero issue ID.
func (o *Ops) UpdateContext(path, language string, symbols []types.SymbolInfo, summary string, contentHash types.Hash32) (*types.Event, error) {
	if path == "" {
		return nil, errs.New(errs.InvalidArgs, "context path must not be empty")
	}
	if err := o.checkLock("path:" + path); err != nil {
		return nil, err
	}
	return o.commit(types.IssueID{}, nil, types.ContextUpdated{
		Path:        path,
		Language:    language,
		Symbols:     symbols,
		Summary:     summary,
		ContentHash: contentHash,
	})
}

// SetProjectContext records one project context key/value.
func (o *Ops) SetProjectContext(key, value string) (*types.Event, error) {
	if key == "" {
		return nil, errs.New(errs.InvalidArgs, "context key must not be empty")
	}
	return o.commit(types.IssueID{}, nil, types.ProjectContextUpdated{Key: key, Value: value})
}
