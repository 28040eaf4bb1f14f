// Package gitsync pushes and pulls the private refs/grit/* namespace and
// implements the rebase-on-non-fast-forward path for the WAL.
package gitsync

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/gitobj"
	"github.com/neul-labs/grit/internal/types"
	"github.com/neul-labs/grit/internal/wal"
)

// Refspec synchronized in both directions. The fetch side is forced so a
// remote that diverged forward rewrites the local ref.
const (
	PushRefspec  = "refs/grit/*:refs/grit/*"
	FetchRefspec = "+refs/grit/*:refs/grit/*"
)

// PullResult reports one pull.
type PullResult struct {
	NewWalHead   *plumbing.Hash `json:"new_wal_head"`
	EventsPulled int            `json:"events_pulled"`
	Message      string         `json:"message"`
}

// PushResult reports one push, including rebase bookkeeping.
type PushResult struct {
	Success       bool   `json:"success"`
	Rebased       bool   `json:"rebased"`
	EventsRebased int    `json:"events_rebased"`
	Message       string `json:"message"`
}

// Manager performs sync operations against one repository. Like the WAL
// manager it is opened freshly per call site.
type Manager struct {
	repo *git.Repository
	path string
}

// Open opens the sync manager for the repository containing path.
func Open(path string) (*Manager, error) {
	repo, err := gitobj.OpenRepo(path)
	if err != nil {
		return nil, err
	}
	return &Manager{repo: repo, path: path}, nil
}

// Pull fetches refs/grit/* from the remote and reports how many WAL
// events arrived.
func (m *Manager) Pull(remote string) (*PullResult, error) {
	w, err := wal.Open(m.path)
	if err != nil {
		return nil, err
	}
	oldHead, err := w.Head()
	if err != nil {
		return nil, err
	}

	err = m.repo.Fetch(&git.FetchOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(FetchRefspec)},
		Force:      true,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate && err != transport.ErrEmptyRemoteRepository {
		return nil, errs.Wrap(errs.Git, err, "fetching from %s", remote)
	}

	newHead, err := w.Head()
	if err != nil {
		return nil, err
	}

	pulled := 0
	if !hashesEqual(oldHead, newHead) && newHead != nil {
		var events []*types.Event
		if oldHead != nil {
			events, err = w.ReadSince(*oldHead)
		} else {
			events, err = w.ReadAll()
		}
		if err != nil {
			return nil, err
		}
		pulled = len(events)
	}

	message := "Already up to date"
	if pulled > 0 {
		message = fmt.Sprintf("Pulled %d new events", pulled)
	}
	return &PullResult{NewWalHead: newHead, EventsPulled: pulled, Message: message}, nil
}

// Push pushes refs/grit/* to the remote. A rejected ref (non-fast-forward)
// is reported as an unsuccessful result, not an error.
func (m *Manager) Push(remote string) (*PushResult, error) {
	err := m.repo.Push(&git.PushOptions{
		RemoteName: remote,
		RefSpecs:   []config.RefSpec{config.RefSpec(PushRefspec)},
	})
	switch {
	case err == nil, err == git.NoErrAlreadyUpToDate:
		return &PushResult{Success: true, Message: "Push successful"}, nil
	case isNonFastForward(err):
		return &PushResult{Success: false, Message: fmt.Sprintf("Push rejected: %v", err)}, nil
	default:
		return nil, errs.Wrap(errs.Git, err, "pushing to %s", remote)
	}
}

// PushWithRebase retries a rejected push once after replaying local-only
// events on top of the freshly pulled remote head. The second push is the
// last attempt; an independent concurrent update surfaces as Conflict
// rather than looping.
func (m *Manager) PushWithRebase(remote string, actor types.ActorID) (*PushResult, error) {
	w, err := wal.Open(m.path)
	if err != nil {
		return nil, err
	}
	localHead, err := w.Head()
	if err != nil {
		return nil, err
	}

	result, err := m.Push(remote)
	if err != nil || result.Success {
		return result, err
	}

	// Read the local chain before pull rewrites the ref.
	var localEvents []*types.Event
	if localHead != nil {
		localEvents, err = w.ReadFromHash(*localHead)
		if err != nil {
			return nil, err
		}
	}

	if _, err := m.Pull(remote); err != nil {
		return nil, err
	}

	remoteHead, err := w.Head()
	if err != nil {
		return nil, err
	}
	var remoteEvents []*types.Event
	if remoteHead != nil {
		remoteEvents, err = w.ReadFromHash(*remoteHead)
		if err != nil {
			return nil, err
		}
	}

	// Events are content-addressed: the same logical edit on both sides
	// dedups by event ID even when the commit hashes differ.
	remoteIDs := make(map[types.EventID]bool, len(remoteEvents))
	for _, e := range remoteEvents {
		remoteIDs[e.EventID] = true
	}
	var unique []*types.Event
	for _, e := range localEvents {
		if !remoteIDs[e.EventID] {
			unique = append(unique, e)
		}
	}

	if len(unique) > 0 {
		if _, err := w.Append(actor, unique); err != nil {
			return nil, err
		}
	}

	retry, err := m.Push(remote)
	if err != nil {
		return nil, err
	}
	if !retry.Success {
		return nil, errs.New(errs.Conflict, "push rejected again after rebase: %s", retry.Message)
	}
	return &PushResult{
		Success:       true,
		Rebased:       true,
		EventsRebased: len(unique),
		Message:       fmt.Sprintf("Push successful after rebase (%d events rebased)", len(unique)),
	}, nil
}

// Sync pulls then pushes without rebasing.
func (m *Manager) Sync(remote string) (*PullResult, *PushResult, error) {
	pull, err := m.Pull(remote)
	if err != nil {
		return nil, nil, err
	}
	push, err := m.Push(remote)
	if err != nil {
		return pull, nil, err
	}
	return pull, push, nil
}

// SyncWithRebase pulls then pushes with the rebase fallback.
func (m *Manager) SyncWithRebase(remote string, actor types.ActorID) (*PullResult, *PushResult, error) {
	pull, err := m.Pull(remote)
	if err != nil {
		return nil, nil, err
	}
	push, err := m.PushWithRebase(remote, actor)
	if err != nil {
		return pull, nil, err
	}
	return pull, push, nil
}

func isNonFastForward(err error) bool {
	return err != nil && strings.Contains(err.Error(), "non-fast-forward")
}

func hashesEqual(a, b *plumbing.Hash) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
