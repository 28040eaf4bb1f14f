package locks

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/gitobj"
)

// RefPrefix for lock refs.
const RefPrefix = "refs/grit/locks/"

// GcStats reports a lock gc pass.
type GcStats struct {
	Removed int `json:"removed"`
	Kept    int `json:"kept"`
}

// Manager stores locks as refs, one per resource.
type Manager struct {
	repo *git.Repository
}

// Open opens the lock manager for the repository containing path.
func Open(path string) (*Manager, error) {
	repo, err := gitobj.OpenRepo(path)
	if err != nil {
		return nil, err
	}
	return &Manager{repo: repo}, nil
}

// Acquire takes or self-renews a lease. A conflicting non-expired foreign
// lock fails with Conflict carrying the holder and remaining time; an
// expired foreign lock is overwritten.
func (m *Manager) Acquire(resource, owner string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	existing, err := m.ReadLock(resource)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.Expired() {
		if existing.Owner == owner {
			return m.Renew(resource, owner, ttl)
		}
		return nil, errs.New(errs.Conflict, "resource %s locked by %s (expires in %dms)",
			resource, existing.Owner, existing.TimeRemaining())
	}

	lock := New(owner, resource, ttl)
	if err := m.writeLock(&lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

// Release deletes a lock owned by owner. An expired lock is deleted
// whoever holds it, and releasing an absent lock does not fail.
func (m *Manager) Release(resource, owner string) error {
	existing, err := m.ReadLock(resource)
	if err != nil {
		return err
	}
	if existing != nil && existing.Owner != owner && !existing.Expired() {
		return errs.New(errs.Conflict, "resource %s is locked by %s, not %s", resource, existing.Owner, owner)
	}
	return m.deleteRef(refName(resource))
}

// Renew extends an owned lease; if the lock is absent it is acquired.
func (m *Manager) Renew(resource, owner string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	existing, err := m.ReadLock(resource)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return m.Acquire(resource, owner, ttl)
	}
	if existing.Owner != owner {
		return nil, errs.New(errs.Conflict, "resource %s is locked by %s, not %s", resource, existing.Owner, owner)
	}
	existing.Renew(ttl)
	if err := m.writeLock(existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// ReadLock fetches the lock for a resource, or nil.
func (m *Manager) ReadLock(resource string) (*Lock, error) {
	ref, err := m.repo.Reference(plumbing.ReferenceName(refName(resource)), true)
	if err == plumbing.ErrReferenceNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Git, err, "resolving lock ref")
	}
	return m.lockAt(ref.Hash())
}

// ListLocks returns every lock in the ref space.
func (m *Manager) ListLocks() ([]Lock, error) {
	iter, err := m.repo.References()
	if err != nil {
		return nil, errs.Wrap(errs.Git, err, "listing refs")
	}
	defer iter.Close()

	var locks []Lock
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if !strings.HasPrefix(string(ref.Name()), RefPrefix) {
			return nil
		}
		lock, err := m.lockAt(ref.Hash())
		if err != nil {
			return err
		}
		if lock != nil {
			locks = append(locks, *lock)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return locks, nil
}

// CheckConflicts classifies foreign non-expired conflicting locks under
// the given policy.
func (m *Manager) CheckConflicts(resource, currentOwner string, policy Policy) (*CheckResult, error) {
	if policy == PolicyOff {
		return &CheckResult{}, nil
	}
	locks, err := m.ListLocks()
	if err != nil {
		return nil, err
	}
	var conflicts []Lock
	for _, lock := range locks {
		if lock.Owner != currentOwner && lock.ConflictsWith(resource) {
			conflicts = append(conflicts, lock)
		}
	}
	return &CheckResult{
		Conflicts: conflicts,
		Blocked:   policy == PolicyRequire && len(conflicts) > 0,
	}, nil
}

// Gc removes expired lock refs.
func (m *Manager) Gc() (*GcStats, error) {
	locks, err := m.ListLocks()
	if err != nil {
		return nil, err
	}
	stats := &GcStats{}
	for _, lock := range locks {
		if lock.Expired() {
			if err := m.deleteRef(refName(lock.Resource)); err != nil {
				return nil, err
			}
			stats.Removed++
		} else {
			stats.Kept++
		}
	}
	return stats, nil
}

func (m *Manager) lockAt(hash plumbing.Hash) (*Lock, error) {
	commit, err := object.GetCommit(m.repo.Storer, hash)
	if err != nil {
		return nil, errs.Wrap(errs.Git, err, "reading lock commit")
	}
	raw, err := gitobj.FileBytes(commit, "lock.json")
	if err != nil {
		return nil, nil // tree without lock.json: treat as absent
	}
	var lock Lock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "decoding lock.json")
	}
	return &lock, nil
}

func (m *Manager) writeLock(lock *Lock) error {
	raw, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return errs.Wrap(errs.Internal, err, "encoding lock.json")
	}
	st := m.repo.Storer
	blob, err := gitobj.WriteBlob(st, raw)
	if err != nil {
		return err
	}
	tree, err := gitobj.WriteTree(st, map[string]plumbing.Hash{"lock.json": blob})
	if err != nil {
		return err
	}

	name := plumbing.ReferenceName(refName(lock.Resource))
	var parents []plumbing.Hash
	if ref, err := m.repo.Reference(name, true); err == nil {
		parents = []plumbing.Hash{ref.Hash()}
	}
	commitHash, err := gitobj.Commit(st, tree, parents, "Lock: "+lock.Resource)
	if err != nil {
		return err
	}
	return errs.Wrap(errs.Git, st.SetReference(plumbing.NewHashReference(name, commitHash)), "writing lock ref")
}

func (m *Manager) deleteRef(name string) error {
	err := m.repo.Storer.RemoveReference(plumbing.ReferenceName(name))
	return errs.Wrap(errs.Git, err, "deleting ref %s", name)
}

func refName(resource string) string {
	return RefPrefix + ResourceHash(resource)
}
