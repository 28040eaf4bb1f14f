// Package wal manages the append-only commit chain at refs/grit/wal.
//
// Every commit stores exactly one chunk under events/YYYY/MM/DD/ plus a
// meta.json, and has the previous head as its sole parent (none for the
// root). Trees are never inherited from the parent commit.
package wal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/neul-labs/grit/internal/chunk"
	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/gitobj"
	"github.com/neul-labs/grit/internal/types"
)

// Ref is the private WAL reference, fetched and pushed under refs/grit/*.
const Ref = "refs/grit/wal"

// SchemaVersion of the commit metadata.
const SchemaVersion = 1

// Meta is the meta.json stored in every WAL commit.
type Meta struct {
	SchemaVersion uint32  `json:"schema_version"`
	ActorID       string  `json:"actor_id"`
	ChunkHash     string  `json:"chunk_hash"`
	PrevWal       *string `json:"prev_wal"`
}

// Manager performs WAL operations against one repository. Open a fresh
// manager per call site; the underlying git handle is not goroutine-safe.
type Manager struct {
	repo *git.Repository
}

// Open opens the WAL manager for the repository containing path.
func Open(path string) (*Manager, error) {
	repo, err := gitobj.OpenRepo(path)
	if err != nil {
		return nil, err
	}
	return &Manager{repo: repo}, nil
}

// Head returns the current WAL head, or nil if the ref does not exist.
func (m *Manager) Head() (*plumbing.Hash, error) {
	ref, err := m.repo.Reference(plumbing.ReferenceName(Ref), true)
	if err == plumbing.ErrReferenceNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Git, err, "resolving WAL ref")
	}
	hash := ref.Hash()
	return &hash, nil
}

// Append encodes events into one chunk and commits it on top of the
// current head, advancing the ref. A concurrent ref update loses the
// compare-and-set and surfaces as Conflict; the caller may retry with
// fresh parent resolution.
func (m *Manager) Append(actor types.ActorID, events []*types.Event) (plumbing.Hash, error) {
	if len(events) == 0 {
		return plumbing.ZeroHash, errs.New(errs.InvalidArgs, "cannot append empty event batch")
	}

	data, err := chunk.Encode(events)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	chunkHash := chunk.Hash(data)

	prev, err := m.Head()
	if err != nil {
		return plumbing.ZeroHash, err
	}

	// Chunk path derives from the first event's timestamp.
	ts := time.UnixMilli(int64(events[0].TsUnixMs)).UTC()
	chunkPath := fmt.Sprintf("events/%04d/%02d/%02d/%s.bin", ts.Year(), ts.Month(), ts.Day(), chunkHash)

	var prevHex *string
	if prev != nil {
		s := prev.String()
		prevHex = &s
	}
	meta := Meta{
		SchemaVersion: SchemaVersion,
		ActorID:       actor.String(),
		ChunkHash:     chunkHash.String(),
		PrevWal:       prevHex,
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.Internal, err, "encoding WAL meta")
	}

	st := m.repo.Storer
	chunkBlob, err := gitobj.WriteBlob(st, data)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	metaBlob, err := gitobj.WriteBlob(st, metaJSON)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	treeHash, err := gitobj.WriteTree(st, map[string]plumbing.Hash{
		"meta.json": metaBlob,
		chunkPath:   chunkBlob,
	})
	if err != nil {
		return plumbing.ZeroHash, err
	}

	var parents []plumbing.Hash
	if prev != nil {
		parents = []plumbing.Hash{*prev}
	}
	message := fmt.Sprintf("WAL: %d events from %s", len(events), actor.String()[:8])
	commitHash, err := gitobj.Commit(st, treeHash, parents, message)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	newRef := plumbing.NewHashReference(plumbing.ReferenceName(Ref), commitHash)
	var oldRef *plumbing.Reference
	if prev != nil {
		oldRef = plumbing.NewHashReference(plumbing.ReferenceName(Ref), *prev)
	}
	if err := st.CheckAndSetReference(newRef, oldRef); err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.Conflict, err, "WAL ref advanced concurrently")
	}
	return commitHash, nil
}

// ReadAll returns every WAL event in chronological order.
func (m *Manager) ReadAll() ([]*types.Event, error) {
	head, err := m.Head()
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, nil
	}
	return m.readChain(*head, nil)
}

// ReadSince returns events appended after the given commit (exclusive).
func (m *Manager) ReadSince(since plumbing.Hash) ([]*types.Event, error) {
	head, err := m.Head()
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, nil
	}
	return m.readChain(*head, &since)
}

// ReadFromHash reads the full chain starting at an arbitrary commit, which
// may no longer be reachable from the ref (pre-rebase local heads).
func (m *Manager) ReadFromHash(from plumbing.Hash) ([]*types.Event, error) {
	return m.readChain(from, nil)
}

// readChain walks parent pointers backwards, decoding each commit's chunk,
// and reverses into chronological order.
func (m *Manager) readChain(head plumbing.Hash, stopAt *plumbing.Hash) ([]*types.Event, error) {
	// The walk visits commits newest-first; batches are reversed on return
	// so events come back chronological, with intra-chunk order intact.
	var batches [][]*types.Event
	current := &head

	for current != nil {
		if stopAt != nil && *current == *stopAt {
			break
		}
		commit, err := object.GetCommit(m.repo.Storer, *current)
		if err != nil {
			return nil, errs.Wrap(errs.Git, err, "reading WAL commit %s", current)
		}

		events, err := m.commitEvents(commit)
		if err != nil {
			return nil, err
		}
		batches = append(batches, events)

		if len(commit.ParentHashes) == 0 {
			current = nil
		} else {
			parent := commit.ParentHashes[0]
			current = &parent
		}
	}

	var all []*types.Event
	for i := len(batches) - 1; i >= 0; i-- {
		all = append(all, batches[i]...)
	}
	return all, nil
}

// commitEvents decodes every chunk in a commit tree, newest chunk layout or
// not. Malformed chunks surface as InvalidChunk for that commit only.
func (m *Manager) commitEvents(commit *object.Commit) ([]*types.Event, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, errs.Wrap(errs.Git, err, "reading WAL tree")
	}

	var events []*types.Event
	iter := tree.Files()
	defer iter.Close()
	err = iter.ForEach(func(f *object.File) error {
		if !strings.HasSuffix(f.Name, ".bin") {
			return nil
		}
		contents, err := f.Contents()
		if err != nil {
			return errs.Wrap(errs.Git, err, "reading chunk %s", f.Name)
		}
		decoded, err := chunk.Decode([]byte(contents))
		if err != nil {
			return err
		}
		events = append(events, decoded...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ReadMeta decodes the meta.json of one WAL commit.
func (m *Manager) ReadMeta(hash plumbing.Hash) (*Meta, error) {
	commit, err := object.GetCommit(m.repo.Storer, hash)
	if err != nil {
		return nil, errs.Wrap(errs.Git, err, "reading WAL commit %s", hash)
	}
	raw, err := gitobj.FileBytes(commit, "meta.json")
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errs.Wrap(errs.InvalidChunk, err, "decoding WAL meta")
	}
	return &meta, nil
}
