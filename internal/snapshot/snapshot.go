// Package snapshot materializes chunked event dumps as orphan commits
// under refs/grit/snapshots/<ts>, used to rebuild state without replaying
// the WAL from time zero.
package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
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

// RefPrefix under which every snapshot ref lives.
const RefPrefix = "refs/grit/snapshots/"

// ChunkSize is the maximum events per chunk file.
const ChunkSize = 1000

// SchemaVersion of snapshot.json.
const SchemaVersion = 1

// Meta is the snapshot.json at the root of each snapshot tree.
type Meta struct {
	SchemaVersion uint32      `json:"schema_version"`
	CreatedTs     uint64      `json:"created_ts"`
	WalHead       string      `json:"wal_head"`
	EventCount    int         `json:"event_count"`
	Chunks        []ChunkInfo `json:"chunks"`
}

// ChunkInfo describes one chunk file inside a snapshot.
type ChunkInfo struct {
	Path       string `json:"path"`
	ChunkHash  string `json:"chunk_hash"`
	EventCount int    `json:"event_count"`
}

// Ref identifies one snapshot.
type Ref struct {
	Hash      plumbing.Hash `json:"hash"`
	Timestamp uint64        `json:"timestamp"`
	RefName   string        `json:"ref_name"`
}

// GcStats reports a snapshot gc pass.
type GcStats struct {
	Deleted int `json:"deleted"`
	Kept    int `json:"kept"`
}

// Manager performs snapshot operations against one repository.
type Manager struct {
	repo *git.Repository
}

// Open opens the snapshot manager for the repository containing path.
func Open(path string) (*Manager, error) {
	repo, err := gitobj.OpenRepo(path)
	if err != nil {
		return nil, err
	}
	return &Manager{repo: repo}, nil
}

// Create splits events into 1000-event chunks and commits them as an
// orphan commit; atomic on the ref write.
func (m *Manager) Create(walHead plumbing.Hash, events []*types.Event) (plumbing.Hash, error) {
	if len(events) == 0 {
		return plumbing.ZeroHash, errs.New(errs.InvalidArgs, "cannot create an empty snapshot")
	}

	now := uint64(time.Now().UnixMilli())
	st := m.repo.Storer

	files := map[string]plumbing.Hash{}
	var chunks []ChunkInfo
	for i := 0; i*ChunkSize < len(events); i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(events) {
			end = len(events)
		}
		batch := events[start:end]

		data, err := chunk.Encode(batch)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		blob, err := gitobj.WriteBlob(st, data)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		path := fmt.Sprintf("events/%04d.bin", i)
		files[path] = blob
		chunks = append(chunks, ChunkInfo{
			Path:       path,
			ChunkHash:  chunk.Hash(data).String(),
			EventCount: len(batch),
		})
	}

	meta := Meta{
		SchemaVersion: SchemaVersion,
		CreatedTs:     now,
		WalHead:       walHead.String(),
		EventCount:    len(events),
		Chunks:        chunks,
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.Internal, err, "encoding snapshot meta")
	}
	metaBlob, err := gitobj.WriteBlob(st, metaJSON)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	files["snapshot.json"] = metaBlob

	treeHash, err := gitobj.WriteTree(st, files)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	message := fmt.Sprintf("Snapshot: %d events at %d", len(events), now)
	commitHash, err := gitobj.Commit(st, treeHash, nil, message)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	refName := plumbing.ReferenceName(RefPrefix + strconv.FormatUint(now, 10))
	if err := st.SetReference(plumbing.NewHashReference(refName, commitHash)); err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.Git, err, "writing snapshot ref")
	}
	return commitHash, nil
}

// List returns all snapshots, newest first.
func (m *Manager) List() ([]Ref, error) {
	iter, err := m.repo.References()
	if err != nil {
		return nil, errs.Wrap(errs.Git, err, "listing refs")
	}
	defer iter.Close()

	var snapshots []Ref
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := string(ref.Name())
		if !strings.HasPrefix(name, RefPrefix) {
			return nil
		}
		ts, err := strconv.ParseUint(strings.TrimPrefix(name, RefPrefix), 10, 64)
		if err != nil {
			ts = 0
		}
		snapshots = append(snapshots, Ref{Hash: ref.Hash(), Timestamp: ts, RefName: name})
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.Git, err, "iterating refs")
	}

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].Timestamp > snapshots[j].Timestamp })
	return snapshots, nil
}

// Latest returns the most recent snapshot, or nil.
func (m *Manager) Latest() (*Ref, error) {
	snapshots, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, nil
	}
	return &snapshots[0], nil
}

// Read decodes all events from a snapshot, chunks in declared order.
func (m *Manager) Read(hash plumbing.Hash) ([]*types.Event, error) {
	commit, err := object.GetCommit(m.repo.Storer, hash)
	if err != nil {
		return nil, errs.Wrap(errs.Git, err, "reading snapshot commit %s", hash)
	}

	raw, err := gitobj.FileBytes(commit, "snapshot.json")
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errs.Wrap(errs.InvalidChunk, err, "decoding snapshot meta")
	}

	events := make([]*types.Event, 0, meta.EventCount)
	for _, info := range meta.Chunks {
		data, err := gitobj.FileBytes(commit, info.Path)
		if err != nil {
			return nil, err
		}
		decoded, err := chunk.Decode(data)
		if err != nil {
			return nil, err
		}
		events = append(events, decoded...)
	}
	return events, nil
}

// WalHead returns the WAL head a snapshot was cut at.
func (m *Manager) WalHead(hash plumbing.Hash) (plumbing.Hash, error) {
	commit, err := object.GetCommit(m.repo.Storer, hash)
	if err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.Git, err, "reading snapshot commit %s", hash)
	}
	raw, err := gitobj.FileBytes(commit, "snapshot.json")
	if err != nil {
		return plumbing.ZeroHash, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.InvalidChunk, err, "decoding snapshot meta")
	}
	return plumbing.NewHash(meta.WalHead), nil
}

// Gc deletes snapshot refs beyond the keep newest.
func (m *Manager) Gc(keep int) (*GcStats, error) {
	snapshots, err := m.List()
	if err != nil {
		return nil, err
	}
	stats := &GcStats{Kept: keep}
	if keep > len(snapshots) {
		stats.Kept = len(snapshots)
	}
	for _, snap := range snapshots[stats.Kept:] {
		if err := m.repo.Storer.RemoveReference(plumbing.ReferenceName(snap.RefName)); err != nil {
			return nil, errs.Wrap(errs.Git, err, "deleting snapshot ref %s", snap.RefName)
		}
		stats.Deleted++
	}
	return stats, nil
}
