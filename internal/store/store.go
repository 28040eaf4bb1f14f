// Package store is the embedded local store: events, projections, and
// secondary indices in one badger keyspace.
//
// Concurrent read-write is safe because badger is MVCC; the daemon shares a
// single handle across request goroutines. Cross-process exclusion comes
// from the flock in locked.go, not from badger itself.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/projection"
	"github.com/neul-labs/grit/internal/types"
)

// Rebuild-recommendation thresholds used by Stats.
const (
	RebuildEventsThreshold = 10000
	RebuildDaysThreshold   = 7
)

// rebuildBatchSize bounds events per transaction during rebuild so large
// stores stay under badger's transaction limits.
const rebuildBatchSize = 128

// IssueFilter narrows ListIssues.
type IssueFilter struct {
	State *types.IssueState
	Label *string
}

// DbStats describes the store for `db stats`.
type DbStats struct {
	Path               string  `json:"path"`
	SizeBytes          uint64  `json:"size_bytes"`
	EventCount         int     `json:"event_count"`
	IssueCount         int     `json:"issue_count"`
	LastRebuildTs      *uint64 `json:"last_rebuild_ts"`
	EventsSinceRebuild int     `json:"events_since_rebuild"`
	DaysSinceRebuild   *uint32 `json:"days_since_rebuild"`
	RebuildRecommended bool    `json:"rebuild_recommended"`
}

// RebuildStats summarizes a rebuild pass.
type RebuildStats struct {
	EventCount int `json:"event_count"`
	IssueCount int `json:"issue_count"`
}

// Store wraps the badger database. Open it through OpenLocked in any code
// path that can race with another process.
type Store struct {
	db   *badger.DB
	path string
}

// Open opens or creates a store at the given directory without taking the
// process lock. Writes are synced before a mutation returns.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithSyncWrites(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "opening store at %s", path)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the badger handle.
func (s *Store) Close() error {
	return errs.Wrap(errs.IO, s.db.Close(), "closing store")
}

// Flush forces a durable sync of pending writes.
func (s *Store) Flush() error {
	return errs.Wrap(errs.IO, s.db.Sync(), "syncing store")
}

// Path returns the store directory.
func (s *Store) Path() string { return s.path }

// InsertEvent writes the event, indexes it, and updates the projection in
// one transaction. Duplicate event IDs are idempotent no-ops.
func (s *Store) InsertEvent(e *types.Event) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		evKey := eventKey(e.EventID)
		if _, err := txn.Get(evKey); err == nil {
			return nil // already stored
		} else if err != badger.ErrKeyNotFound {
			return errs.Wrap(errs.IO, err, "checking event existence")
		}

		encoded, err := json.Marshal(e)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "encoding event")
		}
		if err := txn.Set(evKey, encoded); err != nil {
			return errs.Wrap(errs.IO, err, "writing event")
		}
		if err := txn.Set(issueEventsKey(e.IssueID, e.TsUnixMs, e.EventID), nil); err != nil {
			return errs.Wrap(errs.IO, err, "writing issue_events index")
		}
		if err := s.applyToProjection(txn, e); err != nil {
			return err
		}
		return s.bumpEventsSinceRebuild(txn)
	})
	return err
}

// applyToProjection routes an event into the issue projection or the
// context keyspaces and maintains the secondary indices.
func (s *Store) applyToProjection(txn *badger.Txn, e *types.Event) error {
	switch k := e.Kind.(type) {
	case types.ContextUpdated:
		return s.applyFileContext(txn, e, k)
	case types.ProjectContextUpdated:
		return s.applyProjectContext(txn, e, k)
	}

	stateKey := issueStateKey(e.IssueID)
	var proj *types.IssueProjection
	item, err := txn.Get(stateKey)
	switch err {
	case nil:
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return errs.Wrap(errs.IO, err, "reading projection")
		}
		proj = &types.IssueProjection{}
		if err := json.Unmarshal(raw, proj); err != nil {
			return errs.Wrap(errs.Internal, err, "decoding projection")
		}
		if err := projection.Apply(proj, e); err != nil {
			return err
		}
	case badger.ErrKeyNotFound:
		proj, err = projection.FromEvent(e)
		if err != nil {
			return err
		}
	default:
		return errs.Wrap(errs.IO, err, "reading projection")
	}

	for _, label := range proj.Labels {
		if err := txn.Set(labelIndexKey(label, e.IssueID), nil); err != nil {
			return errs.Wrap(errs.IO, err, "writing label index")
		}
	}

	switch k := e.Kind.(type) {
	case types.LabelRemoved:
		if err := txn.Delete(labelIndexKey(k.Label, e.IssueID)); err != nil {
			return errs.Wrap(errs.IO, err, "removing label index")
		}
	case types.DependencyAdded:
		if err := txn.Set(depFwdKey(e.IssueID, k.Target, k.DepType), nil); err != nil {
			return errs.Wrap(errs.IO, err, "writing forward dep index")
		}
		if err := txn.Set(depRevKey(k.Target, e.IssueID, k.DepType), nil); err != nil {
			return errs.Wrap(errs.IO, err, "writing reverse dep index")
		}
	case types.DependencyRemoved:
		if err := txn.Delete(depFwdKey(e.IssueID, k.Target, k.DepType)); err != nil {
			return errs.Wrap(errs.IO, err, "removing forward dep index")
		}
		if err := txn.Delete(depRevKey(k.Target, e.IssueID, k.DepType)); err != nil {
			return errs.Wrap(errs.IO, err, "removing reverse dep index")
		}
	}

	encoded, err := json.Marshal(proj)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "encoding projection")
	}
	return errs.Wrap(errs.IO, txn.Set(stateKey, encoded), "writing projection")
}

// applyFileContext installs a newer FileContext (LWW per path) and swaps
// the path's symbol-index entries.
func (s *Store) applyFileContext(txn *badger.Txn, e *types.Event, k types.ContextUpdated) error {
	fileKey := ctxFileKey(k.Path)
	newVersion := types.NewVersion(e)

	if item, err := txn.Get(fileKey); err == nil {
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return errs.Wrap(errs.IO, err, "reading file context")
		}
		var existing types.FileContext
		if err := json.Unmarshal(raw, &existing); err != nil {
			return errs.Wrap(errs.Internal, err, "decoding file context")
		}
		if !newVersion.NewerThan(existing.Version) {
			return nil
		}
	} else if err != badger.ErrKeyNotFound {
		return errs.Wrap(errs.IO, err, "reading file context")
	}

	// Purge symbol entries pointing at the replaced version of this path.
	pathSuffix := append([]byte{'/'}, k.Path...)
	var stale [][]byte
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixCtxSym})
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().KeyCopy(nil)
		if bytes.HasSuffix(key, pathSuffix) {
			stale = append(stale, key)
		}
	}
	it.Close()
	for _, key := range stale {
		if err := txn.Delete(key); err != nil {
			return errs.Wrap(errs.IO, err, "purging symbol index")
		}
	}

	ctx := types.FileContext{
		Path:        k.Path,
		Language:    k.Language,
		Symbols:     k.Symbols,
		Summary:     k.Summary,
		ContentHash: k.ContentHash,
		Version:     newVersion,
	}
	encoded, err := json.Marshal(ctx)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "encoding file context")
	}
	if err := txn.Set(fileKey, encoded); err != nil {
		return errs.Wrap(errs.IO, err, "writing file context")
	}
	for _, sym := range k.Symbols {
		if err := txn.Set(ctxSymKey(sym.Name, k.Path), nil); err != nil {
			return errs.Wrap(errs.IO, err, "writing symbol index")
		}
	}
	return nil
}

// applyProjectContext installs a newer project context value (LWW per key).
func (s *Store) applyProjectContext(txn *badger.Txn, e *types.Event, k types.ProjectContextUpdated) error {
	key := ctxProjKey(k.Key)
	newVersion := types.NewVersion(e)

	if item, err := txn.Get(key); err == nil {
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return errs.Wrap(errs.IO, err, "reading project context")
		}
		var existing types.ProjectContextEntry
		if err := json.Unmarshal(raw, &existing); err != nil {
			return errs.Wrap(errs.Internal, err, "decoding project context")
		}
		if !newVersion.NewerThan(existing.Version) {
			return nil
		}
	} else if err != badger.ErrKeyNotFound {
		return errs.Wrap(errs.IO, err, "reading project context")
	}

	encoded, err := json.Marshal(types.ProjectContextEntry{Value: k.Value, Version: newVersion})
	if err != nil {
		return errs.Wrap(errs.Internal, err, "encoding project context")
	}
	return errs.Wrap(errs.IO, txn.Set(key, encoded), "writing project context")
}

func (s *Store) bumpEventsSinceRebuild(txn *badger.Txn) error {
	count := uint64(0)
	if item, err := txn.Get(keyEventsSinceRebuild); err == nil {
		raw, err := item.ValueCopy(nil)
		if err == nil && len(raw) == 8 {
			count = binary.LittleEndian.Uint64(raw)
		}
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], count+1)
	return errs.Wrap(errs.IO, txn.Set(keyEventsSinceRebuild, buf[:]), "writing event counter")
}

// GetEvent fetches one event by ID, or NotFound.
func (s *Store) GetEvent(id types.EventID) (*types.Event, error) {
	var e types.Event
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(eventKey(id))
		if err == badger.ErrKeyNotFound {
			return errs.New(errs.NotFound, "event %s not found", id)
		}
		if err != nil {
			return errs.Wrap(errs.IO, err, "reading event")
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return errs.Wrap(errs.IO, err, "reading event")
		}
		return json.Unmarshal(raw, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetIssue fetches an issue projection, or NotFound.
func (s *Store) GetIssue(id types.IssueID) (*types.IssueProjection, error) {
	var proj types.IssueProjection
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(issueStateKey(id))
		if err == badger.ErrKeyNotFound {
			return errs.New(errs.NotFound, "issue %s not found", id)
		}
		if err != nil {
			return errs.Wrap(errs.IO, err, "reading projection")
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return errs.Wrap(errs.IO, err, "reading projection")
		}
		return json.Unmarshal(raw, &proj)
	})
	if err != nil {
		return nil, err
	}
	return &proj, nil
}

// ListIssues returns filtered issue summaries ordered by issue ID.
func (s *Store) ListIssues(filter IssueFilter) ([]types.IssueSummary, error) {
	var summaries []types.IssueSummary
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixIssueState, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return errs.Wrap(errs.IO, err, "reading projection")
			}
			var proj types.IssueProjection
			if err := json.Unmarshal(raw, &proj); err != nil {
				return errs.Wrap(errs.Internal, err, "decoding projection")
			}
			if filter.State != nil && proj.State != *filter.State {
				continue
			}
			if filter.Label != nil && !proj.HasLabel(*filter.Label) {
				continue
			}
			summaries = append(summaries, proj.Summary())
		}
		return nil
	})
	return summaries, err
}

// GetIssueEvents returns an issue's events in (ts, actor, event_id) order.
func (s *Store) GetIssueEvents(issueID types.IssueID) ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: issueEventsPrefix(issueID)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id, err := eventIDFromIssueEventsKey(it.Item().Key())
			if err != nil {
				return err
			}
			item, err := txn.Get(eventKey(id))
			if err != nil {
				return errs.Wrap(errs.IO, err, "reading indexed event %s", id)
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return errs.Wrap(errs.IO, err, "reading indexed event %s", id)
			}
			var e types.Event
			if err := json.Unmarshal(raw, &e); err != nil {
				return errs.Wrap(errs.InvalidEvent, err, "decoding event %s", id)
			}
			events = append(events, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEventsInIssue(events)
	return events, nil
}

// GetAllEvents returns every event in the stable export order
// (issue_id, ts, actor, event_id).
func (s *Store) GetAllEvents() ([]*types.Event, error) {
	var events []*types.Event
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixEvent, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return errs.Wrap(errs.IO, err, "reading event")
			}
			var e types.Event
			if err := json.Unmarshal(raw, &e); err != nil {
				return errs.Wrap(errs.InvalidEvent, err, "decoding event")
			}
			events = append(events, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortEvents(events)
	return events, nil
}

// SortEvents orders events by (issue_id, ts, actor, event_id), the
// deterministic rebuild and export order.
func SortEvents(events []*types.Event) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if c := a.IssueID.Compare(b.IssueID); c != 0 {
			return c < 0
		}
		if a.TsUnixMs != b.TsUnixMs {
			return a.TsUnixMs < b.TsUnixMs
		}
		if c := a.Actor.Compare(b.Actor); c != 0 {
			return c < 0
		}
		return a.EventID.Compare(b.EventID) < 0
	})
}

func sortEventsInIssue(events []*types.Event) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.TsUnixMs != b.TsUnixMs {
			return a.TsUnixMs < b.TsUnixMs
		}
		if c := a.Actor.Compare(b.Actor); c != 0 {
			return c < 0
		}
		return a.EventID.Compare(b.EventID) < 0
	})
}

// Rebuild discards all projections and indices and replays the event table
// in deterministic order. Safe to run repeatedly; the result is identical.
func (s *Store) Rebuild() (*RebuildStats, error) {
	if err := s.dropDerived(); err != nil {
		return nil, err
	}
	events, err := s.GetAllEvents()
	if err != nil {
		return nil, err
	}
	if err := s.replay(events, false); err != nil {
		return nil, err
	}
	issues, err := s.countPrefix(prefixIssueState)
	if err != nil {
		return nil, err
	}
	if err := s.recordRebuild(); err != nil {
		return nil, err
	}
	return &RebuildStats{EventCount: len(events), IssueCount: issues}, nil
}

// RebuildFromEvents swaps the entire store contents for the given events.
// Used after pulling a snapshot: the event table itself is replaced.
func (s *Store) RebuildFromEvents(events []*types.Event) (*RebuildStats, error) {
	if err := s.dropDerived(); err != nil {
		return nil, err
	}
	if err := s.db.DropPrefix(prefixEvent, prefixIssueEvents); err != nil {
		return nil, errs.Wrap(errs.IO, err, "clearing event table")
	}

	sorted := append([]*types.Event(nil), events...)
	SortEvents(sorted)
	if err := s.replay(sorted, true); err != nil {
		return nil, err
	}
	issues, err := s.countPrefix(prefixIssueState)
	if err != nil {
		return nil, err
	}
	if err := s.recordRebuild(); err != nil {
		return nil, err
	}
	return &RebuildStats{EventCount: len(sorted), IssueCount: issues}, nil
}

func (s *Store) dropDerived() error {
	err := s.db.DropPrefix(
		prefixIssueState,
		prefixLabelIndex,
		prefixDepFwd,
		prefixDepRev,
		prefixCtxFile,
		prefixCtxSym,
		prefixCtxProj,
	)
	return errs.Wrap(errs.IO, err, "clearing derived keyspaces")
}

// replay applies events in batches; withEvents also reinserts the event
// table and issue index.
func (s *Store) replay(events []*types.Event, withEvents bool) error {
	for start := 0; start < len(events); start += rebuildBatchSize {
		end := start + rebuildBatchSize
		if end > len(events) {
			end = len(events)
		}
		batch := events[start:end]
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, e := range batch {
				if withEvents {
					encoded, err := json.Marshal(e)
					if err != nil {
						return errs.Wrap(errs.Internal, err, "encoding event")
					}
					if err := txn.Set(eventKey(e.EventID), encoded); err != nil {
						return errs.Wrap(errs.IO, err, "writing event")
					}
					if err := txn.Set(issueEventsKey(e.IssueID, e.TsUnixMs, e.EventID), nil); err != nil {
						return errs.Wrap(errs.IO, err, "writing issue_events index")
					}
				}
				if err := s.applyToProjection(txn, e); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) recordRebuild() error {
	return s.db.Update(func(txn *badger.Txn) error {
		var ts, zero [8]byte
		binary.LittleEndian.PutUint64(ts[:], uint64(time.Now().UnixMilli()))
		if err := txn.Set(keyLastRebuildTs, ts[:]); err != nil {
			return errs.Wrap(errs.IO, err, "recording rebuild timestamp")
		}
		return errs.Wrap(errs.IO, txn.Set(keyEventsSinceRebuild, zero[:]), "resetting event counter")
	})
}

func (s *Store) countPrefix(prefix []byte) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (s *Store) readMetaU64(key []byte) (*uint64, error) {
	var out *uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return errs.Wrap(errs.IO, err, "reading metadata")
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return errs.Wrap(errs.IO, err, "reading metadata")
		}
		if len(raw) == 8 {
			v := binary.LittleEndian.Uint64(raw)
			out = &v
		}
		return nil
	})
	return out, err
}

// Stats gathers size, counts, and the rebuild-recommendation heuristic.
func (s *Store) Stats() (*DbStats, error) {
	eventCount, err := s.countPrefix(prefixEvent)
	if err != nil {
		return nil, err
	}
	issueCount, err := s.countPrefix(prefixIssueState)
	if err != nil {
		return nil, err
	}
	lastRebuild, err := s.readMetaU64(keyLastRebuildTs)
	if err != nil {
		return nil, err
	}
	sinceRebuild, err := s.readMetaU64(keyEventsSinceRebuild)
	if err != nil {
		return nil, err
	}
	eventsSince := eventCount // never rebuilt: everything counts
	if sinceRebuild != nil {
		eventsSince = int(*sinceRebuild)
	}

	var daysSince *uint32
	if lastRebuild != nil {
		d := uint32(time.Since(time.UnixMilli(int64(*lastRebuild))).Hours() / 24)
		daysSince = &d
	}

	recommended := eventsSince > RebuildEventsThreshold ||
		(daysSince != nil && *daysSince > RebuildDaysThreshold)

	return &DbStats{
		Path:               s.path,
		SizeBytes:          dirSize(s.path),
		EventCount:         eventCount,
		IssueCount:         issueCount,
		LastRebuildTs:      lastRebuild,
		EventsSinceRebuild: eventsSince,
		DaysSinceRebuild:   daysSince,
		RebuildRecommended: recommended,
	}, nil
}

func dirSize(path string) uint64 {
	var size uint64
	_ = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += uint64(info.Size())
		}
		return nil
	})
	return size
}
