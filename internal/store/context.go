package store

import (
	"encoding/json"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/types"
)

// GetFileContext fetches the indexed context of one path, or NotFound.
func (s *Store) GetFileContext(path string) (*types.FileContext, error) {
	var ctx types.FileContext
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ctxFileKey(path))
		if err == badger.ErrKeyNotFound {
			return errs.New(errs.NotFound, "no context for path %s", path)
		}
		if err != nil {
			return errs.Wrap(errs.IO, err, "reading file context")
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return errs.Wrap(errs.IO, err, "reading file context")
		}
		return json.Unmarshal(raw, &ctx)
	})
	if err != nil {
		return nil, err
	}
	return &ctx, nil
}

// SymbolMatch is one symbol-index hit.
type SymbolMatch struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// QuerySymbols scans the symbol index by name prefix.
func (s *Store) QuerySymbols(prefix string) ([]SymbolMatch, error) {
	keyPrefix := ctxSymPrefix(prefix)
	var matches []SymbolMatch
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: keyPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rest := string(it.Item().Key()[len(prefixCtxSym):])
			slash := strings.Index(rest, "/")
			if slash < 0 {
				continue
			}
			matches = append(matches, SymbolMatch{Name: rest[:slash], Path: rest[slash+1:]})
		}
		return nil
	})
	return matches, err
}

// ListContextFiles returns every indexed path.
func (s *Store) ListContextFiles() ([]string, error) {
	var paths []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixCtxFile})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			paths = append(paths, string(it.Item().Key()[len(prefixCtxFile):]))
		}
		return nil
	})
	return paths, err
}

// GetProjectContext fetches one project context entry, or NotFound.
func (s *Store) GetProjectContext(key string) (*types.ProjectContextEntry, error) {
	var entry types.ProjectContextEntry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ctxProjKey(key))
		if err == badger.ErrKeyNotFound {
			return errs.New(errs.NotFound, "no project context for key %s", key)
		}
		if err != nil {
			return errs.Wrap(errs.IO, err, "reading project context")
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return errs.Wrap(errs.IO, err, "reading project context")
		}
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ProjectContextItem pairs a key with its entry for listing.
type ProjectContextItem struct {
	Key   string                    `json:"key"`
	Entry types.ProjectContextEntry `json:"entry"`
}

// ListProjectContext returns all project context entries sorted by key.
func (s *Store) ListProjectContext() ([]ProjectContextItem, error) {
	var items []ProjectContextItem
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixCtxProj, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return errs.Wrap(errs.IO, err, "reading project context")
			}
			var entry types.ProjectContextEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				return errs.Wrap(errs.Internal, err, "decoding project context")
			}
			items = append(items, ProjectContextItem{
				Key:   string(it.Item().Key()[len(prefixCtxProj):]),
				Entry: entry,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}
