package store

import (
	badger "github.com/dgraph-io/badger/v4"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/types"
)

// GetDependencies returns the outgoing edges of an issue.
func (s *Store) GetDependencies(issueID types.IssueID) ([]types.Dependency, error) {
	return s.scanDeps(depFwdPrefix(issueID))
}

// GetDependents returns the incoming edges of an issue.
func (s *Store) GetDependents(issueID types.IssueID) ([]types.Dependency, error) {
	return s.scanDeps(depRevPrefix(issueID))
}

func (s *Store) scanDeps(prefix []byte) ([]types.Dependency, error) {
	var deps []types.Dependency
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if id, depType, ok := parseDepKeySuffix(it.Item().Key(), len(prefix)); ok {
				deps = append(deps, types.Dependency{Target: id, DepType: depType})
			}
		}
		return nil
	})
	return deps, err
}

// WouldCreateCycle runs a DFS from the proposed target along forward edges
// of the same acyclic type; reaching the source means the add would close a
// cycle. related_to edges are unconstrained.
func (s *Store) WouldCreateCycle(source, target types.IssueID, depType types.DependencyType) (bool, error) {
	if !depType.IsAcyclic() {
		return false, nil
	}

	visited := map[types.IssueID]bool{}
	stack := []types.IssueID{target}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == source {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		deps, err := s.GetDependencies(current)
		if err != nil {
			return false, err
		}
		for _, dep := range deps {
			if dep.DepType == depType {
				stack = append(stack, dep.Target)
			}
		}
	}
	return false, nil
}

// TopologicalOrder lists issues with dependency targets first (Kahn over
// acyclic edge types within the filtered set). Issues on a cycle, which can
// only appear through concurrent edits, are appended at the end.
func (s *Store) TopologicalOrder(filter IssueFilter) ([]types.IssueSummary, error) {
	issues, err := s.ListIssues(filter)
	if err != nil {
		return nil, err
	}

	inSet := map[types.IssueID]bool{}
	for _, issue := range issues {
		inSet[issue.IssueID] = true
	}

	inDegree := map[types.IssueID]int{}
	adj := map[types.IssueID][]types.IssueID{}
	for _, issue := range issues {
		if _, ok := inDegree[issue.IssueID]; !ok {
			inDegree[issue.IssueID] = 0
		}
		deps, err := s.GetDependencies(issue.IssueID)
		if err != nil {
			return nil, err
		}
		for _, dep := range deps {
			if dep.DepType.IsAcyclic() && inSet[dep.Target] {
				adj[dep.Target] = append(adj[dep.Target], issue.IssueID)
				inDegree[issue.IssueID]++
			}
		}
	}

	var queue []types.IssueID
	for _, issue := range issues {
		if inDegree[issue.IssueID] == 0 {
			queue = append(queue, issue.IssueID)
		}
	}

	var order []types.IssueID
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range adj[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	placed := map[types.IssueID]bool{}
	for _, id := range order {
		placed[id] = true
	}
	for _, issue := range issues {
		if !placed[issue.IssueID] {
			order = append(order, issue.IssueID)
		}
	}

	byID := map[types.IssueID]types.IssueSummary{}
	for _, issue := range issues {
		byID[issue.IssueID] = issue
	}
	result := make([]types.IssueSummary, 0, len(order))
	for _, id := range order {
		result = append(result, byID[id])
	}
	return result, nil
}

// IssuesWithLabel resolves the label index to issue IDs.
func (s *Store) IssuesWithLabel(label string) ([]types.IssueID, error) {
	prefix := labelIndexPrefix(label)
	var ids []types.IssueID
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) != len(prefix)+16 {
				return errs.New(errs.Internal, "malformed label index key")
			}
			var id types.IssueID
			copy(id[:], key[len(prefix):])
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}
