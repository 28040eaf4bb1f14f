// Package gitobj has the low-level object plumbing shared by the WAL,
// snapshot, and lock managers: blob/tree/commit writing against a go-git
// object store without touching any worktree.
package gitobj

import (
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/neul-labs/grit/internal/errs"
)

// Signature used on every grit-authored commit.
const (
	CommitterName  = "grit"
	CommitterEmail = "grit@local"
)

// OpenRepo opens the repository containing path, walking up to find .git.
func OpenRepo(path string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, errs.Wrap(errs.Git, err, "opening repository at %s", path)
	}
	return repo, nil
}

// WriteBlob stores raw bytes as a blob object.
func WriteBlob(st storer.EncodedObjectStorer, data []byte) (plumbing.Hash, error) {
	obj := st.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.Git, err, "creating blob writer")
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, errs.Wrap(errs.Git, err, "writing blob")
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.Git, err, "closing blob writer")
	}
	hash, err := st.SetEncodedObject(obj)
	return hash, errs.Wrap(errs.Git, err, "storing blob")
}

// WriteTree builds a tree (with nested subtrees) from slash-separated file
// paths to blob hashes.
func WriteTree(st storer.EncodedObjectStorer, files map[string]plumbing.Hash) (plumbing.Hash, error) {
	type node struct {
		blobs    map[string]plumbing.Hash
		children map[string]*node
	}
	newNode := func() *node {
		return &node{blobs: map[string]plumbing.Hash{}, children: map[string]*node{}}
	}
	root := newNode()

	for path, hash := range files {
		parts := strings.Split(path, "/")
		cur := root
		for _, dir := range parts[:len(parts)-1] {
			next, ok := cur.children[dir]
			if !ok {
				next = newNode()
				cur.children[dir] = next
			}
			cur = next
		}
		cur.blobs[parts[len(parts)-1]] = hash
	}

	var write func(n *node) (plumbing.Hash, error)
	write = func(n *node) (plumbing.Hash, error) {
		entries := make([]object.TreeEntry, 0, len(n.blobs)+len(n.children))
		for name, hash := range n.blobs {
			entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: hash})
		}
		for name, child := range n.children {
			hash, err := write(child)
			if err != nil {
				return plumbing.ZeroHash, err
			}
			entries = append(entries, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: hash})
		}
		sortTreeEntries(entries)

		tree := &object.Tree{Entries: entries}
		obj := st.NewEncodedObject()
		if err := tree.Encode(obj); err != nil {
			return plumbing.ZeroHash, errs.Wrap(errs.Git, err, "encoding tree")
		}
		hash, err := st.SetEncodedObject(obj)
		return hash, errs.Wrap(errs.Git, err, "storing tree")
	}
	return write(root)
}

// sortTreeEntries applies git's tree ordering, where directories sort as if
// suffixed with '/'.
func sortTreeEntries(entries []object.TreeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return treeEntrySortName(entries[i]) < treeEntrySortName(entries[j])
	})
}

func treeEntrySortName(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

// Commit writes a commit object over the given tree.
func Commit(st storer.EncodedObjectStorer, treeHash plumbing.Hash, parents []plumbing.Hash, message string) (plumbing.Hash, error) {
	sig := object.Signature{Name: CommitterName, Email: CommitterEmail, When: time.Now()}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	obj := st.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, errs.Wrap(errs.Git, err, "encoding commit")
	}
	hash, err := st.SetEncodedObject(obj)
	return hash, errs.Wrap(errs.Git, err, "storing commit")
}

// FileBytes reads one file out of a commit tree.
func FileBytes(commit *object.Commit, path string) ([]byte, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, errs.Wrap(errs.Git, err, "reading commit tree")
	}
	f, err := tree.File(path)
	if err != nil {
		return nil, errs.Wrap(errs.Git, err, "reading %s from tree", path)
	}
	contents, err := f.Contents()
	if err != nil {
		return nil, errs.Wrap(errs.Git, err, "reading %s contents", path)
	}
	return []byte(contents), nil
}
