package store

import (
	"encoding/binary"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/types"
)

// Key prefixes for every keyspace. Timestamps inside composite keys are
// big-endian so byte-order scans yield chronological order.
var (
	prefixEvent       = []byte("event/")
	prefixIssueState  = []byte("issue_state/")
	prefixIssueEvents = []byte("issue_events/")
	prefixLabelIndex  = []byte("label_index/")
	prefixDepFwd      = []byte("dep_fwd/")
	prefixDepRev      = []byte("dep_rev/")
	prefixCtxFile     = []byte("ctx/file/")
	prefixCtxSym      = []byte("ctx/sym/")
	prefixCtxProj     = []byte("ctx/proj/")
	prefixMetadata    = []byte("metadata/")
)

var (
	keyLastRebuildTs      = metadataKey("last_rebuild_ts")
	keyEventsSinceRebuild = metadataKey("events_since_rebuild")
)

func eventKey(id types.EventID) []byte {
	return append(append([]byte{}, prefixEvent...), id[:]...)
}

func issueStateKey(id types.IssueID) []byte {
	return append(append([]byte{}, prefixIssueState...), id[:]...)
}

func issueEventsPrefix(id types.IssueID) []byte {
	key := append(append([]byte{}, prefixIssueEvents...), id[:]...)
	return append(key, '/')
}

func issueEventsKey(issueID types.IssueID, ts uint64, eventID types.EventID) []byte {
	key := issueEventsPrefix(issueID)
	var tsBE [8]byte
	binary.BigEndian.PutUint64(tsBE[:], ts)
	key = append(key, tsBE[:]...)
	key = append(key, '/')
	return append(key, eventID[:]...)
}

// eventIDFromIssueEventsKey extracts the trailing 32-byte event ID.
func eventIDFromIssueEventsKey(key []byte) (types.EventID, error) {
	var id types.EventID
	if len(key) < len(prefixIssueEvents)+16+1+8+1+32 {
		return id, errs.New(errs.Internal, "malformed issue_events key (%d bytes)", len(key))
	}
	copy(id[:], key[len(key)-32:])
	return id, nil
}

func labelIndexKey(label string, issueID types.IssueID) []byte {
	key := append(append([]byte{}, prefixLabelIndex...), label...)
	key = append(key, '/')
	return append(key, issueID[:]...)
}

func labelIndexPrefix(label string) []byte {
	key := append(append([]byte{}, prefixLabelIndex...), label...)
	return append(key, '/')
}

func depFwdPrefix(src types.IssueID) []byte {
	key := append(append([]byte{}, prefixDepFwd...), src[:]...)
	return append(key, '/')
}

func depFwdKey(src, tgt types.IssueID, depType types.DependencyType) []byte {
	key := depFwdPrefix(src)
	key = append(key, tgt[:]...)
	key = append(key, '/')
	return append(key, depType.Byte())
}

func depRevPrefix(tgt types.IssueID) []byte {
	key := append(append([]byte{}, prefixDepRev...), tgt[:]...)
	return append(key, '/')
}

func depRevKey(tgt, src types.IssueID, depType types.DependencyType) []byte {
	key := depRevPrefix(tgt)
	key = append(key, src[:]...)
	key = append(key, '/')
	return append(key, depType.Byte())
}

// parseDepKeySuffix decodes <issue_id:16>/<type:1> after a dep prefix.
func parseDepKeySuffix(key []byte, prefixLen int) (types.IssueID, types.DependencyType, bool) {
	suffix := key[prefixLen:]
	if len(suffix) != 16+1+1 {
		return types.IssueID{}, "", false
	}
	var id types.IssueID
	copy(id[:], suffix[:16])
	depType, ok := types.DependencyTypeFromByte(suffix[17])
	return id, depType, ok
}

func ctxFileKey(path string) []byte {
	return append(append([]byte{}, prefixCtxFile...), path...)
}

func ctxSymPrefix(name string) []byte {
	return append(append([]byte{}, prefixCtxSym...), name...)
}

func ctxSymKey(name, path string) []byte {
	key := ctxSymPrefix(name)
	key = append(key, '/')
	return append(key, path...)
}

func ctxProjKey(key string) []byte {
	return append(append([]byte{}, prefixCtxProj...), key...)
}

func metadataKey(name string) []byte {
	return append(append([]byte{}, prefixMetadata...), name...)
}
