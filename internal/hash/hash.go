// Package hash computes content-addressed event IDs.
//
// The preimage is a canonical CBOR array:
//
//	[schema_version, issue_id, actor, ts_unix_ms, parent|null, kind_tag, kind_payload]
//
// with definite lengths, shortest-form integers, text strings for strings,
// byte strings for binary fields, and null for absent optionals. The event
// ID is the BLAKE2b-256 digest of that encoding. The reference vectors in
// hash_test.go pin the encoding byte-for-byte.
package hash

import (
	"sort"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/types"
)

// SchemaVersion of the hash preimage.
const SchemaVersion = 1

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
}

// MarshalCanonical encodes a value with the canonical encoder shared by the
// hash preimage and the chunk codec.
func MarshalCanonical(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

// ComputeEventID hashes the canonical preimage of an event's fields.
func ComputeEventID(issueID types.IssueID, actor types.ActorID, tsUnixMs uint64, parent *types.EventID, kind types.EventKind) (types.EventID, error) {
	preimage, err := BuildCanonicalCBOR(issueID, actor, tsUnixMs, parent, kind)
	if err != nil {
		return types.EventID{}, err
	}
	return types.EventID(blake2b.Sum256(preimage)), nil
}

// VerifyEventID recomputes an event's hash and compares it to the stored ID.
func VerifyEventID(e *types.Event) error {
	want, err := ComputeEventID(e.IssueID, e.Actor, e.TsUnixMs, e.Parent, e.Kind)
	if err != nil {
		return err
	}
	if want != e.EventID {
		return errs.New(errs.HashMismatch, "event %s hashes to %s", e.EventID, want)
	}
	return nil
}

// NewEvent assembles an event and computes its content-addressed ID.
func NewEvent(issueID types.IssueID, actor types.ActorID, tsUnixMs uint64, parent *types.EventID, kind types.EventKind) (*types.Event, error) {
	id, err := ComputeEventID(issueID, actor, tsUnixMs, parent, kind)
	if err != nil {
		return nil, err
	}
	return &types.Event{
		EventID:  id,
		IssueID:  issueID,
		Actor:    actor,
		TsUnixMs: tsUnixMs,
		Parent:   parent,
		Kind:     kind,
	}, nil
}

// BuildCanonicalCBOR encodes the hash preimage.
func BuildCanonicalCBOR(issueID types.IssueID, actor types.ActorID, tsUnixMs uint64, parent *types.EventID, kind types.EventKind) ([]byte, error) {
	payload, err := KindPayload(kind)
	if err != nil {
		return nil, err
	}
	var parentVal interface{}
	if parent != nil {
		parentVal = parent[:]
	}
	preimage := []interface{}{
		uint64(SchemaVersion),
		issueID[:],
		actor[:],
		tsUnixMs,
		parentVal,
		uint64(kind.Tag()),
		payload,
	}
	out, err := MarshalCanonical(preimage)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "encoding canonical preimage")
	}
	return out, nil
}

// KindPayload builds the fixed positional payload array for a kind. The
// layout per tag is shared with the chunk codec so an event read from a
// chunk round-trips to the same event ID. Set-valued fields (labels) are
// sorted before encoding.
func KindPayload(kind types.EventKind) ([]interface{}, error) {
	switch k := kind.(type) {
	case types.IssueCreated:
		labels := append([]string(nil), k.Labels...)
		sort.Strings(labels)
		labelVals := make([]interface{}, len(labels))
		for i, l := range labels {
			labelVals[i] = l
		}
		return []interface{}{k.Title, k.Body, labelVals}, nil
	case types.IssueUpdated:
		return []interface{}{optText(k.Title), optText(k.Body)}, nil
	case types.CommentAdded:
		return []interface{}{k.Body}, nil
	case types.LabelAdded:
		return []interface{}{k.Label}, nil
	case types.LabelRemoved:
		return []interface{}{k.Label}, nil
	case types.StateChanged:
		return []interface{}{string(k.State)}, nil
	case types.LinkAdded:
		return []interface{}{k.URL, optText(k.Note)}, nil
	case types.AssigneeAdded:
		return []interface{}{k.User}, nil
	case types.AssigneeRemoved:
		return []interface{}{k.User}, nil
	case types.AttachmentAdded:
		return []interface{}{k.Name, k.SHA256[:], k.Mime}, nil
	case types.DependencyAdded:
		return []interface{}{k.Target[:], string(k.DepType)}, nil
	case types.DependencyRemoved:
		return []interface{}{k.Target[:], string(k.DepType)}, nil
	case types.ContextUpdated:
		syms := make([]interface{}, len(k.Symbols))
		for i, s := range k.Symbols {
			syms[i] = []interface{}{s.Name, s.Kind, uint64(s.LineStart), uint64(s.LineEnd)}
		}
		return []interface{}{k.Path, k.Language, syms, k.Summary, k.ContentHash[:]}, nil
	case types.ProjectContextUpdated:
		return []interface{}{k.Key, k.Value}, nil
	}
	return nil, errs.New(errs.InvalidEvent, "unknown event kind %T", kind)
}

func optText(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}
