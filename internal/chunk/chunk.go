// Package chunk encodes event batches into self-describing binary blobs.
//
// Chunk layout:
//
//	magic   "GRITCHNK"            (8 bytes)
//	version uint16 little-endian  (currently 1)
//	codec_len uint8
//	codec   ASCII "cbor-v1"
//	payload canonical CBOR array of event arrays
//
// Each event array has eight positional elements:
// [event_id, issue_id, actor, ts, parent|null, kind_tag, kind_payload, sig|null].
// The kind payload is the same structure used by the hash preimage, so an
// event read from a chunk round-trips to the same event ID.
package chunk

import (
	"bytes"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/hash"
	"github.com/neul-labs/grit/internal/types"
)

// Magic bytes at the start of every chunk.
var Magic = []byte("GRITCHNK")

// Version of the chunk container format.
const Version uint16 = 1

// Codec identifier of the payload encoding.
const Codec = "cbor-v1"

// Encode serializes events into a chunk.
func Encode(events []*types.Event) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(Magic)

	var version [2]byte
	binary.LittleEndian.PutUint16(version[:], Version)
	buf.Write(version[:])

	buf.WriteByte(byte(len(Codec)))
	buf.WriteString(Codec)

	payload := make([]interface{}, len(events))
	for i, e := range events {
		arr, err := eventToArray(e)
		if err != nil {
			return nil, err
		}
		payload[i] = arr
	}
	encoded, err := hash.MarshalCanonical(payload)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "encoding chunk payload")
	}
	buf.Write(encoded)
	return buf.Bytes(), nil
}

// Decode parses a chunk back into events.
func Decode(data []byte) ([]*types.Event, error) {
	if len(data) < len(Magic)+2+1 {
		return nil, errs.New(errs.InvalidChunk, "chunk too small (%d bytes)", len(data))
	}
	if !bytes.Equal(data[:8], Magic) {
		return nil, errs.New(errs.InvalidChunk, "invalid magic bytes")
	}
	version := binary.LittleEndian.Uint16(data[8:10])
	if version != Version {
		return nil, errs.New(errs.InvalidChunk, "unsupported chunk version %d", version)
	}
	codecLen := int(data[10])
	if len(data) < 11+codecLen {
		return nil, errs.New(errs.InvalidChunk, "chunk truncated at codec")
	}
	codec := string(data[11 : 11+codecLen])
	if codec != Codec {
		return nil, errs.New(errs.InvalidChunk, "unsupported codec %q", codec)
	}

	var payload []interface{}
	if err := cbor.Unmarshal(data[11+codecLen:], &payload); err != nil {
		return nil, errs.Wrap(errs.InvalidChunk, err, "decoding chunk payload")
	}

	events := make([]*types.Event, 0, len(payload))
	for i, item := range payload {
		e, err := eventFromValue(item)
		if err != nil {
			return nil, errs.Wrap(errs.CodeOf(err), err, "event %d", i)
		}
		events = append(events, e)
	}
	return events, nil
}

// Hash computes the BLAKE2b-256 digest of an encoded chunk.
func Hash(data []byte) types.Hash32 {
	return types.Hash32(blake2b.Sum256(data))
}

func eventToArray(e *types.Event) ([]interface{}, error) {
	payload, err := hash.KindPayload(e.Kind)
	if err != nil {
		return nil, err
	}
	var parent interface{}
	if e.Parent != nil {
		parent = e.Parent[:]
	}
	var sig interface{}
	if e.Sig != nil {
		sig = e.Sig
	}
	return []interface{}{
		e.EventID[:],
		e.IssueID[:],
		e.Actor[:],
		e.TsUnixMs,
		parent,
		uint64(e.Kind.Tag()),
		payload,
		sig,
	}, nil
}

func eventFromValue(v interface{}) (*types.Event, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, errs.New(errs.InvalidEvent, "expected event array, got %T", v)
	}
	if len(arr) != 8 {
		return nil, errs.New(errs.InvalidEvent, "expected 8 elements, got %d", len(arr))
	}

	eventID, err := fixedBytes(arr[0], "event_id", 32)
	if err != nil {
		return nil, err
	}
	issueID, err := fixedBytes(arr[1], "issue_id", 16)
	if err != nil {
		return nil, err
	}
	actor, err := fixedBytes(arr[2], "actor", 16)
	if err != nil {
		return nil, err
	}
	ts, err := asUint64(arr[3], "ts_unix_ms")
	if err != nil {
		return nil, err
	}

	var parent *types.EventID
	if arr[4] != nil {
		pb, err := fixedBytes(arr[4], "parent", 32)
		if err != nil {
			return nil, err
		}
		var p types.EventID
		copy(p[:], pb)
		parent = &p
	}

	tag, err := asUint64(arr[5], "kind_tag")
	if err != nil {
		return nil, err
	}
	kind, err := parseKind(uint32(tag), arr[6])
	if err != nil {
		return nil, err
	}

	var sig []byte
	if arr[7] != nil {
		sb, ok := arr[7].([]byte)
		if !ok {
			return nil, errs.New(errs.InvalidEvent, "sig must be bytes or null")
		}
		sig = sb
	}

	e := &types.Event{
		IssueID:  types.IssueID(issueID),
		Actor:    types.ActorID(actor),
		TsUnixMs: ts,
		Parent:   parent,
		Kind:     kind,
		Sig:      sig,
	}
	copy(e.EventID[:], eventID)
	return e, nil
}

func parseKind(tag uint32, payload interface{}) (types.EventKind, error) {
	fields, ok := payload.([]interface{})
	if !ok {
		return nil, errs.New(errs.InvalidEvent, "kind payload must be an array")
	}

	switch tag {
	case types.TagIssueCreated:
		if err := wantLen(fields, 3, "IssueCreated"); err != nil {
			return nil, err
		}
		title, err := asString(fields[0], "title")
		if err != nil {
			return nil, err
		}
		body, err := asString(fields[1], "body")
		if err != nil {
			return nil, err
		}
		labels, err := asStringSlice(fields[2], "labels")
		if err != nil {
			return nil, err
		}
		return types.IssueCreated{Title: title, Body: body, Labels: labels}, nil

	case types.TagIssueUpdated:
		if err := wantLen(fields, 2, "IssueUpdated"); err != nil {
			return nil, err
		}
		title, err := asOptString(fields[0], "title")
		if err != nil {
			return nil, err
		}
		body, err := asOptString(fields[1], "body")
		if err != nil {
			return nil, err
		}
		return types.IssueUpdated{Title: title, Body: body}, nil

	case types.TagCommentAdded:
		if err := wantLen(fields, 1, "CommentAdded"); err != nil {
			return nil, err
		}
		body, err := asString(fields[0], "body")
		if err != nil {
			return nil, err
		}
		return types.CommentAdded{Body: body}, nil

	case types.TagLabelAdded:
		if err := wantLen(fields, 1, "LabelAdded"); err != nil {
			return nil, err
		}
		label, err := asString(fields[0], "label")
		if err != nil {
			return nil, err
		}
		return types.LabelAdded{Label: label}, nil

	case types.TagLabelRemoved:
		if err := wantLen(fields, 1, "LabelRemoved"); err != nil {
			return nil, err
		}
		label, err := asString(fields[0], "label")
		if err != nil {
			return nil, err
		}
		return types.LabelRemoved{Label: label}, nil

	case types.TagStateChanged:
		if err := wantLen(fields, 1, "StateChanged"); err != nil {
			return nil, err
		}
		raw, err := asString(fields[0], "state")
		if err != nil {
			return nil, err
		}
		state, err := types.ParseIssueState(raw)
		if err != nil {
			return nil, errs.New(errs.InvalidEvent, "invalid state %q", raw)
		}
		return types.StateChanged{State: state}, nil

	case types.TagLinkAdded:
		if err := wantLen(fields, 2, "LinkAdded"); err != nil {
			return nil, err
		}
		url, err := asString(fields[0], "url")
		if err != nil {
			return nil, err
		}
		note, err := asOptString(fields[1], "note")
		if err != nil {
			return nil, err
		}
		return types.LinkAdded{URL: url, Note: note}, nil

	case types.TagAssigneeAdded:
		if err := wantLen(fields, 1, "AssigneeAdded"); err != nil {
			return nil, err
		}
		user, err := asString(fields[0], "user")
		if err != nil {
			return nil, err
		}
		return types.AssigneeAdded{User: user}, nil

	case types.TagAssigneeRemoved:
		if err := wantLen(fields, 1, "AssigneeRemoved"); err != nil {
			return nil, err
		}
		user, err := asString(fields[0], "user")
		if err != nil {
			return nil, err
		}
		return types.AssigneeRemoved{User: user}, nil

	case types.TagAttachmentAdded:
		if err := wantLen(fields, 3, "AttachmentAdded"); err != nil {
			return nil, err
		}
		name, err := asString(fields[0], "name")
		if err != nil {
			return nil, err
		}
		sha, err := fixedBytes(fields[1], "sha256", 32)
		if err != nil {
			return nil, err
		}
		mime, err := asString(fields[2], "mime")
		if err != nil {
			return nil, err
		}
		var h types.Hash32
		copy(h[:], sha)
		return types.AttachmentAdded{Name: name, SHA256: h, Mime: mime}, nil

	case types.TagDependencyAdded, types.TagDependencyRemoved:
		name := "DependencyAdded"
		if tag == types.TagDependencyRemoved {
			name = "DependencyRemoved"
		}
		if err := wantLen(fields, 2, name); err != nil {
			return nil, err
		}
		tb, err := fixedBytes(fields[0], "target", 16)
		if err != nil {
			return nil, err
		}
		raw, err := asString(fields[1], "dep_type")
		if err != nil {
			return nil, err
		}
		depType, err := types.ParseDependencyType(raw)
		if err != nil {
			return nil, errs.New(errs.InvalidEvent, "invalid dep_type %q", raw)
		}
		var target types.IssueID
		copy(target[:], tb)
		if tag == types.TagDependencyAdded {
			return types.DependencyAdded{Target: target, DepType: depType}, nil
		}
		return types.DependencyRemoved{Target: target, DepType: depType}, nil

	case types.TagContextUpdated:
		if err := wantLen(fields, 5, "ContextUpdated"); err != nil {
			return nil, err
		}
		path, err := asString(fields[0], "path")
		if err != nil {
			return nil, err
		}
		language, err := asString(fields[1], "language")
		if err != nil {
			return nil, err
		}
		symbols, err := parseSymbols(fields[2])
		if err != nil {
			return nil, err
		}
		summary, err := asString(fields[3], "summary")
		if err != nil {
			return nil, err
		}
		hashBytes, err := fixedBytes(fields[4], "content_hash", 32)
		if err != nil {
			return nil, err
		}
		var contentHash types.Hash32
		copy(contentHash[:], hashBytes)
		return types.ContextUpdated{
			Path:        path,
			Language:    language,
			Symbols:     symbols,
			Summary:     summary,
			ContentHash: contentHash,
		}, nil

	case types.TagProjectContextUpdated:
		if err := wantLen(fields, 2, "ProjectContextUpdated"); err != nil {
			return nil, err
		}
		key, err := asString(fields[0], "key")
		if err != nil {
			return nil, err
		}
		value, err := asString(fields[1], "value")
		if err != nil {
			return nil, err
		}
		return types.ProjectContextUpdated{Key: key, Value: value}, nil
	}
	return nil, errs.New(errs.InvalidEvent, "unknown kind tag %d", tag)
}

func parseSymbols(v interface{}) ([]types.SymbolInfo, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, errs.New(errs.InvalidEvent, "symbols must be an array")
	}
	symbols := make([]types.SymbolInfo, 0, len(arr))
	for _, item := range arr {
		fields, ok := item.([]interface{})
		if !ok || len(fields) != 4 {
			return nil, errs.New(errs.InvalidEvent, "symbol must be a 4-element array")
		}
		name, err := asString(fields[0], "symbol.name")
		if err != nil {
			return nil, err
		}
		kind, err := asString(fields[1], "symbol.kind")
		if err != nil {
			return nil, err
		}
		lineStart, err := asUint64(fields[2], "symbol.line_start")
		if err != nil {
			return nil, err
		}
		lineEnd, err := asUint64(fields[3], "symbol.line_end")
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, types.SymbolInfo{
			Name:      name,
			Kind:      kind,
			LineStart: uint32(lineStart),
			LineEnd:   uint32(lineEnd),
		})
	}
	return symbols, nil
}

func wantLen(fields []interface{}, n int, kind string) error {
	if len(fields) != n {
		return errs.New(errs.InvalidEvent, "%s expects %d fields, got %d", kind, n, len(fields))
	}
	return nil
}

func fixedBytes(v interface{}, field string, n int) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, errs.New(errs.InvalidEvent, "%s must be bytes", field)
	}
	if len(b) != n {
		return nil, errs.New(errs.InvalidEvent, "%s has wrong length: expected %d, got %d", field, n, len(b))
	}
	return b, nil
}

func asUint64(v interface{}, field string) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int64:
		if n < 0 {
			return 0, errs.New(errs.InvalidEvent, "%s out of range", field)
		}
		return uint64(n), nil
	}
	return 0, errs.New(errs.InvalidEvent, "%s must be an integer, got %T", field, v)
}

func asString(v interface{}, field string) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errs.New(errs.InvalidEvent, "%s must be a string, got %T", field, v)
	}
	return s, nil
}

func asOptString(v interface{}, field string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, errs.New(errs.InvalidEvent, "%s must be a string or null, got %T", field, v)
	}
	return &s, nil
}

func asStringSlice(v interface{}, field string) ([]string, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, errs.New(errs.InvalidEvent, "%s must be an array", field)
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, err := asString(item, field)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
