package types

import (
	"encoding/json"

	"github.com/neul-labs/grit/internal/errs"
)

// IssueState is the open/closed lifecycle state of an issue.
type IssueState string

const (
	StateOpen   IssueState = "open"
	StateClosed IssueState = "closed"
)

// ParseIssueState validates a state string.
func ParseIssueState(s string) (IssueState, error) {
	switch IssueState(s) {
	case StateOpen, StateClosed:
		return IssueState(s), nil
	}
	return "", errs.New(errs.InvalidArgs, "invalid issue state %q", s)
}

// DependencyType classifies a dependency edge.
type DependencyType string

const (
	DepBlocks    DependencyType = "blocks"
	DepDependsOn DependencyType = "depends_on"
	DepRelatedTo DependencyType = "related_to"
)

// ParseDependencyType validates a dependency type string.
func ParseDependencyType(s string) (DependencyType, error) {
	switch DependencyType(s) {
	case DepBlocks, DepDependsOn, DepRelatedTo:
		return DependencyType(s), nil
	}
	return "", errs.New(errs.InvalidArgs, "invalid dependency type %q", s)
}

// IsAcyclic reports whether edges of this type must not form cycles.
func (d DependencyType) IsAcyclic() bool {
	return d == DepBlocks || d == DepDependsOn
}

// Byte returns the single-byte store-key encoding of the type.
func (d DependencyType) Byte() byte {
	switch d {
	case DepBlocks:
		return 'B'
	case DepDependsOn:
		return 'D'
	default:
		return 'R'
	}
}

// DependencyTypeFromByte is the inverse of Byte.
func DependencyTypeFromByte(b byte) (DependencyType, bool) {
	switch b {
	case 'B':
		return DepBlocks, true
	case 'D':
		return DepDependsOn, true
	case 'R':
		return DepRelatedTo, true
	}
	return "", false
}

// SymbolInfo is one extracted source symbol, opaque to the core.
type SymbolInfo struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	LineStart uint32 `json:"line_start"`
	LineEnd   uint32 `json:"line_end"`
}

// EventKind is the closed set of event payloads. Each variant carries a
// fixed small integer tag used by the canonical hash; adding a kind means
// assigning the next tag and updating the hash and chunk codecs together.
type EventKind interface {
	Tag() uint32
}

// Tags for every event kind. The numbering is part of the hash preimage
// and must never change.
const (
	TagIssueCreated          uint32 = 1
	TagIssueUpdated          uint32 = 2
	TagCommentAdded          uint32 = 3
	TagLabelAdded            uint32 = 4
	TagLabelRemoved          uint32 = 5
	TagStateChanged          uint32 = 6
	TagLinkAdded             uint32 = 7
	TagAssigneeAdded         uint32 = 8
	TagAssigneeRemoved       uint32 = 9
	TagAttachmentAdded       uint32 = 10
	TagDependencyAdded       uint32 = 11
	TagDependencyRemoved     uint32 = 12
	TagContextUpdated        uint32 = 13
	TagProjectContextUpdated uint32 = 14
)

type IssueCreated struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
}

type IssueUpdated struct {
	Title *string `json:"title"`
	Body  *string `json:"body"`
}

type CommentAdded struct {
	Body string `json:"body"`
}

type LabelAdded struct {
	Label string `json:"label"`
}

type LabelRemoved struct {
	Label string `json:"label"`
}

type StateChanged struct {
	State IssueState `json:"state"`
}

type LinkAdded struct {
	URL  string  `json:"url"`
	Note *string `json:"note"`
}

type AssigneeAdded struct {
	User string `json:"user"`
}

type AssigneeRemoved struct {
	User string `json:"user"`
}

type AttachmentAdded struct {
	Name   string `json:"name"`
	SHA256 Hash32 `json:"sha256"`
	Mime   string `json:"mime"`
}

type DependencyAdded struct {
	Target  IssueID        `json:"target"`
	DepType DependencyType `json:"dep_type"`
}

type DependencyRemoved struct {
	Target  IssueID        `json:"target"`
	DepType DependencyType `json:"dep_type"`
}

type ContextUpdated struct {
	Path        string       `json:"path"`
	Language    string       `json:"language"`
	Symbols     []SymbolInfo `json:"symbols"`
	Summary     string       `json:"summary"`
	ContentHash Hash32       `json:"content_hash"`
}

type ProjectContextUpdated struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (IssueCreated) Tag() uint32          { return TagIssueCreated }
func (IssueUpdated) Tag() uint32          { return TagIssueUpdated }
func (CommentAdded) Tag() uint32          { return TagCommentAdded }
func (LabelAdded) Tag() uint32            { return TagLabelAdded }
func (LabelRemoved) Tag() uint32          { return TagLabelRemoved }
func (StateChanged) Tag() uint32          { return TagStateChanged }
func (LinkAdded) Tag() uint32             { return TagLinkAdded }
func (AssigneeAdded) Tag() uint32         { return TagAssigneeAdded }
func (AssigneeRemoved) Tag() uint32       { return TagAssigneeRemoved }
func (AttachmentAdded) Tag() uint32       { return TagAttachmentAdded }
func (DependencyAdded) Tag() uint32       { return TagDependencyAdded }
func (DependencyRemoved) Tag() uint32     { return TagDependencyRemoved }
func (ContextUpdated) Tag() uint32        { return TagContextUpdated }
func (ProjectContextUpdated) Tag() uint32 { return TagProjectContextUpdated }

// Event is one immutable change record. Equality is by EventID. The
// signature is detached and never part of the hash preimage.
type Event struct {
	EventID  EventID
	IssueID  IssueID
	Actor    ActorID
	TsUnixMs uint64
	Parent   *EventID
	Kind     EventKind
	Sig      []byte
}

type eventJSON struct {
	EventID  EventID         `json:"event_id"`
	IssueID  IssueID         `json:"issue_id"`
	Actor    ActorID         `json:"actor"`
	TsUnixMs uint64          `json:"ts_unix_ms"`
	Parent   *EventID        `json:"parent"`
	Kind     json.RawMessage `json:"kind"`
	Sig      hexBytes        `json:"sig,omitempty"`
}

// hexBytes renders binary fields as lowercase hex in JSON.
type hexBytes []byte

func (h hexBytes) MarshalText() ([]byte, error) { return hexText(h), nil }

func (h *hexBytes) UnmarshalText(text []byte) error {
	out := make([]byte, len(text)/2)
	if err := hexInto(out, text, "signature"); err != nil {
		return err
	}
	*h = out
	return nil
}

// MarshalJSON encodes the event with its kind as a tagged object.
func (e Event) MarshalJSON() ([]byte, error) {
	kind, err := MarshalKind(e.Kind)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		EventID:  e.EventID,
		IssueID:  e.IssueID,
		Actor:    e.Actor,
		TsUnixMs: e.TsUnixMs,
		Parent:   e.Parent,
		Kind:     kind,
		Sig:      e.Sig,
	})
}

// UnmarshalJSON decodes the tagged kind back into its concrete variant.
// Unknown tags are rejected hard; events have no forward compatibility.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errs.Wrap(errs.InvalidEvent, err, "decoding event")
	}
	kind, err := UnmarshalKind(raw.Kind)
	if err != nil {
		return err
	}
	e.EventID = raw.EventID
	e.IssueID = raw.IssueID
	e.Actor = raw.Actor
	e.TsUnixMs = raw.TsUnixMs
	e.Parent = raw.Parent
	e.Kind = kind
	e.Sig = raw.Sig
	return nil
}

type kindTagOnly struct {
	Tag uint32 `json:"tag"`
}

// MarshalKind encodes a kind as {"tag": N, ...payload fields...}.
func MarshalKind(k EventKind) (json.RawMessage, error) {
	if k == nil {
		return nil, errs.New(errs.InvalidEvent, "event has no kind")
	}
	payload, err := json.Marshal(k)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidEvent, err, "encoding kind payload")
	}
	tag, err := json.Marshal(kindTagOnly{Tag: k.Tag()})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidEvent, err, "encoding kind tag")
	}
	if len(payload) == 2 { // "{}"
		return tag, nil
	}
	merged := append(tag[:len(tag)-1], ',')
	merged = append(merged, payload[1:]...)
	return merged, nil
}

// UnmarshalKind decodes a tagged kind object into its concrete variant.
func UnmarshalKind(data json.RawMessage) (EventKind, error) {
	var head kindTagOnly
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errs.Wrap(errs.InvalidEvent, err, "decoding kind tag")
	}
	switch head.Tag {
	case TagIssueCreated:
		return decodeKind[IssueCreated](data)
	case TagIssueUpdated:
		return decodeKind[IssueUpdated](data)
	case TagCommentAdded:
		return decodeKind[CommentAdded](data)
	case TagLabelAdded:
		return decodeKind[LabelAdded](data)
	case TagLabelRemoved:
		return decodeKind[LabelRemoved](data)
	case TagStateChanged:
		return decodeKind[StateChanged](data)
	case TagLinkAdded:
		return decodeKind[LinkAdded](data)
	case TagAssigneeAdded:
		return decodeKind[AssigneeAdded](data)
	case TagAssigneeRemoved:
		return decodeKind[AssigneeRemoved](data)
	case TagAttachmentAdded:
		return decodeKind[AttachmentAdded](data)
	case TagDependencyAdded:
		return decodeKind[DependencyAdded](data)
	case TagDependencyRemoved:
		return decodeKind[DependencyRemoved](data)
	case TagContextUpdated:
		return decodeKind[ContextUpdated](data)
	case TagProjectContextUpdated:
		return decodeKind[ProjectContextUpdated](data)
	}
	return nil, errs.New(errs.InvalidEvent, "unknown event kind tag %d", head.Tag)
}

func decodeKind[T EventKind](data []byte) (EventKind, error) {
	var k T
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, errs.Wrap(errs.InvalidEvent, err, "decoding kind payload (tag %d)", k.Tag())
	}
	return k, nil
}
