// Package types holds the identifier, event, and projection types shared by
// every other package. Events are immutable value records; identity is the
// content-addressed event ID.
package types

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/neul-labs/grit/internal/errs"
)

// ActorID identifies one workstation identity: 16 random bytes,
// hex-encoded on every text surface.
type ActorID [16]byte

// IssueID identifies one issue: 16 random bytes.
type IssueID [16]byte

// EventID is the BLAKE2b-256 digest of an event's canonical CBOR preimage.
type EventID [32]byte

// Hash32 is a generic 32-byte digest (attachment sha256, file content hash).
type Hash32 [32]byte

// NewActorID generates a random actor ID.
func NewActorID() ActorID {
	var id ActorID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return id
}

// NewIssueID generates a random issue ID.
func NewIssueID() IssueID {
	var id IssueID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return id
}

func (a ActorID) String() string { return hex.EncodeToString(a[:]) }
func (i IssueID) String() string { return hex.EncodeToString(i[:]) }
func (e EventID) String() string { return hex.EncodeToString(e[:]) }
func (h Hash32) String() string  { return hex.EncodeToString(h[:]) }

func (a ActorID) MarshalText() ([]byte, error) { return hexText(a[:]), nil }
func (i IssueID) MarshalText() ([]byte, error) { return hexText(i[:]), nil }
func (e EventID) MarshalText() ([]byte, error) { return hexText(e[:]), nil }
func (h Hash32) MarshalText() ([]byte, error)  { return hexText(h[:]), nil }

func (a *ActorID) UnmarshalText(text []byte) error { return hexInto(a[:], text, "actor id") }
func (i *IssueID) UnmarshalText(text []byte) error { return hexInto(i[:], text, "issue id") }
func (e *EventID) UnmarshalText(text []byte) error { return hexInto(e[:], text, "event id") }
func (h *Hash32) UnmarshalText(text []byte) error  { return hexInto(h[:], text, "hash") }

// ParseActorID decodes a 32-char lowercase hex actor ID.
func ParseActorID(s string) (ActorID, error) {
	var id ActorID
	err := hexInto(id[:], []byte(s), "actor id")
	return id, err
}

// ParseIssueID decodes a 32-char lowercase hex issue ID.
func ParseIssueID(s string) (IssueID, error) {
	var id IssueID
	err := hexInto(id[:], []byte(s), "issue id")
	return id, err
}

// ParseEventID decodes a 64-char lowercase hex event ID.
func ParseEventID(s string) (EventID, error) {
	var id EventID
	err := hexInto(id[:], []byte(s), "event id")
	return id, err
}

// Compare orders actor IDs bytewise; used by the LWW tuple order.
func (a ActorID) Compare(b ActorID) int { return bytes.Compare(a[:], b[:]) }

// Compare orders event IDs bytewise.
func (e EventID) Compare(b EventID) int { return bytes.Compare(e[:], b[:]) }

// Compare orders issue IDs bytewise.
func (i IssueID) Compare(b IssueID) int { return bytes.Compare(i[:], b[:]) }

func (e EventID) IsZero() bool {
	return e == EventID{}
}

func hexText(b []byte) []byte {
	out := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(out, b)
	return out
}

func hexInto(dst, text []byte, what string) error {
	if hex.DecodedLen(len(text)) != len(dst) {
		return errs.New(errs.InvalidArgs, "%s must be %d hex chars, got %d", what, len(dst)*2, len(text))
	}
	if _, err := hex.Decode(dst, text); err != nil {
		return errs.New(errs.InvalidArgs, "invalid %s: %v", what, err)
	}
	return nil
}
