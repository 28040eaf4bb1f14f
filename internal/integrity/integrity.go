// Package integrity implements the db check and verify sweeps: hash
// verification, parent presence, and signature policy enforcement.
// Corruption is reported, never auto-quarantined.
package integrity

import (
	"github.com/neul-labs/grit/internal/hash"
	"github.com/neul-labs/grit/internal/signing"
	"github.com/neul-labs/grit/internal/store"
	"github.com/neul-labs/grit/internal/types"
)

// CorruptionKind classifies one finding.
type CorruptionKind string

const (
	KindHashMismatch  CorruptionKind = "hash_mismatch"
	KindMissingParent CorruptionKind = "missing_parent"
)

// CorruptEvent is one integrity finding.
type CorruptEvent struct {
	EventID types.EventID  `json:"event_id"`
	IssueID types.IssueID  `json:"issue_id"`
	Kind    CorruptionKind `json:"kind"`
	Detail  string         `json:"detail"`
}

// SignatureFailure is one finding from the signature sweep.
type SignatureFailure struct {
	EventID types.EventID `json:"event_id"`
	Actor   types.ActorID `json:"actor"`
	Detail  string        `json:"detail"`
}

// Report is the result of a full check.
type Report struct {
	EventCount        int                `json:"event_count"`
	CorruptEvents     []CorruptEvent     `json:"corrupt_events"`
	SignatureFailures []SignatureFailure `json:"signature_failures"`
}

// Healthy reports a clean store.
func (r *Report) Healthy() bool {
	return len(r.CorruptEvents) == 0 && len(r.SignatureFailures) == 0
}

// CheckStore recomputes every event's hash and verifies that every parent
// pointer resolves within the store.
func CheckStore(s *store.Store) (*Report, error) {
	events, err := s.GetAllEvents()
	if err != nil {
		return nil, err
	}

	present := make(map[types.EventID]bool, len(events))
	for _, e := range events {
		present[e.EventID] = true
	}

	report := &Report{EventCount: len(events)}
	for _, e := range events {
		if err := hash.VerifyEventID(e); err != nil {
			report.CorruptEvents = append(report.CorruptEvents, CorruptEvent{
				EventID: e.EventID,
				IssueID: e.IssueID,
				Kind:    KindHashMismatch,
				Detail:  err.Error(),
			})
		}
		if e.Parent != nil && !present[*e.Parent] {
			report.CorruptEvents = append(report.CorruptEvents, CorruptEvent{
				EventID: e.EventID,
				IssueID: e.IssueID,
				Kind:    KindMissingParent,
				Detail:  "parent " + e.Parent.String() + " not in store",
			})
		}
	}
	return report, nil
}

// VerifySignatures sweeps every event under the given policy. keyFor maps
// an actor to its hex public key; an empty return means the actor has no
// published key, which only fails under require.
func VerifySignatures(s *store.Store, policy signing.Policy, keyFor func(types.ActorID) string) ([]SignatureFailure, error) {
	if policy == signing.PolicyOff {
		return nil, nil
	}
	events, err := s.GetAllEvents()
	if err != nil {
		return nil, err
	}

	var failures []SignatureFailure
	for _, e := range events {
		key := keyFor(e.Actor)
		if key == "" {
			if policy == signing.PolicyRequire {
				failures = append(failures, SignatureFailure{
					EventID: e.EventID,
					Actor:   e.Actor,
					Detail:  "no public key for actor",
				})
			}
			continue
		}
		if err := signing.Verify(e, key, policy); err != nil {
			failures = append(failures, SignatureFailure{
				EventID: e.EventID,
				Actor:   e.Actor,
				Detail:  err.Error(),
			})
		}
	}
	return failures, nil
}
