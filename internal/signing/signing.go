// Package signing produces Ed25519 detached signatures over the raw
// 32-byte event ID. Signing never affects the event ID or projection; it
// is verified independently of serialization format.
package signing

import (
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/types"
)

// KeyFileName inside an actor directory holding the hex-encoded seed.
const KeyFileName = "signing_key"

// KeyPair wraps an Ed25519 private key derived from a 32-byte seed.
type KeyPair struct {
	priv ed25519.PrivateKey
}

// Generate creates a fresh random key pair.
func Generate() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "generating signing key")
	}
	return &KeyPair{priv: priv}, nil
}

// FromSeedHex rebuilds a key pair from a 64-hex-char seed.
func FromSeedHex(seedHex string) (*KeyPair, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil {
		return nil, errs.Wrap(errs.Signature, err, "decoding signing key seed")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, errs.New(errs.Signature, "seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &KeyPair{priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// SeedHex serializes the seed for storage.
func (k *KeyPair) SeedHex() string {
	return hex.EncodeToString(k.priv.Seed())
}

// PublicKeyHex serializes the public key for the actor config.
func (k *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(k.priv.Public().(ed25519.PublicKey))
}

// Sign produces the 64-byte detached signature over an event ID.
func (k *KeyPair) Sign(eventID types.EventID) []byte {
	return ed25519.Sign(k.priv, eventID[:])
}

// SignEvent populates the event's signature slot.
func (k *KeyPair) SignEvent(e *types.Event) {
	e.Sig = k.Sign(e.EventID)
}

// LoadKey reads the seed file from an actor directory; a missing file
// means the actor signs nothing and returns (nil, nil).
func LoadKey(actorDir string) (*KeyPair, error) {
	raw, err := os.ReadFile(filepath.Join(actorDir, KeyFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "reading signing key")
	}
	return FromSeedHex(string(raw))
}

// SaveKey writes the seed file with owner-only permissions.
func SaveKey(actorDir string, key *KeyPair) error {
	path := filepath.Join(actorDir, KeyFileName)
	return errs.Wrap(errs.IO, os.WriteFile(path, []byte(key.SeedHex()), 0o600), "writing signing key")
}

// Policy controls signature verification.
type Policy string

const (
	PolicyOff     Policy = "off"
	PolicyWarn    Policy = "warn"
	PolicyRequire Policy = "require"
)

// ParsePolicy validates a verification policy string.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(s)) {
	case PolicyOff, PolicyWarn, PolicyRequire:
		return Policy(strings.ToLower(s)), nil
	}
	return "", errs.New(errs.InvalidArgs, "invalid verification policy %q", s)
}

// Verify checks an event's signature against a hex public key. A missing
// signature is only an error under require; an invalid one always is.
func Verify(e *types.Event, publicKeyHex string, policy Policy) error {
	if policy == PolicyOff {
		return nil
	}
	if e.Sig == nil {
		if policy == PolicyRequire {
			return errs.New(errs.Signature, "event %s has no signature", e.EventID)
		}
		return nil
	}

	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return errs.Wrap(errs.Signature, err, "decoding public key")
	}
	if len(pub) != ed25519.PublicKeySize {
		return errs.New(errs.Signature, "public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	if len(e.Sig) != ed25519.SignatureSize {
		return errs.New(errs.Signature, "signature must be %d bytes, got %d", ed25519.SignatureSize, len(e.Sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), e.EventID[:], e.Sig) {
		return errs.New(errs.Signature, "invalid signature on event %s", e.EventID)
	}
	return nil
}
