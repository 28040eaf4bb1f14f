package signing

import (
	"testing"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/hash"
	"github.com/neul-labs/grit/internal/types"
)

func makeEvent(t *testing.T) *types.Event {
	t.Helper()
	e, err := hash.NewEvent(types.NewIssueID(), types.ActorID{1}, 1700000000000, nil,
		types.CommentAdded{Body: "sign me"})
	if err != nil {
		t.Fatalf("building event: %v", err)
	}
	return e
}

func TestSignAndVerify(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	e := makeEvent(t)
	key.SignEvent(e)
	if len(e.Sig) != 64 {
		t.Fatalf("sig length = %d", len(e.Sig))
	}
	if err := Verify(e, key.PublicKeyHex(), PolicyRequire); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestSeedRoundTrip(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	restored, err := FromSeedHex(key.SeedHex())
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	if restored.PublicKeyHex() != key.PublicKeyHex() {
		t.Fatal("seed round-trip changed the public key")
	}

	e := makeEvent(t)
	restored.SignEvent(e)
	if err := Verify(e, key.PublicKeyHex(), PolicyRequire); err != nil {
		t.Fatalf("verify with original key: %v", err)
	}
}

func TestSaveAndLoadKey(t *testing.T) {
	dir := t.TempDir()

	loaded, err := LoadKey(dir)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if loaded != nil {
		t.Fatal("missing key file should load as nil")
	}

	key, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := SaveKey(dir, key); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err = LoadKey(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.PublicKeyHex() != key.PublicKeyHex() {
		t.Fatal("loaded key differs")
	}
}

func TestInvalidSignatureAlwaysFails(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	e := makeEvent(t)
	key.SignEvent(e)
	e.Sig[0] ^= 0xff

	for _, policy := range []Policy{PolicyWarn, PolicyRequire} {
		if err := Verify(e, key.PublicKeyHex(), policy); !errs.Is(err, errs.Signature) {
			t.Errorf("policy %s: expected signature error, got %v", policy, err)
		}
	}
}

func TestMissingSignaturePolicy(t *testing.T) {
	key, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	e := makeEvent(t) // unsigned

	if err := Verify(e, key.PublicKeyHex(), PolicyOff); err != nil {
		t.Errorf("off: %v", err)
	}
	if err := Verify(e, key.PublicKeyHex(), PolicyWarn); err != nil {
		t.Errorf("warn should tolerate missing signature: %v", err)
	}
	if err := Verify(e, key.PublicKeyHex(), PolicyRequire); !errs.Is(err, errs.Signature) {
		t.Errorf("require: expected signature error, got %v", err)
	}
}

func TestBadSeedRejected(t *testing.T) {
	if _, err := FromSeedHex("nothex"); err == nil {
		t.Fatal("bad hex seed accepted")
	}
	if _, err := FromSeedHex("abcd"); err == nil {
		t.Fatal("short seed accepted")
	}
}
