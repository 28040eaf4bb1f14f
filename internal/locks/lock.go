// Package locks implements lease-based advisory resource locks stored as
// git refs. Locks coordinate, they do not enforce: an expired lock
// conflicts with nothing and may be overwritten by anyone.
package locks

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neul-labs/grit/internal/errs"
)

// DefaultTTL for a lease when the caller does not choose one.
const DefaultTTL = 5 * time.Minute

// Lock is the lock.json stored in each lock ref's tree.
type Lock struct {
	Owner         string `json:"owner"`
	Nonce         string `json:"nonce"`
	ExpiresUnixMs uint64 `json:"expires_unix_ms"`
	Resource      string `json:"resource"`
}

// New creates a lease expiring ttl from now.
func New(owner, resource string, ttl time.Duration) Lock {
	return Lock{
		Owner:         owner,
		Nonce:         uuid.NewString(),
		ExpiresUnixMs: uint64(time.Now().Add(ttl).UnixMilli()),
		Resource:      resource,
	}
}

// Expired reports whether the lease has lapsed.
func (l Lock) Expired() bool {
	return uint64(time.Now().UnixMilli()) >= l.ExpiresUnixMs
}

// TimeRemaining returns the remaining lease in milliseconds, zero if expired.
func (l Lock) TimeRemaining() uint64 {
	now := uint64(time.Now().UnixMilli())
	if now >= l.ExpiresUnixMs {
		return 0
	}
	return l.ExpiresUnixMs - now
}

// Renew extends the lease to ttl from now.
func (l *Lock) Renew(ttl time.Duration) {
	l.ExpiresUnixMs = uint64(time.Now().Add(ttl).UnixMilli())
}

// Namespace returns the resource namespace (repo, path, issue).
func (l Lock) Namespace() string {
	ns, _, _ := strings.Cut(l.Resource, ":")
	return ns
}

// ConflictsWith applies the namespace conflict rules: repo locks conflict
// with everything, path locks conflict on prefix overlap, issue locks only
// with the same issue. Expired locks conflict with nothing.
func (l Lock) ConflictsWith(resource string) bool {
	if l.Expired() {
		return false
	}
	selfNs := l.Namespace()
	otherNs, _, _ := strings.Cut(resource, ":")

	switch {
	case selfNs == "repo" || otherNs == "repo":
		return true
	case selfNs == "path" && otherNs == "path":
		return pathsOverlap(
			strings.TrimPrefix(l.Resource, "path:"),
			strings.TrimPrefix(resource, "path:"),
		)
	case selfNs == "issue" && otherNs == "issue":
		return l.Resource == resource
	}
	return false
}

// pathsOverlap reports whether one trailing-slash-normalized path is a
// prefix of the other.
func pathsOverlap(a, b string) bool {
	a = strings.TrimSuffix(a, "/")
	b = strings.TrimSuffix(b, "/")
	if a == b {
		return true
	}
	return strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
}

// Policy controls how lock conflicts gate write operations.
type Policy string

const (
	PolicyOff     Policy = "off"
	PolicyWarn    Policy = "warn"
	PolicyRequire Policy = "require"
)

// ParsePolicy validates a policy string.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(s)) {
	case PolicyOff, PolicyWarn, PolicyRequire:
		return Policy(strings.ToLower(s)), nil
	}
	return "", errs.New(errs.InvalidArgs, "invalid lock policy %q", s)
}

// CheckResult classifies a conflict check under a policy.
type CheckResult struct {
	Conflicts []Lock `json:"conflicts"`
	Blocked   bool   `json:"blocked"`
}

// Clear reports no conflicts at all.
func (r CheckResult) Clear() bool { return len(r.Conflicts) == 0 }

// ShouldProceed is false only when the policy blocks the operation.
func (r CheckResult) ShouldProceed() bool { return !r.Blocked }

// ResourceHash derives the ref name component: the first 16 hex chars of
// SHA-256 over the resource string.
func ResourceHash(resource string) string {
	sum := sha256.Sum256([]byte(resource))
	return hex.EncodeToString(sum[:8])
}
