// Package config reads and writes the repository and actor configuration
// under <gitdir>/grit/ and resolves which actor a command runs as.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/types"
)

// RepoConfig is grit/config.toml, shared by all actors in this clone.
type RepoConfig struct {
	DefaultActor string         `toml:"default_actor"`
	LockPolicy   string         `toml:"lock_policy"`
	VerifyPolicy string         `toml:"verify_policy"`
	Snapshot     SnapshotConfig `toml:"snapshot"`
}

// SnapshotConfig tunes snapshot heuristics.
type SnapshotConfig struct {
	AutoThreshold int `toml:"auto_threshold"`
	GcKeep        int `toml:"gc_keep"`
}

// DefaultRepoConfig returns the configuration written by init.
func DefaultRepoConfig() RepoConfig {
	return RepoConfig{
		LockPolicy:   "warn",
		VerifyPolicy: "off",
		Snapshot:     SnapshotConfig{AutoThreshold: 5000, GcKeep: 3},
	}
}

// ActorConfig is actors/<hex>/config.toml.
type ActorConfig struct {
	ActorID   string `toml:"actor_id"`
	Label     string `toml:"label"`
	CreatedTs uint64 `toml:"created_ts"`
	PublicKey string `toml:"public_key,omitempty"`
	KeyScheme string `toml:"key_scheme,omitempty"`
}

// FindGitDir walks up from dir looking for a .git directory.
func FindGitDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errs.Wrap(errs.IO, err, "resolving %s", dir)
	}
	for {
		gitDir := filepath.Join(abs, ".git")
		if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
			return gitDir, nil
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", errs.New(errs.NotFound, "not inside a git repository")
		}
		abs = parent
	}
}

// GritDir returns <gitdir>/grit.
func GritDir(gitDir string) string { return filepath.Join(gitDir, "grit") }

// ActorsDir returns <gitdir>/grit/actors.
func ActorsDir(gitDir string) string { return filepath.Join(GritDir(gitDir), "actors") }

// ActorDir returns the data directory of one actor.
func ActorDir(gitDir, actorHex string) string { return filepath.Join(ActorsDir(gitDir), actorHex) }

// StorePath returns the store directory inside an actor data directory.
func StorePath(dataDir string) string { return filepath.Join(dataDir, "sled") }

// LoadRepoConfig reads grit/config.toml; a missing file returns nil.
func LoadRepoConfig(gitDir string) (*RepoConfig, error) {
	path := filepath.Join(GritDir(gitDir), "config.toml")
	var cfg RepoConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.IO, err, "reading repo config")
	}
	return &cfg, nil
}

// SaveRepoConfig writes grit/config.toml.
func SaveRepoConfig(gitDir string, cfg *RepoConfig) error {
	dir := GritDir(gitDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.IO, err, "creating grit dir")
	}
	f, err := os.Create(filepath.Join(dir, "config.toml"))
	if err != nil {
		return errs.Wrap(errs.IO, err, "writing repo config")
	}
	defer f.Close()
	return errs.Wrap(errs.IO, toml.NewEncoder(f).Encode(cfg), "encoding repo config")
}

// LoadActorConfig reads one actor's config.toml.
func LoadActorConfig(actorDir string) (*ActorConfig, error) {
	var cfg ActorConfig
	if _, err := toml.DecodeFile(filepath.Join(actorDir, "config.toml"), &cfg); err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.NotFound, "actor config missing in %s", actorDir)
		}
		return nil, errs.Wrap(errs.IO, err, "reading actor config")
	}
	return &cfg, nil
}

// SaveActorConfig writes one actor's config.toml.
func SaveActorConfig(actorDir string, cfg *ActorConfig) error {
	if err := os.MkdirAll(actorDir, 0o755); err != nil {
		return errs.Wrap(errs.IO, err, "creating actor dir")
	}
	f, err := os.Create(filepath.Join(actorDir, "config.toml"))
	if err != nil {
		return errs.Wrap(errs.IO, err, "writing actor config")
	}
	defer f.Close()
	return errs.Wrap(errs.IO, toml.NewEncoder(f).Encode(cfg), "encoding actor config")
}

// ListActors returns every actor config, sorted by actor ID.
func ListActors(gitDir string) ([]ActorConfig, error) {
	entries, err := os.ReadDir(ActorsDir(gitDir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.IO, err, "listing actors")
	}
	var actors []ActorConfig
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cfg, err := LoadActorConfig(filepath.Join(ActorsDir(gitDir), entry.Name()))
		if err != nil {
			continue // skip unreadable actor dirs
		}
		actors = append(actors, *cfg)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i].ActorID < actors[j].ActorID })
	return actors, nil
}

// InitActor creates a fresh actor directory with a random ID.
func InitActor(gitDir, label string) (*ActorConfig, error) {
	id := types.NewActorID()
	cfg := &ActorConfig{
		ActorID:   id.String(),
		Label:     label,
		CreatedTs: uint64(time.Now().UnixMilli()),
	}
	if err := SaveActorConfig(ActorDir(gitDir, cfg.ActorID), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
