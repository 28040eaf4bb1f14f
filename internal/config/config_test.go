package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/neul-labs/grit/internal/errs"
)

func fakeGitDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitDir := filepath.Join(dir, ".git")
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		t.Fatalf("creating .git: %v", err)
	}
	return gitDir
}

func TestFindGitDirWalksUp(t *testing.T) {
	gitDir := fakeGitDir(t)
	nested := filepath.Join(filepath.Dir(gitDir), "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	found, err := FindGitDir(nested)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found != gitDir {
		t.Errorf("found %s, want %s", found, gitDir)
	}
}

func TestFindGitDirOutsideRepo(t *testing.T) {
	if _, err := FindGitDir(t.TempDir()); !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestRepoConfigRoundTrip(t *testing.T) {
	gitDir := fakeGitDir(t)

	missing, err := LoadRepoConfig(gitDir)
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if missing != nil {
		t.Fatal("missing config should load as nil")
	}

	cfg := DefaultRepoConfig()
	cfg.DefaultActor = "aabbccdd"
	if err := SaveRepoConfig(gitDir, &cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadRepoConfig(gitDir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.DefaultActor != "aabbccdd" || loaded.LockPolicy != "warn" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Snapshot.AutoThreshold != 5000 {
		t.Errorf("snapshot threshold = %d", loaded.Snapshot.AutoThreshold)
	}
}

func TestActorLifecycle(t *testing.T) {
	gitDir := fakeGitDir(t)

	actors, err := ListActors(gitDir)
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if len(actors) != 0 {
		t.Fatal("fresh repo has actors")
	}

	cfg, err := InitActor(gitDir, "laptop")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if len(cfg.ActorID) != 32 {
		t.Errorf("actor id = %q", cfg.ActorID)
	}

	loaded, err := LoadActorConfig(ActorDir(gitDir, cfg.ActorID))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Label != "laptop" {
		t.Errorf("label = %q", loaded.Label)
	}

	actors, err = ListActors(gitDir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(actors) != 1 {
		t.Fatalf("actors = %d", len(actors))
	}
}

func TestResolvePriority(t *testing.T) {
	gitDir := fakeGitDir(t)

	first, err := InitActor(gitDir, "first")
	if err != nil {
		t.Fatalf("init first: %v", err)
	}
	second, err := InitActor(gitDir, "second")
	if err != nil {
		t.Fatalf("init second: %v", err)
	}

	// Explicit actor flag wins over everything below it.
	r, err := Resolve(gitDir, ResolveOptions{Actor: second.ActorID})
	if err != nil {
		t.Fatalf("resolve explicit: %v", err)
	}
	if r.Actor.ActorID != second.ActorID || r.Source != SourceExplicitActor {
		t.Errorf("resolved = %+v", r)
	}

	// Repo default comes next.
	repoCfg := DefaultRepoConfig()
	repoCfg.DefaultActor = first.ActorID
	if err := SaveRepoConfig(gitDir, &repoCfg); err != nil {
		t.Fatalf("save repo config: %v", err)
	}
	r, err = Resolve(gitDir, ResolveOptions{})
	if err != nil {
		t.Fatalf("resolve default: %v", err)
	}
	if r.Actor.ActorID != first.ActorID || r.Source != SourceRepoDefault {
		t.Errorf("resolved = %+v", r)
	}

	// Without a default, the first existing actor (sorted by id) wins.
	repoCfg.DefaultActor = ""
	if err := SaveRepoConfig(gitDir, &repoCfg); err != nil {
		t.Fatalf("save repo config: %v", err)
	}
	r, err = Resolve(gitDir, ResolveOptions{})
	if err != nil {
		t.Fatalf("resolve first existing: %v", err)
	}
	if r.Source != SourceFirstExisting {
		t.Errorf("source = %s", r.Source)
	}

	// Explicit data dir beats the actor flag.
	r, err = Resolve(gitDir, ResolveOptions{
		DataDir: ActorDir(gitDir, second.ActorID),
		Actor:   first.ActorID,
	})
	if err != nil {
		t.Fatalf("resolve data dir: %v", err)
	}
	if r.Actor.ActorID != second.ActorID || r.Source != SourceExplicitDataDir {
		t.Errorf("resolved = %+v", r)
	}
}

func TestResolveAutoInit(t *testing.T) {
	gitDir := fakeGitDir(t)

	if _, err := Resolve(gitDir, ResolveOptions{}); !errs.Is(err, errs.NotFound) {
		t.Fatalf("expected not_found without auto-init, got %v", err)
	}

	r, err := Resolve(gitDir, ResolveOptions{AutoInit: true, Label: "fresh"})
	if err != nil {
		t.Fatalf("resolve auto-init: %v", err)
	}
	if r.Source != SourceAutoInit || r.Actor.Label != "fresh" {
		t.Errorf("resolved = %+v", r)
	}
}
