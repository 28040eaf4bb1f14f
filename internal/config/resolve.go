package config

import (
	"path/filepath"

	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/types"
)

// ActorSource records how the active actor was chosen, for diagnostics.
type ActorSource string

const (
	SourceExplicitDataDir ActorSource = "explicit_data_dir"
	SourceExplicitActor   ActorSource = "explicit_actor"
	SourceRepoDefault     ActorSource = "repo_default"
	SourceFirstExisting   ActorSource = "first_existing"
	SourceAutoInit        ActorSource = "auto_init"
)

// ResolveOptions are the CLI-level overrides feeding actor resolution.
type ResolveOptions struct {
	DataDir  string // explicit data directory, highest priority
	Actor    string // explicit actor hex
	AutoInit bool   // allow creating an actor when none exists
	Label    string // label for an auto-initialized actor
}

// Resolved is the fully resolved execution context for one command.
type Resolved struct {
	GitDir   string
	RepoRoot string
	ActorID  types.ActorID
	Actor    ActorConfig
	DataDir  string
	Source   ActorSource
	Repo     RepoConfig
}

// Resolve picks the active actor with the documented priority:
// explicit data-dir > explicit actor flag > repo default > first existing
// actor > auto-init.
func Resolve(gitDir string, opts ResolveOptions) (*Resolved, error) {
	repoCfg, err := LoadRepoConfig(gitDir)
	if err != nil {
		return nil, err
	}
	if repoCfg == nil {
		def := DefaultRepoConfig()
		repoCfg = &def
	}

	resolved := &Resolved{
		GitDir:   gitDir,
		RepoRoot: filepath.Dir(gitDir),
		Repo:     *repoCfg,
	}

	finish := func(dataDir string, source ActorSource) (*Resolved, error) {
		actorCfg, err := LoadActorConfig(dataDir)
		if err != nil {
			return nil, err
		}
		id, err := types.ParseActorID(actorCfg.ActorID)
		if err != nil {
			return nil, err
		}
		resolved.ActorID = id
		resolved.Actor = *actorCfg
		resolved.DataDir = dataDir
		resolved.Source = source
		return resolved, nil
	}

	if opts.DataDir != "" {
		return finish(opts.DataDir, SourceExplicitDataDir)
	}
	if opts.Actor != "" {
		if _, err := types.ParseActorID(opts.Actor); err != nil {
			return nil, err
		}
		return finish(ActorDir(gitDir, opts.Actor), SourceExplicitActor)
	}
	if repoCfg.DefaultActor != "" {
		return finish(ActorDir(gitDir, repoCfg.DefaultActor), SourceRepoDefault)
	}

	actors, err := ListActors(gitDir)
	if err != nil {
		return nil, err
	}
	if len(actors) > 0 {
		return finish(ActorDir(gitDir, actors[0].ActorID), SourceFirstExisting)
	}

	if !opts.AutoInit {
		return nil, errs.New(errs.NotFound, "no actor configured; run `grit actor init`")
	}
	label := opts.Label
	if label == "" {
		label = "auto"
	}
	cfg, err := InitActor(gitDir, label)
	if err != nil {
		return nil, err
	}
	return finish(ActorDir(gitDir, cfg.ActorID), SourceAutoInit)
}
