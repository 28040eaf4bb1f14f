package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/neul-labs/grit/internal/config"
	"github.com/neul-labs/grit/internal/errs"
	"github.com/neul-labs/grit/internal/signing"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize grit in this repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := cmdWorkingDir()
		if err != nil {
			return err
		}
		gitDir, err := config.FindGitDir(cwd)
		if err != nil {
			return err
		}
		if existing, err := config.LoadRepoConfig(gitDir); err == nil && existing != nil {
			return errs.New(errs.Conflict, "grit already initialized")
		}
		cfg := config.DefaultRepoConfig()
		if err := config.SaveRepoConfig(gitDir, &cfg); err != nil {
			return err
		}
		okf("initialized grit in %s", config.GritDir(gitDir))
		return nil
	},
}

var actorCmd = &cobra.Command{
	Use:   "actor",
	Short: "Manage actor identities",
}

var (
	actorLabel   string
	actorWithKey bool
	actorDefault bool
)

var actorInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a new actor for this workstation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := cmdWorkingDir()
		if err != nil {
			return err
		}
		gitDir, err := config.FindGitDir(cwd)
		if err != nil {
			return err
		}
		cfg, err := config.InitActor(gitDir, actorLabel)
		if err != nil {
			return err
		}
		actorDir := config.ActorDir(gitDir, cfg.ActorID)

		if actorWithKey {
			key, err := signing.Generate()
			if err != nil {
				return err
			}
			if err := signing.SaveKey(actorDir, key); err != nil {
				return err
			}
			cfg.PublicKey = key.PublicKeyHex()
			cfg.KeyScheme = "ed25519"
			if err := config.SaveActorConfig(actorDir, cfg); err != nil {
				return err
			}
		}

		if actorDefault {
			repoCfg, err := config.LoadRepoConfig(gitDir)
			if err != nil {
				return err
			}
			if repoCfg == nil {
				def := config.DefaultRepoConfig()
				repoCfg = &def
			}
			repoCfg.DefaultActor = cfg.ActorID
			if err := config.SaveRepoConfig(gitDir, repoCfg); err != nil {
				return err
			}
		}

		if flagJSON {
			raw, _ := json.Marshal(cfg)
			printJSON(raw)
		} else {
			okf("created actor %s", cfg.ActorID)
		}
		return nil
	},
}

var actorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List actors in this repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := cmdWorkingDir()
		if err != nil {
			return err
		}
		gitDir, err := config.FindGitDir(cwd)
		if err != nil {
			return err
		}
		actors, err := config.ListActors(gitDir)
		if err != nil {
			return err
		}
		if flagJSON {
			raw, _ := json.Marshal(actors)
			printJSON(raw)
			return nil
		}
		if len(actors) == 0 {
			fmt.Println("no actors")
			return nil
		}
		repoCfg, _ := config.LoadRepoConfig(gitDir)
		for _, a := range actors {
			marker := ""
			if repoCfg != nil && repoCfg.DefaultActor == a.ActorID {
				marker = " (default)"
			}
			signed := ""
			if a.PublicKey != "" {
				signed = " [signing]"
			}
			fmt.Printf("%s  %s%s%s\n", a.ActorID, a.Label, signed, marker)
		}
		return nil
	},
}

func cmdWorkingDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", errs.Wrap(errs.IO, err, "getting working directory")
	}
	return cwd, nil
}

func init() {
	actorInitCmd.Flags().StringVar(&actorLabel, "label", "", "human label for this actor")
	actorInitCmd.Flags().BoolVar(&actorWithKey, "with-key", false, "generate an ed25519 signing key")
	actorInitCmd.Flags().BoolVar(&actorDefault, "default", false, "set as the repository default actor")
	actorCmd.AddCommand(actorInitCmd, actorListCmd)
	rootCmd.AddCommand(initCmd, actorCmd)
}
