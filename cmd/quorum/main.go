package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quorumbot/quorum/internal/govconfig"
	"github.com/quorumbot/quorum/internal/intake"
	"github.com/quorumbot/quorum/internal/leaderboard"
	"github.com/quorumbot/quorum/internal/phase"
	"github.com/quorumbot/quorum/internal/reconcile"
	"github.com/quorumbot/quorum/internal/tracker"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "quorum",
	Short: "Community governance bot for issue trackers",
	Long: `quorum runs proposal governance over a hosted issue tracker:
discussion and voting phases driven by labels and reactions, implementation
PR intake with an anti-gaming guard, and a live leaderboard of competing
implementations.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.quorum.yaml)")
	rootCmd.PersistentFlags().String("token", "", "tracker API token (env QUORUM_TOKEN)")
	rootCmd.PersistentFlags().String("actor", "quorum[bot]", "bot account login, used to authenticate our own comments")
	rootCmd.PersistentFlags().StringSlice("repo", nil, "repository to govern, owner/name (repeatable)")
	rootCmd.PersistentFlags().String("governance", "", "governance rules YAML (defaults built in)")
	rootCmd.PersistentFlags().String("api-url", "", "tracker API base URL, for self-hosted installs")

	for _, flag := range []string{"token", "actor", "repo", "governance", "api-url"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("QUORUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".quorum")
			viper.SetConfigType("yaml")
		}
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Warning: could not read config: %v\n", err)
		}
	}
}

// services bundles everything a command needs, wired once.
type services struct {
	trk     *tracker.Client
	machine *phase.Machine
	engine  *intake.Engine
	board   *leaderboard.Service
	sweeper *reconcile.Sweeper
	cfg     *govconfig.Config
	repos   []reconcile.Repo
	actor   string
}

func buildServices() (*services, error) {
	token := viper.GetString("token")
	if token == "" {
		return nil, fmt.Errorf("a tracker token is required (--token or QUORUM_TOKEN)")
	}
	actor := viper.GetString("actor")

	repos, err := parseRepos(viper.GetStringSlice("repo"))
	if err != nil {
		return nil, err
	}

	cfg := govconfig.Default()
	if path := viper.GetString("governance"); path != "" {
		cfg, err = govconfig.Load(path)
		if err != nil {
			return nil, fmt.Errorf("loading governance rules: %w", err)
		}
	}

	var opts []tracker.Option
	if baseURL := viper.GetString("api-url"); baseURL != "" {
		opts = append(opts, tracker.WithBaseURL(baseURL))
	}
	trk, err := tracker.NewClient(token, opts...)
	if err != nil {
		return nil, err
	}

	machine, err := phase.NewMachine(trk, actor)
	if err != nil {
		return nil, err
	}
	board, err := leaderboard.NewService(trk, actor)
	if err != nil {
		return nil, err
	}
	engine, err := intake.NewEngine(trk, board, actor)
	if err != nil {
		return nil, err
	}
	sweeper, err := reconcile.NewSweeper(trk, machine, reconcile.DefaultRetryConfig())
	if err != nil {
		return nil, err
	}

	return &services{
		trk:     trk,
		machine: machine,
		engine:  engine,
		board:   board,
		sweeper: sweeper,
		cfg:     cfg,
		repos:   repos,
		actor:   actor,
	}, nil
}

func parseRepos(specs []string) ([]reconcile.Repo, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one --repo owner/name is required")
	}
	repos := make([]reconcile.Repo, 0, len(specs))
	for _, s := range specs {
		owner, name, ok := strings.Cut(s, "/")
		if !ok || owner == "" || name == "" {
			return nil, fmt.Errorf("invalid repository %q, want owner/name", s)
		}
		repos = append(repos, reconcile.Repo{Owner: owner, Name: name})
	}
	return repos, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
