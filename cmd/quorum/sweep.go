package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorumbot/quorum/internal/reconcile"
)

var sweepWatch bool
var sweepInterval time.Duration

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reconcile tracker state against governance rules",
	Long: `Run the reconciliation sweeps over every governed repository:
label unlabeled proposals, repair missing voting comments, and evaluate
timed phase transitions. With --watch, keep sweeping on an interval until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildServices()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if !sweepWatch {
			for _, repo := range svc.repos {
				if err := sweepOnce(ctx, svc, repo); err != nil {
					return err
				}
			}
			return nil
		}

		runner, err := reconcile.NewRunner(svc.sweeper, svc.repos, svc.cfg, sweepInterval)
		if err != nil {
			return err
		}
		if err := runner.Start(ctx); err != nil {
			return err
		}
		fmt.Printf("Sweeping %d repositories every %s. Press Ctrl+C to stop.\n", len(svc.repos), sweepInterval)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nStopping...")
		runner.Stop()
		return nil
	},
}

func sweepOnce(ctx context.Context, svc *services, repo reconcile.Repo) error {
	type pass struct {
		name string
		run  func() (*reconcile.Result, error)
	}
	passes := []pass{
		{"unlabeled issues", func() (*reconcile.Result, error) {
			return svc.sweeper.ReconcileUnlabeledIssues(ctx, repo.Owner, repo.Name)
		}},
		{"voting comments", func() (*reconcile.Result, error) {
			return svc.sweeper.ReconcileMissingVotingComments(ctx, repo.Owner, repo.Name)
		}},
		{"phase evaluation", func() (*reconcile.Result, error) {
			return svc.sweeper.EvaluatePhases(ctx, repo.Owner, repo.Name, svc.cfg, time.Now())
		}},
	}

	fmt.Printf("%s/%s:\n", repo.Owner, repo.Name)
	for _, p := range passes {
		result, err := p.run()
		if err != nil {
			return fmt.Errorf("%s/%s %s: %w", repo.Owner, repo.Name, p.name, err)
		}
		fmt.Printf("  %-18s checked=%d repaired=%d failed=%d\n",
			p.name, result.Checked, result.Repaired, result.Failed)
		for _, access := range result.AccessIssues {
			fmt.Fprintf(os.Stderr, "  access problem on %s (status %d): %s\n",
				access.Ref, access.Status, access.Message)
		}
	}
	return nil
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepWatch, "watch", false, "keep sweeping on an interval")
	sweepCmd.Flags().DurationVar(&sweepInterval, "interval", 15*time.Minute, "sweep interval with --watch")
	rootCmd.AddCommand(sweepCmd)
}
