package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorumbot/quorum/internal/tracker"
)

var evaluateIssue int

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate one proposal's phase right now",
	Long: `Run the phase evaluation for a single issue: check its timer
against the governance rules, tally votes if it is in a voting phase, and
perform the transition if one is due. Prints the current tally either way.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if evaluateIssue <= 0 {
			return fmt.Errorf("--issue is required")
		}
		svc, err := buildServices()
		if err != nil {
			return err
		}
		if len(svc.repos) != 1 {
			return fmt.Errorf("evaluate works on exactly one --repo")
		}
		ctx := cmd.Context()
		repo := svc.repos[0]
		ref := tracker.Ref{Owner: repo.Owner, Repo: repo.Name, Number: evaluateIssue}

		tally, found, err := svc.machine.CurrentTally(ctx, ref)
		if err != nil {
			return err
		}
		if found {
			fmt.Printf("Votes on %s: %d for, %d against, %d discarded\n",
				ref, tally.For(), tally.Against(), len(tally.Discarded))
		} else {
			fmt.Printf("No voting round open on %s\n", ref)
		}

		decision, err := svc.machine.Evaluate(ctx, ref, svc.cfg, time.Now())
		if err != nil {
			return err
		}
		if decision == nil {
			fmt.Println("No transition due.")
			return nil
		}
		fmt.Printf("Transitioned %s → %s (%s)\n", decision.From, decision.To, decision.Trigger)
		return nil
	},
}

func init() {
	evaluateCmd.Flags().IntVar(&evaluateIssue, "issue", 0, "issue number to evaluate")
	rootCmd.AddCommand(evaluateCmd)
}
