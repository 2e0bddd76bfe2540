package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quorumbot/quorum/internal/phase"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the governance phase census per repository",
	Long:  `Count open proposals by phase label across every governed repository.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := buildServices()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Governance Status ==="))

		for _, repo := range svc.repos {
			issues, err := svc.trk.ListOpenIssues(ctx, repo.Owner, repo.Name)
			if err != nil {
				return fmt.Errorf("listing %s/%s: %w", repo.Owner, repo.Name, err)
			}

			counts := map[string]int{}
			unlabeled := 0
			implementations := 0
			for _, issue := range issues {
				if issue.IsPullRequest {
					if issue.HasLabel(phase.ImplementationLabel) {
						implementations++
					}
					continue
				}
				if current, ok := phase.Current(issue.Labels); ok {
					counts[current]++
				} else {
					unlabeled++
				}
			}

			fmt.Printf("%s\n", yellow(fmt.Sprintf("%s/%s:", repo.Owner, repo.Name)))
			for _, label := range phase.All {
				n := counts[label]
				if n == 0 {
					continue
				}
				paint := gray
				switch label {
				case phase.Voting, phase.ExtendedVoting:
					paint = green
				case phase.Rejected:
					paint = red
				}
				fmt.Printf("  %-22s %s\n", label, paint(fmt.Sprintf("%d", n)))
			}
			if unlabeled > 0 {
				fmt.Printf("  %-22s %s\n", "awaiting triage", red(fmt.Sprintf("%d", unlabeled)))
			}
			if implementations > 0 {
				fmt.Printf("  %-22s %d\n", "implementation PRs", implementations)
			}
			if len(counts) == 0 && unlabeled == 0 {
				fmt.Printf("  %s\n", gray("no open proposals"))
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
