// Package leaderboard maintains the ranked comment of competing
// implementation PRs on each ready issue.
package leaderboard

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quorumbot/quorum/internal/govconfig"
	"github.com/quorumbot/quorum/internal/metadata"
	"github.com/quorumbot/quorum/internal/phase"
	"github.com/quorumbot/quorum/internal/tracker"
)

// scoreBatchSize caps concurrent approval-count fetches so a leaderboard
// rebuild cannot hammer the remote API.
const scoreBatchSize = 3

// Tracker is the subset of tracker operations the leaderboard needs.
type Tracker interface {
	GetIssue(ctx context.Context, ref tracker.Ref) (*tracker.Issue, error)
	GetPullRequest(ctx context.Context, ref tracker.Ref) (*tracker.PullRequest, error)
	LinkedIssues(ctx context.Context, ref tracker.Ref) ([]tracker.Ref, error)
	SearchPullsByLabel(ctx context.Context, owner, repo, label string) ([]*tracker.PullRequest, error)
	ApproverLogins(ctx context.Context, ref tracker.Ref) (map[string]bool, error)
	ListComments(ctx context.Context, ref tracker.Ref) ([]tracker.Comment, error)
	CreateComment(ctx context.Context, ref tracker.Ref, body string) (int64, error)
	UpdateComment(ctx context.Context, ref tracker.Ref, commentID int64, body string) error
}

// Service recomputes and publishes leaderboards.
type Service struct {
	trk   Tracker
	actor string
}

// NewService creates a leaderboard service.
func NewService(trk Tracker, actor string) (*Service, error) {
	if trk == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if actor == "" {
		return nil, fmt.Errorf("actor login is required")
	}
	return &Service{trk: trk, actor: actor}, nil
}

// Entry is one ranked row.
type Entry struct {
	Number    int
	Title     string
	Author    string
	Approvals int
}

// RecalculateForPR refreshes the leaderboard of every ready issue the PR
// links. Used for PR-side triggers: new approval, dismissal, close.
func (s *Service) RecalculateForPR(ctx context.Context, prRef tracker.Ref, cfg *govconfig.Config) error {
	pr, err := s.trk.GetPullRequest(ctx, prRef)
	if err != nil {
		return err
	}
	linked, err := s.trk.LinkedIssues(ctx, prRef)
	if err != nil {
		return err
	}
	for _, ref := range linked {
		issue, err := s.trk.GetIssue(ctx, ref)
		if err != nil {
			if tracker.IsGone(err) {
				log.Printf("leaderboard: linked issue %s no longer exists, skipping", ref)
				continue
			}
			return err
		}
		if !issue.HasLabel(phase.Ready) {
			continue
		}
		if err := s.Recalculate(ctx, ref, pr, cfg); err != nil {
			return err
		}
	}
	return nil
}

// Recalculate rebuilds one issue's leaderboard. triggering, when non-nil,
// is the PR whose event caused the rebuild; its current labels are
// checked directly to cover the window where the label search index has
// not yet caught up with a just-applied label.
func (s *Service) Recalculate(ctx context.Context, issue tracker.Ref, triggering *tracker.PullRequest, cfg *govconfig.Config) error {
	active, err := s.activePulls(ctx, issue, triggering)
	if err != nil {
		return err
	}

	entries, err := s.score(ctx, active)
	if err != nil {
		return err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Approvals != entries[j].Approvals {
			return entries[i].Approvals > entries[j].Approvals
		}
		return entries[i].Number < entries[j].Number
	})

	body, err := render(issue.Number, entries)
	if err != nil {
		return err
	}
	return s.upsert(ctx, issue, body)
}

// activePulls resolves the competing set: open PRs carrying the
// implementation label whose body closes the issue, found by label search
// unioned with the triggering PR, de-duplicated by number.
func (s *Service) activePulls(ctx context.Context, issue tracker.Ref, triggering *tracker.PullRequest) ([]*tracker.PullRequest, error) {
	found, err := s.trk.SearchPullsByLabel(ctx, issue.Owner, issue.Repo, phase.ImplementationLabel)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	var active []*tracker.PullRequest
	for _, pr := range found {
		if !pr.Open() || seen[pr.Ref.Number] {
			continue
		}
		if !tracker.ClosesIssue(pr.Body, issue) {
			continue
		}
		seen[pr.Ref.Number] = true
		active = append(active, pr)
	}

	if triggering != nil && !seen[triggering.Ref.Number] &&
		triggering.Open() &&
		triggering.HasLabel(phase.ImplementationLabel) &&
		tracker.ClosesIssue(triggering.Body, issue) {
		active = append(active, triggering)
	}
	return active, nil
}

// score fetches approval counts, scoreBatchSize at a time. All members of
// a batch complete before the next batch starts.
func (s *Service) score(ctx context.Context, pulls []*tracker.PullRequest) ([]Entry, error) {
	entries := make([]Entry, len(pulls))

	for start := 0; start < len(pulls); start += scoreBatchSize {
		end := start + scoreBatchSize
		if end > len(pulls) {
			end = len(pulls)
		}
		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			g.Go(func() error {
				approvers, err := s.trk.ApproverLogins(gctx, pulls[i].Ref)
				if err != nil {
					return fmt.Errorf("counting approvals on %s: %w", pulls[i].Ref, err)
				}
				entries[i] = Entry{
					Number:    pulls[i].Ref.Number,
					Title:     pulls[i].Title,
					Author:    pulls[i].Author,
					Approvals: len(approvers),
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

// upsert publishes the leaderboard comment: update the existing authentic
// one in place, or create it. An issue never gets a second leaderboard
// comment.
func (s *Service) upsert(ctx context.Context, issue tracker.Ref, body string) error {
	comments, err := s.trk.ListComments(ctx, issue)
	if err != nil {
		return err
	}
	for _, c := range comments {
		if metadata.IsOfType(c.Body, metadata.TypeLeaderboard, s.actor, c.Author, metadata.ForIssue(issue.Number)) {
			if err := s.trk.UpdateComment(ctx, issue, c.ID, body); err != nil {
				return fmt.Errorf("updating leaderboard on %s: %w", issue, err)
			}
			return nil
		}
	}
	if _, err := s.trk.CreateComment(ctx, issue, body); err != nil {
		return fmt.Errorf("creating leaderboard on %s: %w", issue, err)
	}
	return nil
}

func render(issue int, entries []Entry) (string, error) {
	var b strings.Builder
	b.WriteString("## Implementation leaderboard\n\n")
	if len(entries) == 0 {
		b.WriteString("No active implementation PRs yet.\n")
	} else {
		b.WriteString("| Rank | PR | Author | Approvals |\n")
		b.WriteString("|-----:|----|--------|----------:|\n")
		for i, e := range entries {
			fmt.Fprintf(&b, "| %d | #%d %s | @%s | %d |\n", i+1, e.Number, e.Title, e.Author, e.Approvals)
		}
	}
	fmt.Fprintf(&b, "\n_Updated %s._\n", time.Now().UTC().Format(time.RFC3339))

	return metadata.Build(metadata.Tag{
		Type:        metadata.TypeLeaderboard,
		IssueNumber: issue,
	}, b.String())
}
