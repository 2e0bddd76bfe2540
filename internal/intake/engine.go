// Package intake decides whether an open PR may claim an implementation
// slot for a ready issue. It enforces the anti-gaming timing guard and
// the per-issue PR cap, and hands admitted PRs to the leaderboard.
package intake

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/quorumbot/quorum/internal/govconfig"
	"github.com/quorumbot/quorum/internal/metadata"
	"github.com/quorumbot/quorum/internal/phase"
	"github.com/quorumbot/quorum/internal/tracker"
)

// Trigger says which kind of event caused intake to run. Several of the
// engine's notification rules fire only on the opened trigger so that
// every subsequent push or review does not re-spam the author.
type Trigger string

const (
	TriggerOpened  Trigger = "opened"
	TriggerUpdated Trigger = "updated"
	TriggerEdited  Trigger = "edited"
)

// Tracker is the subset of tracker operations intake needs.
type Tracker interface {
	GetPullRequest(ctx context.Context, ref tracker.Ref) (*tracker.PullRequest, error)
	GetIssue(ctx context.Context, ref tracker.Ref) (*tracker.Issue, error)
	LinkedIssues(ctx context.Context, ref tracker.Ref) ([]tracker.Ref, error)
	OpenPullsClosing(ctx context.Context, issue tracker.Ref) ([]*tracker.PullRequest, error)
	LabelAddedAt(ctx context.Context, ref tracker.Ref, label string) (time.Time, bool, error)
	LatestAuthorActivity(ctx context.Context, ref tracker.Ref, fallback time.Time) (time.Time, error)
	ApproverLogins(ctx context.Context, ref tracker.Ref) (map[string]bool, error)
	AddLabel(ctx context.Context, ref tracker.Ref, label string) error
	CreateComment(ctx context.Context, ref tracker.Ref, body string) (int64, error)
	ListComments(ctx context.Context, ref tracker.Ref) ([]tracker.Comment, error)
	ClosePullRequest(ctx context.Context, ref tracker.Ref) error
}

// Recalculator triggers a leaderboard rebuild for one ready issue.
type Recalculator interface {
	Recalculate(ctx context.Context, issue tracker.Ref, triggering *tracker.PullRequest, cfg *govconfig.Config) error
}

// Engine evaluates PR intake.
type Engine struct {
	trk   Tracker
	board Recalculator
	actor string
}

// NewEngine creates an intake engine. board may be nil in contexts that
// only need eligibility checks (the leaderboard is then not refreshed).
func NewEngine(trk Tracker, board Recalculator, actor string) (*Engine, error) {
	if trk == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if actor == "" {
		return nil, fmt.Errorf("actor login is required")
	}
	return &Engine{trk: trk, board: board, actor: actor}, nil
}

// Process runs intake for one PR. editedAt, when non-nil, is the body
// edit timestamp from the triggering webhook; it counts as activation
// evidence alongside commits and comments. It is never fetched
// independently: webhook-sourced truth only.
func (e *Engine) Process(ctx context.Context, prRef tracker.Ref, trigger Trigger, editedAt *time.Time, cfg *govconfig.Config) error {
	pr, err := e.trk.GetPullRequest(ctx, prRef)
	if err != nil {
		return err
	}
	// Re-running intake on an already-admitted PR is a no-op.
	if pr.HasLabel(phase.ImplementationLabel) {
		return nil
	}
	if !pr.Open() {
		return nil
	}

	linked, err := e.trk.LinkedIssues(ctx, prRef)
	if err != nil {
		return err
	}
	if len(linked) == 0 {
		return nil
	}

	var ready []*tracker.Issue
	for _, ref := range linked {
		issue, err := e.trk.GetIssue(ctx, ref)
		if err != nil {
			if tracker.IsGone(err) {
				log.Printf("intake: linked issue %s no longer exists, skipping", ref)
				continue
			}
			return err
		}
		if issue.HasLabel(phase.Ready) {
			ready = append(ready, issue)
			continue
		}
		if trigger == TriggerOpened {
			body, err := notReadyBody(issue.Ref.Number)
			if err != nil {
				return err
			}
			if err := e.postOnce(ctx, prRef, body, metadata.TypeNotification,
				metadata.ForIssue(issue.Ref.Number), metadata.ForNotification(notifyIssueNotReady)); err != nil {
				return err
			}
		}
	}

	accepted := false
	for _, issue := range ready {
		admit, err := e.passesGuard(ctx, pr, issue.Ref, trigger, editedAt, cfg)
		if err != nil {
			return err
		}
		if !admit {
			continue
		}

		active, err := e.activeImplementations(ctx, issue.Ref, prRef.Number)
		if err != nil {
			return err
		}
		if len(active) >= cfg.Intake.MaxPRsPerIssue {
			if trigger == TriggerOpened {
				body, err := capacityFullBody(issue.Ref.Number, cfg.Intake.MaxPRsPerIssue)
				if err != nil {
					return err
				}
				if _, err := e.trk.CreateComment(ctx, prRef, body); err != nil {
					return err
				}
				if err := e.trk.ClosePullRequest(ctx, prRef); err != nil {
					return err
				}
				return nil
			}
			// The PR passed every other check; leave it open so it can be
			// reconsidered when a competitor closes.
			body, err := capacityWaitBody(issue.Ref.Number)
			if err != nil {
				return err
			}
			if err := e.postOnce(ctx, prRef, body, metadata.TypeNotification,
				metadata.ForIssue(issue.Ref.Number), metadata.ForNotification(notifyCapacityWait)); err != nil {
				return err
			}
			continue
		}

		accepted = true
		break
	}

	if !accepted {
		return nil
	}

	if err := e.trk.AddLabel(ctx, prRef, phase.ImplementationLabel); err != nil {
		return fmt.Errorf("labeling %s as implementation: %w", prRef, err)
	}

	// One welcome comment per PR, even when it links several issues.
	welcome, err := welcomeBody(prRef.Number)
	if err != nil {
		return err
	}
	if err := e.postOnce(ctx, prRef, welcome, metadata.TypeWelcome); err != nil {
		return err
	}

	// One notification per linked ready issue, plus a leaderboard refresh.
	for _, issue := range ready {
		body, err := implementationJoinedBody(issue.Ref.Number, prRef.Number)
		if err != nil {
			return err
		}
		if err := e.postOnce(ctx, issue.Ref, body, metadata.TypeNotification,
			metadata.ForIssue(issue.Ref.Number), metadata.ForNotification(notifyImplementation)); err != nil {
			return err
		}
		if e.board != nil {
			if err := e.board.Recalculate(ctx, issue.Ref, pr, cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// passesGuard applies the anti-gaming timing guard and, when timing
// fails, the configured intake methods in order. First satisfied method
// wins.
func (e *Engine) passesGuard(ctx context.Context, pr *tracker.PullRequest, issue tracker.Ref, trigger Trigger, editedAt *time.Time, cfg *govconfig.Config) (bool, error) {
	readyAt, ok, err := e.trk.LabelAddedAt(ctx, issue, phase.Ready)
	if err != nil {
		return false, err
	}
	if !ok {
		// Ready label with no add event is ambiguous state; an operator
		// needs to look, the engine must not guess.
		log.Printf("intake: %s is ready-to-implement but has no label-add time, skipping", issue)
		return false, nil
	}

	activation, err := e.trk.LatestAuthorActivity(ctx, pr.Ref, pr.CreatedAt)
	if err != nil {
		return false, err
	}
	if editedAt != nil && editedAt.After(activation) {
		activation = *editedAt
	}

	// Inclusive: activity at exactly readyAt counts as after the decision.
	if !activation.Before(readyAt) {
		return true, nil
	}

	for _, method := range cfg.Intake.Methods {
		switch method {
		case govconfig.MethodUpdate:
			// No exception: timing must pass, and it did not.
		case govconfig.MethodApproval:
			approvers, err := e.trk.ApproverLogins(ctx, pr.Ref)
			if err != nil {
				return false, err
			}
			n := 0
			for _, login := range cfg.Intake.TrustedReviewers {
				if approvers[login] {
					n++
				}
			}
			if n >= cfg.Intake.MinTrustedApprovals {
				return true, nil
			}
		case govconfig.MethodAuto:
			return true, nil
		}
	}

	if trigger == TriggerOpened {
		body, err := needsUpdateBody(issue.Number)
		if err != nil {
			return false, err
		}
		if err := e.postOnce(ctx, pr.Ref, body, metadata.TypeNotification,
			metadata.ForIssue(issue.Number), metadata.ForNotification(notifyNeedsUpdate)); err != nil {
			return false, err
		}
	}
	return false, nil
}

// activeImplementations counts other open PRs that close the issue and
// carry the implementation label.
func (e *Engine) activeImplementations(ctx context.Context, issue tracker.Ref, selfNumber int) ([]*tracker.PullRequest, error) {
	pulls, err := e.trk.OpenPullsClosing(ctx, issue)
	if err != nil {
		return nil, err
	}
	var active []*tracker.PullRequest
	for _, p := range pulls {
		if p.Ref.Number == selfNumber {
			continue
		}
		if p.Open() && p.HasLabel(phase.ImplementationLabel) {
			active = append(active, p)
		}
	}
	return active, nil
}

// postOnce posts a metadata-tagged comment unless an authentic comment
// matching the type and filters already exists on the target.
func (e *Engine) postOnce(ctx context.Context, ref tracker.Ref, body string, typ metadata.Type, filters ...metadata.Filter) error {
	comments, err := e.trk.ListComments(ctx, ref)
	if err != nil {
		return err
	}
	for _, c := range comments {
		if metadata.IsOfType(c.Body, typ, e.actor, c.Author, filters...) {
			return nil
		}
	}
	if _, err := e.trk.CreateComment(ctx, ref, body); err != nil {
		return fmt.Errorf("commenting on %s: %w", ref, err)
	}
	return nil
}
