// Package events maps inbound tracker webhook deliveries onto governance
// operations. Every handler it calls is idempotent, so a redelivered
// webhook is safe to process again.
package events

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/go-github/v68/github"

	"github.com/quorumbot/quorum/internal/govconfig"
	"github.com/quorumbot/quorum/internal/intake"
	"github.com/quorumbot/quorum/internal/phase"
	"github.com/quorumbot/quorum/internal/tracker"
)

// Phases is the slice of the phase machine the dispatcher drives.
type Phases interface {
	StartDiscussion(ctx context.Context, ref tracker.Ref) error
	EnsureVotingComment(ctx context.Context, ref tracker.Ref) (bool, error)
	Evaluate(ctx context.Context, ref tracker.Ref, cfg *govconfig.Config, now time.Time) (*phase.Decision, error)
}

// Intake admits implementation PRs.
type Intake interface {
	Process(ctx context.Context, prRef tracker.Ref, trigger intake.Trigger, editedAt *time.Time, cfg *govconfig.Config) error
}

// Board rebuilds leaderboard comments.
type Board interface {
	RecalculateForPR(ctx context.Context, prRef tracker.Ref, cfg *govconfig.Config) error
}

// CommitPulls resolves the open PRs behind a commit SHA. Check-suite and
// status deliveries carry no PR reference of their own.
type CommitPulls interface {
	PullsForCommit(ctx context.Context, owner, repo, sha string) ([]*tracker.PullRequest, error)
}

// Dispatcher routes parsed webhook events to the governance handlers.
type Dispatcher struct {
	phases Phases
	intake Intake
	board  Board
	pulls  CommitPulls
	cfg    *govconfig.Config
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(phases Phases, ik Intake, board Board, pulls CommitPulls, cfg *govconfig.Config) (*Dispatcher, error) {
	if phases == nil || ik == nil || board == nil || pulls == nil {
		return nil, fmt.Errorf("phases, intake, board, and pulls are all required")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return &Dispatcher{phases: phases, intake: ik, board: board, pulls: pulls, cfg: cfg}, nil
}

// Dispatch routes one parsed webhook payload. Unrecognized events and
// actions are ignored. A returned error means the delivery was not fully
// processed and should be redelivered; a resource that vanished between
// delivery and processing is not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, event any) error {
	var err error
	switch e := event.(type) {
	case *github.IssuesEvent:
		err = d.handleIssue(ctx, e)
	case *github.PullRequestEvent:
		err = d.handlePullRequest(ctx, e)
	case *github.PullRequestReviewEvent:
		err = d.handleReview(ctx, e)
	case *github.IssueCommentEvent:
		err = d.handleComment(ctx, e)
	case *github.CheckSuiteEvent:
		err = d.handleCheckSuite(ctx, e)
	case *github.CheckRunEvent:
		err = d.handleCheckRun(ctx, e)
	case *github.StatusEvent:
		err = d.handleStatus(ctx, e)
	default:
		return nil
	}
	if err != nil && tracker.IsGone(err) {
		log.Printf("events: target vanished before processing, dropping: %v", err)
		return nil
	}
	return err
}

func (d *Dispatcher) handleIssue(ctx context.Context, e *github.IssuesEvent) error {
	issue := e.GetIssue()
	if issue == nil || issue.IsPullRequest() {
		return nil
	}
	ref := repoRef(e.GetRepo(), issue.GetNumber())
	if ref.Owner == "" {
		return nil
	}

	switch e.GetAction() {
	case "opened", "reopened":
		if err := d.phases.StartDiscussion(ctx, ref); err != nil {
			return fmt.Errorf("starting discussion on %s: %w", ref, err)
		}
	case "labeled":
		if e.GetLabel().GetName() != phase.Voting {
			return nil
		}
		if _, err := d.phases.EnsureVotingComment(ctx, ref); err != nil {
			return fmt.Errorf("ensuring voting comment on %s: %w", ref, err)
		}
	}
	return nil
}

func (d *Dispatcher) handlePullRequest(ctx context.Context, e *github.PullRequestEvent) error {
	pr := e.GetPullRequest()
	ref := repoRef(e.GetRepo(), pr.GetNumber())
	if pr == nil || ref.Owner == "" {
		return nil
	}

	switch e.GetAction() {
	case "opened", "ready_for_review":
		return d.intake.Process(ctx, ref, intake.TriggerOpened, nil, d.cfg)
	case "synchronize", "reopened":
		return d.intake.Process(ctx, ref, intake.TriggerUpdated, nil, d.cfg)
	case "edited":
		// Only a body edit counts as activation evidence. updated_at moves
		// on many mutations, so it stands in for the edit time only once the
		// changes payload confirms the body actually changed.
		var editedAt *time.Time
		if e.GetChanges().GetBody() != nil {
			t := pr.GetUpdatedAt().Time
			editedAt = &t
		}
		return d.intake.Process(ctx, ref, intake.TriggerEdited, editedAt, d.cfg)
	case "closed":
		return d.board.RecalculateForPR(ctx, ref, d.cfg)
	case "labeled", "unlabeled":
		if e.GetLabel().GetName() != phase.ImplementationLabel {
			return nil
		}
		return d.board.RecalculateForPR(ctx, ref, d.cfg)
	}
	return nil
}

func (d *Dispatcher) handleReview(ctx context.Context, e *github.PullRequestReviewEvent) error {
	switch e.GetAction() {
	case "submitted", "dismissed", "edited":
	default:
		return nil
	}
	ref := repoRef(e.GetRepo(), e.GetPullRequest().GetNumber())
	if ref.Owner == "" {
		return nil
	}
	return d.board.RecalculateForPR(ctx, ref, d.cfg)
}

// handleComment nudges the phase evaluation when discussion activity
// lands on a voting issue. Reactions generate no deliveries, so comment
// traffic is the closest signal that votes may have changed; the sweep
// remains the backstop.
func (d *Dispatcher) handleComment(ctx context.Context, e *github.IssueCommentEvent) error {
	if e.GetAction() != "created" {
		return nil
	}
	issue := e.GetIssue()
	if issue == nil || issue.IsPullRequest() {
		return nil
	}
	if !hasLabel(issue, phase.Voting) && !hasLabel(issue, phase.ExtendedVoting) {
		return nil
	}
	ref := repoRef(e.GetRepo(), issue.GetNumber())
	if ref.Owner == "" {
		return nil
	}
	if _, err := d.phases.Evaluate(ctx, ref, d.cfg, time.Now()); err != nil {
		return fmt.Errorf("evaluating %s: %w", ref, err)
	}
	return nil
}

// handleCheckSuite re-runs intake for the PRs a finished check suite
// belongs to. A PR blocked on its checks can become admissible the moment
// they complete, without the author pushing again.
func (d *Dispatcher) handleCheckSuite(ctx context.Context, e *github.CheckSuiteEvent) error {
	if e.GetAction() != "completed" {
		return nil
	}
	return d.reintakeForCommit(ctx, e.GetRepo(), e.GetCheckSuite().GetHeadSHA(), e.GetCheckSuite().PullRequests)
}

func (d *Dispatcher) handleCheckRun(ctx context.Context, e *github.CheckRunEvent) error {
	if e.GetAction() != "completed" {
		return nil
	}
	return d.reintakeForCommit(ctx, e.GetRepo(), e.GetCheckRun().GetHeadSHA(), e.GetCheckRun().PullRequests)
}

// handleStatus covers the legacy commit-status API. Pending statuses are
// noise; anything terminal re-runs intake.
func (d *Dispatcher) handleStatus(ctx context.Context, e *github.StatusEvent) error {
	if e.GetState() == "" || e.GetState() == "pending" {
		return nil
	}
	return d.reintakeForCommit(ctx, e.GetRepo(), e.GetSHA(), nil)
}

// reintakeForCommit runs intake, as an update, for every open PR behind a
// commit. The delivery's own embedded PR list is preferred; it is empty
// for forks and some older deliveries, in which case the PRs are resolved
// by SHA.
func (d *Dispatcher) reintakeForCommit(ctx context.Context, repo *github.Repository, sha string, embedded []*github.PullRequest) error {
	owner := repo.GetOwner().GetLogin()
	name := repo.GetName()
	if owner == "" || name == "" {
		return nil
	}

	var numbers []int
	seen := make(map[int]bool)
	for _, pr := range embedded {
		if n := pr.GetNumber(); n != 0 && !seen[n] {
			seen[n] = true
			numbers = append(numbers, n)
		}
	}
	if len(numbers) == 0 && sha != "" {
		pulls, err := d.pulls.PullsForCommit(ctx, owner, name, sha)
		if err != nil {
			return fmt.Errorf("resolving PRs for commit %s: %w", sha, err)
		}
		for _, pr := range pulls {
			if !seen[pr.Ref.Number] {
				seen[pr.Ref.Number] = true
				numbers = append(numbers, pr.Ref.Number)
			}
		}
	}

	for _, n := range numbers {
		ref := tracker.Ref{Owner: owner, Repo: name, Number: n}
		if err := d.intake.Process(ctx, ref, intake.TriggerUpdated, nil, d.cfg); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns an HTTP handler that validates each delivery against
// the shared secret, parses it, and dispatches it. Processing failures
// return 500 so the sender redelivers.
func (d *Dispatcher) Handler(secret []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload, err := github.ValidatePayload(r, secret)
		if err != nil {
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
		event, err := github.ParseWebHook(github.WebHookType(r), payload)
		if err != nil {
			http.Error(w, "unparseable payload", http.StatusBadRequest)
			return
		}
		if err := d.Dispatch(r.Context(), event); err != nil {
			log.Printf("events: %s delivery failed: %v", github.WebHookType(r), err)
			http.Error(w, "processing failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func repoRef(repo *github.Repository, number int) tracker.Ref {
	if repo == nil || number == 0 {
		return tracker.Ref{}
	}
	return tracker.Ref{
		Owner:  repo.GetOwner().GetLogin(),
		Repo:   repo.GetName(),
		Number: number,
	}
}

func hasLabel(issue *github.Issue, name string) bool {
	for _, l := range issue.Labels {
		if l.GetName() == name {
			return true
		}
	}
	return false
}
