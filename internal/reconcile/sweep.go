package reconcile

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumbot/quorum/internal/govconfig"
	"github.com/quorumbot/quorum/internal/phase"
	"github.com/quorumbot/quorum/internal/tracker"
)

// Tracker is the subset of tracker operations the sweeps need.
type Tracker interface {
	ListOpenIssues(ctx context.Context, owner, repo string) ([]*tracker.Issue, error)
}

// Governance is the slice of the phase machine the sweeps drive. All
// three operations are idempotent, so a sweep can safely re-run work an
// event handler already did (or half-did).
type Governance interface {
	StartDiscussion(ctx context.Context, ref tracker.Ref) error
	EnsureVotingComment(ctx context.Context, ref tracker.Ref) (bool, error)
	Evaluate(ctx context.Context, ref tracker.Ref, cfg *govconfig.Config, now time.Time) (*phase.Decision, error)
}

// AccessIssue records a per-issue visibility or quota problem surfaced
// during a sweep.
type AccessIssue struct {
	Ref     tracker.Ref
	Status  int
	Message string
}

// AccessCollector accumulates access problems so operators can see them
// without the sweep failing.
type AccessCollector struct {
	mu     sync.Mutex
	issues []AccessIssue
}

// Report records one access problem.
func (c *AccessCollector) Report(ref tracker.Ref, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.issues = append(c.issues, AccessIssue{
		Ref:     ref,
		Status:  tracker.StatusCode(err),
		Message: err.Error(),
	})
}

// Issues returns everything reported so far.
func (c *AccessCollector) Issues() []AccessIssue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]AccessIssue(nil), c.issues...)
}

// Result summarizes one sweep run.
type Result struct {
	RunID        string
	Checked      int
	Repaired     int
	Failed       int
	Errors       []error
	AccessIssues []AccessIssue
}

// Sweeper runs the reconciliation passes for one repository at a time.
type Sweeper struct {
	trk   Tracker
	gov   Governance
	retry RetryConfig
}

// NewSweeper creates a sweeper.
func NewSweeper(trk Tracker, gov Governance, retry RetryConfig) (*Sweeper, error) {
	if trk == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if gov == nil {
		return nil, fmt.Errorf("governance is required")
	}
	return &Sweeper{trk: trk, gov: gov, retry: retry}, nil
}

// ReconcileMissingVotingComments finds voting-labeled issues whose anchor
// comment is missing (a transition that failed partway, or a crash before
// the comment posted) and re-posts it.
func (s *Sweeper) ReconcileMissingVotingComments(ctx context.Context, owner, repo string) (*Result, error) {
	return s.sweep(ctx, owner, repo, "voting-comments", func(issue *tracker.Issue) (bool, bool, error) {
		if issue.IsPullRequest || !issue.HasLabel(phase.Voting) {
			return false, false, nil
		}
		posted := false
		err := WithRetry(ctx, fmt.Sprintf("ensure voting comment %s", issue.Ref), s.retry, func(ctx context.Context) error {
			var err error
			posted, err = s.gov.EnsureVotingComment(ctx, issue.Ref)
			return err
		})
		return true, posted, err
	})
}

// ReconcileUnlabeledIssues finds open issues carrying no recognized phase
// label and starts discussion on them from scratch.
func (s *Sweeper) ReconcileUnlabeledIssues(ctx context.Context, owner, repo string) (*Result, error) {
	return s.sweep(ctx, owner, repo, "unlabeled", func(issue *tracker.Issue) (bool, bool, error) {
		if issue.IsPullRequest {
			return false, false, nil
		}
		if _, ok := phase.Current(issue.Labels); ok {
			return false, false, nil
		}
		err := WithRetry(ctx, fmt.Sprintf("start discussion %s", issue.Ref), s.retry, func(ctx context.Context) error {
			return s.gov.StartDiscussion(ctx, issue.Ref)
		})
		return true, err == nil, err
	})
}

// EvaluatePhases runs the timed phase evaluation over every open issue in
// a non-terminal phase. A transition counts as a repair.
func (s *Sweeper) EvaluatePhases(ctx context.Context, owner, repo string, cfg *govconfig.Config, now time.Time) (*Result, error) {
	return s.sweep(ctx, owner, repo, "phases", func(issue *tracker.Issue) (bool, bool, error) {
		if issue.IsPullRequest {
			return false, false, nil
		}
		current, ok := phase.Current(issue.Labels)
		if !ok || phase.IsTerminal(current) {
			return false, false, nil
		}
		var dec *phase.Decision
		err := WithRetry(ctx, fmt.Sprintf("evaluate %s", issue.Ref), s.retry, func(ctx context.Context) error {
			var err error
			dec, err = s.gov.Evaluate(ctx, issue.Ref, cfg, now)
			return err
		})
		if dec != nil {
			log.Printf("reconcile: %s transitioned %s → %s (%s)", issue.Ref, dec.From, dec.To, dec.Trigger)
		}
		return true, dec != nil, err
	})
}

// sweep iterates all open issues once, applying fn per issue. fn returns
// (attempted, repaired, err). Each item is isolated: a failure is logged
// and counted and the loop continues. Only when every attempted item
// fails does the sweep itself return an error. Callers must not read a
// nil error as "fully processed"; the Result carries the failure list.
func (s *Sweeper) sweep(ctx context.Context, owner, repo, name string, fn func(*tracker.Issue) (bool, bool, error)) (*Result, error) {
	result := &Result{RunID: uuid.NewString()}
	access := &AccessCollector{}

	var issues []*tracker.Issue
	err := WithRetry(ctx, fmt.Sprintf("list open issues %s/%s", owner, repo), s.retry, func(ctx context.Context) error {
		var err error
		issues, err = s.trk.ListOpenIssues(ctx, owner, repo)
		return err
	})
	if err != nil {
		return result, fmt.Errorf("sweep %s %s/%s: %w", name, owner, repo, err)
	}

	attempted := 0
	for _, issue := range issues {
		tried, repaired, err := fn(issue)
		if !tried {
			continue
		}
		attempted++
		result.Checked++
		if err == nil {
			if repaired {
				result.Repaired++
			}
			continue
		}

		switch tracker.Classify(err) {
		case tracker.KindResourceGone:
			// The issue disappeared mid-sweep; not a failure.
			log.Printf("sweep %s: %s no longer exists, skipping: %v", name, issue.Ref, err)
		case tracker.KindAccessDenied:
			access.Report(issue.Ref, err)
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", issue.Ref, err))
		case tracker.KindTransient:
			// Retries were already exhausted. Quota exhaustion is a per-issue
			// visibility problem the operator should see in the collector;
			// an ordinary 5xx is just a failure.
			if code := tracker.StatusCode(err); code == http.StatusForbidden || code == http.StatusTooManyRequests {
				access.Report(issue.Ref, err)
			} else {
				log.Printf("sweep %s: %s still failing after retries: %v", name, issue.Ref, err)
			}
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", issue.Ref, err))
		default:
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("%s: %w", issue.Ref, err))
			log.Printf("sweep %s: %s failed: %v", name, issue.Ref, err)
		}
	}

	result.AccessIssues = access.Issues()
	if attempted > 0 && result.Failed == attempted {
		return result, fmt.Errorf("sweep %s %s/%s: all %d items failed", name, owner, repo, attempted)
	}
	return result, nil
}
