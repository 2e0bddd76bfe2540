package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/quorumbot/quorum/internal/govconfig"
	"github.com/quorumbot/quorum/internal/phase"
	"github.com/quorumbot/quorum/internal/tracker"
)

type mockSweepTracker struct {
	issues  []*tracker.Issue
	listErr error
}

func (m *mockSweepTracker) ListOpenIssues(ctx context.Context, owner, repo string) ([]*tracker.Issue, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.issues, nil
}

type mockGovernance struct {
	started      []int
	ensured      []int
	evaluated    []int
	startErrs    map[int]error
	ensureErrs   map[int]error
	evalErrs     map[int]error
	ensurePosted map[int]bool
	decisions    map[int]*phase.Decision
}

func (m *mockGovernance) StartDiscussion(ctx context.Context, ref tracker.Ref) error {
	if err := m.startErrs[ref.Number]; err != nil {
		return err
	}
	m.started = append(m.started, ref.Number)
	return nil
}

func (m *mockGovernance) EnsureVotingComment(ctx context.Context, ref tracker.Ref) (bool, error) {
	if err := m.ensureErrs[ref.Number]; err != nil {
		return false, err
	}
	m.ensured = append(m.ensured, ref.Number)
	return m.ensurePosted[ref.Number], nil
}

func (m *mockGovernance) Evaluate(ctx context.Context, ref tracker.Ref, cfg *govconfig.Config, now time.Time) (*phase.Decision, error) {
	if err := m.evalErrs[ref.Number]; err != nil {
		return nil, err
	}
	m.evaluated = append(m.evaluated, ref.Number)
	return m.decisions[ref.Number], nil
}

func sweepIssue(number int, labels ...string) *tracker.Issue {
	return &tracker.Issue{
		Ref:    tracker.Ref{Owner: "octo", Repo: "gov", Number: number},
		State:  "open",
		Labels: labels,
	}
}

func newTestSweeper(t *testing.T, trk Tracker, gov Governance) *Sweeper {
	t.Helper()
	s, err := NewSweeper(trk, gov, fastRetry(2))
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	return s
}

func TestReconcileUnlabeledIssues(t *testing.T) {
	trk := &mockSweepTracker{issues: []*tracker.Issue{
		sweepIssue(1),
		sweepIssue(2, phase.Discussion),
		sweepIssue(3, "bug"),
		{Ref: tracker.Ref{Owner: "octo", Repo: "gov", Number: 4}, IsPullRequest: true},
	}}
	gov := &mockGovernance{}
	s := newTestSweeper(t, trk, gov)

	result, err := s.ReconcileUnlabeledIssues(context.Background(), "octo", "gov")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Checked != 2 || result.Repaired != 2 || result.Failed != 0 {
		t.Fatalf("checked=%d repaired=%d failed=%d, want 2/2/0", result.Checked, result.Repaired, result.Failed)
	}
	if len(gov.started) != 2 || gov.started[0] != 1 || gov.started[1] != 3 {
		t.Fatalf("started = %v, want [1 3]", gov.started)
	}
}

func TestReconcileMissingVotingComments(t *testing.T) {
	trk := &mockSweepTracker{issues: []*tracker.Issue{
		sweepIssue(1, phase.Voting),
		sweepIssue(2, phase.Voting),
		sweepIssue(3, phase.Discussion),
	}}
	gov := &mockGovernance{ensurePosted: map[int]bool{1: true}}
	s := newTestSweeper(t, trk, gov)

	result, err := s.ReconcileMissingVotingComments(context.Background(), "octo", "gov")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	// Issue 2 already had its comment; checked but not a repair.
	if result.Checked != 2 || result.Repaired != 1 {
		t.Fatalf("checked=%d repaired=%d, want 2/1", result.Checked, result.Repaired)
	}
	if len(gov.ensured) != 2 {
		t.Fatalf("ensured = %v, want both voting issues", gov.ensured)
	}
}

func TestSweepIsolatesPerItemFailures(t *testing.T) {
	trk := &mockSweepTracker{issues: []*tracker.Issue{
		sweepIssue(1), sweepIssue(2), sweepIssue(3),
	}}
	gov := &mockGovernance{startErrs: map[int]error{2: ghError(500, "boom")}}
	s := newTestSweeper(t, trk, gov)

	result, err := s.ReconcileUnlabeledIssues(context.Background(), "octo", "gov")
	if err != nil {
		t.Fatalf("one failure must not fail the sweep: %v", err)
	}
	if result.Checked != 3 || result.Repaired != 2 || result.Failed != 1 {
		t.Fatalf("checked=%d repaired=%d failed=%d, want 3/2/1", result.Checked, result.Repaired, result.Failed)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("errors = %v, want one entry", result.Errors)
	}
	if len(gov.started) != 2 {
		t.Fatalf("started = %v, want issues 1 and 3", gov.started)
	}
}

func TestSweepSkipsGoneResources(t *testing.T) {
	trk := &mockSweepTracker{issues: []*tracker.Issue{
		sweepIssue(1), sweepIssue(2),
	}}
	gov := &mockGovernance{startErrs: map[int]error{1: ghError(404, "not found")}}
	s := newTestSweeper(t, trk, gov)

	result, err := s.ReconcileUnlabeledIssues(context.Background(), "octo", "gov")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Failed != 0 {
		t.Fatalf("a vanished issue is not a failure: failed=%d", result.Failed)
	}
	if result.Repaired != 1 {
		t.Fatalf("repaired=%d, want 1", result.Repaired)
	}
}

func TestSweepCollectsAccessIssues(t *testing.T) {
	trk := &mockSweepTracker{issues: []*tracker.Issue{
		sweepIssue(1), sweepIssue(2),
	}}
	gov := &mockGovernance{startErrs: map[int]error{2: ghError(401, "bad credentials")}}
	s := newTestSweeper(t, trk, gov)

	result, err := s.ReconcileUnlabeledIssues(context.Background(), "octo", "gov")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(result.AccessIssues) != 1 {
		t.Fatalf("access issues = %v, want one entry", result.AccessIssues)
	}
	got := result.AccessIssues[0]
	if got.Ref.Number != 2 || got.Status != 401 {
		t.Fatalf("got %+v, want issue 2 with status 401", got)
	}
	if result.Failed != 1 {
		t.Fatalf("failed=%d, want 1", result.Failed)
	}
}

func TestSweepKeepsPlainTransientsOutOfAccessReport(t *testing.T) {
	trk := &mockSweepTracker{issues: []*tracker.Issue{
		sweepIssue(1), sweepIssue(2),
	}}
	gov := &mockGovernance{startErrs: map[int]error{2: ghError(502, "bad gateway")}}
	s := newTestSweeper(t, trk, gov)

	result, err := s.ReconcileUnlabeledIssues(context.Background(), "octo", "gov")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("failed=%d, want 1 after retry exhaustion", result.Failed)
	}
	if len(result.AccessIssues) != 0 {
		t.Fatalf("a 502 is not an access problem: %v", result.AccessIssues)
	}
}

func TestSweepCollectsExhaustedRateLimits(t *testing.T) {
	trk := &mockSweepTracker{issues: []*tracker.Issue{
		sweepIssue(1), sweepIssue(2),
	}}
	gov := &mockGovernance{startErrs: map[int]error{2: ghError(403, "API rate limit exceeded")}}
	s := newTestSweeper(t, trk, gov)

	result, err := s.ReconcileUnlabeledIssues(context.Background(), "octo", "gov")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("failed=%d, want 1", result.Failed)
	}
	if len(result.AccessIssues) != 1 || result.AccessIssues[0].Status != 403 {
		t.Fatalf("access issues = %v, want the exhausted rate limit on issue 2", result.AccessIssues)
	}
}

func TestSweepReportsWhenEveryItemFails(t *testing.T) {
	trk := &mockSweepTracker{issues: []*tracker.Issue{
		sweepIssue(1), sweepIssue(2),
	}}
	gov := &mockGovernance{startErrs: map[int]error{
		1: ghError(500, "boom"),
		2: ghError(500, "boom"),
	}}
	s := newTestSweeper(t, trk, gov)

	result, err := s.ReconcileUnlabeledIssues(context.Background(), "octo", "gov")
	if err == nil {
		t.Fatal("expected aggregate error when every item fails")
	}
	if result.Failed != 2 || len(result.Errors) != 2 {
		t.Fatalf("failed=%d errors=%d, want 2/2", result.Failed, len(result.Errors))
	}
}

func TestSweepEmptyRepoSucceeds(t *testing.T) {
	s := newTestSweeper(t, &mockSweepTracker{}, &mockGovernance{})
	result, err := s.ReconcileUnlabeledIssues(context.Background(), "octo", "gov")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Checked != 0 || result.RunID == "" {
		t.Fatalf("got %+v, want zero counts with a run id", result)
	}
}

func TestSweepListFailurePropagates(t *testing.T) {
	trk := &mockSweepTracker{listErr: ghError(401, "bad credentials")}
	s := newTestSweeper(t, trk, &mockGovernance{})
	if _, err := s.ReconcileUnlabeledIssues(context.Background(), "octo", "gov"); err == nil {
		t.Fatal("expected listing failure to propagate")
	}
}

func TestEvaluatePhases(t *testing.T) {
	trk := &mockSweepTracker{issues: []*tracker.Issue{
		sweepIssue(1, phase.Discussion),
		sweepIssue(2, phase.Voting),
		sweepIssue(3, phase.Implemented),
		sweepIssue(4),
	}}
	gov := &mockGovernance{decisions: map[int]*phase.Decision{
		2: {From: phase.Voting, To: phase.Ready, Trigger: "timer"},
	}}
	s := newTestSweeper(t, trk, gov)

	result, err := s.EvaluatePhases(context.Background(), "octo", "gov", govconfig.Default(), time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(gov.evaluated) != 2 {
		t.Fatalf("evaluated = %v, want only the non-terminal labeled issues", gov.evaluated)
	}
	if result.Checked != 2 || result.Repaired != 1 {
		t.Fatalf("checked=%d repaired=%d, want 2/1", result.Checked, result.Repaired)
	}
}
