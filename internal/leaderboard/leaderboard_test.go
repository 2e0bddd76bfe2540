package leaderboard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quorumbot/quorum/internal/govconfig"
	"github.com/quorumbot/quorum/internal/metadata"
	"github.com/quorumbot/quorum/internal/phase"
	"github.com/quorumbot/quorum/internal/tracker"
)

const botLogin = "quorum[bot]"

var issueRef = tracker.Ref{Owner: "acme", Repo: "widgets", Number: 42}

type mockTracker struct {
	mu sync.Mutex

	issues    map[int]*tracker.Issue
	pulls     map[int]*tracker.PullRequest
	linked    map[int][]tracker.Ref
	searched  []*tracker.PullRequest
	approvers map[int]map[string]bool
	comments  map[int][]tracker.Comment
	nextID    int64

	created int
	updated int

	inFlight    int32
	maxInFlight int32
	fetchDelay  time.Duration
}

func newMockTracker() *mockTracker {
	return &mockTracker{
		issues:    make(map[int]*tracker.Issue),
		pulls:     make(map[int]*tracker.PullRequest),
		linked:    make(map[int][]tracker.Ref),
		approvers: make(map[int]map[string]bool),
		comments:  make(map[int][]tracker.Comment),
		nextID:    500,
	}
}

func (m *mockTracker) GetIssue(ctx context.Context, ref tracker.Ref) (*tracker.Issue, error) {
	return m.issues[ref.Number], nil
}

func (m *mockTracker) GetPullRequest(ctx context.Context, ref tracker.Ref) (*tracker.PullRequest, error) {
	return m.pulls[ref.Number], nil
}

func (m *mockTracker) LinkedIssues(ctx context.Context, ref tracker.Ref) ([]tracker.Ref, error) {
	return m.linked[ref.Number], nil
}

func (m *mockTracker) SearchPullsByLabel(ctx context.Context, owner, repo, label string) ([]*tracker.PullRequest, error) {
	return m.searched, nil
}

func (m *mockTracker) ApproverLogins(ctx context.Context, ref tracker.Ref) (map[string]bool, error) {
	n := atomic.AddInt32(&m.inFlight, 1)
	for {
		max := atomic.LoadInt32(&m.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&m.maxInFlight, max, n) {
			break
		}
	}
	if m.fetchDelay > 0 {
		time.Sleep(m.fetchDelay)
	}
	atomic.AddInt32(&m.inFlight, -1)
	return m.approvers[ref.Number], nil
}

func (m *mockTracker) ListComments(ctx context.Context, ref tracker.Ref) ([]tracker.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tracker.Comment(nil), m.comments[ref.Number]...), nil
}

func (m *mockTracker) CreateComment(ctx context.Context, ref tracker.Ref, body string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.created++
	m.comments[ref.Number] = append(m.comments[ref.Number], tracker.Comment{
		ID: m.nextID, Author: botLogin, Body: body, CreatedAt: time.Now(),
	})
	return m.nextID, nil
}

func (m *mockTracker) UpdateComment(ctx context.Context, ref tracker.Ref, commentID int64, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated++
	for i, c := range m.comments[ref.Number] {
		if c.ID == commentID {
			m.comments[ref.Number][i].Body = body
			return nil
		}
	}
	return fmt.Errorf("comment %d not found", commentID)
}

func implPull(number int, approvals map[string]bool) *tracker.PullRequest {
	return &tracker.PullRequest{
		Ref:    issueRef.WithNumber(number),
		Title:  fmt.Sprintf("Implementation %d", number),
		Author: fmt.Sprintf("dev%d", number),
		Body:   fmt.Sprintf("Closes #%d", issueRef.Number),
		State:  "open",
		Labels: []string{phase.ImplementationLabel},
	}
}

func newTestService(t *testing.T, trk *mockTracker) *Service {
	t.Helper()
	s, err := NewService(trk, botLogin)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func TestRecalculateUpsertsSingleComment(t *testing.T) {
	trk := newMockTracker()
	pr := implPull(7, nil)
	trk.searched = []*tracker.PullRequest{pr}
	trk.approvers[7] = map[string]bool{"alice": true, "bob": true}

	s := newTestService(t, trk)
	ctx := context.Background()
	cfg := govconfig.Default()

	// Recalculate twice in a row: exactly one leaderboard comment with
	// exactly one row for the PR.
	for i := 0; i < 2; i++ {
		if err := s.Recalculate(ctx, issueRef, pr, cfg); err != nil {
			t.Fatalf("Recalculate #%d: %v", i+1, err)
		}
	}

	if trk.created != 1 || trk.updated != 1 {
		t.Errorf("created=%d updated=%d, want 1 create then 1 in-place update", trk.created, trk.updated)
	}
	var boards []tracker.Comment
	for _, c := range trk.comments[issueRef.Number] {
		if metadata.IsOfType(c.Body, metadata.TypeLeaderboard, botLogin, c.Author) {
			boards = append(boards, c)
		}
	}
	if len(boards) != 1 {
		t.Fatalf("leaderboard comments = %d, want 1", len(boards))
	}
	if n := strings.Count(boards[0].Body, "#7"); n != 1 {
		t.Errorf("PR #7 appears %d times in leaderboard, want 1:\n%s", n, boards[0].Body)
	}
}

func TestRecalculateRanksByApprovalsThenNumber(t *testing.T) {
	trk := newMockTracker()
	trk.searched = []*tracker.PullRequest{
		implPull(9, nil),
		implPull(7, nil),
		implPull(8, nil),
	}
	trk.approvers[7] = map[string]bool{"a": true}
	trk.approvers[8] = map[string]bool{"a": true, "b": true, "c": true}
	trk.approvers[9] = map[string]bool{"a": true}

	s := newTestService(t, trk)
	if err := s.Recalculate(context.Background(), issueRef, nil, govconfig.Default()); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}

	body := trk.comments[issueRef.Number][0].Body
	i8 := strings.Index(body, "#8")
	i7 := strings.Index(body, "#7")
	i9 := strings.Index(body, "#9")
	if !(i8 < i7 && i7 < i9) {
		t.Errorf("rank order wrong (want #8, #7, #9):\n%s", body)
	}
}

func TestRecalculateUnionsTriggeringPR(t *testing.T) {
	trk := newMockTracker()
	// Search index lags: the just-labeled PR is not in the results yet.
	trk.searched = nil
	pr := implPull(7, nil)

	s := newTestService(t, trk)
	if err := s.Recalculate(context.Background(), issueRef, pr, govconfig.Default()); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}

	body := trk.comments[issueRef.Number][0].Body
	if n := strings.Count(body, "#7"); n != 1 {
		t.Errorf("triggering PR must appear exactly once despite index lag, got %d:\n%s", n, body)
	}
}

func TestRecalculateDeduplicatesUnion(t *testing.T) {
	trk := newMockTracker()
	pr := implPull(7, nil)
	trk.searched = []*tracker.PullRequest{pr} // index caught up after all

	s := newTestService(t, trk)
	if err := s.Recalculate(context.Background(), issueRef, pr, govconfig.Default()); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}

	body := trk.comments[issueRef.Number][0].Body
	if n := strings.Count(body, "#7"); n != 1 {
		t.Errorf("union must deduplicate by PR number, got %d occurrences:\n%s", n, body)
	}
}

func TestRecalculateFiltersNonLinkedAndClosed(t *testing.T) {
	trk := newMockTracker()
	other := implPull(8, nil)
	other.Body = "Closes #99" // different issue
	closed := implPull(9, nil)
	closed.State = "closed"
	trk.searched = []*tracker.PullRequest{implPull(7, nil), other, closed}

	s := newTestService(t, trk)
	if err := s.Recalculate(context.Background(), issueRef, nil, govconfig.Default()); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}

	body := trk.comments[issueRef.Number][0].Body
	if strings.Contains(body, "#8") || strings.Contains(body, "#9") {
		t.Errorf("non-linked or closed PRs leaked into leaderboard:\n%s", body)
	}
}

func TestScoreBatchesConcurrency(t *testing.T) {
	trk := newMockTracker()
	trk.fetchDelay = 10 * time.Millisecond
	for n := 1; n <= 8; n++ {
		trk.searched = append(trk.searched, implPull(n, nil))
	}

	s := newTestService(t, trk)
	if err := s.Recalculate(context.Background(), issueRef, nil, govconfig.Default()); err != nil {
		t.Fatalf("Recalculate: %v", err)
	}

	if max := atomic.LoadInt32(&trk.maxInFlight); max > scoreBatchSize {
		t.Errorf("approval fetch concurrency reached %d, cap is %d", max, scoreBatchSize)
	}
}

func TestRecalculateForPRSkipsNonReadyIssues(t *testing.T) {
	trk := newMockTracker()
	pr := implPull(7, nil)
	trk.pulls[7] = pr
	readyIssue := &tracker.Issue{Ref: issueRef, State: "open", Labels: []string{phase.Ready}}
	votingIssue := &tracker.Issue{Ref: issueRef.WithNumber(43), State: "open", Labels: []string{phase.Voting}}
	trk.issues[42] = readyIssue
	trk.issues[43] = votingIssue
	trk.linked[7] = []tracker.Ref{readyIssue.Ref, votingIssue.Ref}
	trk.searched = []*tracker.PullRequest{pr}

	s := newTestService(t, trk)
	if err := s.RecalculateForPR(context.Background(), pr.Ref, govconfig.Default()); err != nil {
		t.Fatalf("RecalculateForPR: %v", err)
	}

	if len(trk.comments[42]) != 1 {
		t.Errorf("ready issue got %d leaderboard comments, want 1", len(trk.comments[42]))
	}
	if len(trk.comments[43]) != 0 {
		t.Errorf("non-ready issue got %d comments, want 0", len(trk.comments[43]))
	}
}
