package tracker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/time/rate"
)

// maxTimelineEvents caps how far back a timeline scan will walk. Very old
// issues can accumulate thousands of events; label history that far back
// is never relevant to an active governance decision.
const maxTimelineEvents = 400

const pageSize = 100

// Client wraps the hosted tracker's REST API behind the operations the
// governance engine needs. All calls pass through a client-side rate
// limiter so sweeps cannot trip the remote limiter on their own.
type Client struct {
	gh  *github.Client
	lim *rate.Limiter
}

// Option configures a Client.
type Option func(*Client) error

// WithBaseURL points the client at a different API root. Used by tests to
// target an httptest server.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) error {
		gh, err := c.gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return fmt.Errorf("setting base URL: %w", err)
		}
		c.gh = gh
		return nil
	}
}

// WithRateLimit overrides the default client-side request rate.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) error {
		c.lim = rate.NewLimiter(rate.Limit(perSecond), burst)
		return nil
	}
}

// WithHTTPClient supplies a custom HTTP client (tests, instrumented
// transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.gh = github.NewClient(hc)
		return nil
	}
}

// NewClient creates a tracker client. An empty token yields an
// unauthenticated client, useful only for read paths in development.
func NewClient(token string, opts ...Option) (*Client, error) {
	c := &Client{
		gh: github.NewClient(nil),
		// Stay well under the authenticated 5000 req/h allowance even
		// during a full-repo sweep.
		lim: rate.NewLimiter(rate.Limit(1), 5),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if token != "" {
		c.gh = c.gh.WithAuthToken(token)
	}
	return c, nil
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// AddLabel adds a label to an issue or PR.
func (c *Client) AddLabel(ctx context.Context, ref Ref, label string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, _, err := c.gh.Issues.AddLabelsToIssue(ctx, ref.Owner, ref.Repo, ref.Number, []string{label})
	if err != nil {
		return fmt.Errorf("adding label %q to %s: %w", label, ref, err)
	}
	return nil
}

// RemoveLabel removes a label from an issue or PR. A 404 for the label
// itself is treated as already-removed.
func (c *Client) RemoveLabel(ctx context.Context, ref Ref, label string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.gh.Issues.RemoveLabelForIssue(ctx, ref.Owner, ref.Repo, ref.Number, label)
	if err != nil {
		if IsGone(err) {
			return nil
		}
		return fmt.Errorf("removing label %q from %s: %w", label, ref, err)
	}
	return nil
}

// GetIssue fetches current issue state.
func (c *Client) GetIssue(ctx context.Context, ref Ref) (*Issue, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	iss, _, err := c.gh.Issues.Get(ctx, ref.Owner, ref.Repo, ref.Number)
	if err != nil {
		return nil, fmt.Errorf("fetching issue %s: %w", ref, err)
	}
	return convertIssue(ref.Owner, ref.Repo, iss), nil
}

// ListOpenIssues returns every open issue in the repository, including PRs
// (callers filter on IsPullRequest when they only want issues).
func (c *Client) ListOpenIssues(ctx context.Context, owner, repo string) ([]*Issue, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: pageSize},
	}
	var out []*Issue
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing open issues in %s/%s: %w", owner, repo, err)
		}
		for _, iss := range issues {
			out = append(out, convertIssue(owner, repo, iss))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// CreateComment posts a comment and returns its ID.
func (c *Client) CreateComment(ctx context.Context, ref Ref, body string) (int64, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	cm, _, err := c.gh.Issues.CreateComment(ctx, ref.Owner, ref.Repo, ref.Number,
		&github.IssueComment{Body: github.Ptr(body)})
	if err != nil {
		return 0, fmt.Errorf("commenting on %s: %w", ref, err)
	}
	return cm.GetID(), nil
}

// UpdateComment replaces an existing comment's body.
func (c *Client) UpdateComment(ctx context.Context, ref Ref, commentID int64, body string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, _, err := c.gh.Issues.EditComment(ctx, ref.Owner, ref.Repo, commentID,
		&github.IssueComment{Body: github.Ptr(body)})
	if err != nil {
		return fmt.Errorf("updating comment %d on %s: %w", commentID, ref, err)
	}
	return nil
}

// ListComments returns all comments on an issue or PR, oldest first.
func (c *Client) ListComments(ctx context.Context, ref Ref) ([]Comment, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: pageSize},
	}
	var out []Comment
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		comments, resp, err := c.gh.Issues.ListComments(ctx, ref.Owner, ref.Repo, ref.Number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing comments on %s: %w", ref, err)
		}
		for _, cm := range comments {
			out = append(out, Comment{
				ID:        cm.GetID(),
				Author:    cm.GetUser().GetLogin(),
				Body:      cm.GetBody(),
				CreatedAt: cm.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// CloseIssue closes an issue with a state reason ("completed" or
// "not_planned").
func (c *Client) CloseIssue(ctx context.Context, ref Ref, reason string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	req := &github.IssueRequest{State: github.Ptr("closed")}
	if reason != "" {
		req.StateReason = github.Ptr(reason)
	}
	if _, _, err := c.gh.Issues.Edit(ctx, ref.Owner, ref.Repo, ref.Number, req); err != nil {
		return fmt.Errorf("closing issue %s: %w", ref, err)
	}
	return nil
}

// ClosePullRequest closes a PR without merging it.
func (c *Client) ClosePullRequest(ctx context.Context, ref Ref) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, _, err := c.gh.PullRequests.Edit(ctx, ref.Owner, ref.Repo, ref.Number,
		&github.PullRequest{State: github.Ptr("closed")})
	if err != nil {
		return fmt.Errorf("closing PR %s: %w", ref, err)
	}
	return nil
}

// LockIssue locks an issue's conversation.
func (c *Client) LockIssue(ctx context.Context, ref Ref, reason string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	opts := &github.LockIssueOptions{}
	if reason != "" {
		opts.LockReason = reason
	}
	if _, err := c.gh.Issues.Lock(ctx, ref.Owner, ref.Repo, ref.Number, opts); err != nil {
		return fmt.Errorf("locking issue %s: %w", ref, err)
	}
	return nil
}

// LabelAddedAt reconstructs when a label was most recently applied, from
// the issue's timeline. A remove after the last add resets the answer to
// "not currently applied", so relabeling restarts any timer derived from
// this. The scan walks at most maxTimelineEvents events.
func (c *Client) LabelAddedAt(ctx context.Context, ref Ref, label string) (time.Time, bool, error) {
	opts := &github.ListOptions{PerPage: pageSize}
	var (
		addedAt time.Time
		present bool
		scanned int
	)
	for {
		if err := c.wait(ctx); err != nil {
			return time.Time{}, false, err
		}
		events, resp, err := c.gh.Issues.ListIssueTimeline(ctx, ref.Owner, ref.Repo, ref.Number, opts)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("reading timeline of %s: %w", ref, err)
		}
		for _, ev := range events {
			scanned++
			if ev.GetLabel().GetName() != label {
				continue
			}
			switch ev.GetEvent() {
			case "labeled":
				addedAt = ev.GetCreatedAt().Time
				present = true
			case "unlabeled":
				present = false
			}
		}
		if resp.NextPage == 0 || scanned >= maxTimelineEvents {
			break
		}
		opts.Page = resp.NextPage
	}
	if !present {
		return time.Time{}, false, nil
	}
	return addedAt, true, nil
}

// ListCommentReactions returns the reactions on one comment.
func (c *Client) ListCommentReactions(ctx context.Context, ref Ref, commentID int64) ([]Reaction, error) {
	opts := &github.ListOptions{PerPage: pageSize}
	var out []Reaction
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		reactions, resp, err := c.gh.Reactions.ListIssueCommentReactions(ctx, ref.Owner, ref.Repo, commentID, opts)
		if err != nil {
			return nil, fmt.Errorf("listing reactions on comment %d of %s: %w", commentID, ref, err)
		}
		for _, r := range reactions {
			out = append(out, Reaction{
				User: r.GetUser().GetLogin(),
				Kind: r.GetContent(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// GetPullRequest fetches current PR state.
func (c *Client) GetPullRequest(ctx context.Context, ref Ref) (*PullRequest, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	pr, _, err := c.gh.PullRequests.Get(ctx, ref.Owner, ref.Repo, ref.Number)
	if err != nil {
		return nil, fmt.Errorf("fetching PR %s: %w", ref, err)
	}
	return convertPull(ref.Owner, ref.Repo, pr), nil
}

// LinkedIssues returns the issue numbers a PR would close, verified via
// closing syntax in the PR body (a bare mention never links).
func (c *Client) LinkedIssues(ctx context.Context, ref Ref) ([]Ref, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	pr, _, err := c.gh.PullRequests.Get(ctx, ref.Owner, ref.Repo, ref.Number)
	if err != nil {
		return nil, fmt.Errorf("fetching PR %s: %w", ref, err)
	}
	var out []Ref
	for _, n := range ClosingReferences(pr.GetBody(), ref.Owner, ref.Repo) {
		out = append(out, ref.WithNumber(n))
	}
	return out, nil
}

// OpenPullsClosing returns open PRs that reference the issue via closing
// syntax. Candidates come from the issue's cross-reference timeline
// events; each candidate's body is checked so a plain mention does not
// count as a link.
func (c *Client) OpenPullsClosing(ctx context.Context, issue Ref) ([]*PullRequest, error) {
	opts := &github.ListOptions{PerPage: pageSize}
	seen := make(map[int]bool)
	var out []*PullRequest
	scanned := 0
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		events, resp, err := c.gh.Issues.ListIssueTimeline(ctx, issue.Owner, issue.Repo, issue.Number, opts)
		if err != nil {
			return nil, fmt.Errorf("reading timeline of %s: %w", issue, err)
		}
		for _, ev := range events {
			scanned++
			if ev.GetEvent() != "cross-referenced" {
				continue
			}
			src := ev.GetSource().GetIssue()
			if src == nil || !src.IsPullRequest() || src.GetState() != "open" {
				continue
			}
			n := src.GetNumber()
			if seen[n] || !ClosesIssue(src.GetBody(), issue) {
				continue
			}
			seen[n] = true
			pr, err := c.GetPullRequest(ctx, issue.WithNumber(n))
			if err != nil {
				return nil, err
			}
			if pr.Open() {
				out = append(out, pr)
			}
		}
		if resp.NextPage == 0 || scanned >= maxTimelineEvents {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// SearchPullsByLabel finds open PRs in the repo carrying the given label.
// The search index can lag a just-applied label; callers that care union
// this with a direct read of the PR they are processing.
func (c *Client) SearchPullsByLabel(ctx context.Context, owner, repo, label string) ([]*PullRequest, error) {
	query := fmt.Sprintf("repo:%s/%s is:pr is:open label:%q", owner, repo, label)
	opts := &github.SearchOptions{
		ListOptions: github.ListOptions{PerPage: pageSize},
	}
	var out []*PullRequest
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		result, resp, err := c.gh.Search.Issues(ctx, query, opts)
		if err != nil {
			return nil, fmt.Errorf("searching PRs by label %q in %s/%s: %w", label, owner, repo, err)
		}
		for _, iss := range result.Issues {
			pr, err := c.GetPullRequest(ctx, Ref{Owner: owner, Repo: repo, Number: iss.GetNumber()})
			if err != nil {
				if IsGone(err) {
					continue
				}
				return nil, err
			}
			out = append(out, pr)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// PullsForCommit returns the open pull requests associated with a commit
// SHA. Check-suite and status deliveries identify work only by commit, so
// this is how they find the PRs to re-run intake for.
func (c *Client) PullsForCommit(ctx context.Context, owner, repo, sha string) ([]*PullRequest, error) {
	opts := &github.ListOptions{PerPage: pageSize}
	var out []*PullRequest
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		pulls, resp, err := c.gh.PullRequests.ListPullRequestsWithCommit(ctx, owner, repo, sha, opts)
		if err != nil {
			return nil, fmt.Errorf("listing PRs for commit %s in %s/%s: %w", sha, owner, repo, err)
		}
		for _, pr := range pulls {
			converted := convertPull(owner, repo, pr)
			if converted.Open() {
				out = append(out, converted)
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// ApproverLogins returns the set of reviewers whose latest review on the
// PR is an approval. A later changes-requested or dismissal removes the
// reviewer from the set.
func (c *Client) ApproverLogins(ctx context.Context, ref Ref) (map[string]bool, error) {
	opts := &github.ListOptions{PerPage: pageSize}
	latest := make(map[string]string)
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, ref.Owner, ref.Repo, ref.Number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing reviews on %s: %w", ref, err)
		}
		for _, rv := range reviews {
			login := rv.GetUser().GetLogin()
			if login == "" {
				continue
			}
			switch rv.GetState() {
			case "APPROVED", "CHANGES_REQUESTED", "DISMISSED":
				latest[login] = rv.GetState()
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	approvers := make(map[string]bool)
	for login, state := range latest {
		if state == "APPROVED" {
			approvers[login] = true
		}
	}
	return approvers, nil
}

// LatestAuthorActivity returns the most recent non-bot activity on a PR:
// the newest commit, or the newest human comment, whichever is later.
// Bot comments never count. Returns fallback when nothing qualifies.
func (c *Client) LatestAuthorActivity(ctx context.Context, ref Ref, fallback time.Time) (time.Time, error) {
	latest := fallback

	commitOpts := &github.ListOptions{PerPage: pageSize}
	for {
		if err := c.wait(ctx); err != nil {
			return time.Time{}, err
		}
		commits, resp, err := c.gh.PullRequests.ListCommits(ctx, ref.Owner, ref.Repo, ref.Number, commitOpts)
		if err != nil {
			return time.Time{}, fmt.Errorf("listing commits on %s: %w", ref, err)
		}
		for _, cm := range commits {
			if IsBot(cm.GetAuthor().GetLogin()) {
				continue
			}
			when := cm.GetCommit().GetCommitter().GetDate().Time
			if when.After(latest) {
				latest = when
			}
		}
		if resp.NextPage == 0 {
			break
		}
		commitOpts.Page = resp.NextPage
	}

	comments, err := c.ListComments(ctx, ref)
	if err != nil {
		return time.Time{}, err
	}
	for _, cm := range comments {
		if IsBot(cm.Author) {
			continue
		}
		if cm.CreatedAt.After(latest) {
			latest = cm.CreatedAt
		}
	}

	return latest, nil
}

func convertIssue(owner, repo string, iss *github.Issue) *Issue {
	out := &Issue{
		Ref:           Ref{Owner: owner, Repo: repo, Number: iss.GetNumber()},
		Title:         iss.GetTitle(),
		Author:        iss.GetUser().GetLogin(),
		State:         iss.GetState(),
		IsPullRequest: iss.IsPullRequest(),
		CreatedAt:     iss.GetCreatedAt().Time,
	}
	for _, l := range iss.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}

func convertPull(owner, repo string, pr *github.PullRequest) *PullRequest {
	out := &PullRequest{
		Ref:       Ref{Owner: owner, Repo: repo, Number: pr.GetNumber()},
		Title:     pr.GetTitle(),
		Author:    pr.GetUser().GetLogin(),
		Body:      pr.GetBody(),
		State:     pr.GetState(),
		Merged:    pr.GetMerged(),
		CreatedAt: pr.GetCreatedAt().Time,
	}
	for _, l := range pr.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}
