// Package tracker provides the narrow port onto the hosted issue tracker
// (labels, comments, reactions, timeline history, linked pull requests)
// plus the error taxonomy shared by every caller. All durable governance
// state lives in the tracker itself; this package is the only place that
// talks to its API.
package tracker

import (
	"fmt"
	"strings"
	"time"
)

// Ref identifies one issue or pull request.
type Ref struct {
	Owner  string
	Repo   string
	Number int
}

// String formats the reference as owner/repo#number.
func (r Ref) String() string {
	return fmt.Sprintf("%s/%s#%d", r.Owner, r.Repo, r.Number)
}

// WithNumber returns a reference to a different number in the same repository.
func (r Ref) WithNumber(n int) Ref {
	return Ref{Owner: r.Owner, Repo: r.Repo, Number: n}
}

// Issue is the subset of issue state the governance engine reads.
type Issue struct {
	Ref           Ref
	Title         string
	Author        string
	Labels        []string
	State         string
	IsPullRequest bool
	CreatedAt     time.Time
}

// HasLabel reports whether the issue currently carries the given label.
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// PullRequest is the subset of pull request state the intake engine and
// leaderboard read.
type PullRequest struct {
	Ref       Ref
	Title     string
	Author    string
	Body      string
	Labels    []string
	State     string
	Merged    bool
	CreatedAt time.Time
}

// Open reports whether the pull request is still open.
func (p *PullRequest) Open() bool {
	return p.State == "open"
}

// HasLabel reports whether the pull request currently carries the given label.
func (p *PullRequest) HasLabel(label string) bool {
	for _, l := range p.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Comment is one issue or pull request comment.
type Comment struct {
	ID        int64
	Author    string
	Body      string
	CreatedAt time.Time
}

// Reaction is one emoji reaction on a comment.
type Reaction struct {
	User string
	Kind string
}

// IsBot reports whether a login belongs to an automation account.
// The tracker suffixes app-owned accounts with "[bot]".
func IsBot(login string) bool {
	return strings.HasSuffix(login, "[bot]")
}
