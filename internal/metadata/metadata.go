// Package metadata implements the machine-parseable tag embedded in every
// comment the bot posts. The tag is the system's idempotency and
// authenticity ledger: "has this already been posted" and "which voting
// comment is current" are both answered by scanning comments for tags,
// never by consulting a private datastore.
package metadata

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Version is the current wire format version.
const Version = 1

const (
	tagPrefix = "<!-- metadata: "
	tagSuffix = " -->"
)

// Type enumerates the comment kinds the bot posts.
type Type string

const (
	TypeWelcome      Type = "welcome"
	TypeVoting       Type = "voting"
	TypeLeaderboard  Type = "leaderboard"
	TypeAlignment    Type = "alignment"
	TypeError        Type = "error"
	TypeNotification Type = "notification"
	TypeStandup      Type = "standup"
)

var knownTypes = map[Type]bool{
	TypeWelcome:      true,
	TypeVoting:       true,
	TypeLeaderboard:  true,
	TypeAlignment:    true,
	TypeError:        true,
	TypeNotification: true,
	TypeStandup:      true,
}

// Tag is the versioned payload carried in the comment prefix.
type Tag struct {
	Version     int       `json:"version"`
	Type        Type      `json:"type"`
	IssueNumber int       `json:"issueNumber"`
	CreatedAt   time.Time `json:"createdAt"`

	// Type-specific fields.
	Cycle            *int   `json:"cycle,omitempty"`            // voting
	ErrorCode        string `json:"errorCode,omitempty"`        // error
	NotificationType string `json:"notificationType,omitempty"` // notification
	Day              string `json:"day,omitempty"`              // standup
	Date             string `json:"date,omitempty"`             // standup
	Repo             string `json:"repo,omitempty"`             // standup
}

// validate enforces the per-type required fields. Anything that fails here
// is treated as "no metadata", never as a best-effort guess.
func (t *Tag) validate() error {
	if t.Version < 1 {
		return fmt.Errorf("missing or invalid version %d", t.Version)
	}
	if !knownTypes[t.Type] {
		return fmt.Errorf("unknown type %q", t.Type)
	}
	if t.IssueNumber <= 0 {
		return fmt.Errorf("missing issueNumber")
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("missing createdAt")
	}
	switch t.Type {
	case TypeVoting:
		if t.Cycle == nil {
			return fmt.Errorf("voting tag missing cycle")
		}
	case TypeError:
		if t.ErrorCode == "" {
			return fmt.Errorf("error tag missing errorCode")
		}
	case TypeNotification:
		if t.NotificationType == "" {
			return fmt.Errorf("notification tag missing notificationType")
		}
	case TypeStandup:
		if t.Day == "" || t.Date == "" || t.Repo == "" {
			return fmt.Errorf("standup tag missing day/date/repo")
		}
	}
	return nil
}

// Build prepends the serialized tag to the caller-supplied Markdown body.
// Version and CreatedAt are filled in when unset.
func Build(tag Tag, body string) (string, error) {
	if tag.Version == 0 {
		tag.Version = Version
	}
	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = time.Now().UTC()
	}
	if err := tag.validate(); err != nil {
		return "", fmt.Errorf("building metadata tag: %w", err)
	}
	payload, err := json.Marshal(&tag)
	if err != nil {
		return "", fmt.Errorf("encoding metadata tag: %w", err)
	}
	return tagPrefix + string(payload) + tagSuffix + "\n" + body, nil
}

// Parse extracts a tag from a comment body. It fails closed: a missing
// prefix, malformed JSON, unknown type, or missing required field all
// return (nil, false).
func Parse(body string) (*Tag, bool) {
	line := body
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		line = body[:idx]
	}
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, tagPrefix) || !strings.HasSuffix(line, tagSuffix) {
		return nil, false
	}
	payload := line[len(tagPrefix) : len(line)-len(tagSuffix)]

	var tag Tag
	if err := json.Unmarshal([]byte(payload), &tag); err != nil {
		return nil, false
	}
	if err := tag.validate(); err != nil {
		return nil, false
	}
	return &tag, true
}

// Filter narrows an IsOfType match beyond the tag type.
type Filter func(*Tag) bool

// ForIssue matches tags recorded against a specific issue number.
func ForIssue(n int) Filter {
	return func(t *Tag) bool { return t.IssueNumber == n }
}

// ForCycle matches voting tags for a specific cycle.
func ForCycle(c int) Filter {
	return func(t *Tag) bool { return t.Cycle != nil && *t.Cycle == c }
}

// ForNotification matches notification tags of a specific kind.
func ForNotification(kind string) Filter {
	return func(t *Tag) bool { return t.NotificationType == kind }
}

// IsOfType reports whether a comment is an authentic bot comment of the
// expected type. The actor check is the anti-spoofing rule: a tag inside a
// comment posted by anyone but the bot itself is never trusted, even if
// the visible text is byte-identical.
func IsOfType(body string, expected Type, selfActor, actualActor string, filters ...Filter) bool {
	if actualActor != selfActor {
		return false
	}
	tag, ok := Parse(body)
	if !ok || tag.Type != expected {
		return false
	}
	for _, f := range filters {
		if !f(tag) {
			return false
		}
	}
	return true
}

// Candidate is one voting comment considered by SelectCurrent.
type Candidate struct {
	ID        int64
	Cycle     *int
	CreatedAt time.Time
}

// SelectCurrent picks the authoritative voting comment: highest cycle
// first, nil cycles last, ties broken by position in the input (stable,
// deliberately not by CreatedAt). Returns nil for an empty input.
func SelectCurrent(candidates []Candidate) *Candidate {
	var best *Candidate
	for i := range candidates {
		c := &candidates[i]
		switch {
		case best == nil:
			best = c
		case c.Cycle == nil:
			// nulls sort last; never displace anything
		case best.Cycle == nil:
			best = c
		case *c.Cycle > *best.Cycle:
			best = c
		}
	}
	return best
}
