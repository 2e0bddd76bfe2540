// Package votes turns the reactions on a voting comment into a tally.
package votes

import (
	"sort"

	"github.com/quorumbot/quorum/internal/tracker"
)

// Kind is one reaction kind, using the tracker's own content strings.
type Kind string

const (
	ThumbsUp   Kind = "+1"
	ThumbsDown Kind = "-1"
	Laugh      Kind = "laugh"
	Confused   Kind = "confused"
	Heart      Kind = "heart"
	Hooray     Kind = "hooray"
	Rocket     Kind = "rocket"
	Eyes       Kind = "eyes"
)

var voteKinds = map[Kind]bool{
	ThumbsUp:   true,
	ThumbsDown: true,
	Laugh:      true,
	Confused:   true,
	Heart:      true,
	Hooray:     true,
	Rocket:     true,
	Eyes:       true,
}

// Tally summarizes the votes on one voting-cycle comment.
//
// A user who reacted with more than one distinct kind has all their votes
// discarded: they contribute to no count bucket and are absent from
// Voters, but remain in Participants so headcount quorums still see them.
type Tally struct {
	// Counts holds per-kind totals over valid voters only.
	Counts map[Kind]int
	// Voters maps each valid voter to the single kind they cast.
	Voters map[string]Kind
	// Participants is everyone who reacted at all, discarded or not.
	Participants map[string]bool
	// Discarded lists users whose votes were thrown out, sorted.
	Discarded []string
}

// Count tallys reactions. Unrecognized reaction kinds are ignored
// entirely; duplicate (user, kind) pairs collapse to one vote.
func Count(reactions []tracker.Reaction) *Tally {
	kindsByUser := make(map[string]map[Kind]bool)
	for _, r := range reactions {
		kind := Kind(r.Kind)
		if r.User == "" || !voteKinds[kind] {
			continue
		}
		if kindsByUser[r.User] == nil {
			kindsByUser[r.User] = make(map[Kind]bool)
		}
		kindsByUser[r.User][kind] = true
	}

	t := &Tally{
		Counts:       make(map[Kind]int),
		Voters:       make(map[string]Kind),
		Participants: make(map[string]bool),
	}
	for user, kinds := range kindsByUser {
		t.Participants[user] = true
		if len(kinds) > 1 {
			t.Discarded = append(t.Discarded, user)
			continue
		}
		for kind := range kinds {
			t.Voters[user] = kind
			t.Counts[kind]++
		}
	}
	sort.Strings(t.Discarded)
	return t
}

// For returns the thumbs-up count among valid voters.
func (t *Tally) For() int { return t.Counts[ThumbsUp] }

// Against returns the thumbs-down count among valid voters.
func (t *Tally) Against() int { return t.Counts[ThumbsDown] }

// MajorityFor reports whether valid thumbs-up votes strictly outnumber
// valid thumbs-down votes.
func (t *Tally) MajorityFor() bool { return t.For() > t.Against() }

// MeetsQuorum checks participation thresholds. minVoters is a headcount
// over participants (valence-blind, so discarded multi-reactors still
// count). required/minRequired demand that at least minRequired logins
// from the named set cast a valid vote; a discarded vote does not satisfy
// the named-set rule.
func (t *Tally) MeetsQuorum(minVoters int, required []string, minRequired int) bool {
	if len(t.Participants) < minVoters {
		return false
	}
	if minRequired > 0 {
		n := 0
		for _, login := range required {
			if _, ok := t.Voters[login]; ok {
				n++
			}
		}
		if n < minRequired {
			return false
		}
	}
	return true
}
