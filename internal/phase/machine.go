package phase

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/quorumbot/quorum/internal/govconfig"
	"github.com/quorumbot/quorum/internal/metadata"
	"github.com/quorumbot/quorum/internal/tracker"
	"github.com/quorumbot/quorum/internal/votes"
)

// Tracker is the subset of tracker operations the state machine needs.
type Tracker interface {
	GetIssue(ctx context.Context, ref tracker.Ref) (*tracker.Issue, error)
	AddLabel(ctx context.Context, ref tracker.Ref, label string) error
	RemoveLabel(ctx context.Context, ref tracker.Ref, label string) error
	CreateComment(ctx context.Context, ref tracker.Ref, body string) (int64, error)
	ListComments(ctx context.Context, ref tracker.Ref) ([]tracker.Comment, error)
	CloseIssue(ctx context.Context, ref tracker.Ref, reason string) error
	LockIssue(ctx context.Context, ref tracker.Ref, reason string) error
	LabelAddedAt(ctx context.Context, ref tracker.Ref, label string) (time.Time, bool, error)
	ListCommentReactions(ctx context.Context, ref tracker.Ref, commentID int64) ([]tracker.Reaction, error)
}

// Machine drives proposal issues through the discussion → voting →
// decision lifecycle.
type Machine struct {
	trk   Tracker
	actor string
}

// NewMachine creates a state machine. actor is the bot's own login, used
// to authenticate metadata-tagged comments.
func NewMachine(trk Tracker, actor string) (*Machine, error) {
	if trk == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if actor == "" {
		return nil, fmt.Errorf("actor login is required")
	}
	return &Machine{trk: trk, actor: actor}, nil
}

// Decision records a transition the machine performed.
type Decision struct {
	From    string
	To      string
	Trigger string // "timer" or "early-decision"
}

// Evaluate checks whether the issue's current phase should transition,
// and performs the transition when it should. Returns nil when nothing
// fired. The elapsed time in a phase is measured from the most recent
// application of its label, so relabeling restarts the clock.
func (m *Machine) Evaluate(ctx context.Context, ref tracker.Ref, cfg *govconfig.Config, now time.Time) (*Decision, error) {
	issue, err := m.trk.GetIssue(ctx, ref)
	if err != nil {
		return nil, err
	}

	current, ok := Current(issue.Labels)
	if !ok || IsTerminal(current) {
		return nil, nil
	}
	pc, ok := cfg.Phases[current]
	if !ok {
		return nil, nil
	}

	addedAt, ok, err := m.trk.LabelAddedAt(ctx, ref, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Label present but no add event in reachable history. Ambiguous;
		// leave it for an operator rather than guess a start time.
		log.Printf("phase: %s carries %q but no label-add event found, skipping", ref, current)
		return nil, nil
	}
	elapsed := now.Sub(addedAt)

	hasVoteRule := false
	for _, exit := range pc.Exits {
		if exit.Kind != govconfig.ExitAuto {
			continue
		}
		if exit.Rule == govconfig.RuleMajority {
			hasVoteRule = true
		}
		if elapsed < exit.After.Std() {
			continue
		}
		to, detail, err := m.resolveExit(ctx, ref, current, exit, cfg)
		if err != nil {
			return nil, err
		}
		if err := m.Transition(ctx, ref, current, to, detail); err != nil {
			return nil, err
		}
		return &Decision{From: current, To: to, Trigger: "timer"}, nil
	}

	if pc.EarlyDecision && hasVoteRule {
		return m.tryEarlyDecision(ctx, ref, current, cfg)
	}
	return nil, nil
}

// resolveExit determines the target phase for a firing auto exit. The
// timer has expired, so a vote-ruled exit resolves unconditionally: a met
// quorum with a majority in favor goes to ready-to-implement, anything
// else to the fallback.
func (m *Machine) resolveExit(ctx context.Context, ref tracker.Ref, current string, exit govconfig.ExitRule, cfg *govconfig.Config) (string, string, error) {
	if exit.To != "" {
		return exit.To, "", nil
	}

	tally, found, err := m.CurrentTally(ctx, ref)
	if err != nil {
		return "", "", err
	}
	if !found {
		tally = votes.Count(nil)
	}
	detail := outcomeDetail(summarize(tally))

	quorum := tally.MeetsQuorum(cfg.Voting.MinVoters, cfg.Voting.RequiredVoters, cfg.Voting.MinRequiredVoters)
	if quorum && tally.MajorityFor() {
		return Ready, detail, nil
	}
	return fallbackPhase(current, cfg), detail, nil
}

// tryEarlyDecision resolves a voting phase before its timer expires when
// the early quorum (deliberately higher than the end-of-timer one) is met
// and the vote has a strict majority either way.
func (m *Machine) tryEarlyDecision(ctx context.Context, ref tracker.Ref, current string, cfg *govconfig.Config) (*Decision, error) {
	if cfg.Voting.EarlyMinVoters == 0 && cfg.Voting.EarlyMinRequiredVoters == 0 {
		return nil, nil
	}

	tally, found, err := m.CurrentTally(ctx, ref)
	if err != nil || !found {
		return nil, err
	}
	if !tally.MeetsQuorum(cfg.Voting.EarlyMinVoters, cfg.Voting.RequiredVoters, cfg.Voting.EarlyMinRequiredVoters) {
		return nil, nil
	}
	if tally.For() == tally.Against() {
		return nil, nil
	}

	to := fallbackPhase(current, cfg)
	if tally.MajorityFor() {
		to = Ready
	}
	detail := "Resolved early: " + outcomeDetail(summarize(tally))
	if err := m.Transition(ctx, ref, current, to, detail); err != nil {
		return nil, err
	}
	return &Decision{From: current, To: to, Trigger: "early-decision"}, nil
}

func fallbackPhase(current string, cfg *govconfig.Config) string {
	// Extended voting is the last round: its only non-ready outcome is
	// rejection.
	if current == ExtendedVoting {
		return Rejected
	}
	if cfg.Voting.Fallback != "" {
		return cfg.Voting.Fallback
	}
	return NeedsMoreDiscussion
}

// Transition is the only mutator of phase labels. Step order is a
// correctness requirement: the new label goes on before the old comes
// off, so a failure at any step leaves the issue with at least one phase
// label and the reconciliation sweep can find it again.
func (m *Machine) Transition(ctx context.Context, ref tracker.Ref, from, to, detail string) error {
	if !IsPhase(to) {
		return fmt.Errorf("transition to unrecognized phase %q", to)
	}

	body, err := transitionBody(ref.Number, from, to, detail)
	if err != nil {
		return err
	}

	if err := m.trk.AddLabel(ctx, ref, to); err != nil {
		return fmt.Errorf("transition %s: %w", ref, err)
	}
	if _, err := m.trk.CreateComment(ctx, ref, body); err != nil {
		return fmt.Errorf("transition %s: %w", ref, err)
	}
	if IsTerminal(to) {
		if err := m.trk.CloseIssue(ctx, ref, closeReason(to)); err != nil {
			return fmt.Errorf("transition %s: %w", ref, err)
		}
	}
	if from != "" && from != to {
		if err := m.trk.RemoveLabel(ctx, ref, from); err != nil {
			return fmt.Errorf("transition %s: %w", ref, err)
		}
	}
	if IsTerminal(to) {
		if err := m.trk.LockIssue(ctx, ref, "resolved"); err != nil {
			return fmt.Errorf("transition %s: %w", ref, err)
		}
	}

	if to == Voting {
		if _, err := m.EnsureVotingComment(ctx, ref); err != nil {
			return fmt.Errorf("transition %s: %w", ref, err)
		}
	}
	return nil
}

// StartDiscussion puts an ungoverned issue into the discussion phase.
// Idempotent: an issue already carrying any phase label is left alone,
// and the kickoff comment is posted at most once.
func (m *Machine) StartDiscussion(ctx context.Context, ref tracker.Ref) error {
	issue, err := m.trk.GetIssue(ctx, ref)
	if err != nil {
		return err
	}
	if _, ok := Current(issue.Labels); ok {
		return nil
	}

	if err := m.trk.AddLabel(ctx, ref, Discussion); err != nil {
		return fmt.Errorf("starting discussion on %s: %w", ref, err)
	}

	comments, err := m.trk.ListComments(ctx, ref)
	if err != nil {
		return err
	}
	for _, c := range comments {
		if metadata.IsOfType(c.Body, metadata.TypeNotification, m.actor, c.Author,
			metadata.ForIssue(ref.Number), metadata.ForNotification(notifyDiscussionStart)) {
			return nil
		}
	}

	body, err := discussionBody(ref.Number)
	if err != nil {
		return err
	}
	if _, err := m.trk.CreateComment(ctx, ref, body); err != nil {
		return fmt.Errorf("starting discussion on %s: %w", ref, err)
	}
	return nil
}

// EnsureVotingComment posts the anchor comment for the current voting
// round if it is missing. A round needs a fresh comment when no authentic
// voting comment exists, or when the newest one predates the most recent
// application of the voting label (the issue re-entered voting). Returns
// whether a comment was posted.
func (m *Machine) EnsureVotingComment(ctx context.Context, ref tracker.Ref) (bool, error) {
	comments, err := m.trk.ListComments(ctx, ref)
	if err != nil {
		return false, err
	}
	candidates, maxCycle := m.votingCandidates(comments, ref.Number)
	current := metadata.SelectCurrent(candidates)

	addedAt, haveAddTime, err := m.trk.LabelAddedAt(ctx, ref, Voting)
	if err != nil {
		return false, err
	}

	if current != nil {
		if !haveAddTime || !current.CreatedAt.Before(addedAt) {
			return false, nil
		}
	}

	body, err := votingBody(ref.Number, maxCycle+1)
	if err != nil {
		return false, err
	}
	if _, err := m.trk.CreateComment(ctx, ref, body); err != nil {
		return false, fmt.Errorf("posting voting comment on %s: %w", ref, err)
	}
	return true, nil
}

// CurrentTally reads the reactions on the current voting cycle's comment.
// found is false when the issue has no authentic voting comment.
func (m *Machine) CurrentTally(ctx context.Context, ref tracker.Ref) (tally *votes.Tally, found bool, err error) {
	comments, err := m.trk.ListComments(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	candidates, _ := m.votingCandidates(comments, ref.Number)
	current := metadata.SelectCurrent(candidates)
	if current == nil {
		return nil, false, nil
	}

	reactions, err := m.trk.ListCommentReactions(ctx, ref, current.ID)
	if err != nil {
		return nil, false, err
	}
	return votes.Count(reactions), true, nil
}

// votingCandidates extracts authentic voting comments in first-seen
// order, plus the highest cycle number observed.
func (m *Machine) votingCandidates(comments []tracker.Comment, issue int) ([]metadata.Candidate, int) {
	var out []metadata.Candidate
	maxCycle := 0
	for _, c := range comments {
		if !metadata.IsOfType(c.Body, metadata.TypeVoting, m.actor, c.Author, metadata.ForIssue(issue)) {
			continue
		}
		tag, _ := metadata.Parse(c.Body)
		out = append(out, metadata.Candidate{ID: c.ID, Cycle: tag.Cycle, CreatedAt: c.CreatedAt})
		if tag.Cycle != nil && *tag.Cycle > maxCycle {
			maxCycle = *tag.Cycle
		}
	}
	return out, maxCycle
}

func summarize(t *votes.Tally) tallySummary {
	return tallySummary{
		For:          t.For(),
		Against:      t.Against(),
		Participants: len(t.Participants),
		Discarded:    len(t.Discarded),
	}
}
