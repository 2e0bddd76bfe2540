package phase

import (
	"fmt"

	"github.com/quorumbot/quorum/internal/metadata"
)

// Notification kinds carried in metadata tags, used as idempotency keys.
const (
	notifyDiscussionStart = "discussion-start"
	notifyTransition      = "transition"
)

func discussionBody(issue int) (string, error) {
	text := "## Proposal under discussion\n\n" +
		"This issue has entered the governance process. Discuss the proposal " +
		"here; when the discussion window closes it will move to a vote.\n"
	return metadata.Build(metadata.Tag{
		Type:             metadata.TypeNotification,
		IssueNumber:      issue,
		NotificationType: notifyDiscussionStart,
	}, text)
}

func votingBody(issue, cycle int) (string, error) {
	text := fmt.Sprintf("## Voting is open (round %d)\n\n"+
		"React to **this comment** to vote on the proposal:\n\n"+
		"- 👍 to approve\n"+
		"- 👎 to reject\n\n"+
		"Reacting with more than one kind discards all of your votes.\n", cycle)
	return metadata.Build(metadata.Tag{
		Type:        metadata.TypeVoting,
		IssueNumber: issue,
		Cycle:       &cycle,
	}, text)
}

func transitionBody(issue int, from, to, detail string) (string, error) {
	text := fmt.Sprintf("## Phase change: `%s` → `%s`\n", from, to)
	if from == "" {
		text = fmt.Sprintf("## Phase change: → `%s`\n", to)
	}
	if detail != "" {
		text += "\n" + detail + "\n"
	}
	return metadata.Build(metadata.Tag{
		Type:             metadata.TypeNotification,
		IssueNumber:      issue,
		NotificationType: notifyTransition + ":" + to,
	}, text)
}

func outcomeDetail(tally tallySummary) string {
	return fmt.Sprintf("Final tally: %d in favor, %d against, %d participants (%d discarded).",
		tally.For, tally.Against, tally.Participants, tally.Discarded)
}

// tallySummary is the slice of a vote tally that outcome messages report.
type tallySummary struct {
	For          int
	Against      int
	Participants int
	Discarded    int
}
