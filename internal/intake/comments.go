package intake

import (
	"fmt"

	"github.com/quorumbot/quorum/internal/metadata"
)

// Notification kinds used as per-PR / per-issue idempotency keys.
const (
	notifyIssueNotReady  = "issue-not-ready"
	notifyNeedsUpdate    = "needs-update"
	notifyCapacityFull   = "capacity-full"
	notifyCapacityWait   = "capacity-wait"
	notifyImplementation = "implementation-joined"
)

func notReadyBody(issue int) (string, error) {
	text := fmt.Sprintf("## Linked issue is not ready\n\n"+
		"Issue #%d has not reached `ready-to-implement`, so this PR cannot "+
		"claim an implementation slot for it yet. Once the proposal is "+
		"decided, push an update to be considered.\n", issue)
	return metadata.Build(metadata.Tag{
		Type:             metadata.TypeNotification,
		IssueNumber:      issue,
		NotificationType: notifyIssueNotReady,
	}, text)
}

func needsUpdateBody(issue int) (string, error) {
	text := fmt.Sprintf("## Update needed\n\n"+
		"This PR predates the readiness decision on issue #%d. To show it "+
		"reflects the winning proposal, push a commit, comment, or edit the "+
		"PR after the issue became ready.\n", issue)
	return metadata.Build(metadata.Tag{
		Type:             metadata.TypeNotification,
		IssueNumber:      issue,
		NotificationType: notifyNeedsUpdate,
	}, text)
}

func capacityFullBody(issue, cap int) (string, error) {
	text := fmt.Sprintf("## Implementation slots are full\n\n"+
		"Issue #%d already has %d active implementation PR(s), the "+
		"configured maximum. This PR is being closed; feel free to reopen "+
		"the conversation if a slot frees up.\n", issue, cap)
	return metadata.Build(metadata.Tag{
		Type:             metadata.TypeNotification,
		IssueNumber:      issue,
		NotificationType: notifyCapacityFull,
	}, text)
}

func capacityWaitBody(issue int) (string, error) {
	text := fmt.Sprintf("## No room yet\n\n"+
		"This PR passed intake checks for issue #%d, but all implementation "+
		"slots are currently taken. It will be reconsidered when a "+
		"competing PR closes.\n", issue)
	return metadata.Build(metadata.Tag{
		Type:             metadata.TypeNotification,
		IssueNumber:      issue,
		NotificationType: notifyCapacityWait,
	}, text)
}

func welcomeBody(pr int) (string, error) {
	text := "## Welcome to the implementation race\n\n" +
		"This PR is now an active implementation candidate. It will appear " +
		"on the leaderboard of every linked ready issue; reviewer approvals " +
		"move it up the ranking.\n"
	return metadata.Build(metadata.Tag{
		Type:        metadata.TypeWelcome,
		IssueNumber: pr,
	}, text)
}

func implementationJoinedBody(issue, pr int) (string, error) {
	text := fmt.Sprintf("## New implementation candidate\n\n"+
		"PR #%d was admitted as an active implementation for this proposal. "+
		"The leaderboard below will be updated as reviews come in.\n", pr)
	return metadata.Build(metadata.Tag{
		Type:             metadata.TypeNotification,
		IssueNumber:      issue,
		NotificationType: notifyImplementation,
	}, text)
}
