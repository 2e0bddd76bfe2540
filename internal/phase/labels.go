// Package phase implements the proposal lifecycle state machine: the
// phase labels an issue moves through, timed and early-decision
// evaluation, and the ordered transition that is the only mutator of
// phase labels.
package phase

// Phase labels. An issue carries exactly one at a time; transitions add
// the new label before removing the old one so a crash can never leave an
// issue unlabeled.
const (
	Discussion          = "discussion"
	Voting              = "voting"
	ExtendedVoting      = "extended-voting"
	Ready               = "ready-to-implement"
	Rejected            = "rejected"
	Implemented         = "implemented"
	NeedsMoreDiscussion = "needs-more-discussion"
)

// ImplementationLabel marks a PR admitted as an active implementation.
const ImplementationLabel = "implementation"

// All lists every phase label, in the order used to resolve an issue that
// transiently carries more than one (mid-transition or after a partial
// failure): later lifecycle states win.
var All = []string{
	Implemented,
	Rejected,
	Ready,
	ExtendedVoting,
	Voting,
	NeedsMoreDiscussion,
	Discussion,
}

// IsPhase reports whether the label is a recognized phase label.
func IsPhase(label string) bool {
	for _, l := range All {
		if l == label {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the phase ends the proposal lifecycle.
func IsTerminal(label string) bool {
	return label == Implemented || label == Rejected
}

// Current resolves the issue's phase from its label set.
func Current(labels []string) (string, bool) {
	for _, phase := range All {
		for _, l := range labels {
			if l == phase {
				return phase, true
			}
		}
	}
	return "", false
}

// closeReason maps a terminal phase to the tracker's close reason.
func closeReason(label string) string {
	if label == Implemented {
		return "completed"
	}
	return "not_planned"
}
