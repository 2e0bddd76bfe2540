package tracker

import (
	"regexp"
	"strconv"
)

// The tracker only auto-closes issues referenced with one of these
// keywords; a bare "#123" mention never links. The regexp mirrors that
// rule so link detection agrees with what the platform will actually do
// on merge.
var closingRefPattern = regexp.MustCompile(
	`(?i)\b(?:close[sd]?|fix(?:e[sd])?|resolve[sd]?)\b:?\s+(?:(?:https?://[^/\s]+/([\w.-]+)/([\w.-]+)/issues/)|#)(\d+)`)

// ClosingReferences extracts issue numbers that the given PR body would
// close in the named repository. Cross-repository references are kept only
// when their owner/repo match; plain #N references always refer to the
// PR's own repository.
func ClosingReferences(body, owner, repo string) []int {
	seen := make(map[int]bool)
	var out []int
	for _, m := range closingRefPattern.FindAllStringSubmatch(body, -1) {
		if m[1] != "" && (m[1] != owner || m[2] != repo) {
			continue
		}
		n, err := strconv.Atoi(m[3])
		if err != nil || n <= 0 || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// ClosesIssue reports whether the PR body carries a closing reference to
// the given issue.
func ClosesIssue(body string, issue Ref) bool {
	for _, n := range ClosingReferences(body, issue.Owner, issue.Repo) {
		if n == issue.Number {
			return true
		}
	}
	return false
}
