package metadata

import (
	"strings"
	"testing"
	"time"
)

func intPtr(n int) *int { return &n }

func TestBuildParseRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	body, err := Build(Tag{
		Type:        TypeVoting,
		IssueNumber: 42,
		CreatedAt:   created,
		Cycle:       intPtr(3),
	}, "## Voting is open\n\nReact with a thumbs up or down.")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !strings.HasPrefix(body, "<!-- metadata: {") {
		t.Fatalf("tag prefix missing: %q", body)
	}
	firstLine := strings.SplitN(body, "\n", 2)[0]
	if !strings.HasSuffix(firstLine, " -->") {
		t.Fatalf("tag must be a single line: %q", firstLine)
	}

	tag, ok := Parse(body)
	if !ok {
		t.Fatal("Parse failed on freshly built body")
	}
	if tag.Type != TypeVoting || tag.IssueNumber != 42 {
		t.Errorf("round trip lost fields: %+v", tag)
	}
	if tag.Cycle == nil || *tag.Cycle != 3 {
		t.Errorf("cycle lost: %+v", tag.Cycle)
	}
	if !tag.CreatedAt.Equal(created) {
		t.Errorf("createdAt = %v, want %v", tag.CreatedAt, created)
	}
}

func TestBuildRejectsIncompleteTags(t *testing.T) {
	tests := []struct {
		name string
		tag  Tag
	}{
		{"voting without cycle", Tag{Type: TypeVoting, IssueNumber: 1}},
		{"error without code", Tag{Type: TypeError, IssueNumber: 1}},
		{"notification without kind", Tag{Type: TypeNotification, IssueNumber: 1}},
		{"standup without repo", Tag{Type: TypeStandup, IssueNumber: 1, Day: "mon", Date: "2026-03-02"}},
		{"unknown type", Tag{Type: "gossip", IssueNumber: 1}},
		{"zero issue", Tag{Type: TypeWelcome}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Build(tt.tag, "body"); err == nil {
				t.Error("Build accepted an incomplete tag")
			}
		})
	}
}

func TestParseFailsClosed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no tag", "just a human comment"},
		{"tag not on first line", "hello\n<!-- metadata: {\"version\":1} -->"},
		{"malformed json", `<!-- metadata: {version:1} -->`},
		{"wrong prefix", `<!-- meta: {"version":1,"type":"welcome","issueNumber":1,"createdAt":"2026-01-01T00:00:00Z"} -->`},
		{"unknown type", `<!-- metadata: {"version":1,"type":"gossip","issueNumber":1,"createdAt":"2026-01-01T00:00:00Z"} -->`},
		{"missing createdAt", `<!-- metadata: {"version":1,"type":"welcome","issueNumber":1} -->`},
		{"voting missing cycle", `<!-- metadata: {"version":1,"type":"voting","issueNumber":1,"createdAt":"2026-01-01T00:00:00Z"} -->`},
		{"zero version", `<!-- metadata: {"version":0,"type":"welcome","issueNumber":1,"createdAt":"2026-01-01T00:00:00Z"} -->`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tag, ok := Parse(tt.body); ok {
				t.Errorf("Parse accepted %q as %+v", tt.body, tag)
			}
		})
	}
}

func TestIsOfType(t *testing.T) {
	body, err := Build(Tag{Type: TypeWelcome, IssueNumber: 7}, "Welcome!")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !IsOfType(body, TypeWelcome, "quorum[bot]", "quorum[bot]") {
		t.Error("authentic welcome comment not recognized")
	}
	if IsOfType(body, TypeWelcome, "quorum[bot]", "mallory") {
		t.Error("spoofed comment (wrong actor) must never be trusted")
	}
	if IsOfType(body, TypeVoting, "quorum[bot]", "quorum[bot]") {
		t.Error("type mismatch must not match")
	}
	if !IsOfType(body, TypeWelcome, "quorum[bot]", "quorum[bot]", ForIssue(7)) {
		t.Error("issue filter should accept matching issue")
	}
	if IsOfType(body, TypeWelcome, "quorum[bot]", "quorum[bot]", ForIssue(8)) {
		t.Error("issue filter should reject other issues")
	}

	voting, err := Build(Tag{Type: TypeVoting, IssueNumber: 7, Cycle: intPtr(2)}, "vote here")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !IsOfType(voting, TypeVoting, "quorum[bot]", "quorum[bot]", ForCycle(2)) {
		t.Error("cycle filter should accept the matching cycle")
	}
	if IsOfType(voting, TypeVoting, "quorum[bot]", "quorum[bot]", ForCycle(3)) {
		t.Error("cycle filter should reject other cycles")
	}
}

func TestSelectCurrent(t *testing.T) {
	t.Run("highest cycle wins regardless of order", func(t *testing.T) {
		got := SelectCurrent([]Candidate{
			{ID: 10, Cycle: intPtr(1)},
			{ID: 30, Cycle: intPtr(3)},
			{ID: 20, Cycle: intPtr(2)},
		})
		if got == nil || got.ID != 30 {
			t.Errorf("got %+v, want ID 30", got)
		}
	})

	t.Run("nil cycles sort last", func(t *testing.T) {
		got := SelectCurrent([]Candidate{
			{ID: 1, Cycle: nil},
			{ID: 2, Cycle: intPtr(1)},
		})
		if got == nil || got.ID != 2 {
			t.Errorf("got %+v, want ID 2", got)
		}
	})

	t.Run("tie broken by input order not createdAt", func(t *testing.T) {
		early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		late := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
		got := SelectCurrent([]Candidate{
			{ID: 1, Cycle: intPtr(2), CreatedAt: late},
			{ID: 2, Cycle: intPtr(2), CreatedAt: early},
		})
		if got == nil || got.ID != 1 {
			t.Errorf("got %+v, want first-seen ID 1", got)
		}
	})

	t.Run("all nil cycles returns first", func(t *testing.T) {
		got := SelectCurrent([]Candidate{{ID: 5}, {ID: 6}})
		if got == nil || got.ID != 5 {
			t.Errorf("got %+v, want ID 5", got)
		}
	})

	t.Run("empty returns nil", func(t *testing.T) {
		if got := SelectCurrent(nil); got != nil {
			t.Errorf("got %+v, want nil", got)
		}
	})
}
