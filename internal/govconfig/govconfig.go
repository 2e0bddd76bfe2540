// Package govconfig loads the per-repository governance configuration:
// phase durations and exit rules, voting quorums, and PR intake policy.
// The engine treats a loaded Config as an immutable snapshot for one
// event or sweep iteration; it is threaded as a parameter, never held as
// module state, so events from different repositories can be handled
// concurrently with different configs.
package govconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Exit kinds.
const (
	ExitManual = "manual"
	ExitAuto   = "auto"
)

// Outcome rules for auto exits.
const (
	// RuleMajority decides the outcome from the vote tally.
	RuleMajority = "majority"
)

// Intake methods, evaluated in configured order.
const (
	MethodUpdate   = "update"   // timing guard must pass, no exception
	MethodApproval = "approval" // trusted-reviewer approvals grant an exception
	MethodAuto     = "auto"     // bypass the timing guard (never the PR cap)
)

// Config is the full governance configuration for one repository.
type Config struct {
	Phases map[string]PhaseConfig `yaml:"phases"`
	Voting VotingConfig           `yaml:"voting"`
	Intake IntakeConfig           `yaml:"intake"`
}

// PhaseConfig configures the exits for one phase label.
type PhaseConfig struct {
	Exits []ExitRule `yaml:"exits"`

	// EarlyDecision lets a strong early vote resolve the phase before the
	// timer expires, gated on the (usually larger) early quorum in
	// VotingConfig.
	EarlyDecision bool `yaml:"early_decision,omitempty"`
}

// ExitRule is one way out of a phase.
type ExitRule struct {
	// Kind is "manual" or "auto". Manual exits never fire automatically.
	Kind string `yaml:"kind"`

	// After is the dwell duration before an auto exit fires, measured from
	// the most recent application of the phase label.
	After Duration `yaml:"after,omitempty"`

	// To is the target phase for a fixed transition. Mutually exclusive
	// with Rule.
	To string `yaml:"to,omitempty"`

	// Rule is an outcome rule ("majority") that decides the target phase
	// from the vote tally.
	Rule string `yaml:"rule,omitempty"`
}

// VotingConfig holds quorum and outcome settings shared by the voting
// phases.
type VotingConfig struct {
	// MinVoters is the headcount quorum: participants on the current
	// cycle's comment, valence-blind.
	MinVoters int `yaml:"min_voters"`

	// RequiredVoters optionally names logins whose participation is
	// required; MinRequiredVoters of them must cast a valid vote.
	RequiredVoters    []string `yaml:"required_voters,omitempty"`
	MinRequiredVoters int      `yaml:"min_required_voters,omitempty"`

	// Fallback is where a failed vote goes: "needs-more-discussion",
	// "rejected", or "extended-voting".
	Fallback string `yaml:"fallback"`

	// Early thresholds gate early decisions. Deliberately distinct from
	// the end-of-timer quorum so an early resolution never lowers the bar.
	EarlyMinVoters         int `yaml:"early_min_voters,omitempty"`
	EarlyMinRequiredVoters int `yaml:"early_min_required_voters,omitempty"`
}

// IntakeConfig holds the PR implementation-intake policy.
type IntakeConfig struct {
	// Methods are evaluated in order; the first satisfied method admits
	// the PR.
	Methods []string `yaml:"methods"`

	// TrustedReviewers is the allow-list consulted by the approval method.
	TrustedReviewers []string `yaml:"trusted_reviewers,omitempty"`

	// MinTrustedApprovals is how many trusted approvals the approval
	// method requires.
	MinTrustedApprovals int `yaml:"min_trusted_approvals,omitempty"`

	// MaxPRsPerIssue caps concurrently active implementation PRs per
	// ready issue.
	MaxPRsPerIssue int `yaml:"max_prs_per_issue"`
}

// Duration is a yaml-friendly duration supporting day ("3d") and week
// ("2w") suffixes on top of time.ParseDuration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func parseDuration(s string) (time.Duration, error) {
	var n int
	if _, err := fmt.Sscanf(s, "%dd", &n); err == nil && fmt.Sprintf("%dd", n) == s {
		return time.Duration(n) * 24 * time.Hour, nil
	}
	if _, err := fmt.Sscanf(s, "%dw", &n); err == nil && fmt.Sprintf("%dw", n) == s {
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Default returns the stock governance configuration: three days of
// discussion, a week of voting with early decisions enabled, and a
// two-approval escape hatch for pre-staged PRs.
func Default() *Config {
	return &Config{
		Phases: map[string]PhaseConfig{
			"discussion": {
				Exits: []ExitRule{
					{Kind: ExitAuto, After: Duration(72 * time.Hour), To: "voting"},
				},
			},
			"voting": {
				Exits: []ExitRule{
					{Kind: ExitAuto, After: Duration(168 * time.Hour), Rule: RuleMajority},
				},
				EarlyDecision: true,
			},
			"extended-voting": {
				Exits: []ExitRule{
					{Kind: ExitAuto, After: Duration(72 * time.Hour), Rule: RuleMajority},
				},
			},
			"ready-to-implement": {
				Exits: []ExitRule{{Kind: ExitManual}},
			},
		},
		Voting: VotingConfig{
			MinVoters:      3,
			Fallback:       "needs-more-discussion",
			EarlyMinVoters: 5,
		},
		Intake: IntakeConfig{
			Methods:             []string{MethodUpdate, MethodApproval},
			MinTrustedApprovals: 2,
			MaxPRsPerIssue:      3,
		},
	}
}

// Load reads a governance config file, layered over defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading governance config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing governance config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid governance config %s: %w", path, err)
	}
	return cfg, nil
}

var validFallbacks = map[string]bool{
	"needs-more-discussion": true,
	"rejected":              true,
	"extended-voting":       true,
}

// Validate checks the configuration for self-consistency.
func (c *Config) Validate() error {
	for phase, pc := range c.Phases {
		for i, exit := range pc.Exits {
			switch exit.Kind {
			case ExitManual:
				if exit.After != 0 || exit.To != "" || exit.Rule != "" {
					return fmt.Errorf("phase %q exit %d: manual exits carry no after/to/rule", phase, i)
				}
			case ExitAuto:
				if exit.After <= 0 {
					return fmt.Errorf("phase %q exit %d: auto exit needs a positive after", phase, i)
				}
				if (exit.To == "") == (exit.Rule == "") {
					return fmt.Errorf("phase %q exit %d: auto exit needs exactly one of to/rule", phase, i)
				}
				if exit.Rule != "" && exit.Rule != RuleMajority {
					return fmt.Errorf("phase %q exit %d: unknown rule %q", phase, i, exit.Rule)
				}
			default:
				return fmt.Errorf("phase %q exit %d: unknown kind %q", phase, i, exit.Kind)
			}
		}
	}

	if c.Voting.MinVoters < 0 || c.Voting.MinRequiredVoters < 0 {
		return fmt.Errorf("voting quorums must be non-negative")
	}
	if c.Voting.Fallback != "" && !validFallbacks[c.Voting.Fallback] {
		return fmt.Errorf("unknown voting fallback %q", c.Voting.Fallback)
	}
	if c.Voting.MinRequiredVoters > len(c.Voting.RequiredVoters) {
		return fmt.Errorf("min_required_voters %d exceeds required_voters size %d",
			c.Voting.MinRequiredVoters, len(c.Voting.RequiredVoters))
	}

	seen := make(map[string]bool)
	for _, m := range c.Intake.Methods {
		switch m {
		case MethodUpdate, MethodApproval, MethodAuto:
		default:
			return fmt.Errorf("unknown intake method %q", m)
		}
		if seen[m] {
			return fmt.Errorf("duplicate intake method %q", m)
		}
		seen[m] = true
	}
	if len(c.Intake.Methods) == 0 {
		return fmt.Errorf("at least one intake method is required")
	}
	if seen[MethodApproval] && c.Intake.MinTrustedApprovals < 1 {
		return fmt.Errorf("approval intake needs min_trusted_approvals >= 1")
	}
	if c.Intake.MaxPRsPerIssue < 1 {
		return fmt.Errorf("max_prs_per_issue must be at least 1")
	}

	return nil
}
