package reconcile

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/quorumbot/quorum/internal/govconfig"
)

// Repo names one repository under governance.
type Repo struct {
	Owner string
	Name  string
}

// Runner drives the sweeps on an independent timer per invocation cycle.
// A failed sweep simply ends and retries on the next tick.
type Runner struct {
	mu sync.Mutex

	sweeper  *Sweeper
	repos    []Repo
	cfg      *govconfig.Config
	interval time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRunner creates a sweep runner.
func NewRunner(sweeper *Sweeper, repos []Repo, cfg *govconfig.Config, interval time.Duration) (*Runner, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("sweeper is required")
	}
	if len(repos) == 0 {
		return nil, fmt.Errorf("at least one repository is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	return &Runner{sweeper: sweeper, repos: repos, cfg: cfg, interval: interval}, nil
}

// Start begins the periodic sweep loop. It returns immediately; use Stop
// for a graceful shutdown.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("runner already started")
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		// First pass immediately so a restart repairs drift without
		// waiting a full interval.
		r.SweepAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SweepAll(ctx)
			}
		}
	}()
	return nil
}

// Stop cancels the loop and waits for the in-flight sweep to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

// SweepAll runs every sweep over every configured repository once.
func (r *Runner) SweepAll(ctx context.Context) {
	for _, repo := range r.repos {
		if ctx.Err() != nil {
			return
		}
		r.sweepRepo(ctx, repo)
	}
}

func (r *Runner) sweepRepo(ctx context.Context, repo Repo) {
	type pass struct {
		name string
		run  func() (*Result, error)
	}
	passes := []pass{
		{"unlabeled", func() (*Result, error) {
			return r.sweeper.ReconcileUnlabeledIssues(ctx, repo.Owner, repo.Name)
		}},
		{"voting-comments", func() (*Result, error) {
			return r.sweeper.ReconcileMissingVotingComments(ctx, repo.Owner, repo.Name)
		}},
		{"phases", func() (*Result, error) {
			return r.sweeper.EvaluatePhases(ctx, repo.Owner, repo.Name, r.cfg, time.Now())
		}},
	}

	for _, p := range passes {
		result, err := p.run()
		if err != nil {
			log.Printf("reconcile %s/%s %s: %v", repo.Owner, repo.Name, p.name, err)
			continue
		}
		if result.Repaired > 0 || result.Failed > 0 {
			log.Printf("reconcile %s/%s %s: run=%s checked=%d repaired=%d failed=%d access=%d",
				repo.Owner, repo.Name, p.name, result.RunID,
				result.Checked, result.Repaired, result.Failed, len(result.AccessIssues))
		}
	}
}
