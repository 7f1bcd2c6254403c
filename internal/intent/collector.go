package intent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrIntentTimeout means the provider did not answer within the per-agent
// deadline. The agent is skipped for the cycle.
var ErrIntentTimeout = errors.New("intent timeout")

// Provider proposes an intent for one agent. The deadline is carried by ctx;
// a call still running when it passes is abandoned and its answer dropped.
// Returning nil, nil means the agent abstains this cycle.
type Provider interface {
	Propose(ctx context.Context, obs Observation) (*Proposal, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, obs Observation) (*Proposal, error)

// Propose implements Provider.
func (f ProviderFunc) Propose(ctx context.Context, obs Observation) (*Proposal, error) {
	return f(ctx, obs)
}

// Failure records an agent that produced no intent.
type Failure struct {
	AgentID  string
	Err      error
	TimedOut bool
}

// Collector fans out observations to a provider with bounded parallelism.
type Collector struct {
	provider    Provider
	maxParallel int
	timeout     time.Duration
	retries     int
	log         *zap.Logger
	now         func() time.Time
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithMaxParallel bounds concurrent provider calls.
func WithMaxParallel(n int) CollectorOption {
	return func(c *Collector) {
		if n > 0 {
			c.maxParallel = n
		}
	}
}

// WithTimeout sets the per-agent deadline.
func WithTimeout(d time.Duration) CollectorOption {
	return func(c *Collector) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetries sets how many extra attempts a failing (non-timeout) call gets.
func WithRetries(n int) CollectorOption {
	return func(c *Collector) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) CollectorOption {
	return func(c *Collector) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock overrides the submission timestamp source.
func WithClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

// NewCollector creates a collector. Defaults: 4 parallel calls, 5s timeout, 1 retry.
func NewCollector(p Provider, opts ...CollectorOption) *Collector {
	c := &Collector{
		provider:    p,
		maxParallel: 4,
		timeout:     5 * time.Second,
		retries:     1,
		log:         zap.NewNop(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Collect gathers intents for all observations. Per-agent failures never
// fail the batch. Intents come back sorted by agent id.
func (c *Collector) Collect(ctx context.Context, obs []Observation) ([]Intent, []Failure) {
	type slot struct {
		intent  *Intent
		failure *Failure
	}
	slots := make([]slot, len(obs))

	var g errgroup.Group
	g.SetLimit(c.maxParallel)
	for i := range obs {
		i := i
		g.Go(func() error {
			in, err := c.proposeOne(ctx, obs[i])
			switch {
			case err != nil:
				f := &Failure{AgentID: obs[i].AgentID, Err: err, TimedOut: errors.Is(err, ErrIntentTimeout)}
				slots[i].failure = f
				if f.TimedOut {
					c.log.Info("intent timed out", zap.String("agent", f.AgentID), zap.Uint64("cycle", obs[i].Cycle))
				} else {
					c.log.Warn("intent provider failed", zap.String("agent", f.AgentID), zap.Error(err))
				}
			case in != nil:
				slots[i].intent = in
			}
			return nil
		})
	}
	_ = g.Wait()

	var intents []Intent
	var failures []Failure
	for _, s := range slots {
		if s.intent != nil {
			intents = append(intents, *s.intent)
		}
		if s.failure != nil {
			failures = append(failures, *s.failure)
		}
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i].AgentID < intents[j].AgentID })
	sort.Slice(failures, func(i, j int) bool { return failures[i].AgentID < failures[j].AgentID })
	return intents, failures
}

func (c *Collector) proposeOne(ctx context.Context, obs Observation) (*Intent, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		actx, cancel := context.WithTimeout(ctx, c.timeout)
		p, err := c.call(actx, obs)
		deadline := errors.Is(actx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			if p == nil {
				return nil, nil
			}
			return &Intent{
				AgentID:     obs.AgentID,
				Cycle:       obs.Cycle,
				Text:        p.Text,
				Payload:     p.Payload,
				Priority:    p.Priority,
				SubmittedAt: c.now().UTC(),
			}, nil
		}
		if ctx.Err() == nil && (deadline || errors.Is(err, context.DeadlineExceeded)) {
			return nil, fmt.Errorf("agent %s cycle %d: %w", obs.AgentID, obs.Cycle, ErrIntentTimeout)
		}
		lastErr = err
		c.log.Debug("intent attempt failed", zap.String("agent", obs.AgentID), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("agent %s: %w", obs.AgentID, lastErr)
}

type answer struct {
	p   *Proposal
	err error
}

// call runs Propose on its own goroutine so a provider that ignores ctx
// cannot hold the cycle past the deadline.
func (c *Collector) call(ctx context.Context, obs Observation) (*Proposal, error) {
	done := make(chan answer, 1)
	go func() {
		p, err := c.provider.Propose(ctx, obs)
		done <- answer{p: p, err: err}
	}()
	select {
	case a := <-done:
		return a.p, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
