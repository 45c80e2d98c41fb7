package probe

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the lifecycle of a channel scheduler. An instance walks
// idle -> running -> draining -> done exactly once and is not reusable.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateDone     State = "done"
)

var errSchedulerReused = errors.New("channel scheduler is not reusable")

// ChannelConfig describes one channel's run.
type ChannelConfig struct {
	Pair           string
	Requests       int
	StartSeq       int
	Mode           Mode
	InitialDelay   time.Duration
	BackoffCeiling time.Duration
}

// Scheduler owns one channel's request stream. It issues requests at a
// controlled interval and, in adaptive mode, adjusts the interval from
// classified outcomes. All state is owned exclusively by the scheduler;
// nothing is shared across channels.
type Scheduler struct {
	cfg       ChannelConfig
	builder   *Builder
	transport Transport

	sleep func(context.Context, time.Duration) error

	mu                sync.Mutex
	state             State
	delay             time.Duration
	consecutiveErrors int
	log               []ProbeResult
}

func NewScheduler(cfg ChannelConfig, builder *Builder, transport Transport) *Scheduler {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = DefaultBackoffCeiling
	}
	return &Scheduler{
		cfg:       cfg,
		builder:   builder,
		transport: transport,
		sleep:     sleepContext,
		state:     StateIdle,
		delay:     cfg.InitialDelay,
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Delay reports the current inter-request delay.
func (s *Scheduler) Delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delay
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run executes the channel's request stream and returns the ordered result
// log. On cancellation the log up to that point is returned together with
// the context error; results already logged stay valid.
func (s *Scheduler) Run(ctx context.Context) ([]ProbeResult, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, errSchedulerReused
	}
	if s.cfg.Requests == 0 {
		s.state = StateDone
		s.mu.Unlock()
		return []ProbeResult{}, nil
	}
	s.state = StateRunning
	s.mu.Unlock()

	var runErr error
	switch s.cfg.Mode {
	case ModeAdaptiveBackoff:
		runErr = s.runAdaptive(ctx)
	default:
		runErr = s.runFixed(ctx)
	}

	s.setState(StateDraining)
	out := make([]ProbeResult, len(s.log))
	copy(out, s.log)
	s.setState(StateDone)
	return out, runErr
}

// runFixed issues requests fire-and-forget at a constant tick: dispatch does
// not block on completion, so several attempts may be in flight at once
// within the channel. Results land in sequence-indexed slots, which keeps the
// log ordered regardless of completion interleaving.
func (s *Scheduler) runFixed(ctx context.Context) error {
	n := s.cfg.Requests
	results := make([]ProbeResult, n)
	var wg sync.WaitGroup

	issued := 0
	var runErr error
	for i := 0; i < n; i++ {
		req := s.builder.Build(s.cfg.Pair, s.cfg.StartSeq+i)
		wg.Add(1)
		go func(slot int, req ProbeRequest) {
			defer wg.Done()
			results[slot] = s.transport.Send(ctx, req)
		}(i, req)
		issued++
		if i == n-1 {
			break
		}
		if err := s.sleep(ctx, s.delay); err != nil {
			runErr = err
			break
		}
	}
	wg.Wait()

	s.mu.Lock()
	s.log = append(s.log, results[:issued]...)
	s.mu.Unlock()
	return runErr
}

// runAdaptive issues requests strictly sequentially and applies the
// multiplicative-increase / multiplicative-decrease controller after each
// result. A rate-limit hit doubles the delay; clean outcomes shrink it back
// toward the initial delay, asymmetrically, so one hit dominates several
// successes.
func (s *Scheduler) runAdaptive(ctx context.Context) error {
	n := s.cfg.Requests
	for i := 0; i < n; i++ {
		req := s.builder.Build(s.cfg.Pair, s.cfg.StartSeq+i)
		result := s.transport.Send(ctx, req)

		s.mu.Lock()
		s.log = append(s.log, result)
		s.observeLocked(result)
		delay := s.delay
		s.mu.Unlock()

		if i == n-1 {
			break
		}
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) observeLocked(result ProbeResult) {
	if result.Outcome == OutcomeAppError && result.RateLimited {
		s.consecutiveErrors++
		s.delay *= 2
		if s.delay > s.cfg.BackoffCeiling {
			s.delay = s.cfg.BackoffCeiling
		}
		return
	}
	if result.Outcome == OutcomeOK {
		s.consecutiveErrors = 0
	} else {
		s.consecutiveErrors++
	}
	if !result.RateLimited {
		s.delay = s.delay * 2 / 3
		if s.delay < s.cfg.InitialDelay {
			s.delay = s.cfg.InitialDelay
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
