package probe

import (
	"context"
	"sync"
	"testing"
	"time"
)

// scriptTransport replies with a scripted sequence of outcomes, one per call.
// When the script runs out it keeps replying with the final entry.
type scriptTransport struct {
	mu     sync.Mutex
	script []ProbeResult
	calls  int
}

func (s *scriptTransport) Send(ctx context.Context, req ProbeRequest) ProbeResult {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	result := s.script[idx]
	s.mu.Unlock()

	result.Sequence = req.Sequence
	result.Pair = req.Pair
	result.IssuedAt = time.Now()
	result.FinishedAt = result.IssuedAt
	return result
}

func okResult() ProbeResult {
	return ProbeResult{Outcome: OutcomeOK, StatusCode: 200}
}

func rateLimitedResult() ProbeResult {
	return ProbeResult{Outcome: OutcomeAppError, StatusCode: 200, RateLimited: true}
}

func testScheduler(cfg ChannelConfig, transport Transport) *Scheduler {
	return NewScheduler(cfg, NewBuilder(BuilderConfig{SecretKey: "s"}), transport)
}

func TestSchedulerAdaptiveBackoffDoublesOnRateLimit(t *testing.T) {
	transport := &scriptTransport{script: []ProbeResult{okResult(), rateLimitedResult(), okResult()}}
	sched := testScheduler(ChannelConfig{
		Pair:         "btc_idr",
		Requests:     3,
		Mode:         ModeAdaptiveBackoff,
		InitialDelay: 60 * time.Millisecond,
	}, transport)
	var sleeps []time.Duration
	sched.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	log, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(log) != 3 {
		t.Fatalf("log length %d, want 3", len(log))
	}
	want := []time.Duration{60 * time.Millisecond, 120 * time.Millisecond}
	if len(sleeps) != len(want) {
		t.Fatalf("recorded %d sleeps, want %d: %v", len(sleeps), len(want), sleeps)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Fatalf("sleep[%d]=%v, want %v", i, sleeps[i], want[i])
		}
	}
}

func TestSchedulerAdaptiveBackoffCeiling(t *testing.T) {
	transport := &scriptTransport{script: []ProbeResult{rateLimitedResult()}}
	sched := testScheduler(ChannelConfig{
		Pair:           "btc_idr",
		Requests:       10,
		Mode:           ModeAdaptiveBackoff,
		InitialDelay:   1 * time.Second,
		BackoffCeiling: 5 * time.Second,
	}, transport)
	sched.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	if _, err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sched.Delay(); got != 5*time.Second {
		t.Fatalf("delay=%v, want ceiling 5s", got)
	}
}

func TestSchedulerAdaptiveRecoveryFloorsAtInitialDelay(t *testing.T) {
	transport := &scriptTransport{script: []ProbeResult{rateLimitedResult(), okResult()}}
	sched := testScheduler(ChannelConfig{
		Pair:         "btc_idr",
		Requests:     8,
		Mode:         ModeAdaptiveBackoff,
		InitialDelay: 60 * time.Millisecond,
	}, transport)
	sched.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	if _, err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := sched.Delay(); got != 60*time.Millisecond {
		t.Fatalf("delay=%v, want recovery floored at initial delay", got)
	}
}

func TestSchedulerAdaptiveRecoveryShrinksDelay(t *testing.T) {
	transport := &scriptTransport{script: []ProbeResult{rateLimitedResult(), rateLimitedResult(), okResult()}}
	sched := testScheduler(ChannelConfig{
		Pair:         "btc_idr",
		Requests:     3,
		Mode:         ModeAdaptiveBackoff,
		InitialDelay: 60 * time.Millisecond,
	}, transport)
	sched.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	if _, err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// 60 -> 120 -> 240, then one clean result shrinks by a third: 160.
	if got := sched.Delay(); got != 160*time.Millisecond {
		t.Fatalf("delay=%v, want 160ms", got)
	}
}

func TestSchedulerSequenceNumbersAreGapFree(t *testing.T) {
	transport := &scriptTransport{script: []ProbeResult{okResult()}}
	sched := testScheduler(ChannelConfig{
		Pair:     "eth_idr",
		Requests: 5,
		StartSeq: 20,
		Mode:     ModeAdaptiveBackoff,
	}, transport)
	sched.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	log, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, r := range log {
		if r.Sequence != 20+i {
			t.Fatalf("log[%d].Sequence=%d, want %d", i, r.Sequence, 20+i)
		}
		if r.Pair != "eth_idr" {
			t.Fatalf("log[%d].Pair=%q", i, r.Pair)
		}
	}
}

func TestSchedulerZeroRequests(t *testing.T) {
	sched := testScheduler(ChannelConfig{Pair: "btc_idr", Requests: 0, Mode: ModeFixedCadence}, &scriptTransport{script: []ProbeResult{okResult()}})
	log, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(log) != 0 {
		t.Fatalf("log length %d, want 0", len(log))
	}
	if sched.State() != StateDone {
		t.Fatalf("state=%s, want done", sched.State())
	}
}

func TestSchedulerTransportErrorsDoNotHaltAdaptiveRun(t *testing.T) {
	transport := &scriptTransport{script: []ProbeResult{{Outcome: OutcomeTransportError, Body: "connection refused"}}}
	sched := testScheduler(ChannelConfig{
		Pair:     "btc_idr",
		Requests: 4,
		Mode:     ModeAdaptiveBackoff,
	}, transport)
	sched.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	log, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(log) != 4 {
		t.Fatalf("log length %d, want all failures logged", len(log))
	}
	for _, r := range log {
		if r.Outcome != OutcomeTransportError {
			t.Fatalf("outcome=%s, want transport_error", r.Outcome)
		}
	}
}

func TestSchedulerFixedCadenceConstantTick(t *testing.T) {
	transport := &scriptTransport{script: []ProbeResult{rateLimitedResult()}}
	sched := testScheduler(ChannelConfig{
		Pair:         "btc_idr",
		Requests:     4,
		Mode:         ModeFixedCadence,
		InitialDelay: 60 * time.Millisecond,
	}, transport)
	var sleeps []time.Duration
	sched.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	log, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(log) != 4 {
		t.Fatalf("log length %d, want 4", len(log))
	}
	// Fixed cadence never reacts to outcomes, even rate-limit hits.
	if len(sleeps) != 3 {
		t.Fatalf("recorded %d sleeps, want 3", len(sleeps))
	}
	for i, d := range sleeps {
		if d != 60*time.Millisecond {
			t.Fatalf("sleep[%d]=%v, want constant 60ms", i, d)
		}
	}
	for i, r := range log {
		if r.Sequence != i {
			t.Fatalf("log[%d].Sequence=%d, want ordered log", i, r.Sequence)
		}
	}
}

func TestSchedulerCancellationReturnsPartialLog(t *testing.T) {
	transport := &scriptTransport{script: []ProbeResult{okResult()}}
	sched := testScheduler(ChannelConfig{
		Pair:     "btc_idr",
		Requests: 10,
		Mode:     ModeAdaptiveBackoff,
	}, transport)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	sched.sleep = func(ctx context.Context, d time.Duration) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return ctx.Err()
	}

	log, err := sched.Run(ctx)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if len(log) != 3 {
		t.Fatalf("log length %d, want 3 results before cancellation", len(log))
	}
	if sched.State() != StateDone {
		t.Fatalf("state=%s, want done even after cancellation", sched.State())
	}
}

func TestSchedulerNotReusable(t *testing.T) {
	sched := testScheduler(ChannelConfig{Pair: "btc_idr", Requests: 1, Mode: ModeFixedCadence}, &scriptTransport{script: []ProbeResult{okResult()}})
	if _, err := sched.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := sched.Run(context.Background()); err == nil {
		t.Fatalf("expected reuse to fail")
	}
}
