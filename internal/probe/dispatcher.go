package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Dispatcher fans a run out across channels. Channels are fully independent:
// the only shared resource is the transport's underlying connection pool.
type Dispatcher struct {
	builder   *Builder
	transport Transport
}

func NewDispatcher(builder *Builder, transport Transport) *Dispatcher {
	return &Dispatcher{
		builder:   builder,
		transport: transport,
	}
}

// RunAll starts one scheduler per channel and waits for all of them. Each
// channel is assigned a distinct sequence range (channel i starts at
// i*requestsPerChannel) for correlation in reports; the numbering implies no
// cross-channel ordering. On cancellation the merged result carries every
// channel's log up to that point alongside the context error.
func (d *Dispatcher) RunAll(ctx context.Context, cfg RunConfig) (RunResult, error) {
	if err := validateRunConfig(cfg); err != nil {
		return RunResult{}, err
	}

	result := RunResult{
		Channels: make(map[string][]ProbeResult, len(cfg.Channels)),
	}
	var mu sync.Mutex

	grp, grpCtx := errgroup.WithContext(ctx)
	for i, pair := range cfg.Channels {
		scheduler := NewScheduler(ChannelConfig{
			Pair:           pair,
			Requests:       cfg.RequestsPerChannel,
			StartSeq:       i * cfg.RequestsPerChannel,
			Mode:           cfg.Mode,
			InitialDelay:   cfg.InitialDelay,
			BackoffCeiling: cfg.BackoffCeiling,
		}, d.builder, d.transport)
		grp.Go(func() error {
			// Schedulers only fail on cancellation; transport and
			// application errors are logged results, so one channel's
			// outcome never cancels its siblings.
			log, err := scheduler.Run(grpCtx)
			mu.Lock()
			result.Channels[pair] = log
			mu.Unlock()
			return err
		})
	}
	err := grp.Wait()
	return result, err
}

func validateRunConfig(cfg RunConfig) error {
	if len(cfg.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	seen := make(map[string]struct{}, len(cfg.Channels))
	for _, pair := range cfg.Channels {
		if pair == "" {
			return errors.New("channel pair identifier must not be empty")
		}
		if _, dup := seen[pair]; dup {
			return fmt.Errorf("duplicate channel %q", pair)
		}
		seen[pair] = struct{}{}
	}
	if cfg.RequestsPerChannel < 0 {
		return fmt.Errorf("requests per channel must be >= 0, got %d", cfg.RequestsPerChannel)
	}
	switch cfg.Mode {
	case ModeFixedCadence, ModeAdaptiveBackoff:
	default:
		return &UnknownModeError{Value: string(cfg.Mode)}
	}
	return nil
}
