package probe

import (
	"time"

	"limit-probe/internal/indodax"
)

// Outcome classifies one probe attempt. Exactly one kind applies per result.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeAppError       Outcome = "app_error"
	OutcomeDecodeError    Outcome = "decode_error"
	OutcomeTransportError Outcome = "transport_error"
)

// Mode selects the pacing policy of a channel scheduler.
type Mode string

const (
	ModeFixedCadence    Mode = "fixed-cadence"
	ModeAdaptiveBackoff Mode = "adaptive-backoff"
)

// DefaultRateLimitMarker is the wording Indodax uses when throttling trade
// calls. Matching is a case-insensitive substring test because the remote
// message carries variable content around the phrase.
const DefaultRateLimitMarker = "try again in 5 seconds"

const (
	DefaultInitialDelay   = 60 * time.Millisecond
	DefaultBackoffCeiling = 5 * time.Second
)

// ProbeRequest holds one attempt's parameters, immutable once built. The
// timestamp is sampled fresh per build and doubles as the replay nonce.
type ProbeRequest struct {
	Pair      string
	Sequence  int
	Timestamp int64
	Params    indodax.Params
	Signature string
}

// ProbeResult is the outcome of one attempt. Produced exactly once per
// ProbeRequest and never mutated afterwards.
type ProbeResult struct {
	Sequence    int                  `json:"sequence"`
	Pair        string               `json:"pair"`
	IssuedAt    time.Time            `json:"issued_at"`
	FinishedAt  time.Time            `json:"finished_at"`
	Duration    time.Duration        `json:"duration_ns"`
	Outcome     Outcome              `json:"outcome"`
	StatusCode  int                  `json:"status_code,omitempty"`
	Body        string               `json:"body,omitempty"`
	Response    *indodax.APIResponse `json:"response,omitempty"`
	RateLimited bool                 `json:"rate_limited"`
}

// RunConfig is the dispatcher's entry-point configuration.
type RunConfig struct {
	Channels           []string      `json:"channels"`
	RequestsPerChannel int           `json:"requests_per_channel"`
	Mode               Mode          `json:"mode"`
	InitialDelay       time.Duration `json:"initial_delay_ns"`
	BackoffCeiling     time.Duration `json:"backoff_ceiling_ns"`
}

// RunResult maps each channel to its ordered result log. Assembled once by
// the dispatcher after all channels finish; read-only for consumers.
type RunResult struct {
	Channels map[string][]ProbeResult `json:"channels"`
}

// ParseMode normalizes a mode string from configuration.
func ParseMode(value string) (Mode, error) {
	switch Mode(value) {
	case ModeFixedCadence, "":
		return ModeFixedCadence, nil
	case ModeAdaptiveBackoff:
		return ModeAdaptiveBackoff, nil
	}
	return "", &UnknownModeError{Value: value}
}

type UnknownModeError struct {
	Value string
}

func (e *UnknownModeError) Error() string {
	return "unknown pacing mode: " + e.Value
}
