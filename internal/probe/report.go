package probe

import (
	"math"
	"sort"
	"time"
)

// ChannelSummary aggregates one channel's result log.
type ChannelSummary struct {
	Pair            string  `json:"pair"`
	Requests        int     `json:"requests"`
	OK              int     `json:"ok"`
	AppErrors       int     `json:"app_errors"`
	DecodeErrors    int     `json:"decode_errors"`
	TransportErrors int     `json:"transport_errors"`
	RateLimited     int     `json:"rate_limited"`
	FirstLimitedSeq int     `json:"first_rate_limited_seq"`
	LatencyMinMS    float64 `json:"latency_min_ms"`
	LatencyMaxMS    float64 `json:"latency_max_ms"`
	LatencyP50MS    float64 `json:"latency_p50_ms"`
	LatencyP95MS    float64 `json:"latency_p95_ms"`
	LatencyStddevMS float64 `json:"latency_stddev_ms"`
	// MeanIntervalMS is the observed average gap between consecutive issue
	// times, the realized probing rate as opposed to the configured one.
	MeanIntervalMS float64        `json:"mean_interval_ms"`
	ErrorCodes     map[string]int `json:"error_codes,omitempty"`
	StartedAt      string         `json:"started_at,omitempty"`
	FinishedAt     string         `json:"finished_at,omitempty"`
}

// Report is the rendered view of a run, consumed by the CLI and the service.
type Report struct {
	GeneratedAt      string           `json:"generated_at"`
	Endpoint         string           `json:"endpoint"`
	Mode             string           `json:"mode"`
	Channels         []ChannelSummary `json:"channels"`
	TotalRequests    int              `json:"total_requests"`
	TotalOK          int              `json:"total_ok"`
	TotalRateLimited int              `json:"total_rate_limited"`
}

func BuildReport(endpoint string, mode Mode, run RunResult) Report {
	report := Report{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoint:    endpoint,
		Mode:        string(mode),
		Channels:    make([]ChannelSummary, 0, len(run.Channels)),
	}
	pairs := make([]string, 0, len(run.Channels))
	for pair := range run.Channels {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)
	for _, pair := range pairs {
		summary := summarizeChannel(pair, run.Channels[pair])
		report.Channels = append(report.Channels, summary)
		report.TotalRequests += summary.Requests
		report.TotalOK += summary.OK
		report.TotalRateLimited += summary.RateLimited
	}
	return report
}

func summarizeChannel(pair string, log []ProbeResult) ChannelSummary {
	summary := ChannelSummary{
		Pair:            pair,
		Requests:        len(log),
		FirstLimitedSeq: -1,
	}
	if len(log) == 0 {
		return summary
	}

	durations := make([]float64, 0, len(log))
	for _, result := range log {
		durations = append(durations, float64(result.Duration.Milliseconds()))
		switch result.Outcome {
		case OutcomeOK:
			summary.OK++
		case OutcomeAppError:
			summary.AppErrors++
		case OutcomeDecodeError:
			summary.DecodeErrors++
		case OutcomeTransportError:
			summary.TransportErrors++
		}
		if result.RateLimited {
			summary.RateLimited++
			if summary.FirstLimitedSeq < 0 {
				summary.FirstLimitedSeq = result.Sequence
			}
		}
		if result.Response != nil && result.Response.ErrorCode != "" {
			if summary.ErrorCodes == nil {
				summary.ErrorCodes = map[string]int{}
			}
			summary.ErrorCodes[result.Response.ErrorCode]++
		}
	}

	sort.Float64s(durations)
	n := len(durations)
	summary.LatencyMinMS = durations[0]
	summary.LatencyMaxMS = durations[n-1]
	summary.LatencyP50MS = percentile(durations, 0.50)
	summary.LatencyP95MS = percentile(durations, 0.95)
	summary.LatencyStddevMS = stddev(durations)

	summary.StartedAt = log[0].IssuedAt.UTC().Format(time.RFC3339Nano)
	summary.FinishedAt = log[len(log)-1].FinishedAt.UTC().Format(time.RFC3339Nano)
	if len(log) > 1 {
		span := log[len(log)-1].IssuedAt.Sub(log[0].IssuedAt)
		summary.MeanIntervalMS = float64(span.Milliseconds()) / float64(len(log)-1)
	}
	return summary
}

// percentile expects sorted input.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return math.Sqrt(variance)
}
