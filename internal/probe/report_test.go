package probe

import (
	"testing"
	"time"

	"limit-probe/internal/indodax"
)

func resultAt(seq int, outcome Outcome, rateLimited bool, latency time.Duration, issued time.Time) ProbeResult {
	return ProbeResult{
		Sequence:    seq,
		Pair:        "btc_idr",
		IssuedAt:    issued,
		FinishedAt:  issued.Add(latency),
		Duration:    latency,
		Outcome:     outcome,
		StatusCode:  200,
		RateLimited: rateLimited,
	}
}

func TestBuildReportCountsAndTotals(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	run := RunResult{Channels: map[string][]ProbeResult{
		"btc_idr": {
			resultAt(0, OutcomeOK, false, 10*time.Millisecond, base),
			resultAt(1, OutcomeAppError, true, 20*time.Millisecond, base.Add(60*time.Millisecond)),
			resultAt(2, OutcomeAppError, true, 30*time.Millisecond, base.Add(120*time.Millisecond)),
			resultAt(3, OutcomeTransportError, false, 5*time.Millisecond, base.Add(180*time.Millisecond)),
			resultAt(4, OutcomeDecodeError, false, 15*time.Millisecond, base.Add(240*time.Millisecond)),
		},
		"eth_idr": {
			resultAt(5, OutcomeOK, false, 12*time.Millisecond, base),
		},
	}}

	report := BuildReport("https://indodax.com/tapi", ModeAdaptiveBackoff, run)

	if report.TotalRequests != 6 || report.TotalOK != 2 || report.TotalRateLimited != 2 {
		t.Fatalf("totals requests=%d ok=%d rate_limited=%d", report.TotalRequests, report.TotalOK, report.TotalRateLimited)
	}
	if len(report.Channels) != 2 {
		t.Fatalf("got %d channel summaries", len(report.Channels))
	}
	// Summaries are sorted by pair for stable output.
	if report.Channels[0].Pair != "btc_idr" || report.Channels[1].Pair != "eth_idr" {
		t.Fatalf("channel order %q, %q", report.Channels[0].Pair, report.Channels[1].Pair)
	}

	btc := report.Channels[0]
	if btc.OK != 1 || btc.AppErrors != 2 || btc.TransportErrors != 1 || btc.DecodeErrors != 1 {
		t.Fatalf("btc counts: %+v", btc)
	}
	if btc.RateLimited != 2 {
		t.Fatalf("btc rate_limited=%d, want 2", btc.RateLimited)
	}
	if btc.FirstLimitedSeq != 1 {
		t.Fatalf("btc first_rate_limited_seq=%d, want 1", btc.FirstLimitedSeq)
	}

	eth := report.Channels[1]
	if eth.FirstLimitedSeq != -1 {
		t.Fatalf("eth first_rate_limited_seq=%d, want -1 when never limited", eth.FirstLimitedSeq)
	}
}

func TestBuildReportLatencyStatistics(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	log := make([]ProbeResult, 0, 10)
	for i := 0; i < 10; i++ {
		latency := time.Duration(i+1) * 10 * time.Millisecond
		log = append(log, resultAt(i, OutcomeOK, false, latency, base.Add(time.Duration(i)*100*time.Millisecond)))
	}
	report := BuildReport("https://indodax.com/tapi", ModeFixedCadence, RunResult{
		Channels: map[string][]ProbeResult{"btc_idr": log},
	})

	s := report.Channels[0]
	if s.LatencyMinMS != 10 || s.LatencyMaxMS != 100 {
		t.Fatalf("min=%v max=%v", s.LatencyMinMS, s.LatencyMaxMS)
	}
	if s.LatencyP50MS != 50 {
		t.Fatalf("p50=%v, want 50", s.LatencyP50MS)
	}
	if s.LatencyP95MS != 100 {
		t.Fatalf("p95=%v, want 100", s.LatencyP95MS)
	}
	if s.LatencyStddevMS <= 0 {
		t.Fatalf("stddev=%v, want > 0", s.LatencyStddevMS)
	}
	// Nine issue gaps of 100ms each.
	if s.MeanIntervalMS != 100 {
		t.Fatalf("mean_interval_ms=%v, want 100", s.MeanIntervalMS)
	}
}

func TestBuildReportErrorCodeBreakdown(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	limited := resultAt(0, OutcomeAppError, true, time.Millisecond, base)
	limited.Response = &indodax.APIResponse{Success: 0, Error: "try again in 5 seconds", ErrorCode: "too_many_requests_from_your_ip"}
	invalid := resultAt(1, OutcomeAppError, false, time.Millisecond, base.Add(time.Millisecond))
	invalid.Response = &indodax.APIResponse{Success: 0, ErrorCode: "invalid_credentials"}

	report := BuildReport("https://indodax.com/tapi", ModeAdaptiveBackoff, RunResult{
		Channels: map[string][]ProbeResult{"btc_idr": {limited, limited, invalid}},
	})
	codes := report.Channels[0].ErrorCodes
	if codes["too_many_requests_from_your_ip"] != 2 || codes["invalid_credentials"] != 1 {
		t.Fatalf("error code breakdown: %v", codes)
	}
}

func TestBuildReportEmptyChannel(t *testing.T) {
	report := BuildReport("https://indodax.com/tapi", ModeFixedCadence, RunResult{
		Channels: map[string][]ProbeResult{"btc_idr": {}},
	})
	s := report.Channels[0]
	if s.Requests != 0 || s.FirstLimitedSeq != -1 || s.LatencyMaxMS != 0 {
		t.Fatalf("empty channel summary: %+v", s)
	}
	if report.TotalRequests != 0 {
		t.Fatalf("total_requests=%d", report.TotalRequests)
	}
}
