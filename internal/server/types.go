package server

import (
	"time"

	"limit-probe/internal/probe"
)

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type RunRequest struct {
	Endpoint           string   `json:"endpoint"`
	Channels           []string `json:"channels"`
	RequestsPerChannel int      `json:"requests_per_channel"`
	Mode               string   `json:"mode,omitempty"`
	InitialDelayMS     int      `json:"initial_delay_ms,omitempty"`
	BackoffCeilingMS   int      `json:"backoff_ceiling_ms,omitempty"`
	Marker             string   `json:"rate_limit_marker,omitempty"`
	TimeoutSec         int      `json:"timeout_sec,omitempty"`
	DryRun             bool     `json:"dry_run,omitempty"`
}

type QuickProbeRequest struct {
	PresetID string   `json:"preset_id"`
	Pairs    []string `json:"pairs"`
	Endpoint string   `json:"endpoint,omitempty"`
}

type RunMeta struct {
	RunID       string         `json:"run_id"`
	Status      string         `json:"status"`
	CreatorType string         `json:"creator_type"`
	CreatorSub  string         `json:"creator_sub,omitempty"`
	Source      string         `json:"source"`
	Request     RunRequest     `json:"request"`
	StartedAt   string         `json:"started_at,omitempty"`
	FinishedAt  string         `json:"finished_at,omitempty"`
	CreatedAt   string         `json:"created_at"`
	Error       string         `json:"error,omitempty"`
	Report      *probe.Report  `json:"report,omitempty"`
	Limit       LimitSnapshot  `json:"limit"`
	KeyUsage    KeyUsageRecord `json:"key_usage"`
}

// LimitSnapshot is the condensed answer a run produces: where and how hard
// the endpoint pushed back.
type LimitSnapshot struct {
	FirstThrottleSeq int     `json:"first_throttle_seq"`
	RateLimitedCount int     `json:"rate_limited_count"`
	TransportErrors  int     `json:"transport_errors"`
	SuccessRate      float64 `json:"success_rate"`
	SustainedRPS     float64 `json:"sustained_rps"`
}

type KeyUsageRecord struct {
	RunID          string `json:"run_id"`
	KeyLabel       string `json:"key_label"`
	RequestsIssued int    `json:"requests_issued"`
	RateLimitHits  int    `json:"rate_limit_hits"`
	BlockedReason  string `json:"blocked_reason,omitempty"`
}

type AuditEvent struct {
	Timestamp string `json:"timestamp"`
	RunID     string `json:"run_id,omitempty"`
	ActorType string `json:"actor_type"`
	ActorSub  string `json:"actor_sub,omitempty"`
	Action    string `json:"action"`
	Result    string `json:"result"`
	IPHash    string `json:"ip_hash,omitempty"`
	UAHash    string `json:"ua_hash,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

type RunEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt      string `json:"generated_at"`
	TotalRuns        int    `json:"total_runs"`
	RunningRuns      int    `json:"running_runs"`
	DoneRuns         int    `json:"done_runs"`
	FailRuns         int    `json:"fail_runs"`
	TotalRequests    int    `json:"total_requests"`
	TotalRateLimited int    `json:"total_rate_limited"`
	AverageDuration  int64  `json:"average_duration_ms"`
}

type StoreSnapshot struct {
	Runs   []RunMeta    `json:"runs"`
	Events []RunEvent   `json:"events"`
	Audit  []AuditEvent `json:"audit"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseRFC3339(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
