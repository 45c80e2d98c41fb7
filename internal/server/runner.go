package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"limit-probe/internal/indodax"
	"limit-probe/internal/probe"
)

type RunManager struct {
	cfg        ServerConfig
	store      Store
	keys       *KeyPool
	obs        *Observability
	queue      chan queuedRun
	wg         sync.WaitGroup
	quickLimit *ipRateLimiter
}

type RunnerService interface {
	CreateAdminRun(request RunRequest, principal Principal, source string) (RunMeta, error)
	CreateQuickProbe(request QuickProbeRequest, ipHash, uaHash string) (RunMeta, error)
}

type queuedRun struct {
	RunID       string
	Request     RunRequest
	Creator     Principal
	CreatorType string
	Source      string
}

func NewRunManager(cfg ServerConfig, store Store, keys *KeyPool, obs *Observability) *RunManager {
	maxParallel := cfg.Probe.MaxParallelRuns
	if maxParallel <= 0 {
		maxParallel = 2
	}
	manager := &RunManager{
		cfg:        cfg,
		store:      store,
		keys:       keys,
		obs:        obs,
		queue:      make(chan queuedRun, maxParallel*8),
		quickLimit: newIPRateLimiter(cfg.Limits.QuickProbeRPM),
	}
	for i := 0; i < maxParallel; i++ {
		manager.wg.Add(1)
		go func() {
			defer manager.wg.Done()
			manager.worker()
		}()
	}
	return manager
}

func (m *RunManager) Shutdown() {
	close(m.queue)
	m.wg.Wait()
}

func (m *RunManager) CreateAdminRun(request RunRequest, principal Principal, source string) (RunMeta, error) {
	normalized, err := m.normalizeRunRequest(request)
	if err != nil {
		return RunMeta{}, err
	}
	runID := newRunID()
	meta := RunMeta{
		RunID:       runID,
		Status:      "queued",
		Source:      source,
		CreatorType: "admin",
		CreatorSub:  principal.Subject,
		Request:     normalized,
		Limit:       LimitSnapshot{FirstThrottleSeq: -1},
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "run queued", map[string]any{
		"source": source,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: "admin",
		ActorSub:  principal.Subject,
		Action:    "run.create",
		Result:    "queued",
	})
	m.queue <- queuedRun{
		RunID:       runID,
		Request:     normalized,
		Creator:     principal,
		CreatorType: "admin",
		Source:      source,
	}
	return meta, nil
}

func (m *RunManager) CreateQuickProbe(request QuickProbeRequest, ipHash, uaHash string) (RunMeta, error) {
	if !m.quickLimit.Allow(ipHash) {
		if m.obs != nil {
			m.obs.MarkKeyBlocked(context.Background(), "quick_probe_rate_limit")
		}
		_ = m.store.AppendAudit(AuditEvent{
			Timestamp: nowRFC3339(),
			ActorType: "user",
			Action:    "quick_probe.reject",
			Result:    "rate_limited",
			IPHash:    ipHash,
			UAHash:    uaHash,
		})
		return RunMeta{}, errors.New("quick probe rate limit reached")
	}
	runRequest, err := presetToRunRequest(request, m.cfg)
	if err != nil {
		return RunMeta{}, err
	}
	runID := newRunID()
	meta := RunMeta{
		RunID:       runID,
		Status:      "queued",
		Source:      "user.quick_probe",
		CreatorType: "user",
		Request:     runRequest,
		Limit:       LimitSnapshot{FirstThrottleSeq: -1},
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateRun(meta); err != nil {
		return RunMeta{}, err
	}
	_, _ = m.store.AppendRunEvent(runID, "queue", "quick probe queued", map[string]any{
		"preset_id": request.PresetID,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     runID,
		ActorType: "user",
		Action:    "quick_probe.create",
		Result:    "queued",
		IPHash:    ipHash,
		UAHash:    uaHash,
		Detail:    request.PresetID,
	})
	m.queue <- queuedRun{
		RunID:       runID,
		Request:     runRequest,
		CreatorType: "user",
		Source:      "user.quick_probe",
	}
	return meta, nil
}

func (m *RunManager) normalizeRunRequest(request RunRequest) (RunRequest, error) {
	if strings.TrimSpace(request.Endpoint) == "" {
		request.Endpoint = m.cfg.Probe.DefaultEndpoint
	}
	if len(request.Channels) == 0 {
		return RunRequest{}, errors.New("at least one channel is required")
	}
	if len(request.Channels) > m.cfg.Probe.MaxChannels {
		return RunRequest{}, fmt.Errorf("too many channels: %d > %d", len(request.Channels), m.cfg.Probe.MaxChannels)
	}
	if request.RequestsPerChannel < 0 {
		return RunRequest{}, errors.New("requests_per_channel must be >= 0")
	}
	if request.RequestsPerChannel > m.cfg.Probe.MaxRequestsPerChannel {
		return RunRequest{}, fmt.Errorf("requests_per_channel too large: %d > %d",
			request.RequestsPerChannel, m.cfg.Probe.MaxRequestsPerChannel)
	}
	mode, err := probe.ParseMode(request.Mode)
	if err != nil {
		return RunRequest{}, err
	}
	request.Mode = string(mode)
	if strings.TrimSpace(request.Marker) == "" {
		request.Marker = m.cfg.Probe.DefaultMarker
	}
	if request.TimeoutSec <= 0 {
		request.TimeoutSec = m.cfg.Probe.DefaultTimeoutSec
	}
	return request, nil
}

func (m *RunManager) worker() {
	for queued := range m.queue {
		m.executeRun(queued)
	}
}

func (m *RunManager) executeRun(queued queuedRun) {
	startedAt := nowRFC3339()
	_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
		meta.Status = "running"
		meta.StartedAt = startedAt
	})
	_, _ = m.store.AppendRunEvent(queued.RunID, "start", "run started", nil)

	if queued.Request.DryRun {
		report := buildDryRunReport(queued.Request)
		m.finishRun(queued, report, KeyUsageRecord{
			RunID:    queued.RunID,
			KeyLabel: "dry-run",
		}, nil)
		return
	}

	estimated := len(queued.Request.Channels) * queued.Request.RequestsPerChannel
	lease, err := m.keys.Acquire(estimated)
	if err != nil {
		_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
			meta.Status = "fail"
			meta.Error = "probe key unavailable: " + err.Error()
			meta.FinishedAt = nowRFC3339()
			meta.KeyUsage = KeyUsageRecord{
				RunID:         queued.RunID,
				BlockedReason: "probe_key_unavailable",
			}
		})
		_, _ = m.store.AppendRunEvent(queued.RunID, "error", "probe key unavailable", map[string]any{"error": err.Error()})
		if m.obs != nil {
			m.obs.MarkRun(context.Background(), "fail")
			m.obs.MarkKeyBlocked(context.Background(), "key_unavailable")
		}
		return
	}

	timeout := time.Duration(queued.Request.TimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client := indodax.NewClient(indodax.Config{
		BaseURL:   queued.Request.Endpoint,
		APIKey:    lease.APIKey,
		SecretKey: lease.SecretKey,
	})
	builder := probe.NewBuilder(probe.BuilderConfig{SecretKey: lease.SecretKey})
	transport := probe.NewHTTPTransport(client, queued.Request.Marker)
	dispatcher := probe.NewDispatcher(builder, transport)

	runResult, runErr := dispatcher.RunAll(ctx, probe.RunConfig{
		Channels:           queued.Request.Channels,
		RequestsPerChannel: queued.Request.RequestsPerChannel,
		Mode:               probe.Mode(queued.Request.Mode),
		InitialDelay:       time.Duration(queued.Request.InitialDelayMS) * time.Millisecond,
		BackoffCeiling:     time.Duration(queued.Request.BackoffCeilingMS) * time.Millisecond,
	})
	report := probe.BuildReport(queued.Request.Endpoint, probe.Mode(queued.Request.Mode), runResult)

	usage := KeyUsageRecord{
		RunID:          queued.RunID,
		KeyLabel:       lease.Label,
		RequestsIssued: report.TotalRequests,
		RateLimitHits:  report.TotalRateLimited,
	}
	m.keys.Commit(lease, usage)
	m.finishRun(queued, report, usage, runErr)
}

func (m *RunManager) finishRun(queued queuedRun, report probe.Report, usage KeyUsageRecord, runErr error) {
	ctx := context.Background()
	for _, channel := range report.Channels {
		_, _ = m.store.AppendRunEvent(queued.RunID, "channel_result", "channel finished", map[string]any{
			"pair":                   channel.Pair,
			"requests":               channel.Requests,
			"rate_limited":           channel.RateLimited,
			"first_rate_limited_seq": channel.FirstLimitedSeq,
		})
		if m.obs != nil {
			m.obs.MarkChannel(ctx, channel.Pair, channelDurationMS(channel))
			m.obs.MarkRateLimited(ctx, channel.Pair, int64(channel.RateLimited))
		}
	}

	status := runStatus(report, runErr)
	snapshot := limitFromReport(report)
	_, _ = m.store.UpdateRun(queued.RunID, func(meta *RunMeta) {
		meta.Status = status
		meta.FinishedAt = nowRFC3339()
		meta.Report = &report
		meta.KeyUsage = usage
		meta.Limit = snapshot
		if runErr != nil {
			meta.Error = runErr.Error()
		}
	})
	_, _ = m.store.AppendRunEvent(queued.RunID, "completed", "run completed", map[string]any{
		"status":             status,
		"total_requests":     report.TotalRequests,
		"total_rate_limited": report.TotalRateLimited,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		RunID:     queued.RunID,
		ActorType: queued.CreatorType,
		ActorSub:  queued.Creator.Subject,
		Action:    "run.completed",
		Result:    status,
		Detail:    fmt.Sprintf("requests=%d rate_limited=%d key=%s", report.TotalRequests, report.TotalRateLimited, usage.KeyLabel),
	})
	if m.obs != nil {
		m.obs.MarkRun(ctx, status)
	}
}

// runStatus treats a run as failed only when it could not produce a usable
// measurement: cancellation/timeout, or every issued request dying in
// transport. Rate-limit responses are the signal being hunted, not a failure.
func runStatus(report probe.Report, runErr error) string {
	if runErr != nil {
		return "fail"
	}
	if report.TotalRequests > 0 && report.TotalOK == 0 {
		transportOnly := true
		for _, channel := range report.Channels {
			if channel.TransportErrors != channel.Requests {
				transportOnly = false
				break
			}
		}
		if transportOnly {
			return "fail"
		}
	}
	return "done"
}

func limitFromReport(report probe.Report) LimitSnapshot {
	out := LimitSnapshot{FirstThrottleSeq: -1}
	var spanMS float64
	for _, channel := range report.Channels {
		out.RateLimitedCount += channel.RateLimited
		out.TransportErrors += channel.TransportErrors
		if channel.FirstLimitedSeq >= 0 && (out.FirstThrottleSeq < 0 || channel.FirstLimitedSeq < out.FirstThrottleSeq) {
			out.FirstThrottleSeq = channel.FirstLimitedSeq
		}
		if channel.Requests > 1 {
			spanMS += channel.MeanIntervalMS * float64(channel.Requests-1)
		}
	}
	if report.TotalRequests > 0 {
		out.SuccessRate = float64(report.TotalOK) / float64(report.TotalRequests)
	}
	if spanMS > 0 {
		out.SustainedRPS = float64(report.TotalRequests) / (spanMS / 1000)
	}
	return out
}

func channelDurationMS(channel probe.ChannelSummary) int64 {
	started := parseRFC3339Nano(channel.StartedAt)
	finished := parseRFC3339Nano(channel.FinishedAt)
	if started.IsZero() || finished.IsZero() || finished.Before(started) {
		return 0
	}
	return finished.Sub(started).Milliseconds()
}

func parseRFC3339Nano(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func newRunID() string {
	return "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func presetToRunRequest(input QuickProbeRequest, cfg ServerConfig) (RunRequest, error) {
	preset := strings.ToLower(strings.TrimSpace(input.PresetID))
	pairs := make([]string, 0, len(input.Pairs))
	for _, pair := range input.Pairs {
		pair = strings.ToLower(strings.TrimSpace(pair))
		if pair != "" {
			pairs = append(pairs, pair)
		}
	}
	if len(pairs) == 0 {
		pairs = []string{"btc_idr"}
	}
	endpoint := strings.TrimSpace(input.Endpoint)
	if endpoint == "" {
		endpoint = cfg.Probe.DefaultEndpoint
	}
	base := RunRequest{
		Endpoint:   endpoint,
		Channels:   pairs,
		Marker:     cfg.Probe.DefaultMarker,
		TimeoutSec: cfg.Probe.DefaultTimeoutSec,
	}
	switch preset {
	case "burst-fixed":
		base.Mode = string(probe.ModeFixedCadence)
		base.RequestsPerChannel = 50
		base.InitialDelayMS = 60
	case "adaptive-scan":
		base.Mode = string(probe.ModeAdaptiveBackoff)
		base.RequestsPerChannel = 40
		base.InitialDelayMS = 60
		base.BackoffCeilingMS = 5000
	case "sustained-pressure":
		base.Mode = string(probe.ModeFixedCadence)
		base.RequestsPerChannel = 200
		base.InitialDelayMS = 250
	default:
		return RunRequest{}, errors.New("unsupported preset_id")
	}
	if base.RequestsPerChannel > cfg.Probe.MaxRequestsPerChannel {
		base.RequestsPerChannel = cfg.Probe.MaxRequestsPerChannel
	}
	return base, nil
}

func buildDryRunReport(request RunRequest) probe.Report {
	run := probe.RunResult{Channels: map[string][]probe.ProbeResult{}}
	for i, pair := range request.Channels {
		log := make([]probe.ProbeResult, 0, request.RequestsPerChannel)
		now := time.Now()
		for j := 0; j < request.RequestsPerChannel; j++ {
			issued := now.Add(time.Duration(j*request.InitialDelayMS) * time.Millisecond)
			log = append(log, probe.ProbeResult{
				Sequence:   i*request.RequestsPerChannel + j,
				Pair:       pair,
				IssuedAt:   issued,
				FinishedAt: issued,
				Outcome:    probe.OutcomeOK,
				StatusCode: 200,
				Body:       `{"success":1}`,
			})
		}
		run.Channels[pair] = log
	}
	return probe.BuildReport(request.Endpoint, probe.Mode(request.Mode), run)
}

// ipRateLimiter is a per-client token bucket over hashed IPs.
type ipRateLimiter struct {
	mu       sync.Mutex
	rpm      int
	limiters map[string]*rate.Limiter
}

func newIPRateLimiter(rpm int) *ipRateLimiter {
	if rpm <= 0 {
		rpm = 6
	}
	return &ipRateLimiter{
		rpm:      rpm,
		limiters: map[string]*rate.Limiter{},
	}
}

func (l *ipRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.rpm)), l.rpm)
		l.limiters[key] = limiter
	}
	return limiter.Allow()
}

func hashString(input string) string {
	sum := sha256Sum(input)
	return sum[:16]
}

func sha256Sum(input string) string {
	hash := sha256.New()
	_, _ = hash.Write([]byte(input))
	return hex.EncodeToString(hash.Sum(nil))
}
