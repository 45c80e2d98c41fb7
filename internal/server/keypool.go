package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type KeyLease struct {
	Label     string
	APIKey    string
	SecretKey string
	keyRef    *probeKeyState
}

// KeyPool hands out Indodax credentials for runs. A key qualifies when its
// daily issue budget can absorb the run's estimated request count and its
// one-minute acquisition window is under the configured RPM.
type KeyPool struct {
	mu   sync.Mutex
	keys []*probeKeyState
}

type probeKeyState struct {
	Config          ProbeKeyConfig
	DayKey          string
	IssuedToday     int
	RequestsLastMin []time.Time
	ActiveRuns      int
}

func NewKeyPool(cfg ServerConfig) *KeyPool {
	pool := &KeyPool{keys: []*probeKeyState{}}
	for _, key := range cfg.Keys.ProbeKeys {
		item := key
		if strings.TrimSpace(item.APIKey) == "" || strings.TrimSpace(item.SecretKey) == "" {
			continue
		}
		if strings.TrimSpace(item.Label) == "" {
			item.Label = fmt.Sprintf("key-%d", len(pool.keys)+1)
		}
		if item.DailyRequestLimit <= 0 {
			item.DailyRequestLimit = 10000
		}
		if item.RPM <= 0 {
			item.RPM = 30
		}
		pool.keys = append(pool.keys, &probeKeyState{Config: item})
	}
	return pool
}

func (p *KeyPool) Acquire(estimatedRequests int) (KeyLease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return KeyLease{}, errors.New("no probe keys configured")
	}
	if estimatedRequests < 0 {
		estimatedRequests = 0
	}
	now := time.Now()
	dayKey := now.UTC().Format("2006-01-02")
	candidates := make([]*probeKeyState, 0, len(p.keys))
	for _, key := range p.keys {
		p.rollWindow(key, now, dayKey)
		remaining := key.Config.DailyRequestLimit - key.IssuedToday
		if remaining < estimatedRequests {
			continue
		}
		if len(key.RequestsLastMin) >= key.Config.RPM {
			continue
		}
		candidates = append(candidates, key)
	}
	if len(candidates) == 0 {
		return KeyLease{}, errors.New("all probe keys are exhausted or cooling down")
	}
	sort.Slice(candidates, func(i, j int) bool {
		leftRemain := candidates[i].Config.DailyRequestLimit - candidates[i].IssuedToday
		rightRemain := candidates[j].Config.DailyRequestLimit - candidates[j].IssuedToday
		if leftRemain == rightRemain {
			return candidates[i].ActiveRuns < candidates[j].ActiveRuns
		}
		return leftRemain > rightRemain
	})
	selected := candidates[0]
	selected.ActiveRuns++
	selected.RequestsLastMin = append(selected.RequestsLastMin, now)
	return KeyLease{
		Label:     selected.Config.Label,
		APIKey:    selected.Config.APIKey,
		SecretKey: selected.Config.SecretKey,
		keyRef:    selected,
	}, nil
}

func (p *KeyPool) Commit(lease KeyLease, usage KeyUsageRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lease.keyRef == nil {
		return
	}
	now := time.Now()
	dayKey := now.UTC().Format("2006-01-02")
	p.rollWindow(lease.keyRef, now, dayKey)
	if usage.RequestsIssued > 0 {
		lease.keyRef.IssuedToday += usage.RequestsIssued
	}
	if lease.keyRef.ActiveRuns > 0 {
		lease.keyRef.ActiveRuns--
	}
}

func (p *KeyPool) Reject(lease KeyLease) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if lease.keyRef == nil {
		return
	}
	if lease.keyRef.ActiveRuns > 0 {
		lease.keyRef.ActiveRuns--
	}
}

func (p *KeyPool) rollWindow(state *probeKeyState, now time.Time, dayKey string) {
	if state.DayKey != dayKey {
		state.DayKey = dayKey
		state.IssuedToday = 0
		state.RequestsLastMin = nil
	}
	cutoff := now.Add(-1 * time.Minute)
	state.RequestsLastMin = filterRecentTime(state.RequestsLastMin, cutoff)
}

func filterRecentTime(items []time.Time, cutoff time.Time) []time.Time {
	if len(items) == 0 {
		return items
	}
	out := items[:0]
	for _, item := range items {
		if item.After(cutoff) {
			out = append(out, item)
		}
	}
	return out
}
