package server

import "testing"

func poolConfig(keys ...ProbeKeyConfig) ServerConfig {
	cfg := DefaultServerConfig()
	cfg.Keys.ProbeKeys = keys
	return cfg
}

func TestKeyPoolAcquirePrefersMostHeadroom(t *testing.T) {
	pool := NewKeyPool(poolConfig(
		ProbeKeyConfig{Label: "small", APIKey: "a", SecretKey: "s", DailyRequestLimit: 100, RPM: 10},
		ProbeKeyConfig{Label: "large", APIKey: "b", SecretKey: "t", DailyRequestLimit: 5000, RPM: 10},
	))
	lease, err := pool.Acquire(50)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lease.Label != "large" {
		t.Fatalf("leased %s, want the key with most remaining budget", lease.Label)
	}
	pool.Commit(lease, KeyUsageRecord{RequestsIssued: 50})
}

func TestKeyPoolDailyBudgetBlocksOversizedRun(t *testing.T) {
	pool := NewKeyPool(poolConfig(
		ProbeKeyConfig{Label: "only", APIKey: "a", SecretKey: "s", DailyRequestLimit: 100, RPM: 10},
	))
	lease, err := pool.Acquire(80)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pool.Commit(lease, KeyUsageRecord{RequestsIssued: 80})

	if _, err := pool.Acquire(80); err == nil {
		t.Fatalf("expected acquire to fail once daily budget cannot absorb the run")
	}
	if _, err := pool.Acquire(10); err != nil {
		t.Fatalf("small run should still fit: %v", err)
	}
}

func TestKeyPoolSkipsIncompleteKeys(t *testing.T) {
	pool := NewKeyPool(poolConfig(
		ProbeKeyConfig{Label: "no-secret", APIKey: "a"},
	))
	if _, err := pool.Acquire(1); err == nil {
		t.Fatalf("expected no usable keys")
	}
}
