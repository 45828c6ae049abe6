package domain

import (
	"testing"
	"time"
)

func TestSettingsApplyDefaults(t *testing.T) {
	var s Settings
	s.ApplyDefaults()

	if s.WorldWidth != 2000 || s.WorldHeight != 2000 {
		t.Fatalf("unexpected world bounds: %v x %v", s.WorldWidth, s.WorldHeight)
	}
	if s.DurationDays != 7 {
		t.Fatalf("duration days = %d, want 7", s.DurationDays)
	}
	if s.Duration() != 7*24*time.Hour {
		t.Fatalf("duration = %v", s.Duration())
	}

	// Overrides survive.
	s2 := Settings{WinPoints: 250, DurationDays: 1}
	s2.ApplyDefaults()
	if s2.WinPoints != 250 || s2.DurationDays != 1 {
		t.Fatalf("overrides clobbered: %+v", s2)
	}
	if s2.LossPoints != 40 {
		t.Fatalf("default not filled next to override: %d", s2.LossPoints)
	}
}

func TestSessionRecordExpired(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rec := SessionRecord{
		Status:    SessionActive,
		StartedAt: start,
		Settings:  DefaultSettings(),
	}

	if rec.Expired(start.Add(6 * 24 * time.Hour)) {
		t.Fatalf("session expired before its budget")
	}
	if !rec.Expired(start.Add(7*24*time.Hour + time.Minute)) {
		t.Fatalf("session did not expire after its budget")
	}

	// Waiting sessions never expire; the clock starts on activation.
	waiting := SessionRecord{Status: SessionWaiting, Settings: DefaultSettings()}
	if waiting.Expired(start.Add(365 * 24 * time.Hour)) {
		t.Fatalf("waiting session should not expire")
	}
}

func TestPlayerWindows(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := Player{
		SpawnProtectedUntil: now.Add(5 * time.Second),
		BattleHaltUntil:     now.Add(-time.Second),
		BattleCooldownUntil: now.Add(time.Second),
	}
	if !p.SpawnProtected(now) {
		t.Fatalf("expected spawn protection")
	}
	if p.Halted(now) {
		t.Fatalf("halt window should have elapsed")
	}
	if !p.OnCooldown(now) {
		t.Fatalf("expected cooldown")
	}

	p.Alive = true
	if p.Connected() {
		t.Fatalf("alive without conn id should not count as connected")
	}
	p.ConnID = "c1"
	if !p.Connected() {
		t.Fatalf("expected connected")
	}

	p.Size = 30
	if p.Radius() != 15 {
		t.Fatalf("radius = %v, want 15", p.Radius())
	}
}
