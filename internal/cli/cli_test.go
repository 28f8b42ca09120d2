package cli

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stepgate/stepgate/internal/app/control"
	"github.com/stepgate/stepgate/internal/domain"
)

func TestHumanDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{45 * time.Second, "45s"},
		{9 * time.Minute, "9m"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
		{-time.Minute, "0s"},
	}
	for _, tt := range tests {
		if got := humanDuration(tt.in); got != tt.want {
			t.Errorf("humanDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRenderStatus(t *testing.T) {
	end := time.Now().Add(10 * time.Minute)
	out := renderStatus(domain.Snapshot{
		CurrentSteps:           4200,
		WalletBalanceMinutes:   30,
		Mode:                   domain.ModeEarning,
		Tier:                   domain.TierMedium,
		SessionEndTime:         &end,
		SessionDurationMinutes: 10,
		SessionRemainingSecs:   600,
		Shield:                 domain.ShieldUnblocked.String(),
	})

	for _, want := range []string{"StepGate", "30 min", "4200", "unlocked", "10 min, 10m left"} {
		if !strings.Contains(out, want) {
			t.Errorf("status panel missing %q:\n%s", want, out)
		}
	}

	idle := renderStatus(domain.Snapshot{Mode: domain.ModeIdle, Tier: domain.TierEasy, Shield: "blocking"})
	if !strings.Contains(idle, "blocked") || !strings.Contains(idle, "none") {
		t.Errorf("idle panel:\n%s", idle)
	}
}

func TestRenderDiagnostics(t *testing.T) {
	out := renderDiagnostics(control.Diagnostics{
		Values: map[string]string{domain.KeyWatchdogThreshold: "15"},
		Armed:  true,
	})
	if !strings.Contains(out, domain.KeyWatchdogThreshold+" = 15") {
		t.Errorf("diagnostics missing threshold:\n%s", out)
	}
}

func TestCommands_EarnUnlockEnd(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STEPGATE_HOME", dir)
	config := filepath.Join(dir, "config.toml")

	run := func(args ...string) error {
		rootCmd.SetArgs(append([]string{"--config", config}, args...))
		return rootCmd.Execute()
	}

	if err := run("unlock", "5"); err == nil {
		t.Fatal("unlock with an empty wallet should fail")
	}
	if err := run("earn", "start"); err != nil {
		t.Fatalf("earn start: %v", err)
	}
	if err := run("report", "steps", "2000"); err != nil {
		t.Fatalf("report steps: %v", err)
	}
	if err := run("tier", "hard"); err != nil {
		t.Fatalf("tier: %v", err)
	}
	if err := run("end"); err == nil {
		t.Fatal("end without a session should fail")
	}
	if err := run("reset"); err == nil {
		t.Fatal("reset without --yes should fail")
	}
	if err := run("watchdog", "fire", "bogus"); err == nil {
		t.Fatal("unknown watchdog event should fail")
	}
	if err := run("status"); err != nil {
		t.Fatalf("status: %v", err)
	}
}
