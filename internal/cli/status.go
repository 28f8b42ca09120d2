package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/stepgate/stepgate/internal/app/control"
	"github.com/stepgate/stepgate/internal/daemon"
	"github.com/stepgate/stepgate/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Width(18)

	unlockedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Bold(true)

	blockedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Bold(true)

	walletStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F7DC6F")).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")).
			Padding(0, 1)
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolP("diagnostics", "d", false, "Include watchdog and heartbeat diagnostics")
}

// ─── status ─────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show wallet, session and shield state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	withDiag, _ := cmd.Flags().GetBool("diagnostics")
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		snap, err := d.Control.Snapshot(ctx)
		if err != nil {
			return err
		}
		var diag *control.Diagnostics
		if withDiag {
			v, err := d.Control.Diagnostics(ctx)
			if err != nil {
				return err
			}
			diag = &v
		}

		if jsonOutput {
			return printJSON(struct {
				State       domain.Snapshot      `json:"state"`
				Diagnostics *control.Diagnostics `json:"diagnostics,omitempty"`
			}{snap, diag})
		}
		fmt.Println(renderStatus(snap))
		if diag != nil {
			fmt.Println(renderDiagnostics(*diag))
		}
		return nil
	})
}

// renderStatus draws the snapshot panel.
func renderStatus(s domain.Snapshot) string {
	shield := blockedStyle.Render("● blocked")
	if domain.ParseShieldState(s.Shield) == domain.ShieldUnblocked {
		shield = unlockedStyle.Render("● unlocked")
	}

	session := "none"
	if s.SessionEndTime != nil {
		session = fmt.Sprintf("%d min, %s left (ends %s)",
			s.SessionDurationMinutes,
			humanDuration(time.Duration(s.SessionRemainingSecs)*time.Second),
			s.SessionEndTime.Local().Format(time.Kitchen))
	}

	rows := []string{
		row("Wallet", walletStyle.Render(fmt.Sprintf("%d min", s.WalletBalanceMinutes))),
		row("Steps today", fmt.Sprintf("%d", s.CurrentSteps)),
		row("Mode", string(s.Mode)),
		row("Tier", fmt.Sprintf("%s (%d min / 1000 steps)", s.Tier, s.Tier.MinutesPer1000Steps())),
		row("Shield", shield),
		row("Session", session),
		row("Used today", fmt.Sprintf("%d min", s.UsedMinutesToday)),
		row("Blocked targets", fmt.Sprintf("%d", s.BlockedTargetCount)),
		row("Daily reset in", humanDuration(time.Duration(s.TimeUntilResetSeconds)*time.Second)),
	}
	body := boxStyle.Render(strings.Join(rows, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render("StepGate"), body)
}

func renderDiagnostics(d control.Diagnostics) string {
	keys := make([]string, 0, len(d.Values))
	for k := range d.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := []string{
		row("Watchdog armed", fmt.Sprintf("%t", d.Armed)),
		row("Usage stale", fmt.Sprintf("%t", d.UsageStale)),
	}
	for _, k := range keys {
		rows = append(rows, fmt.Sprintf("%s = %s", k, d.Values[k]))
	}
	return boxStyle.Render(strings.Join(rows, "\n"))
}

func row(label, value string) string {
	return labelStyle.Render(label) + value
}

func humanDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
