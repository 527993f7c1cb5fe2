package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"tezfed/pkg/types"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6") // Pink
	secondaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor    = lipgloss.Color("#50FA7B") // Green
	warningColor   = lipgloss.Color("#FFB86C") // Orange
	dangerColor    = lipgloss.Color("#FF5555") // Red
	mutedColor     = lipgloss.Color("#6272A4")
	fgColor        = lipgloss.Color("#F8F8F2")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	successStyle = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	dangerStyle  = lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
)

func newTable(border lipgloss.Color, headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(border)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().
					Foreground(lipgloss.Color("#ffffff")).
					Bold(true).
					Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

func trustBadge(level types.TrustLevel) string {
	switch level {
	case types.TrustTrusted:
		return successStyle.Render(string(level))
	case types.TrustBlocked:
		return dangerStyle.Render(string(level))
	default:
		return warningStyle.Render(string(level))
	}
}

func statusBadge(status types.OutboxStatus) string {
	switch status {
	case types.OutboxDelivered:
		return successStyle.Render(string(status))
	case types.OutboxExpired:
		return dangerStyle.Render(string(status))
	case types.OutboxFailed:
		return warningStyle.Render(string(status))
	default:
		return string(status)
	}
}

func renderIdentity(info *types.IdentityInfo) string {
	rows := []struct{ label, value string }{
		{"Host", info.Host},
		{"Node ID", info.NodeID},
		{"Public key", info.PublicKey},
		{"Display name", info.DisplayName},
		{"Protocol", info.ProtocolVersion},
		{"Federation", fmt.Sprintf("%v (%s)", info.FederationEnabled, info.Mode)},
	}

	var b strings.Builder
	for _, r := range rows {
		if r.value == "" {
			continue
		}
		b.WriteString(labelStyle.Render(r.label) + valueStyle.Render(r.value) + "\n")
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Node identity"),
		strings.TrimRight(b.String(), "\n"))
	return panelStyle.Render(content)
}

func renderPeers(peers []*types.Peer) string {
	t := newTable(lipgloss.Color("#7571f9"), "HOST", "NODE ID", "TRUST", "NAME", "PROTOCOL", "LAST SEEN")
	for _, p := range peers {
		t.Row(
			p.Host,
			p.NodeID,
			trustBadge(p.TrustLevel),
			p.DisplayName,
			p.ProtocolVersion,
			formatAge(p.LastSeenAt),
		)
	}
	return t.String()
}

func renderOutbox(entries []*types.OutboxEntry) string {
	t := newTable(secondaryColor, "ID", "HOST", "STATUS", "ATTEMPTS", "NEXT RETRY", "ERROR")
	for _, e := range entries {
		next := "-"
		if e.NextRetryAt != nil {
			next = formatUntil(*e.NextRetryAt)
		}
		t.Row(
			shortID(e.ID),
			e.TargetHost,
			statusBadge(e.Status),
			fmt.Sprintf("%d", e.Attempts),
			next,
			truncate(e.Error, 48),
		)
	}
	return t.String()
}

func renderUsers(users []*types.LocalUser) string {
	t := newTable(accentColor, "HANDLE", "NAME", "ID", "CREATED")
	for _, u := range users {
		t.Row(u.Handle, u.DisplayName, shortID(u.ID), formatAge(u.CreatedAt))
	}
	return t.String()
}

func renderSend(res *types.SendResponse) string {
	var b strings.Builder
	b.WriteString(labelStyle.Render("Message") + valueStyle.Render(res.MessageID) + "\n")
	for _, addr := range res.Delivered {
		b.WriteString(labelStyle.Render("Delivered") + successStyle.Render(addr) + "\n")
	}
	for _, addr := range res.Unresolved {
		b.WriteString(labelStyle.Render("Unknown user") + warningStyle.Render(addr) + "\n")
	}
	for _, e := range res.Outbox {
		b.WriteString(labelStyle.Render("Queued") +
			valueStyle.Render(e.TargetHost) + " " +
			mutedStyle.Render(shortID(e.ID)) + "\n")
	}
	if res.RouteError != "" {
		b.WriteString(labelStyle.Render("Not queued") + dangerStyle.Render(res.RouteError) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func formatUntil(t time.Time) string {
	d := time.Until(t)
	if d <= 0 {
		return "due"
	}
	return "in " + d.Round(time.Second).String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
