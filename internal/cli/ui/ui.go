// Package ui renders the live miner monitor.
package ui

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	psutil "github.com/shirou/gopsutil/v3/cpu"
	psmem "github.com/shirou/gopsutil/v3/mem"

	"gpuminer/internal/api"
	"gpuminer/internal/farm"
)

// Styles
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Padding(0, 2).
			Bold(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 2)

	tableStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#10B981")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF")).
			Italic(true)
)

// Client is the part of the API client the monitor needs.
type Client interface {
	GetStats() (*farm.Stats, error)
	GetHealth() (*api.HealthResponse, error)
	Pause() error
	Resume() error
}

type statsMsg struct {
	stats  *farm.Stats
	health *api.HealthResponse
	err    error
}

type actionMsg struct {
	action string
	err    error
}

type tickMsg time.Time

type resourceMsg struct{ data string }

// Model is the bubbletea model of the monitor.
type Model struct {
	Client   Client
	Interval time.Duration

	Table    table.Model
	Stats    *farm.Stats
	Health   *api.HealthResponse
	Err      error
	Status   string
	Resource string
	Width    int
}

func columns() []table.Column {
	return []table.Column{
		{Title: "#", Width: 3},
		{Title: "Backend", Width: 10},
		{Title: "State", Width: 10},
		{Title: "Hashrate", Width: 14},
		{Title: "Hashes", Width: 14},
		{Title: "Health", Width: 28},
	}
}

// NewModel builds a monitor polling c every interval.
func NewModel(c Client, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	t := table.New(
		table.WithColumns(columns()),
		table.WithFocused(true),
		table.WithHeight(8),
		table.WithWidth(76),
	)
	return Model{
		Client:   c,
		Interval: interval,
		Table:    t,
		Width:    80,
		Status:   "connecting...",
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick(), m.updateResourceData())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "p":
			m.Status = "pausing..."
			return m, m.act("pause", m.Client.Pause)
		case "r":
			m.Status = "resuming..."
			return m, m.act("resume", m.Client.Resume)
		}
		var cmd tea.Cmd
		m.Table, cmd = m.Table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Table.SetWidth(msg.Width - 4)
		if h := msg.Height - 8; h > 2 {
			m.Table.SetHeight(h)
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case resourceMsg:
		m.Resource = msg.data
		return m, m.updateResourceData()

	case statsMsg:
		m.Err = msg.err
		if msg.err != nil {
			m.Status = "disconnected"
			return m, nil
		}
		m.Stats = msg.stats
		m.Health = msg.health
		m.Status = "connected"
		m.Table.SetRows(rows(msg.stats))
		return m, nil

	case actionMsg:
		if msg.err != nil {
			m.Err = msg.err
			m.Status = msg.action + " failed"
			return m, nil
		}
		m.Err = nil
		m.Status = msg.action + " sent"
		return m, m.fetch()
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	title := "gpuminer monitor"
	if m.Stats != nil {
		title += " | " + m.Stats.ID
	}
	b.WriteString(m.fit(headerStyle.Render(title)))
	b.WriteString("\n")
	b.WriteString(m.fit(m.summary()))
	b.WriteString("\n")
	b.WriteString(tableStyle.Render(m.Table.View()))
	b.WriteString("\n")
	if m.Err != nil {
		b.WriteString(m.fit(errorStyle.Render("error: " + m.Err.Error())))
		b.WriteString("\n")
	}
	if m.Resource != "" {
		b.WriteString(m.fit(helpStyle.Render(m.Resource)))
		b.WriteString("\n")
	}
	b.WriteString(m.fit(footerStyle.Render(m.Status + "  " + helpStyle.Render("p pause • r resume • q quit"))))
	return b.String()
}

func (m Model) summary() string {
	if m.Stats == nil {
		return helpStyle.Render("waiting for stats")
	}
	state := okStyle.Render("MINING")
	if m.Stats.Paused {
		state = warnStyle.Render("PAUSED")
	}
	health := "unknown"
	if m.Health != nil {
		health = m.Health.Status
		if health == "ok" {
			health = okStyle.Render(health)
		} else {
			health = warnStyle.Render(health)
		}
	}
	return fmt.Sprintf("%s  %s  up %s  %s  solutions %d  health %s",
		state, m.Stats.Method, m.Stats.Uptime, FormatHashrate(m.Stats.Hashrate), m.Stats.Solutions, health)
}

// fit truncates s to the terminal width without breaking escape sequences.
func (m Model) fit(s string) string {
	if m.Width <= 0 {
		return s
	}
	return ansi.Truncate(s, m.Width, "…")
}

func rows(stats *farm.Stats) []table.Row {
	out := make([]table.Row, 0, len(stats.Miners))
	for _, mn := range stats.Miners {
		health := "ok"
		if !mn.Health.Healthy {
			health = mn.Health.Error
			if health == "" {
				health = "unhealthy"
			}
		}
		out = append(out, table.Row{
			fmt.Sprintf("%d", mn.Index),
			mn.Name,
			mn.State,
			FormatHashrate(mn.Hashrate),
			fmt.Sprintf("%d", mn.Hashes),
			ansi.Truncate(health, 28, "…"),
		})
	}
	return out
}

// FormatHashrate renders hashes per second with an SI suffix.
func FormatHashrate(h float64) string {
	units := []string{"H/s", "kH/s", "MH/s", "GH/s", "TH/s"}
	i := 0
	for h >= 1000 && i < len(units)-1 {
		h /= 1000
		i++
	}
	return fmt.Sprintf("%.2f %s", h, units[i])
}

func (m Model) fetch() tea.Cmd {
	c := m.Client
	return func() tea.Msg {
		stats, err := c.GetStats()
		if err != nil {
			return statsMsg{err: err}
		}
		health, err := c.GetHealth()
		return statsMsg{stats: stats, health: health, err: err}
	}
}

func (m Model) act(action string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return actionMsg{action: action, err: fn()}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.Interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// updateResourceData samples host load once per tick.
func (m Model) updateResourceData() tea.Cmd {
	return tea.Tick(m.Interval, func(t time.Time) tea.Msg {
		data := fmt.Sprintf("Go: %s", runtime.Version())
		if cpuPercent, err := psutil.Percent(0, false); err == nil && len(cpuPercent) > 0 {
			data = fmt.Sprintf("CPU: %.1f%% | %s", cpuPercent[0], data)
		}
		if memInfo, err := psmem.VirtualMemory(); err == nil {
			data = fmt.Sprintf("%s | RAM: %.1f%%", data, memInfo.UsedPercent)
		}
		return resourceMsg{data}
	})
}
