// Package tui is a terminal browser for the alerts of a running
// logsentinel instance.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"logsentinel/internal/correlation"
	"logsentinel/internal/sink"
	"logsentinel/internal/tui/api"
	"logsentinel/internal/tui/styles"
)

// Tab filters the alert list by rule class.
type Tab int

const (
	TabAll Tab = iota
	TabThreshold
	TabSequence
	TabAnomaly
	tabCount
)

func (t Tab) String() string {
	switch t {
	case TabThreshold:
		return "Threshold"
	case TabSequence:
		return "Sequence"
	case TabAnomaly:
		return "Anomaly"
	}
	return "All"
}

// kind is the rule class the tab shows; empty for all.
func (t Tab) kind() correlation.RuleType {
	switch t {
	case TabThreshold:
		return correlation.RuleTypeThreshold
	case TabSequence:
		return correlation.RuleTypeSequence
	case TabAnomaly:
		return correlation.RuleTypeAnomaly
	}
	return ""
}

const (
	fetchLimit      = 500
	fetchTimeout    = 4 * time.Second
	defaultInterval = 5 * time.Second
)

// Source supplies alerts and service stats.
type Source interface {
	GetAlerts(ctx context.Context, kind correlation.RuleType, limit int) (*sink.AlertsResponse, error)
	GetStats(ctx context.Context) *api.Stats
}

type alertsMsg struct {
	tab    Tab
	alerts []correlation.Alert
	total  int
	err    error
}

type statsMsg struct {
	stats *api.Stats
}

type tickMsg time.Time

// Model is the bubbletea model of the alert browser.
type Model struct {
	source   Source
	interval time.Duration

	tab     Tab
	alerts  []correlation.Alert
	total   int
	stats   *api.Stats
	err     error
	loading bool
	updated time.Time

	cursor     int
	offset     int
	showDetail bool

	width   int
	height  int
	maxRows int

	quitting bool
}

// New creates a model polling the instance at baseURL.
func New(baseURL string) *Model {
	return NewWithSource(api.NewClient(baseURL), defaultInterval)
}

// NewWithSource creates a model over src refreshed every interval.
func NewWithSource(src Source, interval time.Duration) *Model {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Model{
		source:     src,
		interval:   interval,
		loading:    true,
		showDetail: true,
		maxRows:    10,
	}
}

// Init starts the first fetch and the refresh ticker.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetchAlerts(), m.fetchStats(), m.tick())
}

func (m *Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) fetchAlerts() tea.Cmd {
	tab, src := m.tab, m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		resp, err := src.GetAlerts(ctx, tab.kind(), fetchLimit)
		if err != nil {
			return alertsMsg{tab: tab, err: err}
		}
		return alertsMsg{tab: tab, alerts: resp.Alerts, total: resp.Total}
	}
}

func (m *Model) fetchStats() tea.Cmd {
	src := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		return statsMsg{stats: src.GetStats(ctx)}
	}
}

// Update handles all messages.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.maxRows = max(3, m.height-18)
		m.clampCursor()
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.fetchAlerts(), m.fetchStats(), m.tick())

	case alertsMsg:
		// A response for a tab the user already left.
		if msg.tab != m.tab {
			return m, nil
		}
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.alerts = msg.alerts
			m.total = msg.total
			m.updated = time.Now()
		}
		m.clampCursor()
		return m, nil

	case statsMsg:
		m.stats = msg.stats
		return m, nil
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "1", "2", "3", "4":
		return m, m.switchTab(Tab(msg.String()[0] - '1'))
	case "tab":
		return m, m.switchTab((m.tab + 1) % tabCount)
	case "shift+tab":
		return m, m.switchTab((m.tab + tabCount - 1) % tabCount)
	case "up", "k":
		m.moveCursor(-1)
	case "down", "j":
		m.moveCursor(1)
	case "pgup":
		m.moveCursor(-m.maxRows)
	case "pgdown":
		m.moveCursor(m.maxRows)
	case "home", "g":
		m.moveCursor(-len(m.alerts))
	case "end", "G":
		m.moveCursor(len(m.alerts))
	case "enter", "d":
		m.showDetail = !m.showDetail
	case "r":
		m.loading = true
		return m, tea.Batch(m.fetchAlerts(), m.fetchStats())
	}
	return m, nil
}

func (m *Model) switchTab(t Tab) tea.Cmd {
	if t == m.tab {
		return nil
	}
	m.tab = t
	m.alerts = nil
	m.total = 0
	m.cursor, m.offset = 0, 0
	m.loading = true
	return m.fetchAlerts()
}

func (m *Model) moveCursor(delta int) {
	m.cursor += delta
	m.clampCursor()
}

// clampCursor keeps the cursor on an alert and inside the visible rows.
func (m *Model) clampCursor() {
	m.cursor = max(0, min(m.cursor, len(m.alerts)-1))
	if m.cursor < m.offset {
		m.offset = m.cursor
	}
	if m.cursor >= m.offset+m.maxRows {
		m.offset = m.cursor - m.maxRows + 1
	}
	m.offset = max(0, min(m.offset, len(m.alerts)-m.maxRows))
}

// Selected returns the alert under the cursor.
func (m *Model) Selected() (correlation.Alert, bool) {
	if len(m.alerts) == 0 {
		return correlation.Alert{}, false
	}
	return m.alerts[m.cursor], true
}

// View renders the current view.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n\n")
	b.WriteString(m.renderTable())
	if m.showDetail {
		if a, ok := m.Selected(); ok {
			b.WriteString("\n")
			b.WriteString(renderDetail(a, m.width))
		}
	}
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m *Model) renderHeader() string {
	var tabs []string
	for t := TabAll; t < tabCount; t++ {
		label := fmt.Sprintf(" %d %s ", int(t)+1, t)
		if t == m.tab {
			tabs = append(tabs, styles.TabActive.Render(label))
		} else {
			tabs = append(tabs, styles.TabInactive.Render(label))
		}
	}
	bar := lipgloss.JoinHorizontal(lipgloss.Top, tabs...)

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(bar)
}

func (m *Model) renderStatus() string {
	var parts []string

	switch {
	case m.stats == nil:
		parts = append(parts, styles.Muted.Render("connecting..."))
	case m.stats.Healthy:
		parts = append(parts, styles.StatusOK.Render("● "+m.stats.Status))
	case m.stats.Status == "unreachable":
		parts = append(parts, styles.StatusError.Render("● unreachable"))
	default:
		parts = append(parts, styles.StatusWarning.Render("● "+m.stats.Status))
	}
	if m.stats != nil && m.stats.Status != "unreachable" {
		if m.stats.Uptime != "" {
			parts = append(parts, "up "+m.stats.Uptime)
		}
		if m.stats.QueueCapacity > 0 {
			parts = append(parts, fmt.Sprintf("queue %d/%d", m.stats.QueueDepth, m.stats.QueueCapacity))
		}
		parts = append(parts,
			fmt.Sprintf("passes %d", m.stats.Passes),
			fmt.Sprintf("dropped %d", m.stats.Dropped),
		)
	}

	count := fmt.Sprintf("%d alerts", m.total)
	if len(m.alerts) < m.total {
		count = fmt.Sprintf("%d of %d alerts", len(m.alerts), m.total)
	}
	parts = append(parts, count)

	if !m.updated.IsZero() {
		parts = append(parts, styles.Muted.Render("updated "+m.updated.Format("15:04:05")))
	}
	return strings.Join(parts, "  ")
}

func (m *Model) renderTable() string {
	if m.err != nil {
		return styles.StatusError.Render("Error: " + m.err.Error())
	}
	if m.loading && len(m.alerts) == 0 {
		return styles.Muted.Render("Loading alerts...")
	}
	if len(m.alerts) == 0 {
		return styles.Muted.Render("No alerts.")
	}

	var b strings.Builder
	b.WriteString(styles.TableHeader.Render(fmt.Sprintf("  %-19s  %-9s  %-15s  %s", "TIME", "TYPE", "SOURCE", "RULE")))
	b.WriteString("\n")

	end := min(m.offset+m.maxRows, len(m.alerts))
	for i := m.offset; i < end; i++ {
		a := m.alerts[i]
		kind := fmt.Sprintf("%-9s", a.Type)
		line := fmt.Sprintf("%-19s  %s  %-15s  %s",
			a.Timestamp.Format(correlation.TimeLayout), kind, truncate(a.SourceID, 15), a.Rule)
		if i == m.cursor {
			b.WriteString(styles.TableRowSelected.Render("> " + line))
		} else {
			line = fmt.Sprintf("%-19s  %s  %-15s  %s",
				a.Timestamp.Format(correlation.TimeLayout), styles.AlertType(string(a.Type)).Render(kind),
				truncate(a.SourceID, 15), a.Rule)
			b.WriteString(styles.TableRow.Render("  " + line))
		}
		b.WriteString("\n")
	}
	if len(m.alerts) > m.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  %d-%d of %d", m.offset+1, end, len(m.alerts))))
		b.WriteString("\n")
	}
	return b.String()
}

func renderDetail(a correlation.Alert, width int) string {
	lines := []string{
		styles.Title.Render(a.Rule) + "  " + styles.AlertType(string(a.Type)).Render(string(a.Type)),
		a.Description,
		"",
		fmt.Sprintf("id        %s", a.ID),
		fmt.Sprintf("source    %s", a.SourceID),
		fmt.Sprintf("timestamp %s", a.Timestamp.Format(time.RFC3339)),
	}
	switch a.Type {
	case correlation.RuleTypeThreshold:
		lines = append(lines, fmt.Sprintf("count     %d in %s", a.Count, a.Window))
	case correlation.RuleTypeSequence:
		lines = append(lines, fmt.Sprintf("delay     %s", a.Delay))
	case correlation.RuleTypeAnomaly:
		lines = append(lines, fmt.Sprintf("score     %.2f", a.Score))
	}

	style := styles.Detail
	if width > 4 {
		style = style.Width(width - 4)
	}
	return style.Render(strings.Join(lines, "\n"))
}

func (m *Model) renderFooter() string {
	return styles.Help.Render(" [1-4/Tab] Filter  [↑↓/jk] Navigate  [Enter] Detail  [r] Refresh  [q] Quit ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// Run starts the alert browser against baseURL.
func Run(baseURL string) error {
	return RunSource(api.NewClient(baseURL))
}
