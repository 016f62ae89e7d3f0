package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"logsentinel/internal/correlation"
	"logsentinel/internal/sink"
	"logsentinel/internal/tui/api"
)

// RecentSource serves alerts held in process, for browsing the result of
// a local scan without a running server.
type RecentSource struct {
	recent *sink.Recent
	stats  func() *api.Stats
}

// NewRecentSource serves recent. stats may be nil.
func NewRecentSource(recent *sink.Recent, stats func() *api.Stats) *RecentSource {
	return &RecentSource{recent: recent, stats: stats}
}

// GetAlerts implements Source.
func (s *RecentSource) GetAlerts(ctx context.Context, kind correlation.RuleType, limit int) (*sink.AlertsResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp := s.recent.Query(kind, "", limit)
	return &resp, nil
}

// GetStats implements Source.
func (s *RecentSource) GetStats(context.Context) *api.Stats {
	if s.stats == nil {
		return &api.Stats{Status: "local", Healthy: true}
	}
	return s.stats()
}

// RunSource starts the alert browser over src.
func RunSource(src Source) error {
	p := tea.NewProgram(NewWithSource(src, defaultInterval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
