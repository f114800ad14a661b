package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aletop130/ZeroHR/internal/domain"
	"github.com/aletop130/ZeroHR/internal/events"
)

const maxEventLines = 200

// Source supplies run snapshots
type Source interface {
	PollRun(ctx context.Context, runID string) (*domain.Run, error)
}

// Model is the TUI application model
type Model struct {
	// Data
	source Source
	runID  string
	run    *domain.Run
	feed   <-chan events.Envelope
	lines  []string
	err    error
	slots  *events.PoolSlotsMessage // last pool occupancy from the feed

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	logScroll   int
	spinner     spinner.Model
	bar         progress.Model
	exitOnDone  bool

	// Refresh
	lastRefresh time.Time
	interval    time.Duration
}

// ModelConfig holds initial data for the TUI model
type ModelConfig struct {
	Source       Source
	RunID        string
	Events       <-chan events.Envelope // optional live feed
	Interval     time.Duration
	ExitOnFinish bool
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = runningStyle

	return Model{
		source:     cfg.Source,
		runID:      cfg.RunID,
		feed:       cfg.Events,
		spinner:    s,
		bar:        progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		exitOnDone: cfg.ExitOnFinish,
		interval:   cfg.Interval,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick, pollCmd(m.source, m.runID)}
	if m.feed != nil {
		cmds = append(cmds, waitForEvent(m.feed))
	}
	return tea.Batch(cmds...)
}

// Run returns the last fetched snapshot
func (m Model) Run() *domain.Run {
	return m.run
}

// TickMsg triggers a refresh
type TickMsg time.Time

// RunMsg carries a fetched snapshot
type RunMsg struct {
	Run *domain.Run
	Err error
}

// EventMsg carries one live event
type EventMsg events.Envelope

// feedClosedMsg reports that the live feed ended
type feedClosedMsg struct{}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func pollCmd(src Source, runID string) tea.Cmd {
	return func() tea.Msg {
		if src == nil {
			return RunMsg{}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		run, err := src.PollRun(ctx, runID)
		return RunMsg{Run: run, Err: err}
	}
}

func waitForEvent(ch <-chan events.Envelope) tea.Cmd {
	return func() tea.Msg {
		env, ok := <-ch
		if !ok {
			return feedClosedMsg{}
		}
		return EventMsg(env)
	}
}
