package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/aletop130/ZeroHR/internal/events"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, pollCmd(m.source, m.runID)
		case "j", "down":
			if m.activeTab == 0 {
				if m.run != nil && m.selectedRow < len(m.run.Units)-1 {
					m.selectedRow++
				}
			} else if m.logScroll > 0 {
				m.logScroll--
			}
		case "k", "up":
			if m.activeTab == 0 {
				if m.selectedRow > 0 {
					m.selectedRow--
				}
			} else if m.logScroll < len(m.lines)-1 {
				m.logScroll++
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % 2
			m.selectedRow = 0
			m.logScroll = 0
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = max(10, min(60, msg.Width-20))

	case TickMsg:
		return m, pollCmd(m.source, m.runID)

	case RunMsg:
		m.lastRefresh = timeNow()
		m.err = msg.Err
		if msg.Run != nil {
			m.run = msg.Run
		}
		if m.run != nil && m.run.Status.Finished() {
			if m.exitOnDone {
				return m, tea.Quit
			}
			return m, nil
		}
		return m, tickCmd(m.interval)

	case EventMsg:
		if p, ok := msg.Payload.(events.PoolSlotsMessage); ok {
			m.slots = &p
			return m, waitForEvent(m.feed)
		}
		m.appendLine(describeEvent(events.Envelope(msg)))
		cmds := []tea.Cmd{waitForEvent(m.feed)}
		if msg.Type == events.TypeUnitTransition || msg.Type == events.TypeRunFinished {
			cmds = append(cmds, pollCmd(m.source, m.runID))
		}
		return m, tea.Batch(cmds...)

	case feedClosedMsg:
		m.feed = nil
		m.appendLine("event stream closed")

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxEventLines {
		m.lines = m.lines[len(m.lines)-maxEventLines:]
	}
}

// describeEvent renders one event as a log line
func describeEvent(env events.Envelope) string {
	switch p := env.Payload.(type) {
	case events.UnitTransitionMessage:
		line := fmt.Sprintf("section %d: %s -> %s", p.Section, p.From, p.To)
		if p.Score != nil {
			line += fmt.Sprintf(" (score %.1f)", *p.Score)
		}
		if p.RetryCount > 0 {
			line += fmt.Sprintf(" retry %d", p.RetryCount)
		}
		return line
	case events.RunStartedMessage:
		if p.Resumed {
			return fmt.Sprintf("run %s resumed", shortID(p.RunID))
		}
		return fmt.Sprintf("run %s started with %d sections", shortID(p.RunID), p.SectionCount)
	case events.RunFinishedMessage:
		if p.WeightedScore != nil {
			return fmt.Sprintf("run %s %s, score %.2f", shortID(p.RunID), p.Status, *p.WeightedScore)
		}
		return fmt.Sprintf("run %s %s", shortID(p.RunID), p.Status)
	case events.RunResetMessage:
		return fmt.Sprintf("reset to generation %d: %d killed, %d purged", p.Generation, p.Killed, p.Purged)
	case events.RunKilledMessage:
		if p.RunID == "" {
			return fmt.Sprintf("kill: %d killed, %d purged", p.Killed, p.Purged)
		}
		return fmt.Sprintf("run %s killed: %d killed, %d purged", shortID(p.RunID), p.Killed, p.Purged)
	default:
		return env.Type
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
