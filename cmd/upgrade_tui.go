// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/Thermoquad/smpflash/pkg/dfu"
	"github.com/Thermoquad/smpflash/pkg/firmware"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// upgradeControls is filled in with the manager once it exists
type upgradeControls struct {
	manager *dfu.Manager
}

func (c *upgradeControls) togglePause() bool {
	if c.manager == nil {
		return false
	}
	if c.manager.IsPaused() {
		c.manager.Resume()
		return false
	}
	c.manager.Pause()
	return true
}

func (c *upgradeControls) cancel() {
	if c.manager != nil {
		c.manager.Cancel()
	}
}

// Log entry of the state panel
type upgradeLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// Messages
type upgradeStartedMsg struct {
	at time.Time
}

type stateChangedMsg struct {
	from, to dfu.State
	at       time.Time
}

type progressMsg struct {
	sent, size int
	at         time.Time
}

type upgradeFinishedMsg struct {
	state dfu.State
	err   error
}

// TUI model
type upgradeModel struct {
	file     string
	connInfo string
	mode     dfu.UpgradeMode
	images   int
	total    int

	controls *upgradeControls
	progress progress.Model
	spinner  spinner.Model

	state       dfu.State
	started     time.Time
	uploadStart time.Time
	sent, size  int
	paused      bool
	finished    bool
	err         error

	log           []upgradeLogEntry
	maxLogEntries int
	width         int
	quitting      bool
}

func newUpgradeModel(file, connInfo string, pkg *firmware.Package, config dfu.Config, controls *upgradeControls) upgradeModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))

	return upgradeModel{
		file:          file,
		connInfo:      connInfo,
		mode:          config.UpgradeMode,
		images:        len(pkg.Images),
		total:         pkg.Size(),
		controls:      controls,
		progress:      progress.New(progress.WithDefaultGradient()),
		spinner:       s,
		maxLogEntries: 50,
		width:         80,
	}
}

func (m upgradeModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m upgradeModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "p":
			if !m.finished && m.state == dfu.StateUpload {
				m.paused = m.controls.togglePause()
				if m.paused {
					m.addLogEntry("Upload paused", false)
				} else {
					m.addLogEntry("Upload resumed", false)
				}
			}
		case "c":
			if !m.finished && m.state == dfu.StateUpload {
				m.controls.cancel()
				m.addLogEntry("Cancelling upload", false)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = max(20, msg.Width-20)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case upgradeStartedMsg:
		m.started = msg.at
		m.addLogEntry(fmt.Sprintf("Upgrade started (%s)", m.mode), false)

	case stateChangedMsg:
		m.state = msg.to
		if msg.to == dfu.StateUpload {
			m.uploadStart = msg.at
		}
		m.addLogEntry(fmt.Sprintf("%s → %s", msg.from, msg.to), false)

	case progressMsg:
		m.sent, m.size = msg.sent, msg.size

	case upgradeFinishedMsg:
		m.finished = true
		m.state = msg.state
		m.err = msg.err
		if msg.err != nil {
			m.addLogEntry(msg.err.Error(), true)
		} else {
			m.addLogEntry("Upgrade complete", false)
		}
		return m, tea.Quit
	}

	return m, nil
}

func (m *upgradeModel) addLogEntry(message string, isError bool) {
	m.log = append(m.log, upgradeLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.log) > m.maxLogEntries {
		m.log = m.log[len(m.log)-m.maxLogEntries:]
	}
}

// percent is the upload progress of the current image
func (m upgradeModel) percent() float64 {
	if m.size <= 0 {
		return 0
	}
	return float64(m.sent) / float64(m.size)
}

// throughput is the upload rate in bytes per second
func (m upgradeModel) throughput(now time.Time) float64 {
	elapsed := now.Sub(m.uploadStart).Seconds()
	if m.uploadStart.IsZero() || elapsed <= 0 {
		return 0
	}
	return float64(m.sent) / elapsed
}

func (m upgradeModel) View() string {
	if m.quitting && !m.finished {
		return "Cancelling upgrade...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("SMPFLASH - FIRMWARE UPGRADE"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | %s | p pause, c cancel, q quit", m.file, m.connInfo)))
	s.WriteString("\n\n")

	status := strings.Builder{}
	fmt.Fprintf(&status, "%s %s   %s %s   %s %s\n",
		labelStyle.Render("Mode:"), valueStyle.Render(m.mode.String()),
		labelStyle.Render("Images:"), valueStyle.Render(fmt.Sprintf("%d", m.images)),
		labelStyle.Render("Size:"), valueStyle.Render(fmt.Sprintf("%d bytes", m.total)),
	)

	switch {
	case m.finished && m.err != nil:
		status.WriteString(errorStyle.Render(fmt.Sprintf("✗ Failed in %s", m.state)))
	case m.finished:
		status.WriteString(valueStyle.Render("✓ Upgrade complete"))
	case m.paused:
		status.WriteString(warningStyle.Render(fmt.Sprintf("⏸ Paused in %s", m.state)))
	default:
		status.WriteString(m.spinner.View() + " " + labelStyle.Render(m.state.String()))
	}
	if !m.started.IsZero() {
		status.WriteString(headerStyle.Render(fmt.Sprintf("   elapsed %s", time.Since(m.started).Round(time.Second))))
	}
	status.WriteString("\n\n")

	status.WriteString(m.progress.ViewAs(m.percent()))
	status.WriteString("\n")
	status.WriteString(headerStyle.Render(fmt.Sprintf("%d / %d bytes   %.1f KiB/s",
		m.sent, m.size, m.throughput(time.Now())/1024)))

	s.WriteString(boxStyle.Render(status.String()))
	s.WriteString("\n\n")

	s.WriteString(labelStyle.Render("Upgrade Log:"))
	s.WriteString("\n")

	logContent := strings.Builder{}
	if len(m.log) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	}
	for _, entry := range m.log {
		timestamp := headerStyle.Render(entry.timestamp.Format("15:04:05.000"))
		if entry.isError {
			fmt.Fprintf(&logContent, "%s %s\n", timestamp, errorStyle.Render("✗ "+entry.message))
		} else {
			fmt.Fprintf(&logContent, "%s %s\n", timestamp, warningStyle.Render("ℹ "+entry.message))
		}
	}
	s.WriteString(boxStyle.Width(max(40, m.width-4)).Render(logContent.String()))
	s.WriteString("\n")

	return s.String()
}
