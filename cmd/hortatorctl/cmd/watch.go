/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch <org-id> <goal-id>",
	Short: "Live TUI dashboard of a goal's task tree",
	Long: `Launch a full-screen terminal dashboard that streams
GET /orgs/{org}/goals/{goal}/watch (WatchGoal's websocket push) and
redraws the task table whenever the store snapshot changes.

Examples:
  hortatorctl watch <org-id> <goal-id>`,
	Args: cobra.ExactArgs(2),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	wsURL := strings.Replace(serverURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = fmt.Sprintf("%s/orgs/%s/goals/%s/watch", wsURL, args[0], args[1])

	m := watchModel{goalID: args[1], url: wsURL}
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type goalStatusEvent struct {
	GoalID string     `json:"goal_id"`
	Tasks  []taskView `json:"tasks"`
}

type watchMsg struct {
	event *goalStatusEvent
	err   error
}

type watchModel struct {
	goalID  string
	url     string
	conn    *websocket.Conn
	tasks   []taskView
	lastErr error
	width   int
	height  int
}

var (
	styleTitle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")).MarginLeft(1)
	styleSubtle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	styleCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	styleRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	stylePending   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func (m watchModel) Init() tea.Cmd {
	return connectAndRead(m.url)
}

func connectAndRead(url string) tea.Cmd {
	return func() tea.Msg {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return watchMsg{err: err}
		}
		var event goalStatusEvent
		if err := conn.ReadJSON(&event); err != nil {
			_ = conn.Close()
			return watchMsg{err: err}
		}
		return readNext{conn: conn, event: &event}
	}
}

// readNext carries an open connection forward between Update calls so the
// next read happens on the same socket instead of re-dialing every tick.
type readNext struct {
	conn  *websocket.Conn
	event *goalStatusEvent
}

func readOne(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		var event goalStatusEvent
		if err := conn.ReadJSON(&event); err != nil {
			_ = conn.Close()
			return watchMsg{err: err}
		}
		return readNext{conn: conn, event: &event}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if m.conn != nil {
				_ = m.conn.Close()
			}
			return m, tea.Quit
		}
		return m, nil
	case readNext:
		m.conn = msg.conn
		m.tasks = msg.event.Tasks
		m.lastErr = nil
		return m, readOne(msg.conn)
	case watchMsg:
		m.lastErr = msg.err
		return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })
	case reconnectMsg:
		return m, connectAndRead(m.url)
	}
	return m, nil
}

type reconnectMsg struct{}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(styleTitle.Render("hortator — goal " + m.goalID))
	b.WriteString("\n")
	if m.lastErr != nil {
		b.WriteString(styleFailed.Render("connection error: " + m.lastErr.Error()))
		b.WriteString("\n")
	}

	tasks := append([]taskView(nil), m.tasks...)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt < tasks[j].CreatedAt })

	counts := map[string]int{}
	for _, t := range tasks {
		counts[t.Status]++
		b.WriteString(statusStyle(t.Status).Render(fmt.Sprintf("[%-11s]", t.Status)))
		b.WriteString(" ")
		b.WriteString(truncate(t.Title, 60))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	summary := make([]string, 0, len(counts))
	for status, n := range counts {
		summary = append(summary, fmt.Sprintf("%s=%d", status, n))
	}
	sort.Strings(summary)
	b.WriteString(styleSubtle.Render(strings.Join(summary, "  ")))
	b.WriteString("\n")
	b.WriteString(styleSubtle.Render("q to quit"))
	return b.String()
}

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "COMPLETED", "APPROVED":
		return styleCompleted
	case "FAILED", "CANCELLED":
		return styleFailed
	case "IN_PROGRESS", "IN_REVIEW":
		return styleRunning
	default:
		return stylePending
	}
}
