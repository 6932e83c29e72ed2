// Command ai-genesis-tui is a read-only terminal dashboard for a running
// ai-genesis server: a sidebar of live world statistics and a scrolling
// feed of agent narration, both driven by the observer stream websocket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"

	"github.com/clawinfra/ai-genesis/internal/stream"
)

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#06B6D4")
	mutedColor     = lipgloss.Color("#6B7280")
	successColor   = lipgloss.Color("#10B981")
	warnColor      = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")

	sidebarStyle = lipgloss.NewStyle().
			Width(28).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 1)

	sidebarTitle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).MarginBottom(1)
	metricStyle  = lipgloss.NewStyle().Foreground(mutedColor).PaddingLeft(2)

	feedBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	footerStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	statusOnline  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	statusOffline = lipgloss.NewStyle().Foreground(errorColor).Bold(true)

	agentLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5E7EB"))
)

func main() {
	url := flag.String("url", "ws://localhost:8900/stream", "ai-genesis observer stream URL")
	flag.Parse()

	p := tea.NewProgram(newModel(*url), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "ai-genesis-tui: %v\n", err)
		os.Exit(1)
	}
}

// worldStats tracks the most recent frame's headline numbers, the only
// state the sidebar needs between frames.
type worldStats struct {
	tick          uint32
	entityCount   int
	resourceCount int
	lastFrameAt   time.Time
	connected     bool
}

type feedEntry struct {
	agent   string
	action  string
	message string
	at      time.Time
}

type frameMsg struct {
	tick          uint32
	entityCount   int
	resourceCount int
}

type narrationMsg stream.Narration

type connectedMsg struct{ conn *websocket.Conn }

type disconnectedMsg struct{ err error }

type reconnectMsg struct{}

type model struct {
	url  string
	conn *websocket.Conn

	stats worldStats
	feed  []feedEntry
	view  viewport.Model

	width, height int
	ready         bool
}

func newModel(url string) model {
	return model{url: url}
}

func (m model) Init() tea.Cmd {
	return connectCmd(m.url)
}

// connectCmd dials the observer stream in the background; bubbletea
// commands must not block the Update loop, so the dial and the first read
// both happen off the main goroutine.
func connectCmd(url string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return disconnectedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

// readCmd blocks on the next websocket message and translates it into a
// bubbletea message; Update re-issues this after every read so the
// program keeps draining the connection one message at a time.
func readCmd(conn *websocket.Conn) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return disconnectedMsg{err: err}
		}
		switch msgType {
		case websocket.MessageBinary:
			decoded, err := stream.DecodeWorldFrame(data)
			if err != nil {
				return readCmd(conn)()
			}
			return frameMsg{
				tick:          decoded.Tick,
				entityCount:   len(decoded.Entities),
				resourceCount: len(decoded.Resources),
			}
		case websocket.MessageText:
			var n stream.Narration
			if err := json.Unmarshal(data, &n); err != nil {
				return readCmd(conn)()
			}
			return narrationMsg(n)
		default:
			return readCmd(conn)()
		}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			if m.conn != nil {
				m.conn.Close(websocket.StatusNormalClosure, "observer closed")
			}
			return m, tea.Quit
		}

	case connectedMsg:
		m.conn = msg.conn
		m.stats.connected = true
		return m, readCmd(m.conn)

	case disconnectedMsg:
		m.stats.connected = false
		m.feed = append(m.feed, feedEntry{agent: "tui", action: "disconnected", message: fmt.Sprint(msg.err), at: time.Now()})
		m.view.SetContent(m.renderFeed())
		m.view.GotoBottom()
		return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, connectCmd(m.url)

	case frameMsg:
		m.stats.tick = msg.tick
		m.stats.entityCount = msg.entityCount
		m.stats.resourceCount = msg.resourceCount
		m.stats.lastFrameAt = time.Now()
		return m, readCmd(m.conn)

	case narrationMsg:
		m.feed = append(m.feed, feedEntry{agent: msg.Agent, action: msg.Action, message: msg.Message, at: time.Now()})
		if len(m.feed) > 500 {
			m.feed = m.feed[len(m.feed)-500:]
		}
		m.view.SetContent(m.renderFeed())
		m.view.GotoBottom()
		return m, readCmd(m.conn)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		sidebarW := 30
		feedW := m.width - sidebarW - 3
		feedH := m.height - 6
		if !m.ready {
			m.view = viewport.New(feedW, feedH)
			m.view.SetContent(m.renderFeed())
			m.ready = true
		} else {
			m.view.Width = feedW
			m.view.Height = feedH
			m.view.SetContent(m.renderFeed())
		}
	}

	var cmd tea.Cmd
	m.view, cmd = m.view.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if !m.ready {
		return "Connecting to ai-genesis...\n"
	}

	status := statusOffline.Render("● OFFLINE")
	if m.stats.connected {
		status = statusOnline.Render("● LIVE")
	}
	header := headerStyle.Width(m.width).Render("  ai-genesis observer  " + status)

	sidebar := m.renderSidebar()
	feed := feedBorder.Width(m.width - 33).Render(m.view.View())

	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, " ", feed)
	footer := footerStyle.Render("  q / Ctrl+C: quit  │  ↑↓: scroll feed")

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m model) renderSidebar() string {
	var sb strings.Builder
	sb.WriteString(sidebarTitle.Render("  World"))
	sb.WriteString("\n")
	sb.WriteString(metricStyle.Render(fmt.Sprintf("tick: %d", m.stats.tick)))
	sb.WriteString("\n")
	sb.WriteString(metricStyle.Render(fmt.Sprintf("entities: %d", m.stats.entityCount)))
	sb.WriteString("\n")
	sb.WriteString(metricStyle.Render(fmt.Sprintf("resources: %d", m.stats.resourceCount)))
	sb.WriteString("\n")
	if !m.stats.lastFrameAt.IsZero() {
		sb.WriteString(metricStyle.Render(fmt.Sprintf("last frame: %s ago", time.Since(m.stats.lastFrameAt).Round(time.Second))))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(sidebarTitle.Render("  Feed"))
	sb.WriteString("\n")
	sb.WriteString(metricStyle.Render(fmt.Sprintf("lines: %d", len(m.feed))))
	sb.WriteString("\n")
	return sidebarStyle.Height(m.height - 4).Render(sb.String())
}

func (m model) renderFeed() string {
	if len(m.feed) == 0 {
		return lipgloss.NewStyle().Foreground(mutedColor).Padding(1).Render("Waiting for agent narration...")
	}
	var sb strings.Builder
	for _, e := range m.feed {
		ts := e.at.Format("15:04:05")
		timeStr := lipgloss.NewStyle().Foreground(mutedColor).Render(ts)
		agent := agentColor(e.agent).Render("[" + e.agent + "]")
		sb.WriteString(fmt.Sprintf("%s %s %s: %s\n", timeStr, agent, e.action, e.message))
	}
	return sb.String()
}

func agentColor(agent string) lipgloss.Style {
	switch agent {
	case "watcher":
		return lipgloss.NewStyle().Foreground(warnColor)
	case "architect", "coder":
		return lipgloss.NewStyle().Foreground(secondaryColor)
	case "patcher":
		return lipgloss.NewStyle().Foreground(successColor)
	default:
		return agentLabel
	}
}
