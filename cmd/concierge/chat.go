package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/vowsmith/concierge/internal/session"
	"github.com/vowsmith/concierge/internal/transcript"
	"github.com/vowsmith/concierge/pkg/assistant"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat with the assistant",
	Long: `Open a terminal chat session with the wedding assistant.

Keys:
  enter    send message
  ctrl+r   reconnect now
  pgup     load older history
  ctrl+c   quit

Examples:
  # Chat against a local dev agent
  concierge agent &
  concierge chat --user alice`,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	uid := userID
	if uid == "" {
		uid = "local-" + uuid.NewString()[:8]
	}

	client, err := assistant.New(assistant.Config{
		AgentURL:   cfg.Agent.URL,
		HistoryURL: cfg.History.URL,
		UserID:     uid,
		Session: session.Config{
			MaxAttempts: cfg.Session.MaxAttempts,
			BaseDelay:   cfg.Session.BaseDelay.Duration(),
			MaxDelay:    cfg.Session.MaxDelay.Duration(),
		},
		Transcript: transcript.Config{
			PageSize:       cfg.History.PageSize,
			TypingInterval: cfg.Transcript.TypingInterval.Duration(),
			QueueSize:      cfg.Transcript.QueueSize,
		},
		VideoFrameRate:    cfg.Media.VideoFrameRate,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval.Duration(),
		HTTPClient:        &http.Client{Timeout: cfg.History.Timeout.Duration()},
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build client: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	client.Start(ctx)
	defer client.Close()

	m := newChatModel(client)
	p := tea.NewProgram(m, tea.WithAltScreen())

	// Wake the UI whenever the transcript or connection state changes.
	client.Subscribe(func() { p.Send(snapshotMsg{}) })
	client.RegisterOnDisconnect(func() { p.Send(snapshotMsg{}) })
	client.RegisterOnReconnectSuccess(func() { p.Send(snapshotMsg{}) })

	_, err = p.Run()
	return err
}

// snapshotMsg asks the model to re-pull client state.
type snapshotMsg struct{}

// tickMsg drives the connection state line while no events arrive.
type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

var (
	chatHeaderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45")).
			Bold(true)

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("213")).
			Bold(true)

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	statusOKStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46"))

	statusBadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

type chatModel struct {
	client *assistant.Client
	snap   assistant.Snapshot

	viewport viewport.Model
	input    textinput.Model
	width    int
	height   int
	ready    bool
}

func newChatModel(client *assistant.Client) *chatModel {
	ti := textinput.New()
	ti.Placeholder = "Ask about your wedding plans..."
	ti.Focus()
	ti.CharLimit = 2000

	return &chatModel{
		client: client,
		snap:   client.Snapshot(),
		input:  ti,
	}
}

func (m *chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, tick())
}

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 4 // header, status, input, hint
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.refresh(true)
		return m, nil

	case snapshotMsg:
		m.refresh(true)
		return m, nil

	case tickMsg:
		m.refresh(false)
		return m, tick()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text != "" {
				m.client.SendTextMessage(text)
				m.input.Reset()
				m.refresh(true)
			}
			return m, nil
		case "ctrl+r":
			m.client.ReconnectNow()
			return m, nil
		case "pgup":
			if m.snap.HasMoreHistory {
				m.client.LoadMoreHistory()
			}
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// refresh re-pulls client state and re-renders the transcript.
func (m *chatModel) refresh(scroll bool) {
	m.snap = m.client.Snapshot()
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderTranscript())
	if scroll {
		m.viewport.GotoBottom()
	}
}

func (m *chatModel) renderTranscript() string {
	var b strings.Builder
	if m.snap.HasMoreHistory {
		b.WriteString(hintStyle.Render("── older messages above, pgup to load ──"))
		b.WriteString("\n")
	}
	for _, msg := range m.snap.Transcript {
		b.WriteString(renderMessage(msg))
		b.WriteString("\n")
	}
	if m.snap.IsAssistantTyping {
		b.WriteString(assistantStyle.Render("assistant"))
		b.WriteString(hintStyle.Render(" is typing..."))
		b.WriteString("\n")
	}
	return b.String()
}

func renderMessage(msg transcript.Message) string {
	switch msg.Type {
	case transcript.TypeSystemEvent:
		return systemStyle.Render(fmt.Sprintf("· %s", msg.Text))
	case transcript.TypeArtifactUpload:
		return systemStyle.Render(fmt.Sprintf("· uploaded %s (%s)", msg.Text, msg.ArtifactURL))
	}
	label := userStyle.Render("you")
	if msg.Sender == transcript.SenderAssistant {
		label = assistantStyle.Render("assistant")
	}
	return fmt.Sprintf("%s  %s", label, msg.Text)
}

func (m *chatModel) statusLine() string {
	state := string(m.snap.ConnectionState)
	styled := statusBadStyle.Render(state)
	switch m.snap.ConnectionState {
	case session.StateConnected:
		styled = statusOKStyle.Render(state)
	case session.StateConnecting, session.StateReconnecting:
		styled = hintStyle.Render(state)
	}
	parts := []string{styled}
	if m.snap.SessionID != "" {
		parts = append(parts, hintStyle.Render("session "+m.snap.SessionID))
	}
	if m.snap.IsAssistantSpeaking {
		parts = append(parts, assistantStyle.Render("speaking"))
	}
	if m.snap.IsLoadingHistory {
		parts = append(parts, hintStyle.Render("loading history..."))
	}
	if m.snap.HistoryError != "" {
		parts = append(parts, statusBadStyle.Render("history: "+m.snap.HistoryError))
	}
	return strings.Join(parts, "  ")
}

func (m *chatModel) View() string {
	if !m.ready {
		return "starting..."
	}
	header := chatHeaderStyle.Render("VowSmith Concierge")
	hint := hintStyle.Render("enter send · ctrl+r reconnect · pgup history · ctrl+c quit")
	return fmt.Sprintf("%s\n%s\n%s\n%s\n%s",
		header,
		m.viewport.View(),
		m.statusLine(),
		m.input.View(),
		hint,
	)
}
