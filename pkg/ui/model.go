// Package ui is the terminal front end of a chat session: transcript,
// evidence panel, connection status and input.
package ui

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/logchat/pkg/backend"
	"github.com/go-go-golems/logchat/pkg/connection"
	"github.com/go-go-golems/logchat/pkg/session"
	"github.com/go-go-golems/logchat/pkg/transcript"
)

const (
	inputHeight    = 3
	requestTimeout = 2 * time.Minute
)

// Chat is the conversation the model drives. *session.Session satisfies it.
type Chat interface {
	Submit(text string) bool
	ForceClearLoading()
	AcknowledgeUpload(name string, size int64, res *backend.UploadResult)
	Document() (string, bool)
	ClearDocument()
	Transcript() *transcript.Transcript
}

// Connector controls the streaming connection. *connection.Manager
// satisfies it.
type Connector interface {
	Connect()
	Status() connection.Status
}

// Backend is the HTTP side of the service. *backend.Client satisfies it.
type Backend interface {
	Upload(ctx context.Context, filename string, r io.Reader) (*backend.UploadResult, error)
	Health(ctx context.Context) (*backend.HealthStatus, error)
}

// TranscriptChangedMsg asks the model to re-read the transcript.
type TranscriptChangedMsg struct{}

// StatusMsg carries a connection state change.
type StatusMsg connection.Status

type uploadDoneMsg struct {
	name   string
	size   int64
	result *backend.UploadResult
	err    error
}

type healthMsg struct {
	status *backend.HealthStatus
	err    error
}

type inputMode int

const (
	chatInput inputMode = iota
	uploadInput
)

type Model struct {
	chat    Chat
	conn    Connector
	backend Backend

	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model
	md       *markdown

	view   transcript.View
	status connection.Status
	health *backend.HealthStatus
	notice string
	mode   inputMode

	uploading bool
	ready     bool
	width     int
	height    int
}

type Option func(*Model)

// WithBackend enables upload and health display.
func WithBackend(b Backend) Option {
	return func(m *Model) {
		m.backend = b
	}
}

// WithMarkdown toggles glamour rendering of finished assistant turns.
func WithMarkdown(enabled bool) Option {
	return func(m *Model) {
		m.md = newMarkdown(enabled)
	}
}

func New(chat Chat, conn Connector, options ...Option) Model {
	ta := textarea.New()
	ta.Placeholder = "Ask about the log... (enter to send)"
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(inputHeight)
	ta.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("alt+enter", "ctrl+j"))
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63")).Bold(true)

	vp := viewport.New(80, 20)
	vp.KeyMap = viewport.KeyMap{
		PageDown:     key.NewBinding(key.WithKeys("pgdown")),
		PageUp:       key.NewBinding(key.WithKeys("pgup")),
		HalfPageDown: key.NewBinding(key.WithKeys("ctrl+f")),
		HalfPageUp:   key.NewBinding(key.WithKeys("ctrl+b")),
	}

	m := Model{
		chat:     chat,
		conn:     conn,
		viewport: vp,
		input:    ta,
		spinner:  sp,
		md:       newMarkdown(true),
	}
	for _, opt := range options {
		opt(&m)
	}
	if conn != nil {
		m.status = conn.Status()
	}
	m.view = chat.Transcript().Snapshot()
	return m
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink, m.spinner.Tick}
	if m.backend != nil {
		cmds = append(cmds, m.checkHealth())
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.ready = true
		m.layout()
		m.refresh(true)
		return m, nil

	case TranscriptChangedMsg:
		m.view = m.chat.Transcript().Snapshot()
		m.layout()
		m.refresh(false)
		return m, nil

	case StatusMsg:
		m.status = connection.Status(msg)
		return m, nil

	case uploadDoneMsg:
		m.uploading = false
		if msg.err != nil {
			log.Warn().Err(msg.err).Str("file", msg.name).Msg("upload failed")
			m.notice = "Upload failed: " + msg.err.Error()
			return m, nil
		}
		m.notice = ""
		m.chat.AcknowledgeUpload(msg.name, msg.size, msg.result)
		return m, nil

	case healthMsg:
		if msg.err != nil {
			log.Debug().Err(msg.err).Msg("health check failed")
			m.health = &backend.HealthStatus{Status: "unreachable"}
			return m, nil
		}
		m.health = msg.status
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c":
		return tea.Quit, true
	case "enter":
		return m.submit(), true
	case "ctrl+r":
		m.conn.Connect()
		return nil, true
	case "ctrl+x":
		m.chat.ForceClearLoading()
		return nil, true
	case "ctrl+u":
		if m.backend == nil {
			m.notice = "Uploads are not available"
			return nil, true
		}
		m.toggleUploadMode()
		return nil, true
	case "ctrl+o":
		if _, ok := m.chat.Document(); ok {
			m.chat.ClearDocument()
			m.notice = "Questions are no longer grounded on the uploaded document"
		}
		return nil, true
	case "ctrl+t":
		if m.backend != nil {
			return m.checkHealth(), true
		}
		return nil, true
	case "esc":
		switch {
		case m.mode == uploadInput:
			m.toggleUploadMode()
		case m.notice != "":
			m.notice = ""
		case m.view.LastError != "":
			m.chat.Transcript().DismissError()
		case m.view.EvidenceVisible:
			m.chat.Transcript().HideEvidence()
		}
		return nil, true
	}
	for _, qa := range session.QuickActions {
		if msg.String() == qa.Key {
			m.chat.Submit(qa.Prompt)
			return nil, true
		}
	}
	return nil, false
}

func (m *Model) submit() tea.Cmd {
	text := m.input.Value()
	if m.mode == uploadInput {
		path := strings.TrimSpace(text)
		if path == "" || m.uploading {
			return nil
		}
		m.input.Reset()
		m.toggleUploadMode()
		m.uploading = true
		m.notice = "Uploading " + filepath.Base(path) + "..."
		return m.upload(path)
	}
	if m.chat.Submit(text) {
		m.input.Reset()
	}
	return nil
}

func (m *Model) toggleUploadMode() {
	if m.mode == uploadInput {
		m.mode = chatInput
		m.input.Placeholder = "Ask about the log... (enter to send)"
		return
	}
	m.mode = uploadInput
	m.input.Placeholder = "Path of the log to upload (esc to cancel)"
}

func (m Model) upload(path string) tea.Cmd {
	b := m.backend
	return func() tea.Msg {
		expanded, err := homedir.Expand(path)
		if err != nil {
			return uploadDoneMsg{name: path, err: errors.Wrapf(err, "expand %s", path)}
		}
		name := filepath.Base(expanded)
		f, err := os.Open(expanded)
		if err != nil {
			return uploadDoneMsg{name: name, err: errors.Wrapf(err, "open %s", expanded)}
		}
		defer func() { _ = f.Close() }()
		fi, err := f.Stat()
		if err != nil {
			return uploadDoneMsg{name: name, err: errors.Wrapf(err, "stat %s", expanded)}
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		res, err := b.Upload(ctx, expanded, f)
		return uploadDoneMsg{name: name, size: fi.Size(), result: res, err: err}
	}
}

func (m Model) checkHealth() tea.Cmd {
	b := m.backend
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hs, err := b.Health(ctx)
		return healthMsg{status: hs, err: err}
	}
}

// layout sizes the viewport to what the surrounding chrome leaves over.
func (m *Model) layout() {
	if !m.ready {
		return
	}
	m.input.SetWidth(m.width)
	m.md.setWidth(m.width - 2)
	m.viewport.Width = m.width

	chrome := lipgloss.Height(m.headerView()) + lipgloss.Height(m.footerView()) + inputHeight
	if ev := m.evidenceView(); ev != "" {
		chrome += lipgloss.Height(ev)
	}
	m.viewport.Height = max(m.height-chrome, 3)
}

func (m *Model) refresh(force bool) {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(renderTurns(m.view.Turns, m.md))
	if force || atBottom {
		m.viewport.GotoBottom()
	}
}

func (m Model) headerView() string {
	parts := []string{titleStyle.Render("logchat"), renderStatus(m.status)}
	if name, ok := m.chat.Document(); ok {
		parts = append(parts, documentStyle.Render("grounded on "+name))
	}
	if h := renderHealth(m.health); h != "" {
		parts = append(parts, h)
	}
	return strings.Join(parts, "  ")
}

func (m Model) evidenceView() string {
	if !m.view.EvidenceVisible || len(m.view.Evidence) == 0 {
		return ""
	}
	return renderEvidence(m.view.Evidence, m.width)
}

func (m Model) footerView() string {
	var lines []string
	if m.view.LastError != "" {
		lines = append(lines, errorStyle.Render("Error: "+m.view.LastError+" (esc to dismiss)"))
	}
	if m.notice != "" {
		lines = append(lines, noticeStyle.Render(m.notice))
	}
	if m.view.Loading {
		lines = append(lines, m.spinner.View()+" "+helpStyle.Render("assistant is answering, ctrl+x to stop waiting"))
	}

	keys := make([]string, 0, len(session.QuickActions))
	for _, qa := range session.QuickActions {
		keys = append(keys, fmt.Sprintf("%s %s", strings.ToUpper(qa.Key), qa.Label))
	}
	lines = append(lines,
		helpStyle.Render(strings.Join(keys, " · ")),
		helpStyle.Render("enter send · ctrl+u upload · ctrl+o forget upload · ctrl+r reconnect · ctrl+t health · esc dismiss · ctrl+c quit"),
	)
	return strings.Join(lines, "\n")
}

func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}
	sections := []string{m.headerView(), m.viewport.View()}
	if ev := m.evidenceView(); ev != "" {
		sections = append(sections, ev)
	}
	sections = append(sections, m.input.View(), m.footerView())
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}
