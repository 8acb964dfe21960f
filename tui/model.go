package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fabfab/docqa/ingestion"
	"github.com/fabfab/docqa/session"
	"github.com/fabfab/docqa/vectorstore"
)

// SessionPort is the TUI-facing subset of the session.
type SessionPort interface {
	Upload(ctx context.Context, filename string, data []byte) (session.UploadResult, error)
	Documents() []vectorstore.DocumentRecord
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Ask(ctx context.Context, question string) (session.Entry, error)
	SetAPIKey(ctx context.Context, key string) error
	HasAPIKey() bool
}

const helpText = `Type a question and press Enter.
Commands:
  /add <path>...   process one or more files
  /docs            list loaded documents
  /delete <name>   remove a document by file name or id
  /key <api key>   set the LLM credential
  /clear           remove every document and the conversation
  /help            show this help
Ctrl+C quits.`

type answerMsg struct {
	entry session.Entry
	err   error
}

type actionMsg struct {
	status string
	err    error
}

// Model is the Bubble Tea model for the interactive session.
type Model struct {
	ctx      context.Context
	sess     SessionPort
	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	log      []string
	status   string
	busy     bool
	ready    bool
	readFile func(string) ([]byte, error)
}

// New creates a model bound to sess. ctx bounds every session call.
func New(ctx context.Context, sess SessionPort) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about your documents, or /help"
	ti.Focus()
	ti.CharLimit = 0

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		ctx:      ctx,
		sess:     sess,
		input:    ti,
		viewport: viewport.New(0, 0),
		spinner:  sp,
		readFile: os.ReadFile,
	}
	m.status = m.keyStatus()
	return m
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, bh := transcriptStyle.GetFrameSize()
		_, ih := inputStyle.GetFrameSize()
		reserved := 2 + 1 + ih + bh // header, status, input box
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, msg.Height-reserved)
		m.refresh()
		return m, nil

	case answerMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
			return m, nil
		}
		m.log = append(m.log, renderEntry(msg.entry))
		m.status = m.keyStatus()
		m.refresh()
		return m, nil

	case actionMsg:
		m.busy = false
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
		} else {
			m.status = msg.status
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.Type {
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			if line == "" || m.busy {
				return m, nil
			}
			m.input.SetValue("")
			return m.submit(line)
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) submit(line string) (tea.Model, tea.Cmd) {
	if !strings.HasPrefix(line, "/") {
		m.busy = true
		m.status = "Thinking..."
		return m, tea.Batch(m.spinner.Tick, m.ask(line))
	}

	fields := strings.Fields(line)
	args := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
	switch fields[0] {
	case "/help":
		m.log = append(m.log, helpText)
		m.refresh()
		return m, nil
	case "/docs":
		m.log = append(m.log, renderDocuments(m.sess.Documents()))
		m.refresh()
		return m, nil
	case "/add":
		if len(fields) < 2 {
			m.status = "Usage: /add <path>..."
			return m, nil
		}
		m.busy = true
		m.status = "Processing..."
		return m, tea.Batch(m.spinner.Tick, m.add(fields[1:]))
	case "/delete":
		if args == "" {
			m.status = "Usage: /delete <name>"
			return m, nil
		}
		return m, m.remove(args)
	case "/key":
		if args == "" {
			m.status = "Usage: /key <api key>"
			return m, nil
		}
		return m, m.setKey(args)
	case "/clear":
		m.log = nil
		return m, m.clear()
	default:
		m.status = fmt.Sprintf("Unknown command %s, try /help", fields[0])
		return m, nil
	}
}

func (m Model) ask(question string) tea.Cmd {
	ctx, sess := m.ctx, m.sess
	return func() tea.Msg {
		entry, err := sess.Ask(ctx, question)
		return answerMsg{entry: entry, err: err}
	}
}

func (m Model) add(paths []string) tea.Cmd {
	ctx, sess, readFile := m.ctx, m.sess, m.readFile
	return func() tea.Msg {
		var added, failed []string
		for _, p := range paths {
			data, err := readFile(p)
			if err == nil {
				_, err = sess.Upload(ctx, filepath.Base(p), data)
			}
			if err != nil {
				failed = append(failed, fmt.Sprintf("%s (%v)", filepath.Base(p), err))
				continue
			}
			added = append(added, filepath.Base(p))
		}
		status := fmt.Sprintf("Processed %d file(s)", len(added))
		if len(failed) > 0 {
			status += "; failed: " + strings.Join(failed, ", ")
		}
		return actionMsg{status: status}
	}
}

func (m Model) remove(name string) tea.Cmd {
	ctx, sess := m.ctx, m.sess
	return func() tea.Msg {
		id := name
		for _, d := range sess.Documents() {
			if d.Filename == name {
				id = d.ID
				break
			}
		}
		if err := sess.Delete(ctx, id); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{status: "Removed " + name}
	}
}

func (m Model) setKey(key string) tea.Cmd {
	ctx, sess := m.ctx, m.sess
	return func() tea.Msg {
		if err := sess.SetAPIKey(ctx, key); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{status: "API key configured"}
	}
}

func (m Model) clear() tea.Cmd {
	ctx, sess := m.ctx, m.sess
	return func() tea.Msg {
		if err := sess.Clear(ctx); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{status: "All documents cleared"}
	}
}

func (m Model) keyStatus() string {
	if m.sess.HasAPIKey() {
		return "Ready. /help lists commands."
	}
	return "No API key configured. Use /key <api key> before asking."
}

func (m *Model) refresh() {
	if len(m.log) == 0 {
		m.viewport.SetContent(mutedStyle.Render("No questions yet."))
		return
	}
	m.viewport.SetContent(strings.Join(m.log, "\n\n"))
	m.viewport.GotoBottom()
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := titleStyle.Render("docqa") + "  " + mutedStyle.Render(fmt.Sprintf("%d document(s)", len(m.sess.Documents())))
	status := statusStyle.Render(m.status)
	if m.busy {
		status = m.spinner.View() + " " + status
	}
	return header + "\n" +
		transcriptStyle.Render(m.viewport.View()) + "\n" +
		inputStyle.Render(m.input.View()) + "\n" +
		status
}

func renderEntry(e session.Entry) string {
	var b strings.Builder
	b.WriteString(questionStyle.Render("Q: " + e.Question))
	b.WriteString("\n")
	b.WriteString(e.Answer)
	if e.Sources != "" {
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render("Sources:\n" + e.Sources))
	}
	if e.Related != "" {
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render("Knowledge graph:\n" + e.Related))
	}
	return b.String()
}

func renderDocuments(docs []vectorstore.DocumentRecord) string {
	if len(docs) == 0 {
		return "No documents loaded yet."
	}
	lines := make([]string, 0, len(docs)+1)
	lines = append(lines, fmt.Sprintf("%d document(s):", len(docs)))
	for _, d := range docs {
		lines = append(lines, fmt.Sprintf("  %s (%s, %d chunks)", d.Filename, summary(d), d.ChunkCount))
	}
	return strings.Join(lines, "\n")
}

func summary(d vectorstore.DocumentRecord) string {
	if d.Format == ingestion.FormatUnknown {
		return "unknown"
	}
	return d.Metadata.Summary(d.Format)
}

var (
	titleStyle      = lipgloss.NewStyle().Bold(true)
	mutedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	questionStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	transcriptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Run starts the program on the terminal and blocks until the user quits.
func Run(ctx context.Context, sess SessionPort) error {
	p := tea.NewProgram(New(ctx, sess), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
