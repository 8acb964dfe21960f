package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docqa/ingestion"
	"github.com/fabfab/docqa/llm"
	"github.com/fabfab/docqa/session"
	"github.com/fabfab/docqa/vectorstore"
)

type fakeSession struct {
	docs    []vectorstore.DocumentRecord
	key     string
	asked   []string
	cleared bool
	askErr  error
}

func (f *fakeSession) Upload(_ context.Context, filename string, _ []byte) (session.UploadResult, error) {
	rec := vectorstore.DocumentRecord{ID: "id-" + filename, Filename: filename, Format: ingestion.FormatTXT, ChunkCount: 2, Metadata: ingestion.Metadata{Lines: 4}}
	f.docs = append(f.docs, rec)
	return session.UploadResult{Document: rec}, nil
}

func (f *fakeSession) Documents() []vectorstore.DocumentRecord { return f.docs }

func (f *fakeSession) Delete(_ context.Context, id string) error {
	for i, d := range f.docs {
		if d.ID == id {
			f.docs = append(f.docs[:i], f.docs[i+1:]...)
			return nil
		}
	}
	return vectorstore.ErrDocumentNotFound
}

func (f *fakeSession) Clear(context.Context) error {
	f.cleared = true
	f.docs = nil
	return nil
}

func (f *fakeSession) Ask(_ context.Context, question string) (session.Entry, error) {
	if f.askErr != nil {
		return session.Entry{}, f.askErr
	}
	f.asked = append(f.asked, question)
	return session.Entry{
		Question: question,
		Answer:   "answer to " + question,
		Sources:  "• a.txt (TXT, 4 lines)",
		Related:  "• a.txt: 2 chunks indexed, related: b.txt",
	}, nil
}

func (f *fakeSession) SetAPIKey(_ context.Context, key string) error {
	f.key = key
	return nil
}

func (f *fakeSession) HasAPIKey() bool { return f.key != "" }

func sized(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return next.(Model)
}

// enter types line and presses Enter, then runs the resulting command and
// feeds back any session result message.
func enter(t *testing.T, m Model, line string) Model {
	t.Helper()
	m.input.SetValue(line)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	for _, msg := range collect(cmd) {
		switch msg.(type) {
		case answerMsg, actionMsg:
			next, _ = m.Update(msg)
			m = next.(Model)
		}
	}
	return m
}

func collect(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			if c != nil {
				out = append(out, collect(c)...)
			}
		}
		return out
	}
	return []tea.Msg{msg}
}

func TestAskAppendsAnswer(t *testing.T) {
	sess := &fakeSession{key: "k"}
	m := sized(t, New(context.Background(), sess))

	m = enter(t, m, "what is the goal?")

	assert.Equal(t, []string{"what is the goal?"}, sess.asked)
	assert.False(t, m.busy)
	require.Len(t, m.log, 1)
	assert.Contains(t, m.log[0], "answer to what is the goal?")
	assert.Contains(t, m.log[0], "a.txt")
	assert.Contains(t, m.log[0], "related: b.txt")
	assert.Empty(t, m.input.Value())
}

func TestAskErrorShowsStatus(t *testing.T) {
	sess := &fakeSession{askErr: llm.ErrMissingAPIKey}
	m := sized(t, New(context.Background(), sess))

	assert.Contains(t, m.status, "No API key")
	m = enter(t, m, "anything")

	assert.Contains(t, m.status, "missing API key")
	assert.Empty(t, m.log)
}

func TestCommands(t *testing.T) {
	sess := &fakeSession{}
	m := sized(t, New(context.Background(), sess))
	m.readFile = func(path string) ([]byte, error) {
		if path == "/tmp/missing.txt" {
			return nil, errors.New("no such file")
		}
		return []byte("content"), nil
	}

	m = enter(t, m, "/add /tmp/a.txt /tmp/missing.txt")
	require.Len(t, sess.docs, 1)
	assert.Equal(t, "a.txt", sess.docs[0].Filename)
	assert.Contains(t, m.status, "Processed 1 file(s)")
	assert.Contains(t, m.status, "missing.txt")

	m = enter(t, m, "/docs")
	require.NotEmpty(t, m.log)
	assert.Contains(t, m.log[len(m.log)-1], "a.txt (TXT, 4 lines, 2 chunks)")

	m = enter(t, m, "/key secret")
	assert.Equal(t, "secret", sess.key)
	assert.Equal(t, "API key configured", m.status)

	m = enter(t, m, "/delete a.txt")
	assert.Empty(t, sess.docs)
	assert.Equal(t, "Removed a.txt", m.status)

	m = enter(t, m, "/delete a.txt")
	assert.Contains(t, m.status, "document not found")

	m = enter(t, m, "/clear")
	assert.True(t, sess.cleared)
	assert.Empty(t, m.log)

	m = enter(t, m, "/bogus")
	assert.Contains(t, m.status, "Unknown command /bogus")
}

func TestViewBeforeAndAfterResize(t *testing.T) {
	sess := &fakeSession{key: "k"}
	m := New(context.Background(), sess)
	assert.Equal(t, "Loading...", m.View())

	m = sized(t, m)
	view := m.View()
	assert.Contains(t, view, "docqa")
	assert.Contains(t, view, "0 document(s)")
	assert.Contains(t, view, "No questions yet.")
}

func TestCtrlCQuits(t *testing.T) {
	m := New(context.Background(), &fakeSession{})
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}
