package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/docqa/ingestion"
	"github.com/fabfab/docqa/session"
	"github.com/fabfab/docqa/vectorstore"
)

type recordingUploader struct {
	names []string
}

func (r *recordingUploader) Upload(_ context.Context, filename string, _ []byte) (session.UploadResult, error) {
	if strings.HasSuffix(filename, ".pptx") {
		return session.UploadResult{}, fmt.Errorf("%w: .pptx", ingestion.ErrUnsupportedFormat)
	}
	r.names = append(r.names, filename)
	doc := vectorstore.DocumentRecord{Filename: filename, Format: ingestion.FormatTXT, ChunkCount: 1, Metadata: ingestion.Metadata{Lines: 2}}
	if filename == "again.txt" {
		return session.UploadResult{Document: doc, Duplicate: true}, nil
	}
	return session.UploadResult{Document: doc}, nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestIngestFilesReportsEachFile(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "notes.txt", "a\nb")
	dup := writeFile(t, dir, "again.txt", "a\nb")
	bad := writeFile(t, dir, "deck.pptx", "x")

	var out bytes.Buffer
	up := &recordingUploader{}
	err := ingestFiles(context.Background(), &out, up, []string{good, dup, bad, filepath.Join(dir, "missing.txt")})
	require.NoError(t, err)

	assert.Equal(t, []string{"notes.txt", "again.txt"}, up.names)
	text := out.String()
	assert.Contains(t, text, "✓ notes.txt (TXT, 2 lines, 1 chunks)")
	assert.Contains(t, text, "= again.txt already loaded")
	assert.Contains(t, text, "✗ deck.pptx")
	assert.Contains(t, text, "✗ missing.txt")
}

func TestIngestFilesFailsWhenNothingProcessed(t *testing.T) {
	dir := t.TempDir()
	bad := writeFile(t, dir, "deck.pptx", "x")

	err := ingestFiles(context.Background(), io.Discard, &recordingUploader{}, []string{bad})
	require.Error(t, err)
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}

	for _, tt := range tests {
		var out bytes.Buffer
		got, err := confirm(strings.NewReader(tt.input), &out, "Continue? ")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "input %q", tt.input)
		assert.Equal(t, "Continue? ", out.String())
	}
}

func TestPrintEntryAndDocuments(t *testing.T) {
	var out bytes.Buffer
	printEntry(&out, session.Entry{Answer: "42", Sources: "• a.txt (TXT)"})
	assert.Equal(t, "42\n\nSources:\n• a.txt (TXT)\n", out.String())

	out.Reset()
	printEntry(&out, session.Entry{Answer: "42", Sources: "• a.txt (TXT)", Related: "• a.txt: 2 chunks indexed"})
	assert.Equal(t, "42\n\nSources:\n• a.txt (TXT)\n\nKnowledge graph:\n• a.txt: 2 chunks indexed\n", out.String())

	out.Reset()
	printDocuments(&out, nil)
	assert.Equal(t, "No documents loaded.\n", out.String())

	out.Reset()
	printDocuments(&out, []vectorstore.DocumentRecord{{ID: "d1", Filename: "a.pdf", Format: ingestion.FormatPDF, ChunkCount: 3, Metadata: ingestion.Metadata{Pages: 2}}})
	assert.Equal(t, "d1  a.pdf (PDF, 2 pages, 3 chunks)\n", out.String())
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd(log.New(io.Discard, "", 0))

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "ingest", "ask", "documents", "delete", "clear", "tui", "mcp"})
}

func TestClearAbortsWithoutConfirmation(t *testing.T) {
	root := newRootCmd(log.New(io.Discard, "", 0))
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader("n\n"))
	root.SetArgs([]string{"clear"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "clear aborted")
}
