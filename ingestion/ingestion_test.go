package ingestion

import (
	"archive/zip"
	"bytes"
	"io"
	"log"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reassemble(segments []Segment, overlap int) string {
	var b strings.Builder
	for i, seg := range segments {
		r := []rune(seg.Text)
		if i > 0 {
			r = r[overlap:]
		}
		b.WriteString(string(r))
	}
	return b.String()
}

func TestChunkerScenario(t *testing.T) {
	c, err := NewChunker(8, 2)
	require.NoError(t, err)

	text := "AAAA BBBB CCCC"
	segments := c.Split(text)
	require.Greater(t, len(segments), 1)

	for i, seg := range segments {
		assert.LessOrEqual(t, utf8.RuneCountInString(seg.Text), 8)
		if i > 0 {
			prev := []rune(segments[i-1].Text)
			cur := []rune(seg.Text)
			assert.Equal(t, string(prev[len(prev)-2:]), string(cur[:2]), "overlap between %d and %d", i-1, i)
		}
	}
	assert.Equal(t, text, reassemble(segments, 2))
}

func TestChunkerReconstructsText(t *testing.T) {
	texts := []string{
		"short",
		strings.Repeat("lorem ipsum dolor sit amet ", 40),
		"first paragraph here.\n\nsecond paragraph is a little longer.\nwith a line\n\nthird",
		strings.Repeat("x", 257),
		strings.Repeat("héllo wörld ünïcode ", 30),
	}
	pairs := [][2]int{{8, 2}, {50, 10}, {100, 0}, {64, 63}, {1000, 200}}

	for _, text := range texts {
		for _, pair := range pairs {
			c, err := NewChunker(pair[0], pair[1])
			require.NoError(t, err)

			segments := c.Split(text)
			require.NotEmpty(t, segments)
			assert.Equal(t, text, reassemble(segments, pair[1]), "size=%d overlap=%d", pair[0], pair[1])

			runes := []rune(text)
			for _, seg := range segments {
				assert.Equal(t, string(runes[seg.Start:seg.End]), seg.Text)
				assert.LessOrEqual(t, seg.End-seg.Start, pair[0])
			}
			assert.Equal(t, 0, segments[0].Start)
			assert.Equal(t, len(runes), segments[len(segments)-1].End)
		}
	}
}

func TestChunkerIsDeterministic(t *testing.T) {
	c, err := NewChunker(40, 10)
	require.NoError(t, err)
	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 10)
	assert.Equal(t, c.Split(text), c.Split(text))
}

func TestChunkerShortAndEmptyText(t *testing.T) {
	c, err := NewChunker(100, 20)
	require.NoError(t, err)

	segments := c.Split("tiny document")
	require.Len(t, segments, 1)
	assert.Equal(t, "tiny document", segments[0].Text)

	assert.Empty(t, c.Split("  \n\n  "))
}

func TestChunkerPrefersParagraphBreaks(t *testing.T) {
	c, err := NewChunker(30, 5)
	require.NoError(t, err)

	segments := c.Split("alpha beta gamma.\n\ndelta epsilon zeta eta theta")
	require.NotEmpty(t, segments)
	assert.True(t, strings.HasSuffix(segments[0].Text, "\n\n"), "got %q", segments[0].Text)
}

func TestNewChunkerRejectsBadOverlap(t *testing.T) {
	_, err := NewChunker(10, 10)
	assert.Error(t, err)
	_, err = NewChunker(0, 0)
	assert.Error(t, err)
	_, err = NewChunker(10, -1)
	assert.Error(t, err)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatPDF, DetectFormat("Report.PDF"))
	assert.Equal(t, FormatTXT, DetectFormat("notes.txt"))
	assert.Equal(t, FormatDOCX, DetectFormat("dir/letter.docx"))
	assert.Equal(t, FormatUnknown, DetectFormat("sheet.csv"))
	assert.Equal(t, FormatUnknown, DetectFormat("README"))
}

func TestCleanText(t *testing.T) {
	in := "An exam-\nple of wrapped\nlines.\r\n\r\n\n\nNext   paragraph\t\there.\n--- Page 2 ---\nTail"
	out := CleanText(in)
	assert.Equal(t, "An example of wrapped lines.\n\nNext paragraph here. Tail", out)
	assert.Empty(t, CleanText(""))
}

func TestExtractTXTFallsBackToLatin1(t *testing.T) {
	data := []byte("caf\xe9 cr\xe8me\nsecond line")
	out, err := Extract(FormatTXT, data, 1024)
	require.NoError(t, err)
	assert.Equal(t, "café crème second line", out.Text)
	assert.Equal(t, 2, out.Lines)
}

func TestExtractRejectsOversizedBeforeParsing(t *testing.T) {
	// Not a PDF at all: a parse attempt would surface ErrExtraction instead.
	data := bytes.Repeat([]byte("z"), 2048)
	_, err := Extract(FormatPDF, data, 1024)
	require.ErrorIs(t, err, ErrFileTooLarge)
	assert.NotErrorIs(t, err, ErrExtraction)
}

func TestExtractUnsupported(t *testing.T) {
	_, err := Extract(DocumentFormat("csv"), []byte("a,b"), 0)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestExtractBrokenPDF(t *testing.T) {
	_, err := Extract(FormatPDF, []byte("%PDF-1.4 garbage"), 0)
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestExtractBlankText(t *testing.T) {
	_, err := Extract(FormatTXT, []byte("   \n\n "), 0)
	assert.ErrorIs(t, err, ErrExtraction)
}

func buildDOCX(t *testing.T, body string) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`+
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`+
		body+`</w:body></w:document>`)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtractDOCX(t *testing.T) {
	data := buildDOCX(t,
		`<w:p><w:r><w:t>Project goals</w:t></w:r></w:p>`+
			`<w:p></w:p>`+
			`<w:p><w:r><w:t xml:space="preserve">Ship the </w:t></w:r><w:hyperlink><w:r><w:t>beta</w:t></w:r></w:hyperlink><w:r><w:tab/><w:t>soon.</w:t></w:r></w:p>`)

	out, err := Extract(FormatDOCX, data, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Paragraphs)
	assert.Equal(t, "Project goals\n\nShip the beta\tsoon.", out.Text)
}

func TestExtractDOCXWithoutBody(t *testing.T) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	_, err := zw.Create("docProps/core.xml")
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = Extract(FormatDOCX, buf.Bytes(), 0)
	assert.ErrorIs(t, err, ErrExtraction)
}

func TestProcessorBuildsChunks(t *testing.T) {
	p, err := NewProcessor(40, 10, 1024*1024, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	text := strings.Repeat("Docs are chunked with overlap. ", 6)
	doc, chunks, err := p.Process("guide.txt", []byte(text))
	require.NoError(t, err)

	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, "guide.txt", doc.Filename)
	assert.Equal(t, FormatTXT, doc.Format)
	assert.Len(t, doc.SHA256, 64)
	assert.Equal(t, int64(len(text)), doc.SizeBytes)
	require.Greater(t, len(chunks), 1)

	runes := []rune(doc.Text)
	for i, c := range chunks {
		assert.Equal(t, doc.ID, c.DocumentID)
		assert.Equal(t, i, c.Index)
		assert.Equal(t, len(chunks), c.Total)
		assert.Equal(t, string(runes[c.Start:c.End]), c.Text)
	}
}

func TestProcessorRejections(t *testing.T) {
	p, err := NewProcessor(100, 10, 16, log.New(io.Discard, "", 0))
	require.NoError(t, err)

	_, _, err = p.Process("slides.pptx", []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, _, err = p.Process("", []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, _, err = p.Process("big.txt", bytes.Repeat([]byte("a"), 17))
	assert.ErrorIs(t, err, ErrFileTooLarge)
}

func TestMetadataSummary(t *testing.T) {
	assert.Equal(t, "PDF, 12 pages", Metadata{Pages: 12}.Summary(FormatPDF))
	assert.Equal(t, "DOCX, 3 paragraphs", Metadata{Paragraphs: 3}.Summary(FormatDOCX))
	assert.Equal(t, "TXT, 9 lines", Metadata{Lines: 9}.Summary(FormatTXT))
	assert.Equal(t, "PDF", Metadata{}.Summary(FormatPDF))
}
