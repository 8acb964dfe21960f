package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Document is an uploaded file after text extraction.
type Document struct {
	ID         string
	Filename   string
	Format     DocumentFormat
	Text       string
	SHA256     string
	SizeBytes  int64
	UploadedAt time.Time
	Metadata   Metadata
}

// Metadata carries the per-format counts reported by the extractor.
type Metadata struct {
	Pages      int `json:"pages,omitempty"`
	Paragraphs int `json:"paragraphs,omitempty"`
	Lines      int `json:"lines,omitempty"`
	Characters int `json:"characters"`
}

// Chunk is a segment of a Document. Start and End are rune offsets into Document.Text.
type Chunk struct {
	ID         string
	DocumentID string
	Filename   string
	Index      int
	Total      int
	Text       string
	Start      int
	End        int
}

// Processor turns raw uploads into a Document and its Chunks.
type Processor struct {
	chunker  Chunker
	maxBytes int64
	logger   *log.Logger
	now      func() time.Time
}

func NewProcessor(chunkSize, overlap int, maxBytes int64, logger *log.Logger) (*Processor, error) {
	if logger == nil {
		logger = log.Default()
	}

	chunker, err := NewChunker(chunkSize, overlap)
	if err != nil {
		return nil, err
	}

	return &Processor{
		chunker:  chunker,
		maxBytes: maxBytes,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Process validates filename and size, extracts text and chunks it. The
// format and size checks happen before any content is parsed.
func (p *Processor) Process(filename string, data []byte) (Document, []Chunk, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return Document{}, nil, fmt.Errorf("%w: missing file name", ErrUnsupportedFormat)
	}

	format := DetectFormat(name)
	if !format.Valid() {
		return Document{}, nil, fmt.Errorf("%w: %s (supported: %s)", ErrUnsupportedFormat, name, strings.Join(SupportedExtensions, ", "))
	}

	extraction, err := Extract(format, data, p.maxBytes)
	if err != nil {
		return Document{}, nil, fmt.Errorf("process %s: %w", name, err)
	}

	hash := sha256.Sum256(data)
	doc := Document{
		ID:         uuid.New().String(),
		Filename:   name,
		Format:     format,
		Text:       extraction.Text,
		SHA256:     hex.EncodeToString(hash[:]),
		SizeBytes:  int64(len(data)),
		UploadedAt: p.now().UTC(),
		Metadata: Metadata{
			Pages:      extraction.Pages,
			Paragraphs: extraction.Paragraphs,
			Lines:      extraction.Lines,
			Characters: utf8.RuneCountInString(extraction.Text),
		},
	}

	segments := p.chunker.Split(doc.Text)
	if len(segments) == 0 {
		return Document{}, nil, fmt.Errorf("process %s: %w: document produced no chunks", name, ErrExtraction)
	}

	chunks := make([]Chunk, len(segments))
	for i, seg := range segments {
		chunks[i] = Chunk{
			ID:         uuid.New().String(),
			DocumentID: doc.ID,
			Filename:   doc.Filename,
			Index:      i,
			Total:      len(segments),
			Text:       seg.Text,
			Start:      seg.Start,
			End:        seg.End,
		}
	}

	p.logger.Printf("processed %s (%s, %d chars, %d chunks)", name, format.Label(), doc.Metadata.Characters, len(chunks))
	return doc, chunks, nil
}

// Summary renders the format annotation shown next to a document name,
// e.g. "PDF, 12 pages".
func (m Metadata) Summary(format DocumentFormat) string {
	switch {
	case format == FormatPDF && m.Pages > 0:
		return fmt.Sprintf("%s, %d pages", format.Label(), m.Pages)
	case format == FormatDOCX && m.Paragraphs > 0:
		return fmt.Sprintf("%s, %d paragraphs", format.Label(), m.Paragraphs)
	case format == FormatTXT && m.Lines > 0:
		return fmt.Sprintf("%s, %d lines", format.Label(), m.Lines)
	default:
		return format.Label()
	}
}
