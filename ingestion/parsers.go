package ingestion

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/encoding/charmap"
)

// Extraction is the plain text of a file plus the counts reported alongside it.
type Extraction struct {
	Text       string
	Pages      int
	Paragraphs int
	Lines      int
}

type extractor interface {
	extract(data []byte) (Extraction, error)
}

// Extract validates the payload against limit and converts it to cleaned
// plain text. The size check runs before any parsing.
func Extract(format DocumentFormat, data []byte, limit int64) (Extraction, error) {
	if limit > 0 && int64(len(data)) > limit {
		return Extraction{}, fmt.Errorf("%w: %d bytes exceeds the %d MB limit", ErrFileTooLarge, len(data), limit/(1024*1024))
	}

	ex, err := extractorFor(format)
	if err != nil {
		return Extraction{}, err
	}

	out, err := ex.extract(data)
	if err != nil {
		if errors.Is(err, ErrExtraction) {
			return Extraction{}, err
		}
		return Extraction{}, fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	out.Text = CleanText(out.Text)
	if strings.TrimSpace(out.Text) == "" {
		return Extraction{}, fmt.Errorf("%w: no text could be extracted from the document", ErrExtraction)
	}
	return out, nil
}

func extractorFor(format DocumentFormat) (extractor, error) {
	switch format {
	case FormatPDF:
		return pdfExtractor{}, nil
	case FormatTXT:
		return txtExtractor{}, nil
	case FormatDOCX:
		return docxExtractor{}, nil
	default:
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedFormat, string(format), strings.Join(SupportedExtensions, ", "))
	}
}

type pdfExtractor struct{}

func (pdfExtractor) extract(data []byte) (out Extraction, err error) {
	// The pdf package panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: malformed pdf: %v", ErrExtraction, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extraction{}, fmt.Errorf("open pdf: %w", err)
	}

	out.Pages = reader.NumPage()
	pages := make([]string, 0, out.Pages)
	for i := 1; i <= out.Pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		fonts := make(map[string]*pdf.Font)
		for _, name := range page.Fonts() {
			font := page.Font(name)
			fonts[name] = &font
		}

		text, textErr := page.GetPlainText(fonts)
		if textErr != nil {
			return Extraction{}, fmt.Errorf("extract page %d: %w", i, textErr)
		}
		if strings.TrimSpace(text) != "" {
			pages = append(pages, text)
		}
	}

	out.Text = strings.Join(pages, "\n\n")
	return out, nil
}

type txtExtractor struct{}

func (txtExtractor) extract(data []byte) (Extraction, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	var text string
	if utf8.Valid(data) {
		text = string(data)
	} else {
		decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
		if err != nil {
			return Extraction{}, fmt.Errorf("decode latin-1 text: %w", err)
		}
		text = string(decoded)
	}

	return Extraction{
		Text:  text,
		Lines: strings.Count(text, "\n") + 1,
	}, nil
}

type docxExtractor struct{}

func (docxExtractor) extract(data []byte) (Extraction, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extraction{}, fmt.Errorf("open docx archive: %w", err)
	}

	for _, file := range archive.File {
		if file.Name != "word/document.xml" {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return Extraction{}, fmt.Errorf("open word/document.xml: %w", err)
		}
		paragraphs, err := docxParagraphs(rc)
		rc.Close()
		if err != nil {
			return Extraction{}, err
		}

		return Extraction{
			Text:       strings.Join(paragraphs, "\n\n"),
			Paragraphs: len(paragraphs),
		}, nil
	}

	return Extraction{}, fmt.Errorf("%w: word/document.xml not found", ErrExtraction)
}

// docxParagraphs streams the WordprocessingML body and returns the text of
// every non-blank w:p element. Runs nested in hyperlinks or fields are kept.
func docxParagraphs(r io.Reader) ([]string, error) {
	dec := xml.NewDecoder(r)

	var (
		paragraphs []string
		current    strings.Builder
		inText     bool
		depth      int
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse word/document.xml: %w", err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "p":
				if depth == 0 {
					current.Reset()
				}
				depth++
			case "t":
				inText = true
			case "tab":
				current.WriteString("\t")
			case "br", "cr":
				current.WriteString("\n")
			}
		case xml.EndElement:
			switch el.Name.Local {
			case "t":
				inText = false
			case "p":
				depth--
				if depth == 0 {
					if text := current.String(); strings.TrimSpace(text) != "" {
						paragraphs = append(paragraphs, text)
					}
				}
			}
		case xml.CharData:
			if inText {
				current.Write(el)
			}
		}
	}

	return paragraphs, nil
}
