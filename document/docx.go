package document

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const docxBody = "word/document.xml"

// DOCXParser extracts paragraphs and table rows from Office Open XML
// documents. Table cells are joined with tabs.
type DOCXParser struct{}

// NewDOCXParser creates a new DOCX parser.
func NewDOCXParser() *DOCXParser {
	return &DOCXParser{}
}

// Parse reads word/document.xml and returns its text in document order,
// one block per paragraph or table row.
func (p *DOCXParser) Parse(_ string, content []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open DOCX: %w", err)
	}

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == docxBody {
			body = f
			break
		}
	}
	if body == nil {
		return "", fmt.Errorf("open DOCX: %s not found", docxBody)
	}

	rc, err := body.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", docxBody, err)
	}
	defer rc.Close()

	return extractWordML(rc)
}

// extractWordML walks the WordprocessingML token stream. Only local names
// are compared, so the w: namespace prefix is irrelevant.
func extractWordML(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)

	var (
		blocks    []string
		para      strings.Builder
		cells     []string
		tableRows int // nesting depth of open <w:tr>
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse %s: %w", docxBody, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte('\n')
			case "tr":
				tableRows++
				cells = cells[:0]
			case "t":
				var s string
				if err := dec.DecodeElement(&s, &t); err != nil {
					return "", fmt.Errorf("parse %s: %w", docxBody, err)
				}
				para.WriteString(s)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				text := para.String()
				para.Reset()
				if tableRows > 0 {
					if len(cells) == 0 {
						cells = append(cells, text)
					} else {
						last := &cells[len(cells)-1]
						if *last != "" && text != "" {
							*last += "\n"
						}
						*last += text
					}
					continue
				}
				if strings.TrimSpace(text) != "" {
					blocks = append(blocks, text)
				}
			case "tc":
				// Start a fresh slot for the next cell.
				cells = append(cells, "")
			case "tr":
				tableRows--
				row := strings.Join(trimTrailingEmpty(cells), "\t")
				if strings.TrimSpace(row) != "" {
					blocks = append(blocks, row)
				}
				cells = cells[:0]
			}
		}
	}

	return strings.Join(blocks, "\n\n"), nil
}

func trimTrailingEmpty(cells []string) []string {
	for len(cells) > 0 && cells[len(cells)-1] == "" {
		cells = cells[:len(cells)-1]
	}
	return cells
}

// CanParse accepts DOCX and the legacy Word type, which many clients send
// for .docx uploads.
func (p *DOCXParser) CanParse(mimeType string) bool {
	return mimeType == MimeDOCX || mimeType == MimeMSWord
}

// MimeType returns the primary MIME type for this parser.
func (p *DOCXParser) MimeType() string {
	return MimeDOCX
}
