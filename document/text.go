package document

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// DecodeText converts raw bytes to a UTF-8 string. It tries UTF-8 (with or
// without BOM), then UTF-16 when a BOM is present, then Windows-1252, which
// accepts any byte sequence and covers Latin-1 text.
func DecodeText(content []byte) (string, error) {
	switch {
	case bytes.HasPrefix(content, bomUTF8):
		content = content[len(bomUTF8):]
	case bytes.HasPrefix(content, bomUTF16LE), bytes.HasPrefix(content, bomUTF16BE):
		return decodeWith(unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM), content)
	}

	if utf8.Valid(content) {
		return string(content), nil
	}
	return decodeWith(charmap.Windows1252, content)
}

func decodeWith(enc encoding.Encoding, content []byte) (string, error) {
	out, err := enc.NewDecoder().Bytes(content)
	if err != nil {
		return "", fmt.Errorf("decode text: %w", err)
	}
	return string(out), nil
}

// TextParser handles plain text files in any of the encodings DecodeText knows.
type TextParser struct{}

// NewTextParser creates a new plain text parser.
func NewTextParser() *TextParser {
	return &TextParser{}
}

// Parse decodes the file as text.
func (p *TextParser) Parse(_ string, content []byte) (string, error) {
	return DecodeText(content)
}

// CanParse returns true for plain text.
func (p *TextParser) CanParse(mimeType string) bool {
	return mimeType == MimeText
}

// MimeType returns the primary MIME type for this parser.
func (p *TextParser) MimeType() string {
	return MimeText
}

// MarkdownParser handles Markdown files. Markdown is already readable text,
// so the content is decoded and passed through.
type MarkdownParser struct{}

// NewMarkdownParser creates a new Markdown parser.
func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{}
}

// Parse decodes the file as text.
func (p *MarkdownParser) Parse(_ string, content []byte) (string, error) {
	return DecodeText(content)
}

// CanParse returns true for the Markdown MIME types.
func (p *MarkdownParser) CanParse(mimeType string) bool {
	return mimeType == MimeMarkdown || mimeType == "text/x-markdown"
}

// MimeType returns the primary MIME type for this parser.
func (p *MarkdownParser) MimeType() string {
	return MimeMarkdown
}
