// Package document turns uploaded contract files into plain text for analysis.
package document

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"mime"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/egorvert/Sae/task"
)

// MIME types handled by the default registry.
const (
	MimePDF      = "application/pdf"
	MimeDOCX     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeMSWord   = "application/msword"
	MimeText     = "text/plain"
	MimeMarkdown = "text/markdown"
	MimeHTML     = "text/html"
)

// ErrUnsupportedType is returned when no parser handles a file's MIME type.
var ErrUnsupportedType = errors.New("unsupported file type")

// ParseError reports a file that was recognized but could not be decoded or parsed.
type ParseError struct {
	Name     string
	MimeType string
	Err      error
}

func (e *ParseError) Error() string {
	if e.MimeType == "" {
		return fmt.Sprintf("%s: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Name, e.MimeType, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsUnsupported reports whether err means the file type has no parser.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupportedType)
}

// Parser extracts text from one document format.
type Parser interface {
	// Parse returns the text content of the document.
	Parse(name string, content []byte) (string, error)

	// CanParse returns true if this parser handles the given MIME type.
	CanParse(mimeType string) bool

	// MimeType returns the primary MIME type for this parser.
	MimeType() string
}

// Registry maps MIME types to parsers.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser // keyed by primary MIME type
	logger  *slog.Logger
}

// NewRegistry creates a registry with the PDF, DOCX, HTML, Markdown and
// plain text parsers.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		parsers: make(map[string]Parser),
		logger:  logger,
	}
	r.Register(NewPDFParser())
	r.Register(NewDOCXParser())
	r.Register(NewHTMLParser())
	r.Register(NewMarkdownParser())
	r.Register(NewTextParser())
	return r
}

// Register adds a parser to the registry, replacing any parser with the
// same primary MIME type.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[p.MimeType()] = p
}

// Lookup returns a parser for the MIME type, or nil.
func (r *Registry) Lookup(mimeType string) Parser {
	mimeType = normalizeMime(mimeType)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.parsers[mimeType]; ok {
		return p
	}
	for _, key := range slices.Sorted(maps.Keys(r.parsers)) {
		if p := r.parsers[key]; p.CanParse(mimeType) {
			return p
		}
	}
	return nil
}

// Supports reports whether a parser exists for the MIME type.
func (r *Registry) Supports(mimeType string) bool {
	return r.Lookup(mimeType) != nil
}

// MimeTypes returns the registered primary MIME types, sorted.
func (r *Registry) MimeTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.parsers))
}

// ParseFile decodes and parses a file part. The MIME type comes from the
// part, then the data URI header, then the file extension.
func (r *Registry) ParseFile(file task.FileContent) (string, error) {
	name := file.Name
	if name == "" {
		name = "unknown"
	}

	content, uriMime, err := Decode(file)
	if err != nil {
		return "", &ParseError{Name: name, MimeType: file.MimeType, Err: err}
	}

	mimeType := ResolveMimeType(file.MimeType, uriMime, file.Name)
	p := r.Lookup(mimeType)
	if p == nil {
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedType, mimeType, strings.Join(r.MimeTypes(), ", "))
	}

	r.logger.Info("Parsing document", "filename", name, "mime_type", mimeType, "bytes", len(content))

	text, err := p.Parse(name, content)
	if err != nil {
		r.logger.Error("Document parsing failed", "filename", name, "error", err)
		return "", &ParseError{Name: name, MimeType: mimeType, Err: err}
	}

	r.logger.Debug("Document parsed", "filename", name, "chars", len(text))
	return text, nil
}

// Decode returns the raw bytes of a file part, which carries either base64
// bytes or a data URI. The MIME type declared in a data URI is returned too.
func Decode(file task.FileContent) ([]byte, string, error) {
	if file.Bytes != "" {
		b, err := decodeBase64(file.Bytes)
		if err != nil {
			return nil, "", fmt.Errorf("decode base64 bytes: %w", err)
		}
		return b, "", nil
	}
	if file.URI == "" {
		return nil, "", fmt.Errorf("file has neither bytes nor uri")
	}
	return DecodeDataURI(file.URI)
}

// DecodeDataURI decodes data:<mime>[;base64],<data>. Only data URIs are
// supported; remote URLs are not fetched.
func DecodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, "", fmt.Errorf("only data URIs are supported")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("invalid data URI format: missing comma")
	}

	params := strings.Split(header, ";")
	mimeType := params[0]
	isBase64 := slices.Contains(params[1:], "base64")

	if !isBase64 {
		text, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decode data URI: %w", err)
		}
		return []byte(text), mimeType, nil
	}
	b, err := decodeBase64(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64 data: %w", err)
	}
	return b, mimeType, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// ResolveMimeType picks the first usable MIME type from the declared type,
// the data URI type and the file extension.
func ResolveMimeType(declared, fromURI, name string) string {
	for _, m := range []string{declared, fromURI} {
		if m = normalizeMime(m); m != "" && m != "application/octet-stream" {
			return m
		}
	}
	return MimeTypeFromExtension(filepath.Ext(name))
}

// MimeTypeFromExtension returns the MIME type for a file extension.
func MimeTypeFromExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".pdf":
		return MimePDF
	case ".docx":
		return MimeDOCX
	case ".doc":
		return MimeMSWord
	case ".txt", ".text":
		return MimeText
	case ".md", ".markdown":
		return MimeMarkdown
	case ".html", ".htm":
		return MimeHTML
	default:
		return "application/octet-stream"
	}
}

func normalizeMime(m string) string {
	m = strings.TrimSpace(m)
	if m == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(m); err == nil {
		return mt
	}
	return strings.ToLower(m)
}
