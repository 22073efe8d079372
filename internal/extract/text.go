package extract

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxBytes caps the size of files read by TextExtractor.
const DefaultMaxBytes = 32 << 20

// TextExtractor reads plain-text formats directly. Form feeds separate
// pages; text without them is a single page.
type TextExtractor struct {
	maxBytes   int64
	extensions map[string]bool
}

// NewTextExtractor creates a text extractor. maxBytes <= 0 uses
// DefaultMaxBytes.
func NewTextExtractor(maxBytes int64) *TextExtractor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	exts := make(map[string]bool, len(textExtensions))
	for _, ext := range textExtensions {
		exts[ext] = true
	}
	return &TextExtractor{maxBytes: maxBytes, extensions: exts}
}

var textExtensions = []string{
	".txt", ".md", ".markdown", ".csv", ".json", ".log",
	".html", ".htm", ".xml", ".yaml", ".yml",
}

// Supports reports whether the extension of path is a text format.
func (e *TextExtractor) Supports(path string) bool {
	return e.extensions[strings.ToLower(filepath.Ext(path))]
}

// Extract reads the file and splits it into pages.
func (e *TextExtractor) Extract(ctx context.Context, path string) (map[string]string, error) {
	if !e.Supports(path) {
		return nil, unsupported(path, "extension "+filepath.Ext(path))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, e.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if int64(len(content)) > e.maxBytes {
		return nil, unsupported(path, fmt.Sprintf("larger than %d bytes", e.maxBytes))
	}
	if isBinaryContent(content) {
		return nil, unsupported(path, "binary content")
	}

	text := strings.ToValidUTF8(string(content), "�")
	text = strings.ReplaceAll(text, "\r\n", "\n")

	pages := make(map[string]string)
	for i, page := range strings.Split(text, "\f") {
		pages[PageKey(i+1)] = page
	}
	return pages, nil
}

// isBinaryContent checks if content appears to be binary.
func isBinaryContent(content []byte) bool {
	if len(content) == 0 {
		return false
	}

	sample := content
	if len(sample) > 8192 {
		sample = sample[:8192]
	}

	nonPrintable := 0
	for _, b := range sample {
		// Null bytes are a strong indicator of binary
		if b == 0 {
			return true
		}
		if b < 32 && b != '\t' && b != '\n' && b != '\r' && b != '\f' {
			nonPrintable++
		}
	}

	// If more than 30% non-printable, consider binary
	return float64(nonPrintable)/float64(len(sample)) > 0.3
}
