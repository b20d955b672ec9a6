package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Loader extracts the plain text of one document.
type Loader interface {
	Load(ctx context.Context, data []byte) (string, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, data []byte) (string, error)

func (f LoaderFunc) Load(ctx context.Context, data []byte) (string, error) {
	return f(ctx, data)
}

// DefaultLoaders returns the loaders for every supported format.
func DefaultLoaders() map[DocumentFormat]Loader {
	return map[DocumentFormat]Loader{
		FormatMarkdown: textLoader{},
		FormatText:     textLoader{},
		FormatPDF:      pdfLoader{},
	}
}

type textLoader struct{}

func (textLoader) Load(_ context.Context, data []byte) (string, error) {
	return normalizePlainText(string(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))), nil
}

type pdfLoader struct{}

// Load extracts the text layer of every page. Scanned PDFs without a text
// layer come back empty.
func (pdfLoader) Load(_ context.Context, data []byte) (text string, err error) {
	// The reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()

	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	plain, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}

	return normalizePlainText(buf.String()), nil
}

// ExtractTitle returns the first Markdown heading, else the first non-empty
// line, else fallback.
func ExtractTitle(content, fallback string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
	}
	if line := firstNonEmptyLine(content); line != "" {
		return line
	}
	return strings.TrimSuffix(fallback, filepath.Ext(fallback))
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func firstNonEmptyLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
