package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
)

// ErrUnsupportedContent is returned for uploads that are not UTF-8 text.
var ErrUnsupportedContent = errors.New("unsupported file content: expected UTF-8 text")

var bom = []byte{0xEF, 0xBB, 0xBF}

// Parse decodes an upload as text.
func Parse(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, bom)
	if !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return "", ErrUnsupportedContent
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	return strings.TrimSpace(text), nil
}

// Describe renders the metadata indexed in place of content that Parse
// cannot read, e.g. "site_rules.pdf: site rules document (application/pdf, 48213 bytes)".
func Describe(filename string, data []byte) string {
	mt := mimetype.Detect(data)
	name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	name = strings.NewReplacer("_", " ", "-", " ").Replace(name)
	return fmt.Sprintf("%s: %s document (%s, %d bytes)", filepath.Base(filename), name, mt.String(), len(data))
}

// Slice splits text into chunks of at most size runes, each starting
// size-overlap runes after the previous one. Whitespace-only chunks are dropped.
func Slice(text string, size, overlap int) []string {
	if size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	runes := []rune(text)
	step := size - overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		if c := strings.TrimSpace(string(runes[start:end])); c != "" {
			out = append(out, c)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}
