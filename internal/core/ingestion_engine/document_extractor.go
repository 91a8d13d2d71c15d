package ingestion_engine

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"code.sajari.com/docconv"

	"github.com/markdave123-py/Extracta/internal/core"
)

var _ core.TextExtractor = (*DocconvExtractor)(nil)

// DocconvExtractor implements core.TextExtractor locally using sajari/docconv.
// Scanned images only yield text when the binary is built with docconv's ocr tag.
type DocconvExtractor struct {
	useReadability bool
}

func NewDocconvExtractor(useReadability bool) *DocconvExtractor {
	return &DocconvExtractor{useReadability: useReadability}
}

// ExtractText uses docconv to extract text from the given bytes based on content type.
func (e *DocconvExtractor) ExtractText(ctx context.Context, data []byte, contentType string) (string, error) {
	type result struct {
		res *docconv.Response
		err error
	}
	done := make(chan result, 1)

	// docconv takes no context; the conversion is abandoned, not stopped, on timeout.
	go func() {
		res, err := docconv.Convert(bytes.NewReader(data), contentType, e.useReadability)
		done <- result{res, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("docconv: %w", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("docconv: extraction failed for content type %q: %w", contentType, r.err)
		}
		return normalizeLines(strings.Split(r.res.Body, "\n")), nil
	}
}

// normalizeLines trims each line, drops blank ones and joins the rest with a single
// space, the same shape the Textract extractor produces.
func normalizeLines(lines []string) string {
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, " ")
}
