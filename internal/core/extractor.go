package core

import "context"

// TextExtractor turns raw document bytes into plain text. Implementations call out to
// an OCR engine and may be arbitrarily slow; callers bound them with ctx.
type TextExtractor interface {
	// ExtractText takes the raw bytes and their content type. The contentType hint
	// helps the extractor choose the right parsing strategy.
	ExtractText(ctx context.Context, data []byte, contentType string) (string, error)
}
