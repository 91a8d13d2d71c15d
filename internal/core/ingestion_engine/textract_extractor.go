package ingestion_engine

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/markdave123-py/Extracta/internal/core"
)

var _ core.TextExtractor = (*TextractExtractor)(nil)

// textractAPI is the slice of the Textract client the extractor uses.
type textractAPI interface {
	DetectDocumentText(ctx context.Context, in *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
}

// TextractExtractor sends document bytes to AWS Textract's synchronous text detection.
type TextractExtractor struct {
	client textractAPI
}

func NewTextractExtractor(awsCfg aws.Config) *TextractExtractor {
	return &TextractExtractor{client: textract.NewFromConfig(awsCfg)}
}

func (e *TextractExtractor) ExtractText(ctx context.Context, data []byte, _ string) (string, error) {
	out, err := e.client.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: data},
	})
	if err != nil {
		return "", fmt.Errorf("textract detect document text: %w", err)
	}
	return joinLines(out.Blocks), nil
}

// joinLines keeps LINE blocks in reading order and joins them with single spaces.
func joinLines(blocks []types.Block) string {
	lines := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.BlockType == types.BlockTypeLine && b.Text != nil {
			lines = append(lines, *b.Text)
		}
	}
	return normalizeLines(lines)
}
