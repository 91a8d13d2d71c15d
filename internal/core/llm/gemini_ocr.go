package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/markdave123-py/Extracta/internal/core"
)

const transcribePrompt = "Transcribe all text in this document exactly as written, in reading order. " +
	"Return only the transcribed text with no commentary. If the document has no text, return an empty response."

// GeminiOCR extracts text by asking a multimodal Gemini model to transcribe the document.
type GeminiOCR struct {
	client    *genai.Client
	modelName string
}

var _ core.TextExtractor = (*GeminiOCR)(nil)

func NewGeminiOCR(ctx context.Context, apiKey, modelName string) (*GeminiOCR, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &GeminiOCR{client: cl, modelName: modelName}, nil
}

func (g *GeminiOCR) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiOCR) ExtractText(ctx context.Context, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/pdf"
	}
	m := g.client.GenerativeModel(g.modelName)
	m.SetTemperature(0)

	resp, err := m.GenerateContent(ctx,
		genai.Blob{MIMEType: stripParams(contentType), Data: data},
		genai.Text(transcribePrompt),
	)
	if err != nil {
		return "", fmt.Errorf("gemini transcribe: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// stripParams drops MIME parameters such as "; charset=utf-8", which the API rejects.
func stripParams(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		return strings.TrimSpace(contentType[:i])
	}
	return contentType
}
