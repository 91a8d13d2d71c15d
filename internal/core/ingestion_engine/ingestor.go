package ingestion_engine

import "context"

// Ingestor runs extraction for documents in the background.
type Ingestor interface {
	Start(ctx context.Context, numWorkers int)
	Enqueue(ctx context.Context, docID string) error
}
