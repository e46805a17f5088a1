// Package vectorstore provides nearest-neighbor search over pre-computed
// embeddings, backing the store gateway's find_similar_knowledge operation.
package vectorstore

import "context"

// Document represents a knowledge artifact surfaced by a completed task,
// indexed for later retrieval by the prompt composer's layer-5 lookup.
type Document struct {
	ID             string // knowledge artifact id
	TaskID         string // originating task id
	OrganizationID string
	Content        string            // text content (task title + description + summary)
	Embedding      []float32         // pre-computed embedding
	Metadata       map[string]string // role, task type, tags, completed_at, etc.
}

// SearchResult is a single search hit.
type SearchResult struct {
	Document Document
	Score    float32
}

// Store is the vector store interface.
type Store interface {
	// Upsert indexes a document. Overwrites if ID exists.
	Upsert(ctx context.Context, doc Document) error

	// Search finds the top-k most similar documents.
	Search(ctx context.Context, query string, topK int, filter map[string]string) ([]SearchResult, error)

	// SearchByVector finds the top-k most similar documents to a
	// pre-computed embedding, bypassing the store's own embedding step.
	// The store gateway's FindSimilarKnowledge (behind the prompt
	// composer's layer-5 lookup) calls this instead of Search, passing the
	// embedding its own caller supplies, which may be nil.
	SearchByVector(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]SearchResult, error)

	// Delete removes a document by ID.
	Delete(ctx context.Context, id string) error

	// Health checks if the store is reachable.
	Health(ctx context.Context) error
}
