package domain

// Document is raw content handed to a document store.
type Document struct {
	Name  string
	Bytes []byte
	MIME  string
}

// SearchHit is one retrieval result.
type SearchHit struct {
	DocRef  string  `json:"doc_ref"`
	Score   float64 `json:"score"`
	Excerpt string  `json:"excerpt"`
}

// DocumentStore is the abstract contract over vector stores.
type DocumentStore interface {
	CreateStore(ctx Context, name string) (storeRef string, err error)
	Add(ctx Context, storeRef string, docs []Document) (docRefs []string, err error)
	Search(ctx Context, storeRef, query string, topK int) ([]SearchHit, error)
	Delete(ctx Context, storeRef string) error
}

// Embedder turns text into vectors for the document store adapter. The test
// embedder is deterministic so retrieval tests need no provider.
type Embedder interface {
	Embed(ctx Context, texts []string) ([][]float32, error)
}
