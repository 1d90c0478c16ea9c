// Package qdrant implements the document store over a Qdrant HTTP endpoint.
// One expert store maps to one collection; documents are chunked, embedded
// and upserted as points carrying the chunk text in the payload.
package qdrant

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/deepr-dev/deepr/internal/domain"
)

const (
	vectorSize   = 256
	distance     = "Cosine"
	chunkRunes   = 1600
	chunkOverlap = 200
)

// Store is a minimal Qdrant HTTP client implementing domain.DocumentStore.
type Store struct {
	baseURL  string
	apiKey   string
	embedder domain.Embedder
	http     *http.Client
}

// New constructs a Store with baseURL, optional apiKey and an embedder.
func New(baseURL, apiKey string, embedder domain.Embedder) *Store {
	return &Store{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		embedder: embedder,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateStore creates the backing collection if it does not exist. The store
// ref is the collection name, derived from the given name.
func (s *Store) CreateStore(ctx context.Context, name string) (string, error) {
	ref := "deepr_" + sanitizeCollection(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/collections/"+ref, nil)
	if err != nil {
		return "", fmt.Errorf("op=qdrant.create_store: %w", err)
	}
	s.setHeaders(req)
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=qdrant.create_store: %s: %w", err.Error(), domain.ErrNetwork)
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return ref, nil
	}

	payload := map[string]any{
		"vectors": map[string]any{"size": vectorSize, "distance": distance},
	}
	if err := s.do(ctx, http.MethodPut, "/collections/"+ref, payload, nil); err != nil {
		return "", fmt.Errorf("op=qdrant.create_store: %w", err)
	}
	return ref, nil
}

// Add chunks, embeds and upserts docs. Doc refs are content hashes so
// re-adding the same document is harmless.
func (s *Store) Add(ctx context.Context, storeRef string, docs []domain.Document) ([]string, error) {
	refs := make([]string, 0, len(docs))
	var (
		texts    []string
		payloads []map[string]any
		ids      []any
	)
	for _, d := range docs {
		sum := sha256.Sum256(d.Bytes)
		docRef := hex.EncodeToString(sum[:])
		refs = append(refs, docRef)
		for i, chunk := range chunkText(string(d.Bytes)) {
			texts = append(texts, chunk)
			payloads = append(payloads, map[string]any{
				"doc_ref": docRef,
				"name":    d.Name,
				"mime":    d.MIME,
				"chunk":   i,
				"text":    chunk,
			})
			ids = append(ids, uuid.NewSHA1(uuid.NameSpaceOID, []byte(docRef+fmt.Sprint(i))).String())
		}
	}
	if len(texts) == 0 {
		return refs, nil
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("op=qdrant.add: %w", err)
	}
	points := make([]map[string]any, len(vectors))
	for i := range vectors {
		points[i] = map[string]any{"id": ids[i], "vector": vectors[i], "payload": payloads[i]}
	}
	if err := s.do(ctx, http.MethodPut, "/collections/"+storeRef+"/points", map[string]any{"points": points}, nil); err != nil {
		return nil, fmt.Errorf("op=qdrant.add: %w", err)
	}
	return refs, nil
}

// Search embeds the query and returns the top-k nearest chunks.
func (s *Store) Search(ctx context.Context, storeRef, query string, topK int) ([]domain.SearchHit, error) {
	if topK <= 0 {
		topK = 5
	}
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("op=qdrant.search: %w", err)
	}
	body := map[string]any{"vector": vectors[0], "limit": topK, "with_payload": true}
	var out struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := s.do(ctx, http.MethodPost, "/collections/"+storeRef+"/points/search", body, &out); err != nil {
		return nil, fmt.Errorf("op=qdrant.search: %w", err)
	}
	hits := make([]domain.SearchHit, 0, len(out.Result))
	for _, r := range out.Result {
		hit := domain.SearchHit{Score: r.Score}
		if ref, ok := r.Payload["doc_ref"].(string); ok {
			hit.DocRef = ref
		}
		if text, ok := r.Payload["text"].(string); ok {
			hit.Excerpt = text
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Delete drops the backing collection.
func (s *Store) Delete(ctx context.Context, storeRef string) error {
	if err := s.do(ctx, http.MethodDelete, "/collections/"+storeRef, nil, nil); err != nil {
		return fmt.Errorf("op=qdrant.delete: %w", err)
	}
	return nil
}

func (s *Store) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}
	s.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", err.Error(), domain.ErrNetwork)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant status %d: %w", resp.StatusCode, domain.ErrUpstream5xx)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (s *Store) setHeaders(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
}

func sanitizeCollection(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func chunkText(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	var chunks []string
	for start := 0; start < len(runes); start += chunkRunes - chunkOverlap {
		end := start + chunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}
