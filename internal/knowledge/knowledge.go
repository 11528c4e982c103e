// Package knowledge implements a file-backed TF-IDF knowledge base:
// documents are chunked, tokenised (Korean-aware), and searched by cosine
// similarity.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/flux/internal/observability"
)

const indexVersion = 1

// ErrDocumentNotFound is returned for unknown document IDs.
var ErrDocumentNotFound = errors.New("knowledge: document not found")

// Chunk is one retrieval unit of a document.
type Chunk struct {
	ChunkID int      `json:"chunk_id"`
	Text    string   `json:"text"`
	Tokens  []string `json:"tokens"`
}

// Document is one stored knowledge document.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	Chunks    []Chunk   `json:"chunks"`
}

// chunkEntry is the per-chunk index record.
type chunkEntry struct {
	TF      map[string]float64 `json:"tf"`
	DocID   string             `json:"doc_id"`
	ChunkID int                `json:"chunk_id"`
	Title   string             `json:"title"`
}

// index is the on-disk inverted index.
type index struct {
	Version int                   `json:"version"`
	IDF     map[string]float64    `json:"idf"`
	Chunks  map[string]chunkEntry `json:"chunks"`
}

// SearchResult is one scored chunk.
type SearchResult struct {
	DocID string  `json:"doc_id"`
	Title string  `json:"title"`
	Chunk string  `json:"chunk"`
	Score float64 `json:"score"`
}

// Base is the knowledge base root: one JSON file per document plus a
// rebuilt-on-write index file.
type Base struct {
	mu     sync.RWMutex
	dir    string
	logger *observability.Logger
}

// Open creates the knowledge directory if needed.
func Open(dir string, logger *observability.Logger) (*Base, error) {
	if err := os.MkdirAll(filepath.Join(dir, "documents"), 0o755); err != nil {
		return nil, fmt.Errorf("knowledge: create dir: %w", err)
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Base{dir: dir, logger: logger}, nil
}

func (b *Base) docPath(id string) string {
	return filepath.Join(b.dir, "documents", id+".json")
}

func (b *Base) indexPath() string {
	return filepath.Join(b.dir, "index.json")
}

// AddDocument chunks, tokenises, and stores a document, then rebuilds the
// index.
func (b *Base) AddDocument(ctx context.Context, title, content, source string) (*Document, error) {
	doc := &Document{
		ID:        uuid.NewString(),
		Title:     title,
		Content:   content,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	for i, text := range SplitChunks(content) {
		doc.Chunks = append(doc.Chunks, Chunk{ChunkID: i, Text: text, Tokens: Tokenize(text)})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.writeJSON(b.docPath(doc.ID), doc); err != nil {
		return nil, err
	}
	if err := b.rebuildLocked(); err != nil {
		return nil, err
	}
	b.logger.Info(ctx, "knowledge document added", "doc_id", doc.ID, "title", title, "chunks", len(doc.Chunks))
	return doc, nil
}

// GetDocument loads one document.
func (b *Base) GetDocument(id string) (*Document, error) {
	raw, err := os.ReadFile(b.docPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("knowledge: read document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("knowledge: parse document: %w", err)
	}
	return &doc, nil
}

// ListDocuments returns all documents, newest first, without content.
func (b *Base) ListDocuments() ([]Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	docs, err := b.loadAll()
	if err != nil {
		return nil, err
	}
	for i := range docs {
		docs[i].Content = ""
		docs[i].Chunks = nil
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.After(docs[j].CreatedAt) })
	return docs, nil
}

// DeleteDocument removes a document and rebuilds the index.
func (b *Base) DeleteDocument(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.Remove(b.docPath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrDocumentNotFound
		}
		return fmt.Errorf("knowledge: delete document: %w", err)
	}
	if err := b.rebuildLocked(); err != nil {
		return err
	}
	b.logger.Info(ctx, "knowledge document deleted", "doc_id", id)
	return nil
}

// Rebuild reconstructs the index from all stored documents.
func (b *Base) Rebuild() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rebuildLocked()
}

// rebuildLocked recomputes IDF and per-chunk term frequencies from scratch.
func (b *Base) rebuildLocked() error {
	docs, err := b.loadAll()
	if err != nil {
		return err
	}

	idx := index{Version: indexVersion, IDF: map[string]float64{}, Chunks: map[string]chunkEntry{}}
	df := map[string]int{}
	n := 0

	for _, doc := range docs {
		for _, chunk := range doc.Chunks {
			n++
			tf := map[string]float64{}
			for _, token := range chunk.Tokens {
				tf[token]++
			}
			total := float64(len(chunk.Tokens))
			if total > 0 {
				for token := range tf {
					tf[token] /= total
					df[token]++
				}
			}
			key := fmt.Sprintf("%s:%d", doc.ID, chunk.ChunkID)
			idx.Chunks[key] = chunkEntry{TF: tf, DocID: doc.ID, ChunkID: chunk.ChunkID, Title: doc.Title}
		}
	}
	for token, count := range df {
		idx.IDF[token] = math.Log(float64(n+1) / float64(1+count))
	}
	return b.writeJSON(b.indexPath(), idx)
}

// Search scores the query against every indexed chunk by cosine similarity
// of TF-IDF vectors and returns the top k hits.
func (b *Base) Search(query string, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		topK = 5
	}
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, err := b.loadIndex()
	if err != nil {
		return nil, err
	}

	queryTF := map[string]float64{}
	for _, token := range tokens {
		queryTF[token]++
	}
	queryVec := map[string]float64{}
	for token, tf := range queryTF {
		queryVec[token] = (tf / float64(len(tokens))) * idx.IDF[token]
	}

	var results []SearchResult
	for _, entry := range idx.Chunks {
		score := cosine(queryVec, entry.TF, idx.IDF)
		if score <= 0 {
			continue
		}
		chunkText, err := b.chunkText(entry.DocID, entry.ChunkID)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{
			DocID: entry.DocID,
			Title: entry.Title,
			Chunk: chunkText,
			Score: score,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// cosine computes similarity between the query vector and a chunk's TF map
// weighted by IDF.
func cosine(queryVec map[string]float64, chunkTF map[string]float64, idf map[string]float64) float64 {
	var dot, qNorm, cNorm float64
	for token, qw := range queryVec {
		qNorm += qw * qw
		if tf, ok := chunkTF[token]; ok {
			dot += qw * tf * idf[token]
		}
	}
	for token, tf := range chunkTF {
		w := tf * idf[token]
		cNorm += w * w
	}
	if dot == 0 || qNorm == 0 || cNorm == 0 {
		return 0
	}
	return dot / (math.Sqrt(qNorm) * math.Sqrt(cNorm))
}

func (b *Base) chunkText(docID string, chunkID int) (string, error) {
	doc, err := b.GetDocument(docID)
	if err != nil {
		return "", err
	}
	for _, chunk := range doc.Chunks {
		if chunk.ChunkID == chunkID {
			return chunk.Text, nil
		}
	}
	return "", fmt.Errorf("knowledge: chunk %d missing from %s", chunkID, docID)
}

func (b *Base) loadAll() ([]Document, error) {
	entries, err := os.ReadDir(filepath.Join(b.dir, "documents"))
	if err != nil {
		return nil, fmt.Errorf("knowledge: scan documents: %w", err)
	}
	var docs []Document
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(b.dir, "documents", entry.Name()))
		if err != nil {
			continue
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			b.logger.Warn(context.Background(), "skipping malformed document", "file", entry.Name())
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (b *Base) loadIndex() (*index, error) {
	raw, err := os.ReadFile(b.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &index{Version: indexVersion, IDF: map[string]float64{}, Chunks: map[string]chunkEntry{}}, nil
		}
		return nil, fmt.Errorf("knowledge: read index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("knowledge: parse index: %w", err)
	}
	return &idx, nil
}

func (b *Base) writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
