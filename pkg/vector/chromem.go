package vector

import (
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemStore implements Store using chromem-go for embedded vector storage.
//
// This is the recommended store for zero-config deployments as it requires
// no external services. Vectors live in memory with optional file persistence.
//
// Limitations:
//   - Single-process only (no distributed search)
//   - Memory-bound (all vectors in RAM)
//
// For production at scale, use QdrantStore.
type ChromemStore struct {
	db          *chromem.DB
	col         *chromem.Collection
	persistPath string
	compress    bool

	mu sync.RWMutex
	// chromem has no listing API, so the store keeps its own registry of
	// chunk metadata keyed by ID, plus a monotonic sequence counter that
	// backs the ListChunks watermark.
	registry map[string]Chunk
	lastSeq  int64
}

// ChromemConfig configures the chromem store.
type ChromemConfig struct {
	// Collection holding the chunk set.
	Collection string `yaml:"collection"`

	// PersistPath for file persistence (optional).
	// If empty, vectors are stored in memory only.
	PersistPath string `yaml:"persist_path,omitempty"`

	// Compress enables gzip compression for persistence.
	Compress bool `yaml:"compress,omitempty"`
}

// NewChromemStore creates a new chromem-backed vector store.
func NewChromemStore(cfg ChromemConfig) (*ChromemStore, error) {
	if cfg.Collection == "" {
		cfg.Collection = "chunks"
	}

	var db *chromem.DB
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0755); err != nil {
			return nil, fmt.Errorf("vector: failed to create persist directory: %w", err)
		}

		dbPath := chromemDBPath(cfg.PersistPath, cfg.Compress)
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, cfg.Compress)
			if err != nil {
				slog.Warn("Failed to load existing vector database, creating new",
					"path", dbPath,
					"error", err)
				db = chromem.NewDB()
			} else {
				slog.Info("Loaded vector database from file", "path", dbPath)
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	// Identity embedding function; vectors arrive pre-computed.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors should be pre-computed")
	}

	col, err := db.GetOrCreateCollection(cfg.Collection, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("vector: failed to get/create collection %q: %w", cfg.Collection, err)
	}

	s := &ChromemStore{
		db:          db,
		col:         col,
		persistPath: cfg.PersistPath,
		compress:    cfg.Compress,
		registry:    make(map[string]Chunk),
	}
	if err := s.loadRegistry(); err != nil {
		slog.Warn("Failed to load chunk registry, listing starts empty", "error", err)
	}
	return s, nil
}

// Name implements Store.
func (s *ChromemStore) Name() string { return "chromem" }

// Upsert implements Store.
func (s *ChromemStore) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	docs := make([]chromem.Document, 0, len(chunks))
	for _, c := range chunks {
		s.lastSeq++
		c.Seq = s.lastSeq
		docs = append(docs, chromem.Document{
			ID:        c.ID,
			Content:   c.Text,
			Metadata:  map[string]string{payloadSource: c.Source},
			Embedding: c.Vector,
		})
		entry := c
		entry.Vector = nil
		s.registry[c.ID] = entry
	}
	s.mu.Unlock()

	if err := s.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("vector: failed to upsert documents: %w", err)
	}

	if err := s.persist(); err != nil {
		slog.Warn("Failed to persist after upsert", "error", err)
	}
	return nil
}

// Search implements Store. A single source filters natively; multiple
// sources over-fetch and filter in memory because chromem where clauses
// match one value per key.
func (s *ChromemStore) Search(ctx context.Context, vector []float32, topK int, sources []string) ([]Hit, error) {
	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}

	var where map[string]string
	fetch := topK
	switch len(sources) {
	case 0:
	case 1:
		where = map[string]string{payloadSource: sources[0]}
	default:
		fetch = count
	}
	if fetch > count {
		fetch = count
	}

	results, err := s.col.QueryEmbedding(ctx, vector, fetch, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vector: search failed: %w", err)
	}

	allowed := make(map[string]bool, len(sources))
	for _, src := range sources {
		allowed[src] = true
	}

	hits := make([]Hit, 0, topK)
	for _, r := range results {
		src := r.Metadata[payloadSource]
		if len(sources) > 1 && !allowed[src] {
			continue
		}
		hits = append(hits, Hit{
			ID:     r.ID,
			Source: src,
			Text:   r.Content,
			Score:  r.Similarity,
		})
		if len(hits) == topK {
			break
		}
	}
	return hits, nil
}

// ListChunks implements Store from the in-memory registry, ordered by
// sequence number.
func (s *ChromemStore) ListChunks(ctx context.Context, since int64) (<-chan Chunk, <-chan error) {
	chunkCh := make(chan Chunk, 64)
	errCh := make(chan error, 1)

	s.mu.RLock()
	snapshot := make([]Chunk, 0, len(s.registry))
	for _, c := range s.registry {
		if c.Seq > since {
			snapshot = append(snapshot, c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Seq < snapshot[j].Seq })

	go func() {
		defer close(chunkCh)
		defer close(errCh)
		for _, c := range snapshot {
			select {
			case chunkCh <- c:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return chunkCh, errCh
}

// DeleteBySource implements Store.
func (s *ChromemStore) DeleteBySource(ctx context.Context, source string) error {
	if err := s.col.Delete(ctx, map[string]string{payloadSource: source}, nil); err != nil {
		return fmt.Errorf("vector: failed to delete source %s: %w", source, err)
	}

	s.mu.Lock()
	for id, c := range s.registry {
		if c.Source == source {
			delete(s.registry, id)
		}
	}
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		slog.Warn("Failed to persist after delete", "error", err)
	}
	return nil
}

// Close persists the database and releases resources.
func (s *ChromemStore) Close() error {
	return s.persist()
}

// persist saves the database to disk if persistence is enabled. The chunk
// registry rides along in a sidecar file because chromem has no listing API
// to rebuild it from.
func (s *ChromemStore) persist() error {
	if s.persistPath == "" {
		return nil
	}

	dbPath := chromemDBPath(s.persistPath, s.compress)
	//nolint:staticcheck // Using deprecated function for compatibility
	if err := s.db.Export(dbPath, s.compress, ""); err != nil {
		return fmt.Errorf("vector: failed to persist database: %w", err)
	}
	return s.saveRegistry()
}

type registrySnapshot struct {
	LastSeq int64
	Chunks  []Chunk
}

func (s *ChromemStore) saveRegistry() error {
	s.mu.RLock()
	snap := registrySnapshot{LastSeq: s.lastSeq, Chunks: make([]Chunk, 0, len(s.registry))}
	for _, c := range s.registry {
		snap.Chunks = append(snap.Chunks, c)
	}
	s.mu.RUnlock()

	f, err := os.Create(s.registryPath())
	if err != nil {
		return fmt.Errorf("vector: failed to create registry file: %w", err)
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(snap); err != nil {
		return fmt.Errorf("vector: failed to encode registry: %w", err)
	}
	return nil
}

func (s *ChromemStore) loadRegistry() error {
	if s.persistPath == "" {
		return nil
	}
	f, err := os.Open(s.registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var snap registrySnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("vector: failed to decode registry: %w", err)
	}
	s.lastSeq = snap.LastSeq
	for _, c := range snap.Chunks {
		s.registry[c.ID] = c
	}
	return nil
}

func (s *ChromemStore) registryPath() string {
	return filepath.Join(s.persistPath, "registry.gob")
}

func chromemDBPath(dir string, compress bool) string {
	name := "vectors.gob"
	if compress {
		name += ".gz"
	}
	return filepath.Join(dir, name)
}

var _ Store = (*ChromemStore)(nil)
