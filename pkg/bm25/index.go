package bm25

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/groundwork-ai/groundwork/pkg/observability"
	"github.com/groundwork-ai/groundwork/pkg/vector"
)

// Okapi BM25 parameters.
const (
	k1 = 1.5
	b  = 0.75
)

// posting records one document's term frequency for a term.
type posting struct {
	doc int32
	tf  int32
}

// document is the per-chunk record held by a snapshot.
type document struct {
	id     string
	source string
	text   string
	length int
}

// snapshot is an immutable view of the index. Writers build a new snapshot
// and publish it atomically; readers never block on writers.
type snapshot struct {
	postings  map[string][]posting
	docs      []document
	docIndex  map[string]int32
	deleted   map[int32]struct{}
	totalLen  int64
	watermark int64
}

func emptySnapshot() *snapshot {
	return &snapshot{
		postings: make(map[string][]posting),
		docIndex: make(map[string]int32),
		deleted:  make(map[int32]struct{}),
	}
}

func (s *snapshot) liveCount() int {
	return len(s.docs) - len(s.deleted)
}

func (s *snapshot) avgdl() float64 {
	live := s.liveCount()
	if live == 0 {
		return 0
	}
	return float64(s.totalLen) / float64(live)
}

// clone makes a shallow copy suitable for incremental writes. Posting slices
// are shared with the parent; readers of the parent are bounded by their own
// slice lengths, so appending through the copy is safe.
func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		postings:  make(map[string][]posting, len(s.postings)),
		docs:      make([]document, len(s.docs), len(s.docs)+64),
		docIndex:  make(map[string]int32, len(s.docIndex)),
		deleted:   make(map[int32]struct{}, len(s.deleted)),
		totalLen:  s.totalLen,
		watermark: s.watermark,
	}
	for term, list := range s.postings {
		next.postings[term] = list
	}
	copy(next.docs, s.docs)
	for id, idx := range s.docIndex {
		next.docIndex[id] = idx
	}
	for idx := range s.deleted {
		next.deleted[idx] = struct{}{}
	}
	return next
}

// addChunk indexes one chunk into a snapshot under construction. A chunk
// whose ID is already present replaces the old entry via tombstone.
func (s *snapshot) addChunk(c vector.Chunk) {
	if old, ok := s.docIndex[c.ID]; ok {
		if _, gone := s.deleted[old]; !gone {
			s.deleted[old] = struct{}{}
			s.totalLen -= int64(s.docs[old].length)
		}
	}

	tokens := Tokenize(c.Text)
	idx := int32(len(s.docs))
	s.docs = append(s.docs, document{id: c.ID, source: c.Source, text: c.Text, length: len(tokens)})
	s.docIndex[c.ID] = idx
	s.totalLen += int64(len(tokens))

	counts := make(map[string]int32, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}
	for term, tf := range counts {
		s.postings[term] = append(s.postings[term], posting{doc: idx, tf: tf})
	}

	if c.Seq > s.watermark {
		s.watermark = c.Seq
	}
}

// Index is an in-process BM25 inverted index kept eventually consistent
// with a vector store. Readers share an atomic snapshot pointer; writers
// are serialized by a mutex and publish complete snapshots.
type Index struct {
	store vector.Store

	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
	ready   atomic.Bool
}

// ErrNotInitialized is returned by Search before Initialize has completed.
var ErrNotInitialized = fmt.Errorf("bm25: index not initialized")

// NewIndex creates an index over the given store's chunk set. The index is
// empty until Initialize is called.
func NewIndex(store vector.Store) *Index {
	idx := &Index{store: store}
	idx.current.Store(emptySnapshot())
	return idx
}

// Initialize builds the index from the store's full chunk set, replacing
// any previous contents. Safe to call repeatedly; concurrent calls are
// serialized.
func (idx *Index) Initialize(ctx context.Context) error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	next := emptySnapshot()
	n, err := idx.consume(ctx, next, 0)
	if err != nil {
		return err
	}

	idx.current.Store(next)
	idx.ready.Store(true)
	observability.Global().RecordIndexRefresh(ctx, "initialize")
	slog.Info("BM25 index initialized", "documents", n, "watermark", next.watermark)
	return nil
}

// Refresh indexes chunks created after the current watermark. Cheap when
// nothing changed; calling twice without intervening writes is a no-op.
func (idx *Index) Refresh(ctx context.Context) error {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	if !idx.ready.Load() {
		return ErrNotInitialized
	}

	cur := idx.current.Load()
	next := cur.clone()
	n, err := idx.consume(ctx, next, cur.watermark)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	idx.current.Store(next)
	observability.Global().RecordIndexRefresh(ctx, "refresh")
	slog.Debug("BM25 index refreshed", "new_documents", n, "watermark", next.watermark)
	return nil
}

// consume drains the store's chunk stream past the watermark into snap.
func (idx *Index) consume(ctx context.Context, snap *snapshot, since int64) (int, error) {
	chunkCh, errCh := idx.store.ListChunks(ctx, since)
	n := 0
	for c := range chunkCh {
		snap.addChunk(c)
		n++
	}
	if err := <-errCh; err != nil {
		return 0, fmt.Errorf("bm25: chunk scan failed: %w", err)
	}
	return n, nil
}

// Invalidate removes one chunk from the index by ID. Missing IDs are a
// no-op. Space is reclaimed on the next Initialize.
func (idx *Index) Invalidate(id string) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	cur := idx.current.Load()
	docIdx, ok := cur.docIndex[id]
	if !ok {
		return
	}
	if _, gone := cur.deleted[docIdx]; gone {
		return
	}

	next := cur.clone()
	next.deleted[docIdx] = struct{}{}
	next.totalLen -= int64(next.docs[docIdx].length)
	idx.current.Store(next)
}

// InvalidateSource tombstones every chunk of the given source.
func (idx *Index) InvalidateSource(source string) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	cur := idx.current.Load()
	next := cur.clone()
	removed := 0
	for i, doc := range next.docs {
		if doc.source != source {
			continue
		}
		docIdx := int32(i)
		if _, gone := next.deleted[docIdx]; gone {
			continue
		}
		next.deleted[docIdx] = struct{}{}
		next.totalLen -= int64(doc.length)
		removed++
	}
	if removed == 0 {
		return
	}
	idx.current.Store(next)
}

// DocumentCount returns the number of live documents in the current snapshot.
func (idx *Index) DocumentCount() int {
	return idx.current.Load().liveCount()
}

// Watermark returns the highest chunk sequence number the index has seen.
func (idx *Index) Watermark() int64 {
	return idx.current.Load().watermark
}

// Search scores the query against the current snapshot with Okapi BM25 and
// returns up to topK hits, highest score first, ties broken by chunk ID
// ascending. sources restricts hits to the named sources; empty means all.
func (idx *Index) Search(ctx context.Context, query string, topK int, sources []string) ([]vector.Hit, error) {
	if !idx.ready.Load() {
		return nil, ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := idx.current.Load()
	n := snap.liveCount()
	if n == 0 || topK <= 0 {
		return nil, nil
	}

	var allowed map[string]bool
	if len(sources) > 0 {
		allowed = make(map[string]bool, len(sources))
		for _, src := range sources {
			allowed[src] = true
		}
	}

	avgdl := snap.avgdl()
	scores := make(map[int32]float64)
	for term := range uniqueTokens(query) {
		list := snap.postings[term]
		if len(list) == 0 {
			continue
		}

		df := 0
		for _, p := range list {
			if _, gone := snap.deleted[p.doc]; !gone {
				df++
			}
		}
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))

		for _, p := range list {
			if _, gone := snap.deleted[p.doc]; gone {
				continue
			}
			doc := snap.docs[p.doc]
			if allowed != nil && !allowed[doc.source] {
				continue
			}
			tf := float64(p.tf)
			norm := 1 - b + b*float64(doc.length)/avgdl
			scores[p.doc] += idf * tf * (k1 + 1) / (tf + k1*norm)
		}
	}

	hits := make([]vector.Hit, 0, len(scores))
	for docIdx, score := range scores {
		doc := snap.docs[docIdx]
		hits = append(hits, vector.Hit{
			ID:     doc.id,
			Source: doc.source,
			Text:   doc.text,
			Score:  float32(score),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}
