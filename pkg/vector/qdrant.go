package vector

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantConfig configures the Qdrant adapter.
type QdrantConfig struct {
	// Host is the Qdrant server hostname.
	Host string `yaml:"host"`

	// Port is the Qdrant gRPC port (default: 6334).
	Port int `yaml:"port"`

	// APIKey for authenticated access (optional).
	APIKey string `yaml:"api_key,omitempty"`

	// UseTLS enables TLS connections.
	UseTLS bool `yaml:"use_tls,omitempty"`

	// Collection holding the chunk set.
	Collection string `yaml:"collection"`

	// Dimension of stored vectors, used when creating the collection.
	Dimension int `yaml:"dimension"`

	// MinScore drops hits below this native similarity (optional).
	MinScore float32 `yaml:"min_score,omitempty"`
}

// QdrantStore implements Store backed by a Qdrant collection.
type QdrantStore struct {
	client  *qdrant.Client
	cfg     QdrantConfig
	lastSeq atomic.Int64
}

const (
	payloadSource = "source"
	payloadText   = "text"
	payloadSeq    = "seq"

	scrollPageSize = 256
)

// NewQdrantStore connects to Qdrant and ensures the collection exists.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("vector: collection is required")
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vector: failed to create Qdrant client for %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	s := &QdrantStore{client: client, cfg: cfg}
	if cfg.Dimension > 0 {
		if err := s.ensureCollection(ctx); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	if err := s.recoverLastSeq(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// recoverLastSeq scans the collection for the highest stored sequence
// number. Sequence assignment must survive restarts: a fresh counter would
// reissue values at or below an incremental reader's watermark, hiding the
// new chunks from it forever.
func (s *QdrantStore) recoverLastSeq(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("vector: failed to check collection: %w", err)
	}
	if !exists {
		return nil
	}

	limit := uint32(scrollPageSize)
	var offset *qdrant.PointId
	for {
		resp, err := s.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.cfg.Collection,
			Limit:          &limit,
			Offset:         offset,
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return fmt.Errorf("vector: sequence recovery failed: %w", err)
		}
		for _, point := range resp.Result {
			s.advanceSeq(payloadInt(point.Payload, payloadSeq))
		}
		if resp.NextPageOffset == nil {
			return nil
		}
		offset = resp.NextPageOffset
	}
}

// advanceSeq raises lastSeq to seq if it is higher; lastSeq never moves
// backwards.
func (s *QdrantStore) advanceSeq(seq int64) {
	for {
		cur := s.lastSeq.Load()
		if seq <= cur || s.lastSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("vector: failed to check collection: %w", err)
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.cfg.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("vector: failed to create collection: %w", err)
	}
	return nil
}

// Name implements Store.
func (s *QdrantStore) Name() string { return "qdrant" }

// Upsert implements Store. Chunks without a sequence number are assigned
// the next value past the highest seen so far.
func (s *QdrantStore) Upsert(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		seq := c.Seq
		if seq == 0 {
			seq = s.lastSeq.Add(1)
		} else {
			s.advanceSeq(seq)
		}

		payload := map[string]*qdrant.Value{}
		for key, val := range map[string]any{
			payloadSource: c.Source,
			payloadText:   c.Text,
			payloadSeq:    seq,
		} {
			v, err := qdrant.NewValue(val)
			if err != nil {
				return fmt.Errorf("vector: failed to convert payload value %s: %w", key, err)
			}
			payload[key] = v
		}

		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(c.ID),
			Vectors: qdrant.NewVectors(c.Vector...),
			Payload: payload,
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("vector: failed to upsert points: %w", err)
	}
	return nil
}

// Search implements Store.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int, sources []string) ([]Hit, error) {
	req := &qdrant.SearchPoints{
		CollectionName: s.cfg.Collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if s.cfg.MinScore > 0 {
		threshold := s.cfg.MinScore
		req.ScoreThreshold = &threshold
	}
	if len(sources) > 0 {
		req.Filter = sourceFilter(sources)
	}

	resp, err := s.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vector: search failed: %w", err)
	}

	hits := make([]Hit, 0, len(resp.Result))
	for _, point := range resp.Result {
		hits = append(hits, Hit{
			ID:     pointID(point.Id),
			Source: payloadString(point.Payload, payloadSource),
			Text:   payloadString(point.Payload, payloadText),
			Score:  point.Score,
		})
	}
	return hits, nil
}

// ListChunks implements Store using the scroll API, paging by scrollPageSize.
func (s *QdrantStore) ListChunks(ctx context.Context, since int64) (<-chan Chunk, <-chan error) {
	chunkCh := make(chan Chunk, scrollPageSize)
	errCh := make(chan error, 1)

	var filter *qdrant.Filter
	if since > 0 {
		gt := float64(since)
		filter = &qdrant.Filter{
			Must: []*qdrant.Condition{{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key:   payloadSeq,
						Range: &qdrant.Range{Gt: &gt},
					},
				},
			}},
		}
	}

	go func() {
		defer close(chunkCh)
		defer close(errCh)

		limit := uint32(scrollPageSize)
		var offset *qdrant.PointId
		for {
			resp, err := s.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
				CollectionName: s.cfg.Collection,
				Filter:         filter,
				Limit:          &limit,
				Offset:         offset,
				WithPayload:    qdrant.NewWithPayload(true),
				WithVectors:    qdrant.NewWithVectors(true),
			})
			if err != nil {
				errCh <- fmt.Errorf("vector: scroll failed: %w", err)
				return
			}

			for _, point := range resp.Result {
				chunk := Chunk{
					ID:     pointID(point.Id),
					Source: payloadString(point.Payload, payloadSource),
					Text:   payloadString(point.Payload, payloadText),
					Seq:    payloadInt(point.Payload, payloadSeq),
				}
				if point.Vectors != nil {
					if vectorData := point.Vectors.GetVector(); vectorData != nil {
						if dense, ok := vectorData.Vector.(*qdrant.VectorOutput_Dense); ok && dense.Dense != nil {
							chunk.Vector = dense.Dense.Data
						}
					}
				}
				select {
				case chunkCh <- chunk:
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}

			offset = resp.NextPageOffset
			if offset == nil {
				return
			}
		}
	}()

	return chunkCh, errCh
}

// DeleteBySource implements Store.
func (s *QdrantStore) DeleteBySource(ctx context.Context, source string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: sourceFilter([]string{source}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vector: failed to delete source %s: %w", source, err)
	}
	return nil
}

// Close implements Store.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// sourceFilter matches chunks whose source is any of the given names.
func sourceFilter(sources []string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: payloadSource,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keywords{
							Keywords: &qdrant.RepeatedStrings{Strings: sources},
						},
					},
				},
			},
		}},
	}
}

func pointID(id *qdrant.PointId) string {
	if id == nil {
		return ""
	}
	switch v := id.PointIdOptions.(type) {
	case *qdrant.PointId_Uuid:
		return v.Uuid
	case *qdrant.PointId_Num:
		return fmt.Sprintf("%d", v.Num)
	}
	return ""
}

func payloadString(payload map[string]*qdrant.Value, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func payloadInt(payload map[string]*qdrant.Value, key string) int64 {
	if payload == nil {
		return 0
	}
	v, ok := payload[key]
	if !ok {
		return 0
	}
	if i := v.GetIntegerValue(); i != 0 {
		return i
	}
	return int64(v.GetDoubleValue())
}

var _ Store = (*QdrantStore)(nil)
