package vector

import (
	"sync"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdvanceSeqNeverMovesBackwards(t *testing.T) {
	s := &QdrantStore{}

	s.advanceSeq(10)
	assert.Equal(t, int64(10), s.lastSeq.Load())

	s.advanceSeq(3)
	assert.Equal(t, int64(10), s.lastSeq.Load())

	s.advanceSeq(11)
	assert.Equal(t, int64(11), s.lastSeq.Load())
}

func TestAdvanceSeqConcurrent(t *testing.T) {
	s := &QdrantStore{}

	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			s.advanceSeq(seq)
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, int64(100), s.lastSeq.Load())
}

func TestSeqAssignmentContinuesPastRecoveredMaximum(t *testing.T) {
	s := &QdrantStore{}

	// recoverLastSeq feeds every stored payload seq through advanceSeq;
	// subsequent auto-assignment must continue past the maximum rather
	// than restart at 1.
	for _, stored := range []int64{4, 17, 9} {
		s.advanceSeq(stored)
	}

	assert.Equal(t, int64(18), s.lastSeq.Add(1))
	assert.Equal(t, int64(19), s.lastSeq.Add(1))
}

func TestPointID(t *testing.T) {
	assert.Equal(t, "", pointID(nil))
	assert.Equal(t, "ab12", pointID(qdrant.NewID("ab12")))
	numeric := &qdrant.PointId{PointIdOptions: &qdrant.PointId_Num{Num: 7}}
	assert.Equal(t, "7", pointID(numeric))
}

func TestPayloadHelpers(t *testing.T) {
	source, err := qdrant.NewValue("docs.md")
	require.NoError(t, err)
	seq, err := qdrant.NewValue(int64(42))
	require.NoError(t, err)
	payload := map[string]*qdrant.Value{"source": source, "seq": seq}

	assert.Equal(t, "docs.md", payloadString(payload, "source"))
	assert.Equal(t, "", payloadString(payload, "missing"))
	assert.Equal(t, "", payloadString(nil, "source"))

	assert.Equal(t, int64(42), payloadInt(payload, "seq"))
	assert.Equal(t, int64(0), payloadInt(payload, "missing"))
	assert.Equal(t, int64(0), payloadInt(nil, "seq"))
}
