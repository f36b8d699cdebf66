package retrieval

import (
	"sort"

	"github.com/groundwork-ai/groundwork/pkg/vector"
)

// rrfK is the rank-offset constant of reciprocal rank fusion. 60 is the
// value from the original RRF paper and keeps low ranks from dominating.
const rrfK = 60

// candidate is a chunk moving through fusion and rerank, before it becomes
// a Hit.
type candidate struct {
	id     string
	source string
	text   string
	dense  *float64
	sparse *float64
	rerank *float64
	fused  float64
}

// fuseRRF merges two ranked hit lists with reciprocal rank fusion:
// score(doc) = sum over lists of 1/(rrfK + rank). The result is ordered by
// fused score descending with ties broken by chunk ID ascending, which
// makes the merge commutative in its arguments.
func fuseRRF(dense, sparse []vector.Hit) []candidate {
	byID := make(map[string]*candidate, len(dense)+len(sparse))

	accumulate := func(hits []vector.Hit, isDense bool) {
		for rank, h := range hits {
			c, ok := byID[h.ID]
			if !ok {
				c = &candidate{id: h.ID, source: h.Source, text: h.Text}
				byID[h.ID] = c
			}
			if c.text == "" {
				c.text = h.Text
			}
			score := float64(h.Score)
			if isDense {
				c.dense = &score
			} else {
				c.sparse = &score
			}
			c.fused += 1 / float64(rrfK+rank+1)
		}
	}
	accumulate(dense, true)
	accumulate(sparse, false)

	out := make([]candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].fused != out[j].fused {
			return out[i].fused > out[j].fused
		}
		return out[i].id < out[j].id
	})
	return out
}

// singlePath converts one ranked hit list into candidates, keeping its
// order. score goes into the dense or sparse slot depending on the path.
func singlePath(hits []vector.Hit, isDense bool) []candidate {
	out := make([]candidate, 0, len(hits))
	for rank, h := range hits {
		score := float64(h.Score)
		c := candidate{
			id:     h.ID,
			source: h.Source,
			text:   h.Text,
			fused:  1 / float64(rrfK+rank+1),
		}
		if isDense {
			c.dense = &score
		} else {
			c.sparse = &score
		}
		out = append(out, c)
	}
	return out
}
