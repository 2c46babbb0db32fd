package retrieval

import (
	"sort"

	"github.com/mohammad-safakhou/docqa/internal/chunk"
)

// DefaultRRFK is the reciprocal-rank-fusion smoothing constant.
const DefaultRRFK = 60

// FusedResult is a chunk scored by reciprocal-rank fusion. Ranks are 1-based;
// a chunk missing from a channel carries that channel's sentinel rank k+1 and
// a nil score.
type FusedResult struct {
	ChunkID     int
	Chunk       chunk.Chunk
	RRFScore    float64
	DenseScore  *float64
	SparseScore *float64
	DenseRank   int
	SparseRank  int
}

// Fuse merges dense and sparse rankings with score 1/(k+denseRank) +
// 1/(k+sparseRank). The result covers the union of both lists, sorted by
// score descending, then dense rank, then sparse rank, then chunk ordinal.
func Fuse(dense, sparse []Candidate, k int) []FusedResult {
	if k <= 0 {
		k = DefaultRRFK
	}
	sentinel := k + 1
	byID := map[int]*FusedResult{}
	order := []int{}

	get := func(c Candidate) *FusedResult {
		r, ok := byID[c.ChunkID]
		if !ok {
			r = &FusedResult{ChunkID: c.ChunkID, Chunk: c.Chunk, DenseRank: sentinel, SparseRank: sentinel}
			byID[c.ChunkID] = r
			order = append(order, c.ChunkID)
		}
		return r
	}

	for i, c := range dense {
		r := get(c)
		if r.DenseScore != nil {
			continue
		}
		score := c.Score
		r.DenseScore = &score
		r.DenseRank = i + 1
	}
	for i, c := range sparse {
		r := get(c)
		if r.SparseScore != nil {
			continue
		}
		score := c.Score
		r.SparseScore = &score
		r.SparseRank = i + 1
	}

	out := make([]FusedResult, 0, len(order))
	for _, id := range order {
		r := byID[id]
		r.RRFScore = 1.0/float64(k+r.DenseRank) + 1.0/float64(k+r.SparseRank)
		out = append(out, *r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RRFScore != b.RRFScore {
			return a.RRFScore > b.RRFScore
		}
		if a.DenseRank != b.DenseRank {
			return a.DenseRank < b.DenseRank
		}
		if a.SparseRank != b.SparseRank {
			return a.SparseRank < b.SparseRank
		}
		return a.ChunkID < b.ChunkID
	})
	return out
}
