// Package vectorindex provides a flat inner-product similarity index.
//
// Vectors are L2-normalized at construction, so inner product equals cosine
// similarity. The index is immutable after New returns; concurrent searches
// need no locking.
package vectorindex

import (
	"fmt"
	"math"
	"sort"
)

// Result is one nearest-neighbor hit. Ord is the position of the vector in
// the slice passed to New, which callers map back to their chunk store.
type Result struct {
	Ord   int
	Score float32
}

// Flat is a brute-force index over normalized vectors.
type Flat struct {
	dim     int
	vectors [][]float32
}

// New builds an index from row vectors. All rows must share one dimension.
// The input rows are normalized in place.
func New(vectors [][]float32) (*Flat, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no vectors to index")
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("zero-dimension vectors")
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("vector %d: dimension %d, want %d", i, len(v), dim)
		}
		Normalize(v)
	}
	return &Flat{dim: dim, vectors: vectors}, nil
}

// Size returns the number of indexed vectors.
func (f *Flat) Size() int {
	return len(f.vectors)
}

// Dimension returns the vector dimension.
func (f *Flat) Dimension() int {
	return f.dim
}

// Search returns the k highest-scoring vectors for the query, sorted by
// descending score. k is clamped to the index size. The query is normalized
// in place.
func (f *Flat) Search(query []float32, k int) ([]Result, error) {
	if len(query) != f.dim {
		return nil, fmt.Errorf("query dimension %d, want %d", len(query), f.dim)
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if k > len(f.vectors) {
		k = len(f.vectors)
	}

	Normalize(query)

	results := make([]Result, len(f.vectors))
	for i, v := range f.vectors {
		results[i] = Result{Ord: i, Score: dot(query, v)}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results[:k], nil
}

// Normalize scales v to unit length. Zero vectors are left unchanged.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
