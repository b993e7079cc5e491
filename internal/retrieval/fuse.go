package retrieval

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// rrfK is the Reciprocal Rank Fusion constant. With k=60, rank 0
// contributes 1/60 and agreement between sources outweighs a single
// top rank.
const rrfK = 60

// Content prefix lengths for chunk identity.
const (
	// keyPrefixLen is hashed with the filename to identify a chunk
	// across result lists during fusion.
	keyPrefixLen = 50

	// dedupePrefixLen identifies near-duplicate chunks before the
	// rerank stage.
	dedupePrefixLen = 100
)

// fusedChunk pairs a chunk with its accumulated fusion score.
type fusedChunk struct {
	chunk Chunk
	score float64
}

// fuseKey identifies one chunk independent of which stage found it.
// Filename plus a hash of the leading content catches the same chunk
// surfacing in both result lists without comparing full bodies.
type fuseKey struct {
	filename string
	prefix   uint64
}

func keyOf(c Chunk) fuseKey {
	return fuseKey{
		filename: c.Filename,
		prefix:   xxhash.Sum64String(firstRunes(c.Content, keyPrefixLen)),
	}
}

// fuse merges ranked result lists with Reciprocal Rank Fusion. A
// document at 0-based rank r contributes 1/(r+rrfK) per list it
// appears in; the chunk from its first appearance represents it. The
// result is sorted by fused score descending, ties keeping first
// occurrence order across the input lists.
func fuse(lists ...[]Chunk) []fusedChunk {
	index := make(map[fuseKey]int)
	var out []fusedChunk

	for _, list := range lists {
		for rank, chunk := range list {
			k := keyOf(chunk)
			i, ok := index[k]
			if !ok {
				i = len(out)
				index[k] = i
				out = append(out, fusedChunk{chunk: chunk})
			}
			out[i].score += 1 / float64(rank+rrfK)
		}
	}

	// out is built in first-occurrence order, so a stable sort is all
	// the tie-break needs.
	sort.SliceStable(out, func(a, b int) bool { return out[a].score > out[b].score })
	return out
}

// dedupeCandidates drops fused chunks whose leading content matches an
// earlier candidate, then caps the survivors at limit. Dedupe runs
// before the cap so near-duplicates do not crowd distinct candidates
// out of the rerank window.
func dedupeCandidates(fused []fusedChunk, limit int) []fusedChunk {
	seen := make(map[string]struct{}, len(fused))
	out := make([]fusedChunk, 0, limit)
	for _, fc := range fused {
		sig := firstRunes(fc.chunk.Content, dedupePrefixLen)
		if _, ok := seen[sig]; ok {
			continue
		}
		seen[sig] = struct{}{}
		out = append(out, fc)
		if len(out) == limit {
			break
		}
	}
	return out
}

// topChunks strips fusion bookkeeping and keeps the best k chunks.
func topChunks(fused []fusedChunk, k int) []Chunk {
	if len(fused) > k {
		fused = fused[:k]
	}
	chunks := make([]Chunk, len(fused))
	for i, fc := range fused {
		chunks[i] = fc.chunk
	}
	return chunks
}

// buildContext joins chunks into the prompt context block.
func buildContext(chunks []Chunk) string {
	var b strings.Builder
	for _, c := range chunks {
		fmt.Fprintf(&b, "\n--- File: %s ---\n%s\n", c.Filename, c.Content)
	}
	return b.String()
}

// firstRunes returns the first n runes of s. Chunk identity must not
// depend on where a multi-byte character falls.
func firstRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
