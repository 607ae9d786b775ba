package vectordb

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/certa-labs/certa/engine/knowledge/chunk"
	"github.com/certa-labs/certa/pkg/logger"
)

const defaultTopK = 20

// DefaultPrioritySources lists the sources ranked ahead of plain body text.
var DefaultPrioritySources = []chunk.SemanticSource{
	chunk.SourceLegal,
	chunk.SourceFooter,
	chunk.SourceNav,
}

// Node is an embedded chunk held by the store.
type Node struct {
	ID         string
	Text       string
	TokenCount int
	Embedding  []float32
	Metadata   chunk.Metadata
}

// Match captures a similarity search result.
type Match struct {
	Node
	Score    float64
	Priority bool
}

// Options controls ranking.
type Options struct {
	PrioritySources []chunk.SemanticSource
	// MinTextLength drops nodes whose trimmed text has this many runes or fewer.
	MinTextLength int
}

// Stats summarizes store contents.
type Stats struct {
	TotalNodes int
	Dimension  int
}

// Store is an append-only in-memory collection of embedded nodes.
type Store struct {
	mu        sync.RWMutex
	nodes     []Node
	dimension int
	priority  map[chunk.SemanticSource]int
	minLength int
}

// NewStore creates an empty store. A nil priority list uses DefaultPrioritySources.
func NewStore(opts Options) *Store {
	sources := opts.PrioritySources
	if sources == nil {
		sources = DefaultPrioritySources
	}
	priority := make(map[chunk.SemanticSource]int, len(sources))
	for i, src := range sources {
		if _, ok := priority[src]; !ok {
			priority[src] = i
		}
	}
	return &Store{
		priority:  priority,
		minLength: opts.MinTextLength,
	}
}

// AddNode inserts node. Nodes without an embedding are skipped with a warning.
// The first embedded node fixes the store dimension.
func (s *Store) AddNode(ctx context.Context, node Node) error {
	if len(node.Embedding) == 0 {
		logger.FromContext(ctx).Warn("Skipping node with missing embedding", "node_id", node.ID)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimension == 0 {
		s.dimension = len(node.Embedding)
	}
	if len(node.Embedding) != s.dimension {
		recordVectorError(ctx, "add", "dimension_mismatch")
		return fmt.Errorf(
			"vectordb: node %s dimension mismatch (got %d want %d)",
			node.ID,
			len(node.Embedding),
			s.dimension,
		)
	}
	node.Embedding = append([]float32(nil), node.Embedding...)
	s.nodes = append(s.nodes, node)
	return nil
}

// FindSimilarNodes ranks nodes against query. Nodes at or under the minimum
// text length are dropped, the rest are ordered priority sources first, each
// class by similarity descending, and only then cut to k.
func (s *Store) FindSimilarNodes(ctx context.Context, query []float32, queryText string, k int) ([]Match, error) {
	if k <= 0 {
		k = defaultTopK
	}
	start := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.nodes) == 0 {
		return nil, nil
	}
	if len(query) != s.dimension {
		recordVectorError(ctx, "search", "dimension_mismatch")
		return nil, fmt.Errorf("vectordb: query dimension mismatch (got %d want %d)", len(query), s.dimension)
	}
	candidates := make([]Match, 0, len(s.nodes))
	for i := range s.nodes {
		node := s.nodes[i]
		if utf8.RuneCountInString(strings.TrimSpace(node.Text)) <= s.minLength {
			continue
		}
		_, priority := s.priority[node.Metadata.SemanticSource]
		candidates = append(candidates, Match{
			Node:     node,
			Score:    cosineSimilarity(node.Embedding, query),
			Priority: priority,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Priority {
			if pa, pb := s.priority[a.Metadata.SemanticSource], s.priority[b.Metadata.SemanticSource]; pa != pb {
				return pa < pb
			}
		}
		return a.ID < b.ID
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	recordVectorSearch(ctx, k, time.Since(start), len(candidates))
	logger.FromContext(ctx).Debug(
		"Vector search completed",
		"query_chars", len(queryText),
		"candidates", len(candidates),
		"nodes", len(s.nodes),
	)
	return candidates, nil
}

// Stats reports the number of nodes and the fixed dimension.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{TotalNodes: len(s.nodes), Dimension: s.dimension}
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		av := float64(a[i])
		bv := float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
