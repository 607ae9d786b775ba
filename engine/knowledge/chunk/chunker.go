package chunk

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/certa-labs/certa/engine/core"
)

const (
	DefaultMaxTokens     = 7000
	DefaultOverlapTokens = 500
)

var (
	legalPattern = regexp.MustCompile(`privacy|terms|gdpr|ccpa|disclaimer|cookie|legal|notice`)
	navPattern   = regexp.MustCompile(`menu|home|navigation|resources|contact|apply|about|studies`)
)

// TokenCounter counts model tokens in a piece of text.
type TokenCounter interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

// Span is one token-bounded slice of a text.
type Span struct {
	Text       string
	TokenCount int
	Overlap    string
}

// Chunker splits text on sentence boundaries into token-bounded spans.
type Chunker struct {
	settings Settings
	counter  TokenCounter
}

// NewChunker validates settings and builds a chunker. Zero values fall back to defaults.
func NewChunker(settings Settings, counter TokenCounter) (*Chunker, error) {
	if counter == nil {
		return nil, errors.New("chunk: token counter is required")
	}
	if settings.MaxTokens == 0 {
		settings.MaxTokens = DefaultMaxTokens
		if settings.OverlapTokens == 0 {
			settings.OverlapTokens = DefaultOverlapTokens
		}
	}
	if settings.MaxTokens < 0 {
		return nil, errors.New("chunk: max tokens must be greater than zero")
	}
	if settings.OverlapTokens < 0 {
		return nil, errors.New("chunk: overlap cannot be negative")
	}
	if settings.OverlapTokens >= settings.MaxTokens {
		return nil, fmt.Errorf(
			"chunk: overlap %d must be smaller than max tokens %d",
			settings.OverlapTokens,
			settings.MaxTokens,
		)
	}
	return &Chunker{settings: settings, counter: counter}, nil
}

// Settings returns the effective settings.
func (c *Chunker) Settings() Settings {
	return c.settings
}

// Split accumulates sentences into spans of at most MaxTokens. A sentence that
// alone exceeds the limit becomes its own span. Each span after the first is
// seeded with the trailing OverlapTokens worth of words of its predecessor
// when that still fits.
func (c *Chunker) Split(ctx context.Context, text string) ([]Span, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	total, err := c.count(ctx, text)
	if err != nil {
		return nil, err
	}
	if total <= c.settings.MaxTokens {
		return []Span{{Text: text, TokenCount: total}}, nil
	}
	sentences := SplitSentences(text)
	var (
		spans   []Span
		current []string
		tokens  int
		overlap string
	)
	flush := func() error {
		joined := strings.Join(current, " ")
		n, err := c.count(ctx, joined)
		if err != nil {
			return err
		}
		spans = append(spans, Span{Text: joined, TokenCount: n, Overlap: overlap})
		current = nil
		tokens = 0
		overlap = ""
		return nil
	}
	for _, sentence := range sentences {
		n, err := c.count(ctx, sentence)
		if err != nil {
			return nil, err
		}
		if len(current) > 0 && tokens+1+n > c.settings.MaxTokens {
			previous := strings.Join(current, " ")
			if err := flush(); err != nil {
				return nil, err
			}
			seed, seedTokens, err := c.trailingWords(ctx, previous)
			if err != nil {
				return nil, err
			}
			if seed != "" && seedTokens+1+n <= c.settings.MaxTokens {
				current = []string{seed}
				tokens = seedTokens
				overlap = seed
			}
		}
		if len(current) == 0 {
			current = []string{sentence}
			tokens = n
			continue
		}
		current = append(current, sentence)
		tokens += 1 + n
	}
	if len(current) > 0 {
		if err := flush(); err != nil {
			return nil, err
		}
	}
	return spans, nil
}

// Chunk splits a document body and its regions into classified chunks.
func (c *Chunker) Chunk(ctx context.Context, doc Document) ([]Chunk, error) {
	spans, err := c.Split(ctx, doc.Text)
	if err != nil {
		return nil, fmt.Errorf("chunk: document %s: %w", doc.ID, err)
	}
	chunks := make([]Chunk, 0, len(spans)+len(doc.Regions))
	for idx, span := range spans {
		chunks = append(chunks, c.newChunk(doc, fmt.Sprintf("%s-chunk-%d", doc.ID, idx), span, idx, len(spans),
			Classify(span.Text, idx, len(spans))))
	}
	for ri, region := range doc.Regions {
		regionSpans, err := c.Split(ctx, region.Text)
		if err != nil {
			return nil, fmt.Errorf("chunk: document %s region %s: %w", doc.ID, region.Source, err)
		}
		for idx, span := range regionSpans {
			id := fmt.Sprintf("%s-%s-%d-%d", doc.ID, region.Source, ri, idx)
			chunks = append(chunks, c.newChunk(doc, id, span, idx, len(regionSpans), region.Source))
		}
	}
	return chunks, nil
}

func (c *Chunker) newChunk(doc Document, id string, span Span, idx, total int, source SemanticSource) Chunk {
	url := doc.Metadata.URL
	if url == "" {
		url = doc.ID
	}
	return Chunk{
		ID:         id,
		Text:       span.Text,
		TokenCount: span.TokenCount,
		Overlap:    span.Overlap,
		Metadata: Metadata{
			URL:            url,
			Title:          doc.Metadata.Title,
			SemanticSource: source,
			DocID:          doc.ID,
			ChunkIndex:     idx,
			TotalChunks:    total,
		},
	}
}

// trailingWords returns the shortest suffix of text, on word boundaries,
// holding at least OverlapTokens tokens.
func (c *Chunker) trailingWords(ctx context.Context, text string) (string, int, error) {
	if c.settings.OverlapTokens == 0 {
		return "", 0, nil
	}
	words := strings.Fields(text)
	running := 0
	start := len(words)
	for start > 0 && running < c.settings.OverlapTokens {
		start--
		n, err := c.count(ctx, words[start])
		if err != nil {
			return "", 0, err
		}
		running += n
	}
	if start == 0 {
		// the whole chunk would be repeated
		return "", 0, nil
	}
	seed := strings.Join(words[start:], " ")
	n, err := c.count(ctx, seed)
	if err != nil {
		return "", 0, err
	}
	return seed, n, nil
}

func (c *Chunker) count(ctx context.Context, text string) (int, error) {
	n, err := c.counter.CountTokens(ctx, text)
	if err != nil {
		return 0, core.NewError(fmt.Errorf("count tokens: %w", err), core.ErrCodeProvider, nil)
	}
	return n, nil
}

// SplitSentences cuts text after terminal punctuation followed by whitespace.
func SplitSentences(text string) []string {
	runes := []rune(strings.TrimSpace(text))
	var sentences []string
	start := 0
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 >= len(runes) || !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			sentences = append(sentences, s)
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		start = j
		i = j - 1
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

// Classify assigns a semantic source to the idx-th of total body chunks.
func Classify(text string, idx, total int) SemanticSource {
	lowered := strings.ToLower(text)
	switch {
	case idx == total-1:
		return SourceFooter
	case legalPattern.MatchString(lowered):
		return SourceLegal
	case navPattern.MatchString(lowered):
		return SourceNav
	case idx == 0:
		return SourceHeader
	default:
		return SourceBody
	}
}
