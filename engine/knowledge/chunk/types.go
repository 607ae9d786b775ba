package chunk

// SemanticSource is a coarse classification of where chunk text came from on a page.
type SemanticSource string

const (
	SourceLegal  SemanticSource = "legal-block"
	SourceFooter SemanticSource = "likely-footer"
	SourceNav    SemanticSource = "nav-block"
	SourceHeader SemanticSource = "likely-header"
	SourceBody   SemanticSource = "body"
)

// Document represents a crawled page prior to chunking.
type Document struct {
	ID       string
	Text     string
	Metadata DocumentMetadata
	// Regions holds text captured from navigation and footer areas.
	Regions []Region
}

type DocumentMetadata struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// Region is page text whose semantic source is known from markup.
type Region struct {
	Source SemanticSource
	Text   string
}

// Settings configures token-bounded chunking.
type Settings struct {
	MaxTokens     int
	OverlapTokens int
}

// Metadata travels with a chunk into the vector store.
type Metadata struct {
	URL            string         `json:"url"`
	Title          string         `json:"title,omitempty"`
	SemanticSource SemanticSource `json:"semanticSource,omitempty"`
	DocID          string         `json:"docId,omitempty"`
	ChunkIndex     int            `json:"chunkIndex"`
	TotalChunks    int            `json:"totalChunks"`
}

// Chunk represents a processed slice ready for embedding.
type Chunk struct {
	ID         string
	Text       string
	TokenCount int
	// Overlap is the prefix of Text carried over from the previous chunk.
	Overlap  string
	Metadata Metadata
}
