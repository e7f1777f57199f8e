package domain

// GraphNode is one match returned by the knowledge graph.
type GraphNode struct {
	Title   string
	Content string
	URL     string
	Labels  []string
}

// Snippet is one ranked vector search result. Score is in [0,1].
type Snippet struct {
	Title   string
	Content string
	URL     string
	Score   float64
}

// Source is one entry of the synthesis context. ID is the handle the
// generator cites back ("S1", "S2", ...).
type Source struct {
	ID      string
	Kind    string
	Title   string
	Content string
	URL     string
}

const (
	SourceGraph   = "graph"
	SourceVector  = "vector"
	SourceCatalog = "catalog"
	SourceStores  = "stores"
)

// RetrievalBundle is the evidence gathered for a single turn. It is never
// persisted.
type RetrievalBundle struct {
	Graph      []GraphNode
	Vector     []Snippet
	Catalog    []Source
	Confidence float64
}

// Empty reports whether no path produced evidence.
func (b RetrievalBundle) Empty() bool {
	return len(b.Graph) == 0 && len(b.Vector) == 0 && len(b.Catalog) == 0
}
