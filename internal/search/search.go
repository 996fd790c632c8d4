// Package search provides full-text lookup over the document register.
// Meilisearch serves queries when reachable; PostgreSQL full-text search is
// the always-available fallback.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	DocType string `json:"docType"`
	Status  string `json:"status"`
	Snippet string `json:"snippet,omitempty"`
}

// Query describes a search request over the register.
type Query struct {
	Text         string
	FilterType   string // empty = all document types
	FilterStatus string // empty = all statuses
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data indexed per document.
type DocumentRecord struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	DocType string `json:"docType"`
	Status  string `json:"status"`
	Owner   string `json:"owner"`
}
