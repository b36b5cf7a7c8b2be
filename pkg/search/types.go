package search

import "github.com/kpath-ai/kpath/pkg/registry"

// Request is one discovery query.
type Request struct {
	// Query is the natural-language prompt. Required.
	Query string

	// K is the maximum number of results, 1..max_k. Zero selects the
	// configured default.
	K int

	// MinScore drops results scoring below it after reranking.
	MinScore float64

	// Domains restricts results to services carrying every listed
	// domain. Empty means no constraint.
	Domains []string

	// Capabilities restricts results to services offering every listed
	// capability name. Empty means no constraint.
	Capabilities []string
}

// ResultEntry is one ranked search result.
type ResultEntry struct {
	ServiceID int64
	Rank      int

	// Score is the reranked score in [0,1].
	Score float64

	// Distance is 1 minus the raw similarity score, before reranking.
	Distance float64

	Service *registry.Service
}

// Response is a served search.
type Response struct {
	Query        string
	Results      []ResultEntry
	TotalResults int
	ElapsedMS    int64

	// SearchID correlates later selection feedback with this search.
	SearchID string
}
