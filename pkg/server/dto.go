package server

import (
	"github.com/kpath-ai/kpath/pkg/registry"
	"github.com/kpath-ai/kpath/pkg/search"
)

type searchRequestDTO struct {
	Query        string   `json:"query"`
	Limit        int      `json:"limit,omitempty"`
	MinScore     float64  `json:"min_score,omitempty"`
	Domains      []string `json:"domains,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type searchResponseDTO struct {
	Query        string           `json:"query"`
	Results      []resultEntryDTO `json:"results"`
	TotalResults int              `json:"total_results"`
	SearchTimeMS int64            `json:"search_time_ms"`
	SearchID     string           `json:"search_id"`
}

type resultEntryDTO struct {
	ServiceID int64      `json:"service_id"`
	Rank      int        `json:"rank"`
	Score     float64    `json:"score"`
	Service   serviceDTO `json:"service"`
	Distance  float64    `json:"distance"`
}

type serviceDTO struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Endpoint     string          `json:"endpoint,omitempty"`
	Version      string          `json:"version,omitempty"`
	Status       string          `json:"status"`
	Capabilities []capabilityDTO `json:"capabilities"`
	Domains      []string        `json:"domains"`
}

type capabilityDTO struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description"`
}

type statusDTO struct {
	Initialized        bool   `json:"initialized"`
	IndexBuilt         bool   `json:"index_built"`
	State              string `json:"state"`
	EmbeddingModel     string `json:"embedding_model"`
	TotalVectors       int    `json:"total_vectors"`
	SnapshotGeneration uint64 `json:"snapshot_generation"`
	PendingServices    int    `json:"pending_services"`
	UnindexableCount   int    `json:"unindexable_services"`
	LastError          string `json:"last_error,omitempty"`
}

type errorDTO struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func toSearchResponse(resp *search.Response) searchResponseDTO {
	out := searchResponseDTO{
		Query:        resp.Query,
		Results:      make([]resultEntryDTO, len(resp.Results)),
		TotalResults: resp.TotalResults,
		SearchTimeMS: resp.ElapsedMS,
		SearchID:     resp.SearchID,
	}
	for i, r := range resp.Results {
		out.Results[i] = resultEntryDTO{
			ServiceID: r.ServiceID,
			Rank:      r.Rank,
			Score:     r.Score,
			Service:   toServiceDTO(r.Service),
			Distance:  r.Distance,
		}
	}
	return out
}

func toServiceDTO(svc *registry.Service) serviceDTO {
	out := serviceDTO{
		ID:           svc.ID,
		Name:         svc.Name,
		Description:  svc.Description,
		Endpoint:     svc.Endpoint,
		Version:      svc.Version,
		Status:       string(svc.Status),
		Capabilities: make([]capabilityDTO, len(svc.Capabilities)),
		Domains:      svc.Domains,
	}
	if out.Domains == nil {
		out.Domains = []string{}
	}
	for i, c := range svc.Capabilities {
		out.Capabilities[i] = capabilityDTO{Name: c.Name, Description: c.Description}
	}
	return out
}
