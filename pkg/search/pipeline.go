// Package search runs the end-to-end discovery query: embed the prompt,
// recall candidates from the vector index, hydrate and filter them
// against the registry and visibility policy, rerank with feedback
// priors, and project the final page.
package search

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kpath-ai/kpath/pkg/config"
	"github.com/kpath-ai/kpath/pkg/embedder"
	"github.com/kpath-ai/kpath/pkg/feedback"
	"github.com/kpath-ai/kpath/pkg/indexer"
	"github.com/kpath-ai/kpath/pkg/policy"
	"github.com/kpath-ai/kpath/pkg/registry"
	"github.com/kpath-ai/kpath/pkg/vector"
)

const (
	// maxOver caps the oversample multiplier across the retry.
	maxOver = 20

	// maxRecall bounds a single index read so searches complete in
	// bounded time regardless of k and over.
	maxRecall = 2000

	deprecatedPenalty = 0.5

	priorLookupConcurrency = 8
)

// Pipeline is the production search implementation.
type Pipeline struct {
	cfg     *config.SearchConfig
	emb     embedder.Embedder
	manager *indexer.Manager
	reg     registry.Registry
	pol     *policy.Evaluator
	fb      feedback.Store

	sem        *semaphore.Weighted
	queryCache *lru.Cache[string, []float32]
}

// NewPipeline wires the pipeline. All collaborators are required except
// the feedback store, which may be nil to disable reranking priors.
func NewPipeline(cfg *config.SearchConfig, emb embedder.Embedder, manager *indexer.Manager,
	reg registry.Registry, pol *policy.Evaluator, fb feedback.Store) (*Pipeline, error) {
	if cfg == nil || emb == nil || manager == nil || reg == nil || pol == nil {
		return nil, NewError(KindInternal, "pipeline is missing a required collaborator")
	}

	p := &Pipeline{
		cfg:     cfg,
		emb:     emb,
		manager: manager,
		reg:     reg,
		pol:     pol,
		fb:      fb,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
	}
	if cfg.QueryCacheSize > 0 {
		cache, err := lru.New[string, []float32](cfg.QueryCacheSize)
		if err != nil {
			return nil, WrapError(KindInternal, err, "failed to create query cache")
		}
		p.queryCache = cache
	}
	return p, nil
}

type scoredService struct {
	svc   *registry.Service
	sim   float64
	final float64
}

// Search executes one discovery query for the principal.
func (p *Pipeline) Search(ctx context.Context, principal *registry.Principal, req Request) (*Response, error) {
	start := time.Now()

	k, err := p.validate(&req)
	if err != nil {
		return nil, err
	}
	if principal == nil {
		principal = registry.Anonymous()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.cfg.DefaultTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, WrapError(KindTimeout, err, "search queue full")
	}
	defer p.sem.Release(1)

	if !p.manager.Ready() {
		return nil, NewError(KindIndexNotReady, "index is not built yet")
	}

	queryHash := QueryHash(req.Query)
	qv, err := p.embedQuery(ctx, queryHash, req.Query)
	if err != nil {
		return nil, err
	}

	// Recall with over-fetch so filtering still leaves k results.
	over := max(4, int(math.Ceil(float64(k)*float64(p.cfg.OversampleFactor))))
	index := p.manager.Index()
	candidates := index.TopK(qv, recallLimit(k, over))

	filtered, err := p.hydrateAndFilter(ctx, principal, &req, candidates)
	if err != nil {
		return nil, err
	}

	// At most one wider recall when filtering ate the whole page and the
	// index had more to give.
	if len(filtered) < k && len(candidates) >= recallLimit(k, over) && over < maxOver {
		over = min(over*2, maxOver)
		candidates = index.TopK(qv, recallLimit(k, over))
		filtered, err = p.hydrateAndFilter(ctx, principal, &req, candidates)
		if err != nil {
			return nil, err
		}
	}

	if err := p.rerank(ctx, queryHash, filtered); err != nil {
		return nil, err
	}

	results := p.project(filtered, k, req.MinScore)

	resp := &Response{
		Query:        req.Query,
		Results:      results,
		TotalResults: len(results),
		ElapsedMS:    time.Since(start).Milliseconds(),
		SearchID:     uuid.NewString(),
	}
	p.emitSearchEvent(resp, queryHash)
	return resp, nil
}

func (p *Pipeline) validate(req *Request) (int, error) {
	if strings.TrimSpace(req.Query) == "" {
		return 0, NewError(KindInvalidRequest, "query must not be empty")
	}
	k := req.K
	if k == 0 {
		k = p.cfg.DefaultK
	}
	if k < 1 || k > p.cfg.MaxK {
		return 0, NewError(KindInvalidRequest, "k %d out of range 1..%d", k, p.cfg.MaxK)
	}
	if req.MinScore < 0 || req.MinScore > 1 {
		return 0, NewError(KindInvalidRequest, "min_score %.3f out of range 0..1", req.MinScore)
	}
	return k, nil
}

func recallLimit(k, over int) int {
	return min(k*over, maxRecall)
}

// embedQuery returns the unit-norm query vector, consulting the cache
// first. Cached vectors keep repeated queries deterministic and cheap.
func (p *Pipeline) embedQuery(ctx context.Context, queryHash, query string) ([]float32, error) {
	if p.queryCache != nil {
		if vec, ok := p.queryCache.Get(queryHash); ok {
			return vec, nil
		}
	}

	vec, err := p.emb.Embed(ctx, query)
	if err != nil {
		switch {
		case errors.Is(err, embedder.ErrInputTooLarge):
			return nil, WrapError(KindInvalidRequest, err, "query too long to embed")
		case errors.Is(err, context.DeadlineExceeded):
			return nil, WrapError(KindTimeout, err, "query embedding timed out")
		case embedder.IsRetryable(err):
			return nil, WrapError(KindTransientDependency, err, "embedding service unavailable")
		default:
			return nil, WrapError(KindInternal, err, "query embedding failed")
		}
	}

	if p.queryCache != nil {
		p.queryCache.Add(queryHash, vec)
	}
	return vec, nil
}

// hydrateAndFilter loads candidate services and applies status,
// metadata and visibility filters, preserving recall order.
func (p *Pipeline) hydrateAndFilter(ctx context.Context, principal *registry.Principal,
	req *Request, candidates []vector.Candidate) ([]scoredService, error) {

	if len(candidates) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ServiceID
	}

	services, err := p.reg.BatchGet(ctx, ids)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, WrapError(KindTimeout, err, "registry lookup timed out")
		}
		return nil, WrapError(KindTransientDependency, err, "registry lookup failed")
	}
	byID := make(map[int64]*registry.Service, len(services))
	for _, svc := range services {
		byID[svc.ID] = svc
	}

	out := make([]scoredService, 0, len(candidates))
	for _, c := range candidates {
		svc, ok := byID[c.ServiceID]
		if !ok || !svc.Status.Discoverable() {
			continue
		}
		if !matchesFilters(svc, req) {
			continue
		}
		if !p.pol.Visible(principal, svc) {
			continue
		}
		out = append(out, scoredService{svc: svc, sim: c.Score})
	}
	return out, nil
}

func matchesFilters(svc *registry.Service, req *Request) bool {
	for _, d := range req.Domains {
		if !svc.HasDomain(d) {
			return false
		}
	}
	for _, c := range req.Capabilities {
		if !svc.HasCapability(c) {
			return false
		}
	}
	return true
}

// rerank blends similarity with the feedback prior and applies the
// deprecation penalty.
func (p *Pipeline) rerank(ctx context.Context, queryHash string, entries []scoredService) error {
	priors := make([]float64, len(entries))

	if p.fb != nil && p.cfg.Beta > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(priorLookupConcurrency)
		for i := range entries {
			g.Go(func() error {
				prior, err := p.fb.Prior(gctx, queryHash, entries[i].svc.ID)
				if err != nil {
					// A missing prior only weakens ranking; log and move on.
					slog.Warn("Feedback prior lookup failed", "service_id", entries[i].svc.ID, "error", err)
					return nil
				}
				priors[i] = prior
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	for i := range entries {
		s := clamp01(p.cfg.Alpha*entries[i].sim + p.cfg.Beta*priors[i])
		if entries[i].svc.Status == registry.StatusDeprecated {
			s *= deprecatedPenalty
		}
		entries[i].final = s
	}
	return nil
}

// project sorts, truncates and assigns ranks.
func (p *Pipeline) project(entries []scoredService, k int, minScore float64) []ResultEntry {
	kept := entries[:0:0]
	for _, e := range entries {
		if e.final >= minScore {
			kept = append(kept, e)
		}
	}

	sort.Slice(kept, func(i, j int) bool {
		if kept[i].final != kept[j].final {
			return kept[i].final > kept[j].final
		}
		return kept[i].svc.ID < kept[j].svc.ID
	})
	if len(kept) > k {
		kept = kept[:k]
	}

	results := make([]ResultEntry, len(kept))
	for i, e := range kept {
		results[i] = ResultEntry{
			ServiceID: e.svc.ID,
			Rank:      i + 1,
			Score:     e.final,
			Distance:  1 - e.sim,
			Service:   e.svc,
		}
	}
	return results
}

// emitSearchEvent records impressions asynchronously; telemetry must
// never delay or fail a search.
func (p *Pipeline) emitSearchEvent(resp *Response, queryHash string) {
	if p.fb == nil || len(resp.Results) == 0 {
		return
	}
	ev := feedback.SearchEvent{
		SearchID:  resp.SearchID,
		QueryHash: queryHash,
		Results:   make([]feedback.ImpressionEntry, len(resp.Results)),
		Timestamp: time.Now().UTC(),
	}
	for i, r := range resp.Results {
		ev.Results[i] = feedback.ImpressionEntry{ServiceID: r.ServiceID, Rank: r.Rank}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.fb.RecordImpressions(ctx, ev); err != nil {
			slog.Warn("Failed to record search impressions", "search_id", ev.SearchID, "error", err)
		}
	}()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
