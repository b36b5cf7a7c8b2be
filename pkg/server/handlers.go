package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kpath-ai/kpath/pkg/auth"
	"github.com/kpath-ai/kpath/pkg/indexer"
	"github.com/kpath-ai/kpath/pkg/search"
)

const maxRequestBody = 1 << 20

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	req, err := decodeSearchRequest(r)
	if err != nil {
		s.writeError(w, r, err, start)
		return
	}

	principal := auth.PrincipalFrom(r.Context())
	resp, err := s.deps.Pipeline.Search(r.Context(), principal, req)
	if err != nil {
		s.writeError(w, r, err, start)
		return
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordSearch(r.Context(), time.Since(start), "")
	}
	writeJSON(w, http.StatusOK, toSearchResponse(resp))
}

// decodeSearchRequest accepts either a JSON body (POST) or query
// parameters (GET).
func decodeSearchRequest(r *http.Request) (search.Request, error) {
	if r.Method == http.MethodPost {
		var dto searchRequestDTO
		dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
		if err := dec.Decode(&dto); err != nil {
			return search.Request{}, search.WrapError(search.KindInvalidRequest, err, "malformed request body")
		}
		return search.Request{
			Query:        dto.Query,
			K:            dto.Limit,
			MinScore:     dto.MinScore,
			Domains:      dto.Domains,
			Capabilities: dto.Capabilities,
		}, nil
	}

	q := r.URL.Query()
	req := search.Request{Query: q.Get("query")}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return req, search.NewError(search.KindInvalidRequest, "invalid limit %q", raw)
		}
		req.K = limit
	}
	if raw := q.Get("min_score"); raw != "" {
		minScore, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return req, search.NewError(search.KindInvalidRequest, "invalid min_score %q", raw)
		}
		req.MinScore = minScore
	}
	if raw := q.Get("domains"); raw != "" {
		req.Domains = splitList(raw)
	}
	if raw := q.Get("capabilities"); raw != "" {
		req.Capabilities = splitList(raw)
	}
	return req, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Manager.Status()
	writeJSON(w, http.StatusOK, statusDTO{
		Initialized:        st.State != indexer.StateInitializing,
		IndexBuilt:         s.deps.Manager.Ready(),
		State:              string(st.State),
		EmbeddingModel:     st.Model,
		TotalVectors:       st.Indexed,
		SnapshotGeneration: st.Generation,
		PendingServices:    st.Pending + st.Stale,
		UnindexableCount:   st.Unindexable,
		LastError:          st.LastError,
	})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if !s.deps.Manager.RequestRebuild() {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already_running"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": uuid.NewString(),
		"status": "started",
	})
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if s.deps.Manager.Ready() && s.deps.Manager.Index().Size() > 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_initialized"})
		return
	}
	s.deps.Manager.RequestRebuild()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": uuid.NewString(),
		"status": "started",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Manager.Status()
	status := "ok"
	if st.State == indexer.StateDegraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": status,
		"state":  string(st.State),
	})
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	principal := auth.PrincipalFrom(r.Context())
	if !principal.HasRole(s.deps.AdminRole) {
		writeJSON(w, http.StatusForbidden, errorDTO{
			Error: "admin role required",
			Kind:  search.KindForbidden.String(),
		})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, start time.Time) {
	kind := search.KindOf(err)
	status := statusForKind(kind)

	if s.deps.Metrics != nil {
		s.deps.Metrics.RecordSearch(r.Context(), time.Since(start), kind.String())
	}
	if status >= http.StatusInternalServerError && kind != search.KindTransientDependency {
		slog.Error("Request failed", "path", r.URL.Path, "kind", kind.String(), "error", err)
	}

	if kind == search.KindIndexNotReady || kind == search.KindTransientDependency {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, errorDTO{Error: publicMessage(err, kind), Kind: kind.String()})
}

// publicMessage keeps internal failure detail out of responses.
func publicMessage(err error, kind search.Kind) string {
	switch kind {
	case search.KindInternal:
		return "internal error"
	case search.KindTransientDependency:
		return "temporarily unavailable"
	default:
		var se *search.Error
		if errors.As(err, &se) {
			return se.Message
		}
		return kind.String()
	}
}

func statusForKind(kind search.Kind) int {
	switch kind {
	case search.KindInvalidRequest:
		return http.StatusBadRequest
	case search.KindUnauthenticated:
		return http.StatusUnauthorized
	case search.KindForbidden:
		return http.StatusForbidden
	case search.KindTimeout:
		return http.StatusRequestTimeout
	case search.KindIndexNotReady, search.KindTransientDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
