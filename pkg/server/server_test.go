package server

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpath-ai/kpath/pkg/auth"
	"github.com/kpath-ai/kpath/pkg/config"
	"github.com/kpath-ai/kpath/pkg/embedder"
	"github.com/kpath-ai/kpath/pkg/feedback"
	"github.com/kpath-ai/kpath/pkg/indexer"
	"github.com/kpath-ai/kpath/pkg/policy"
	"github.com/kpath-ai/kpath/pkg/registry"
	"github.com/kpath-ai/kpath/pkg/search"
)

var anglePattern = regexp.MustCompile(`angle=([0-9.]+)`)

type angleEmbedder struct{}

func (angleEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m := anglePattern.FindStringSubmatch(text); m != nil {
		deg, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			rad := deg * math.Pi / 180
			return []float32{float32(math.Cos(rad)), float32(math.Sin(rad))}, nil
		}
	}
	sum := sha256.Sum256([]byte(text))
	rad := float64(sum[0]) + 100
	return []float32{float32(math.Cos(rad)), float32(math.Sin(rad))}, nil
}

func (e angleEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (angleEmbedder) Dimension() int { return 2 }
func (angleEmbedder) Model() string  { return "angle-model" }
func (angleEmbedder) Close() error   { return nil }

var _ embedder.Embedder = angleEmbedder{}

type fakeKeys map[string]*registry.APIKey

func (f fakeKeys) LookupAPIKey(ctx context.Context, secret string) (*registry.APIKey, error) {
	return f[secret], nil
}

// newTestServer wires a real pipeline and manager behind the HTTP
// handler. When keys is nil, auth is disabled.
func newTestServer(t *testing.T, keys fakeKeys, services ...*registry.Service) *Server {
	t.Helper()
	ctx := context.Background()

	reg := registry.NewInMemory()
	t.Cleanup(func() { reg.Close() })
	for _, svc := range services {
		require.NoError(t, reg.Create(ctx, svc))
	}

	idxCfg := &config.IndexConfig{Kind: "exact", SnapshotDir: t.TempDir()}
	idxCfg.SetDefaults()
	idxCfg.CoalesceWindowMS = 10

	manager, err := indexer.NewManager(idxCfg, angleEmbedder{}, reg)
	require.NoError(t, err)
	runCtx, cancel := context.WithCancel(ctx)
	go manager.Run(runCtx)
	t.Cleanup(func() {
		cancel()
		<-manager.Done()
	})
	require.Eventually(t, manager.Ready, 5*time.Second, 10*time.Millisecond)

	searchCfg := &config.SearchConfig{}
	searchCfg.SetDefaults()
	pipeline, err := search.NewPipeline(searchCfg, angleEmbedder{}, manager, reg,
		policy.NewEvaluator("admin"), feedback.NewInMemory(30))
	require.NoError(t, err)

	var mw *auth.Middleware
	if keys == nil {
		mw = auth.NewMiddleware(false, nil, nil)
	} else {
		mw = auth.NewMiddleware(true, nil, auth.NewAPIKeyAuthenticator(keys))
	}

	cfg := &config.Config{}
	cfg.SetDefaults()
	srv, err := New(cfg, Dependencies{
		Pipeline: pipeline,
		Manager:  manager,
		Auth:     mw,
	})
	require.NoError(t, err)
	return srv
}

func svcAt(name string, deg float64) *registry.Service {
	return &registry.Service{
		Name:        name,
		Description: "angle=" + strconv.FormatFloat(deg, 'f', -1, 64),
	}
}

func doJSON(t *testing.T, h http.Handler, req *http.Request, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out))
	}
	return rec
}

func TestSearchEndpointPOST(t *testing.T) {
	srv := newTestServer(t, nil, svcAt("near", 5), svcAt("far", 80))

	body := `{"query": "angle=0", "limit": 5}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/search/search", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	var resp searchResponseDTO
	rec := doJSON(t, srv.Handler(), req, &resp)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "angle=0", resp.Query)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "near", resp.Results[0].Service.Name)
	assert.Equal(t, 1, resp.Results[0].Rank)
	assert.Less(t, resp.Results[0].Distance, resp.Results[1].Distance)
	assert.Equal(t, 2, resp.TotalResults)
	assert.NotEmpty(t, resp.SearchID)
}

func TestSearchEndpointGET(t *testing.T) {
	srv := newTestServer(t, nil, svcAt("near", 5), svcAt("far", 80))

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/search/search?query=angle%3D0&limit=1&min_score=0.1", nil)
	var resp searchResponseDTO
	rec := doJSON(t, srv.Handler(), req, &resp)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "near", resp.Results[0].Service.Name)
}

func TestSearchEndpointRejectsBadRequests(t *testing.T) {
	srv := newTestServer(t, nil, svcAt("a", 0))

	cases := []struct {
		name string
		req  *http.Request
	}{
		{"empty query", httptest.NewRequest(http.MethodPost, "/api/v1/search/search",
			strings.NewReader(`{"query": "  "}`))},
		{"malformed body", httptest.NewRequest(http.MethodPost, "/api/v1/search/search",
			strings.NewReader(`{`))},
		{"bad limit", httptest.NewRequest(http.MethodGet,
			"/api/v1/search/search?query=q&limit=abc", nil)},
		{"limit too large", httptest.NewRequest(http.MethodGet,
			"/api/v1/search/search?query=q&limit=1000", nil)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, tc.req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var e errorDTO
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
			assert.Equal(t, "invalid_request", e.Kind)
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, svcAt("a", 0))

	var st statusDTO
	rec := doJSON(t, srv.Handler(),
		httptest.NewRequest(http.MethodGet, "/api/v1/search/status", nil), &st)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, st.Initialized)
	assert.True(t, st.IndexBuilt)
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, "angle-model", st.EmbeddingModel)
	assert.Equal(t, 1, st.TotalVectors)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestRebuildRequiresAdmin(t *testing.T) {
	srv := newTestServer(t, nil, svcAt("a", 0))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/api/v1/search/rebuild", nil))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var e errorDTO
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	assert.Equal(t, "forbidden", e.Kind)
}

func TestRebuildAsAdmin(t *testing.T) {
	keys := fakeKeys{"root-key": {PrincipalID: "root", Roles: []string{"admin"}}}
	srv := newTestServer(t, keys, svcAt("a", 0))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/search/rebuild", nil)
	req.Header.Set("X-API-Key", "root-key")

	var body map[string]string
	rec := doJSON(t, srv.Handler(), req, &body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "started", body["status"])
	assert.NotEmpty(t, body["job_id"])
}

func TestAuthEnabledRejectsMissingCredential(t *testing.T) {
	keys := fakeKeys{"good": {PrincipalID: "u"}}
	srv := newTestServer(t, keys, svcAt("a", 0))

	t.Run("no credential", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec,
			httptest.NewRequest(http.MethodGet, "/api/v1/search/status", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bad key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/search/status", nil)
		req.Header.Set("X-API-Key", "wrong")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/search/status", nil)
		req.Header.Set("X-API-Key", "good")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("health stays open", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestInitializeWhenAlreadyBuilt(t *testing.T) {
	keys := fakeKeys{"root-key": {PrincipalID: "root", Roles: []string{"admin"}}}
	srv := newTestServer(t, keys, svcAt("a", 0))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/search/initialize", nil)
	req.Header.Set("X-API-Key", "root-key")

	var body map[string]string
	rec := doJSON(t, srv.Handler(), req, &body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_initialized", body["status"])
}
