package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/engram/internal/config"
	"github.com/scrypster/engram/internal/engine"
	"github.com/scrypster/engram/internal/server"
	"github.com/scrypster/engram/internal/storage/sqlite"
	"github.com/scrypster/engram/pkg/types"
)

// newTestRouter wires a router over an in-memory SQLite store with no LLM
// providers: capture works without vectors and retrieval runs degraded.
func newTestRouter(t *testing.T) (http.Handler, *engine.Engine) {
	t.Helper()

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err, "open in-memory store")
	t.Cleanup(func() { _ = store.Close() })

	eng, err := engine.New(store, nil, nil, engine.DefaultConfig())
	require.NoError(t, err, "build engine")

	return server.NewRouter(eng, nil), eng
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func captureTestEpisode(t *testing.T, router http.Handler, task, project string) types.Episode {
	t.Helper()

	rec := doJSON(t, router, http.MethodPost, "/api/episodes", map[string]any{
		"task":             task,
		"context":          "context for " + task,
		"solution_summary": "summary of " + task,
		"project_name":     project,
		"lessons_learned":  []string{"lesson from " + task},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var ep types.Episode
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ep))
	return ep
}

func TestCreateAndGetEpisode(t *testing.T) {
	router, _ := newTestRouter(t)

	created := captureTestEpisode(t, router, "choose a queue library", "svc")
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "svc", created.ProjectName)

	rec := doJSON(t, router, http.MethodGet, "/api/episodes/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got types.Episode
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "choose a queue library", got.Task)
}

func TestCreateEpisode_RejectsMissingTask(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/episodes", map[string]any{
		"context": "no task given",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_INPUT")
}

func TestGetEpisode_NotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/episodes/00000000-0000-0000-0000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_FOUND")
}

func TestMarkEpisode_FlagsAndInvalidReference(t *testing.T) {
	router, _ := newTestRouter(t)
	ep := captureTestEpisode(t, router, "risky shortcut", "svc")

	rec := doJSON(t, router, http.MethodPost, "/api/episodes/"+ep.ID+"/mark", map[string]any{
		"is_antipattern":     true,
		"deprecation_reason": "broke prod twice",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated types.Episode
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.True(t, updated.IsAntipattern)
	assert.Equal(t, "broke prod twice", updated.DeprecationReason)

	// Dangling supersede reference must fail and leave the record alone.
	rec = doJSON(t, router, http.MethodPost, "/api/episodes/"+ep.ID+"/mark", map[string]any{
		"superseded_by": "11111111-1111-1111-1111-111111111111",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_REFERENCE")

	rec = doJSON(t, router, http.MethodGet, "/api/episodes/"+ep.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var after types.Episode
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &after))
	assert.Empty(t, after.SupersededBy, "failed mark must not change the record")
}

func TestMarkEpisode_EmptyMarkRejected(t *testing.T) {
	router, _ := newTestRouter(t)
	ep := captureTestEpisode(t, router, "nothing to change", "svc")

	rec := doJSON(t, router, http.MethodPost, "/api/episodes/"+ep.ID+"/mark", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetrieve_DegradedWithoutEmbedder(t *testing.T) {
	router, _ := newTestRouter(t)
	captureTestEpisode(t, router, "tune the worker pool", "svc")
	captureTestEpisode(t, router, "unrelated docs cleanup", "svc")

	rec := doJSON(t, router, http.MethodPost, "/api/retrieve", map[string]any{
		"query":   "worker pool",
		"project": "svc",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Episodes []types.ScoredEpisode `json:"episodes"`
		Degraded bool                  `json:"degraded"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Degraded, "no embedder means degraded retrieval")
	require.Len(t, resp.Episodes, 1)
	assert.Equal(t, "tune the worker pool", resp.Episodes[0].Episode.Task)
}

func TestRetrieve_RequiresQuery(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/retrieve", map[string]any{"project": "svc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetContext_ModeBranches(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/context?project=svc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var payload types.ContextPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, types.ContextModeEmpty, payload.Mode)

	for i := 0; i < 3; i++ {
		captureTestEpisode(t, router, fmt.Sprintf("decision %d", i), "svc")
	}

	rec = doJSON(t, router, http.MethodGet, "/api/context?project=svc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, types.ContextModeFull, payload.Mode)
	assert.Len(t, payload.RelevantEpisodes, 3)
}

func TestConsolidationStatus(t *testing.T) {
	router, _ := newTestRouter(t)
	captureTestEpisode(t, router, "lone episode", "svc")

	rec := doJSON(t, router, http.MethodGet, "/api/consolidation/status?project=svc", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report engine.EligibilityReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.Eligible)
	assert.Equal(t, 1, report.UnconsolidatedCount)
}

func TestConsolidate_InsufficientData(t *testing.T) {
	router, _ := newTestRouter(t)
	captureTestEpisode(t, router, "only one", "svc")

	rec := doJSON(t, router, http.MethodPost, "/api/consolidate", map[string]any{"project": "svc"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report engine.ConsolidationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, engine.ConsolidationInsufficientData, report.Status)
}

func TestTimelineAndLessons(t *testing.T) {
	router, _ := newTestRouter(t)
	captureTestEpisode(t, router, "first step", "svc")
	captureTestEpisode(t, router, "second step", "svc")

	rec := doJSON(t, router, http.MethodGet, "/api/timeline?project=svc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var timeline struct {
		Timeline []types.TimelineEntry `json:"timeline"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &timeline))
	assert.Len(t, timeline.Timeline, 2)

	rec = doJSON(t, router, http.MethodGet, "/api/lessons?project=svc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lessons struct {
		Lessons []types.Lesson `json:"lessons"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lessons))
	assert.Len(t, lessons.Lessons, 2)
	assert.NotEmpty(t, lessons.Lessons[0].EpisodeID)
}

func TestStatsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)
	captureTestEpisode(t, router, "counted", "svc")

	rec := doJSON(t, router, http.MethodGet, "/api/stats?project=svc", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats types.MemoryStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalEpisodes)
}

// Episodes captured without an embedder have no vectors; health reports the
// gap without claiming repair.
func TestHealthReportsVectorGaps(t *testing.T) {
	router, _ := newTestRouter(t)
	captureTestEpisode(t, router, "vectorless capture", "svc")

	rec := doJSON(t, router, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Status    string `json:"status"`
		Reconcile struct {
			EpisodesWithoutVector []string `json:"episodes_without_vector"`
		} `json:"reconcile"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Len(t, resp.Reconcile.EpisodesWithoutVector, 1)
}

func TestStart_ServesAndShutsDown(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eng, err := engine.New(store, nil, nil, engine.DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, hub, err := server.Start(ctx, cfg, eng)
	require.NoError(t, err)
	require.NotNil(t, hub)

	resp, err := http.Get("http://" + addr + "/api/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
}

func TestGetContext_IncludeReasoning(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/episodes", map[string]any{
		"task":         "cache invalidation via TTL only",
		"context":      "session cache",
		"project_name": "svc",
		"raw_thinking": "TTL felt simpler than explicit invalidation hooks",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ep types.Episode
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ep))

	rec = doJSON(t, router, http.MethodPost, "/api/episodes/"+ep.ID+"/mark", map[string]any{
		"is_antipattern":     true,
		"deprecation_reason": "stale reads bit us twice",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var payload types.ContextPayload

	rec = doJSON(t, router, http.MethodGet, "/api/context?project=svc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.AntipatternWarnings, 1)
	assert.Empty(t, payload.AntipatternWarnings[0].Reasoning)

	rec = doJSON(t, router, http.MethodGet, "/api/context?project=svc&include_reasoning=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.AntipatternWarnings, 1)
	assert.Equal(t, "TTL felt simpler than explicit invalidation hooks",
		payload.AntipatternWarnings[0].Reasoning)
}
