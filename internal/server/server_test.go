package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/headline-goat/labgoat/internal/events"
	"github.com/headline-goat/labgoat/internal/metrics"
	"github.com/headline-goat/labgoat/internal/server"
	"github.com/headline-goat/labgoat/internal/service"
	"github.com/headline-goat/labgoat/internal/store"
)

const testToken = "s3cret"

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Kind    string          `json:"kind"`
	Details json.RawMessage `json:"details"`
}

func setupServer(t *testing.T) http.Handler {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := zaptest.NewLogger(t)
	rec := events.NewRecorder(100)
	m := metrics.New()
	svc := service.New(service.Options{
		Store:     st,
		Publisher: rec,
		Metrics:   m,
		Logger:    logger,
	})
	srv := server.New(server.Options{
		Token:    testToken,
		Service:  svc,
		Recorder: rec,
		Metrics:  m,
		Logger:   logger,
	})
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string, auth bool) (int, response) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	}
	return w.Code, resp
}

const heroDefinition = `{
	"id": "hero",
	"name": "Hero headline",
	"primaryGoal": {"id": "signup", "name": "Signup"},
	"targeting": {"page": "/landing", "element": "h1"},
	"variants": [
		{"id": "control", "name": "Control", "isControl": true, "trafficAllocation": 50},
		{"id": "bold", "name": "Bold", "trafficAllocation": 50}
	]
}`

func create(t *testing.T, h http.Handler, def string) {
	t.Helper()
	code, resp := do(t, h, http.MethodPost, "/experiments", def, true)
	require.Equal(t, http.StatusCreated, code, resp.Error)
}

func TestHealth(t *testing.T) {
	h := setupServer(t)
	code, resp := do(t, h, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)

	var health server.HealthResponse
	require.NoError(t, json.Unmarshal(resp.Data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Store)
}

func TestCreateExperiment(t *testing.T) {
	h := setupServer(t)

	code, resp := do(t, h, http.MethodPost, "/experiments", heroDefinition, true)
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, resp.Success)

	var created map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.Equal(t, "hero", created["id"])
	assert.Equal(t, "draft", created["status"])
}

func TestCreateExperiment_InvalidAllocation(t *testing.T) {
	h := setupServer(t)
	def := strings.Replace(heroDefinition, `"trafficAllocation": 50}
	]`, `"trafficAllocation": 60}
	]`, 1)

	code, resp := do(t, h, http.MethodPost, "/experiments", def, true)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)
	assert.Equal(t, "validation_error", resp.Kind)
	assert.Contains(t, string(resp.Details), "allocation_sum")
}

func TestCreateExperiment_InvalidJSON(t *testing.T) {
	h := setupServer(t)
	code, resp := do(t, h, http.MethodPost, "/experiments", "{", true)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", resp.Kind)
}

func TestAuth(t *testing.T) {
	h := setupServer(t)

	code, resp := do(t, h, http.MethodPost, "/experiments", heroDefinition, false)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.False(t, resp.Success)

	req := httptest.NewRequest(http.MethodPost, "/experiments", strings.NewReader(heroDefinition))
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Reads stay public.
	code, _ = do(t, h, http.MethodGet, "/experiments", "", false)
	assert.Equal(t, http.StatusOK, code)
}

func TestUnknownExperiment(t *testing.T) {
	h := setupServer(t)

	code, resp := do(t, h, http.MethodGet, "/experiments/nope/results", "", false)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", resp.Kind)

	code, _ = do(t, h, http.MethodGet, "/experiments/nope", "", false)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestLifecycleEndpoints(t *testing.T) {
	h := setupServer(t)
	create(t, h, heroDefinition)

	code, resp := do(t, h, http.MethodPost, "/experiments/hero/pause", "", true)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "lifecycle_error", resp.Kind)

	code, _ = do(t, h, http.MethodPost, "/experiments/hero/start", "", true)
	require.Equal(t, http.StatusOK, code)

	code, resp = do(t, h, http.MethodPatch, "/experiments/hero", `{"name":"renamed"}`, true)
	assert.Equal(t, http.StatusBadRequest, code, "running experiments cannot be edited")
	assert.Equal(t, "lifecycle_error", resp.Kind)

	code, _ = do(t, h, http.MethodPost, "/experiments/hero/pause", "", true)
	assert.Equal(t, http.StatusOK, code)

	code, resp = do(t, h, http.MethodPost, "/experiments/hero/stop", `{"winnerId":"bold"}`, true)
	require.Equal(t, http.StatusOK, code, resp.Error)

	var stopped map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &stopped))
	assert.Equal(t, "completed", stopped["status"])
	assert.Equal(t, "bold", stopped["winnerId"])
}

func TestStart_DeploymentConflict(t *testing.T) {
	h := setupServer(t)
	create(t, h, heroDefinition)
	create(t, h, strings.Replace(heroDefinition, `"id": "hero"`, `"id": "hero-2"`, 1))

	code, _ := do(t, h, http.MethodPost, "/experiments/hero/start", "", true)
	require.Equal(t, http.StatusOK, code)

	code, resp := do(t, h, http.MethodPost, "/experiments/hero-2/start", "", true)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "deployment_conflict", resp.Kind)
	assert.Contains(t, string(resp.Details), "hero")
}

func TestParticipantsAndConversions(t *testing.T) {
	h := setupServer(t)
	create(t, h, heroDefinition)

	code, resp := do(t, h, http.MethodPost, "/experiments/hero/participants", `{"sessionId":"visitor-1"}`, false)
	assert.Equal(t, http.StatusConflict, code, "draft experiments do not assign")
	assert.Equal(t, "experiment_not_running", resp.Kind)

	code, _ = do(t, h, http.MethodPost, "/experiments/hero/start", "", true)
	require.Equal(t, http.StatusOK, code)

	code, resp = do(t, h, http.MethodPost, "/experiments/hero/participants", `{"sessionId":"visitor-1","deviceType":"mobile"}`, false)
	require.Equal(t, http.StatusOK, code, resp.Error)
	var assigned struct {
		VariantID string `json:"variantId"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &assigned))
	require.NotEmpty(t, assigned.VariantID)

	other := "control"
	if assigned.VariantID == "control" {
		other = "bold"
	}
	code, resp = do(t, h, http.MethodPost, "/experiments/hero/conversions",
		`{"variantId":"`+other+`","participantId":"visitor-1","goalId":"signup"}`, false)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "attribution_mismatch", resp.Kind)

	body := `{"variantId":"` + assigned.VariantID + `","participantId":"visitor-1","goalId":"signup"}`
	code, resp = do(t, h, http.MethodPost, "/experiments/hero/conversions", body, false)
	require.Equal(t, http.StatusOK, code, resp.Error)
	var first service.ConversionResult
	require.NoError(t, json.Unmarshal(resp.Data, &first))
	assert.True(t, first.Recorded)

	_, resp = do(t, h, http.MethodPost, "/experiments/hero/conversions", body, false)
	var second service.ConversionResult
	require.NoError(t, json.Unmarshal(resp.Data, &second))
	assert.False(t, second.Recorded, "binary goals convert once per participant")

	code, resp = do(t, h, http.MethodGet, "/experiments/hero/conversions", "", false)
	require.Equal(t, http.StatusOK, code)
	var log []map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &log))
	assert.Len(t, log, 1)

	code, resp = do(t, h, http.MethodGet, "/experiments/hero/results", "", false)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(resp.Data), `"experimentId":"hero"`)
}

func TestConversion_MissingFields(t *testing.T) {
	h := setupServer(t)
	create(t, h, heroDefinition)

	code, resp := do(t, h, http.MethodPost, "/experiments/hero/conversions", `{"participantId":"p"}`, false)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", resp.Kind)
}

func TestBulkConversions(t *testing.T) {
	h := setupServer(t)
	create(t, h, heroDefinition)
	code, _ := do(t, h, http.MethodPost, "/experiments/hero/start", "", true)
	require.Equal(t, http.StatusOK, code)

	_, resp := do(t, h, http.MethodPost, "/experiments/hero/participants", `{"sessionId":"p1"}`, false)
	var assigned struct {
		VariantID string `json:"variantId"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &assigned))

	body := `[
		{"experimentId":"hero","variantId":"` + assigned.VariantID + `","participantId":"p1","goalId":"signup"},
		{"experimentId":"missing","variantId":"control","participantId":"p1","goalId":"signup"},
		{"experimentId":"hero","participantId":"p1"}
	]`
	code, resp = do(t, h, http.MethodPost, "/conversions/bulk", body, false)
	require.Equal(t, http.StatusOK, code)

	var report service.BulkReport
	require.NoError(t, json.Unmarshal(resp.Data, &report))
	assert.Len(t, report.Succeeded, 1)
	require.Len(t, report.Failed, 2)
	assert.Equal(t, 1, report.Failed[0].Index)
	assert.Equal(t, 2, report.Failed[1].Index)
}

func TestValidateEndpoint(t *testing.T) {
	h := setupServer(t)

	code, resp := do(t, h, http.MethodPost, "/experiments/validate", heroDefinition, false)
	require.Equal(t, http.StatusOK, code)
	var ok service.ValidationReport
	require.NoError(t, json.Unmarshal(resp.Data, &ok))
	assert.True(t, ok.Valid)

	code, resp = do(t, h, http.MethodPost, "/experiments/validate", `{"name":"x","variants":[{"id":"a","isControl":true,"trafficAllocation":100}]}`, false)
	require.Equal(t, http.StatusOK, code)
	var bad service.ValidationReport
	require.NoError(t, json.Unmarshal(resp.Data, &bad))
	assert.False(t, bad.Valid)
	assert.NotEmpty(t, bad.Errors)

	// Validation never persists anything.
	code, _ = do(t, h, http.MethodGet, "/experiments/hero", "", false)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSampleSizeEndpoint(t *testing.T) {
	h := setupServer(t)

	code, resp := do(t, h, http.MethodPost, "/experiments/sample-size",
		`{"baselineRate":0.05,"minimumDetectableEffect":0.2,"confidenceLevel":95,"power":80}`, false)
	require.Equal(t, http.StatusOK, code, resp.Error)
	var res struct {
		PerVariant int64 `json:"perVariant"`
		Total      int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &res))
	assert.Greater(t, res.PerVariant, int64(0))
	assert.Equal(t, 2*res.PerVariant, res.Total)

	code, resp = do(t, h, http.MethodPost, "/experiments/sample-size", `{"baselineRate":1.5,"minimumDetectableEffect":0.2}`, false)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", resp.Kind)
}

func TestListExperiments_StatusFilter(t *testing.T) {
	h := setupServer(t)
	create(t, h, heroDefinition)

	code, resp := do(t, h, http.MethodGet, "/experiments?status=running", "", false)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(resp.Data))

	code, resp = do(t, h, http.MethodGet, "/experiments?status=bogus", "", false)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", resp.Kind)
}

func TestAutopilotFlow(t *testing.T) {
	h := setupServer(t)

	signals := `{"signals":[
		{"page":"/pricing","element":"button.cta","visitors":20000,"conversionRate":0.01,"bounceRate":0.7,"timeOnPage":20,"clickThroughRate":0.02},
		{"page":"/about","element":"h1","visitors":500,"conversionRate":0.05,"bounceRate":0.3,"timeOnPage":90,"clickThroughRate":0.1}
	]}`
	code, resp := do(t, h, http.MethodPost, "/autopilot/opportunities", signals, true)
	require.Equal(t, http.StatusOK, code, resp.Error)

	var opps []json.RawMessage
	require.NoError(t, json.Unmarshal(resp.Data, &opps))
	require.NotEmpty(t, opps)

	code, resp = do(t, h, http.MethodPost, "/autopilot/hypotheses", string(opps[0]), true)
	require.Equal(t, http.StatusOK, code, resp.Error)
	hypothesis := string(resp.Data)

	code, resp = do(t, h, http.MethodPost, "/autopilot/experiments", `{"hypothesis":`+hypothesis+`,"owner":"growth"}`, true)
	require.Equal(t, http.StatusCreated, code, resp.Error)

	var draft map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &draft))
	assert.Equal(t, "draft", draft["status"])
}

func TestAutopilot_InvalidSignals(t *testing.T) {
	h := setupServer(t)

	code, resp := do(t, h, http.MethodPost, "/autopilot/opportunities", `{"signals":[{"page":"","conversionRate":2}]}`, true)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", resp.Kind)

	code, _ = do(t, h, http.MethodPost, "/autopilot/opportunities", `{"signals":[]}`, true)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEventsEndpoint(t *testing.T) {
	h := setupServer(t)
	create(t, h, heroDefinition)

	code, resp := do(t, h, http.MethodGet, "/events?limit=5", "", false)
	require.Equal(t, http.StatusOK, code)
	var evs []events.Event
	require.NoError(t, json.Unmarshal(resp.Data, &evs))
	require.NotEmpty(t, evs)
	assert.Equal(t, events.TypeExperimentCreated, evs[0].Type)

	code, _ = do(t, h, http.MethodGet, "/events?limit=abc", "", false)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := setupServer(t)
	do(t, h, http.MethodGet, "/health", "", false)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "labgoat_http_requests_total")
}

func TestTrackerScript(t *testing.T) {
	h := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/labgoat.js", nil)
	req.Host = "ab.example.com"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/javascript", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `var S="http://ab.example.com";`)
	assert.Contains(t, w.Body.String(), "/participants")
	assert.NotContains(t, w.Header().Get("Cache-Control"), "public")
}

func TestTrackerScript_EscapesHost(t *testing.T) {
	h := setupServer(t)

	req := httptest.NewRequest(http.MethodGet, "/labgoat.js", nil)
	req.Host = `evil.com"+alert(1)+"</script>`
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	body := w.Body.String()
	assert.NotContains(t, body, `"+alert(1)+"`)
	assert.NotContains(t, body, "</script>")
	assert.Contains(t, body, `var S="http://evil.com\"+alert(1)+\"\u003c/script\u003e";`)
}

func TestTrackerScript_PublicURL(t *testing.T) {
	srv := server.New(server.Options{PublicURL: "https://ab.example.com/", Logger: zaptest.NewLogger(t)})

	req := httptest.NewRequest(http.MethodGet, "/labgoat.js", nil)
	req.Host = "internal:8080"
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `var S="https://ab.example.com";`)
	assert.NotContains(t, w.Body.String(), "internal:8080")
	assert.Equal(t, "public, max-age=60", w.Header().Get("Cache-Control"))
}

func TestCORSPreflight(t *testing.T) {
	h := setupServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/experiments/hero/participants", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
