package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"braid/internal/engine"
	"braid/internal/llm"
	"braid/internal/service"
	"braid/internal/store"
	"braid/internal/tools"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testApp(t *testing.T) *App {
	t.Helper()
	logger := zap.NewNop()
	factory := func(ctx context.Context, braidID string) (*engine.Engine, error) {
		return engine.New(engine.Config{
			Store:     store.NewMemoryEventStore(braidID),
			Cognition: llm.NewMockClient(),
			Tools:     tools.NewDefaultRegistry(nil),
			Trust:     service.NewTrustEngine(service.DefaultPromoteThreshold, service.DefaultTrustHalfLife, "", logger),
			Logger:    logger,
			Params:    engine.Params{EnableForking: true},
		}), nil
	}
	sessions := engine.NewRegistry(factory, false, time.Second, time.Second, logger)
	t.Cleanup(sessions.CloseAll)
	return NewApp(sessions, nil, logger)
}

func postMessage(t *testing.T, app *App, braidID, message string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"message": message})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/braids/"+braidID+"/messages", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	return rec
}

func TestPostMessage(t *testing.T) {
	app := testApp(t)

	rec := postMessage(t, app, "braid-1", "hello")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ResponseText string `json:"response_text"`
		Trace        struct {
			BraidID string `json:"braid_id"`
			Knot    struct {
				ID string `json:"id"`
			} `json:"knot"`
		} `json:"trace"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.ResponseText, "hello")
	assert.Equal(t, "braid-1", resp.Trace.BraidID)
	assert.NotEmpty(t, resp.Trace.Knot.ID)
}

func TestPostMessage_Validation(t *testing.T) {
	app := testApp(t)

	rec := postMessage(t, app, "braid-1", "   ")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/braids/braid-1/messages", bytes.NewReader([]byte("{broken")))
	rec = httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTrace(t *testing.T) {
	app := testApp(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/braids/braid-1/trace", nil)
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, postMessage(t, app, "braid-1", "hello").Code)

	rec = httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/braids/braid-1/trace", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var trace engine.TurnTrace
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trace))
	assert.Equal(t, "braid-1", trace.BraidID)
	assert.NotEmpty(t, trace.Deltas)
}

func TestCloseSession(t *testing.T) {
	app := testApp(t)

	req := httptest.NewRequest(http.MethodDelete, "/v1/braids/braid-1/", nil)
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, postMessage(t, app, "braid-1", "hello").Code)

	rec = httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/braids/braid-1/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// A new message re-creates the session.
	assert.Equal(t, http.StatusOK, postMessage(t, app, "braid-1", "hello again").Code)
}

func TestHealth(t *testing.T) {
	app := testApp(t)

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetrics(t *testing.T) {
	app := testApp(t)

	require.Equal(t, http.StatusOK, postMessage(t, app, "braid-1", "hello").Code)

	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.GreaterOrEqual(t, body["request_count"].(float64), 1.0)
}
