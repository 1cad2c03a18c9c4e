package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appSession "github.com/explorehub/explorehub/internal/application/session"
	"github.com/explorehub/explorehub/internal/domain/collab"
	"github.com/explorehub/explorehub/internal/infrastructure/metrics"
	"github.com/explorehub/explorehub/internal/infrastructure/ws"
)

func newTestRouter(t *testing.T) (http.Handler, *appSession.Service) {
	t.Helper()
	logger := zerolog.Nop()
	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)
	hub := ws.NewHub(logger, collector)
	svc := appSession.NewService(appSession.Config{}, hub, logger, collector)
	hub.Bind(svc)
	t.Cleanup(svc.Close)
	return NewServer(svc, hub, registry).Router(), svc
}

func TestCreateAndGetSession(t *testing.T) {
	router, _ := newTestRouter(t)

	body, err := json.Marshal(map[string]string{"hostId": "host", "title": "limits"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var sess collab.Session
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sess))
	assert.Equal(t, "host", sess.HostID)
	assert.True(t, sess.Active)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/"+sess.SessionID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateSessionRequiresHost(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownSessionReturns404(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEndSessionForbiddenForNonHost(t *testing.T) {
	router, svc := newTestRouter(t)
	sess, err := svc.CreateSession(appSession.CreateSessionInput{HostID: "host"})
	require.NoError(t, err)

	body := bytes.NewReader([]byte(`{"userId":"intruder"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sess.SessionID+"/end", body))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
