package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

type stubStatus struct {
	summary domain.HealthSummary
	rows    []domain.NamespaceStatus
}

func (s *stubStatus) HealthSummary() domain.HealthSummary     { return s.summary }
func (s *stubStatus) StatusSummary() []domain.NamespaceStatus { return s.rows }

func TestHealthzReflectsHealthyDownstreams(t *testing.T) {
	source := &stubStatus{summary: domain.HealthSummary{Healthy: 2, Failed: 1}}

	rec := httptest.NewRecorder()
	healthzHandler(source).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var summary domain.HealthSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Equal(t, 2, summary.Healthy)
	require.Equal(t, 1, summary.Failed)
}

func TestHealthzUnavailableWithoutHealthyDownstreams(t *testing.T) {
	source := &stubStatus{summary: domain.HealthSummary{Failed: 3}}

	rec := httptest.NewRecorder()
	healthzHandler(source).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusListsNamespaces(t *testing.T) {
	source := &stubStatus{rows: []domain.NamespaceStatus{
		{Namespace: "linux", State: domain.StateHealthy, Tools: 4},
		{Namespace: "darwin", State: domain.StateRestarting, Attempts: 2},
	}}

	rec := httptest.NewRecorder()
	statusHandler(source).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Downstreams []domain.NamespaceStatus `json:"downstreams"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Downstreams, 2)
	require.Equal(t, "linux", body.Downstreams[0].Namespace)
	require.Equal(t, domain.StateRestarting, body.Downstreams[1].State)
}

func TestResetEndpoint(t *testing.T) {
	var got string
	reset := func(namespace string) error {
		got = namespace
		switch namespace {
		case "linux":
			return nil
		case "missing":
			return domain.E(domain.CodeNotFound, "federation.reset", "namespace", domain.ErrNamespaceNotFound)
		default:
			return domain.E(domain.CodeFailedPrecond, "federation.reset", "not failed", domain.ErrInvalidTransition)
		}
	}
	handler := resetHandler(reset, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reset?namespace=linux", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "linux", got)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "configured", body["state"])

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reset?namespace=missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reset?namespace=healthy", nil))
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reset", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/reset?namespace=linux", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
