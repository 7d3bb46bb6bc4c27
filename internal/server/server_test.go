package server

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ikh/hippovolume/internal/bininfo"
	"ikh/hippovolume/internal/models"
	"ikh/hippovolume/internal/repo"
)

type fakeHistory struct {
	byPatient map[string][]*models.Measurement
	limit     int
}

func (f *fakeHistory) ListByPatient(_ context.Context, patientID string, limit int) ([]*models.Measurement, error) {
	f.limit = limit
	list, ok := f.byPatient[patientID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return list, nil
}

func get(t *testing.T, path string, history History) (int, []byte) {
	t.Helper()
	resp, err := Create(history).Test(httptest.NewRequest("GET", path, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHealthAndBinInfo(t *testing.T) {
	code, body := get(t, "/health", nil)
	assert.Equal(t, 200, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	code, body = get(t, "/bininfo", nil)
	assert.Equal(t, 200, code)
	assert.Contains(t, string(body), bininfo.Version)
}

func TestMetrics(t *testing.T) {
	get(t, "/health", nil)
	code, body := get(t, "/metrics", nil)
	assert.Equal(t, 200, code)
	assert.Contains(t, string(body), "hippovolume")
}

func TestMeasurements(t *testing.T) {
	history := &fakeHistory{byPatient: map[string][]*models.Measurement{
		"PAT-001": {{ID: "b", PatientID: "PAT-001", TotalVoxels: 30}, {ID: "a", PatientID: "PAT-001", TotalVoxels: 28}},
	}}

	code, body := get(t, "/api/v1/patients/PAT-001/measurements?limit=5", history)
	require.Equal(t, 200, code)
	var list []models.Measurement
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 2)
	assert.Equal(t, 30, list[0].TotalVoxels)
	assert.Equal(t, 5, history.limit)

	code, body = get(t, "/api/v1/patients/unknown/measurements", history)
	assert.Equal(t, 200, code)
	assert.JSONEq(t, `[]`, string(body))
	assert.Equal(t, defaultHistoryLimit, history.limit)

	code, _ = get(t, "/api/v1/patients/PAT-001/measurements?limit=100000000", history)
	assert.Equal(t, 200, code)
	assert.Equal(t, maxHistoryLimit, history.limit)

	code, _ = get(t, "/api/v1/patients/PAT-001/measurements?limit=zero", history)
	assert.Equal(t, 400, code)
}

func TestMeasurementsWithoutHistory(t *testing.T) {
	code, _ := get(t, "/api/v1/patients/PAT-001/measurements", nil)
	assert.Equal(t, 503, code)
}
