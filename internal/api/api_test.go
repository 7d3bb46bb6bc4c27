package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ikh/hippovolume/internal/models"
)

func TestNotifyReportReady(t *testing.T) {
	var got models.MeasurementEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	event := models.MeasurementEvent{ReportID: "01hreport", StudyInstanceUID: "1.2.3", Total: 7}
	require.NoError(t, NotifyReportReady(context.Background(), srv.URL, event))
	assert.Equal(t, event, got)
}

func TestNotifyReportReadyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := NotifyReportReady(context.Background(), srv.URL, models.MeasurementEvent{})
	assert.ErrorIs(t, err, ErrNotifyFailed)
}
