package events

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ikh/hippovolume/internal/models"
)

type recorder struct {
	msgs []*nats.Msg
	opts int
	err  error
}

func (r *recorder) PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.msgs = append(r.msgs, m)
	r.opts = len(opts)
	return &nats.PubAck{Stream: "hippovolume-measurements", Sequence: uint64(len(r.msgs))}, nil
}

func TestPublish(t *testing.T) {
	rec := &recorder{}
	event := &models.MeasurementEvent{ReportID: "01hreport", PatientID: "PAT-001", Anterior: 10, Posterior: 12, Total: 22}

	require.NoError(t, NewMeasurements(rec).Publish(context.Background(), event))
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, MeasurementSubject, rec.msgs[0].Subject)
	assert.Equal(t, 2, rec.opts)

	var got models.MeasurementEvent
	require.NoError(t, json.Unmarshal(rec.msgs[0].Data, &got))
	assert.Equal(t, *event, got)
}

func TestPublishError(t *testing.T) {
	down := errors.New("no responders")
	err := NewMeasurements(&recorder{err: down}).Publish(context.Background(), &models.MeasurementEvent{ReportID: "x"})
	assert.ErrorIs(t, err, down)
}
