// Package events announces measurements on NATS JetStream.
package events

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"ikh/hippovolume/internal/models"
)

const MeasurementSubject = "HIPPOVOLUME.measurement"

// Publisher is satisfied by nats.JetStreamContext.
type Publisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type Measurements struct {
	js Publisher
}

func NewMeasurements(js Publisher) *Measurements {
	return &Measurements{js: js}
}

func newMsg(event *models.MeasurementEvent) (*nats.Msg, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode measurement event")
	}
	msg := nats.NewMsg(MeasurementSubject)
	msg.Data = data
	return msg, nil
}

// Publish sends the event with its report id as message id, so a retried
// delivery is dropped by the stream's duplicate window.
func (p *Measurements) Publish(ctx context.Context, event *models.MeasurementEvent) error {
	msg, err := newMsg(event)
	if err != nil {
		return err
	}
	if _, err := p.js.PublishMsg(msg, nats.MsgId(event.ReportID), nats.Context(ctx)); err != nil {
		return errors.Wrap(err, "failed to publish measurement event")
	}
	return nil
}
