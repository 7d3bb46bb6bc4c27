package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"

	"ikh/hippovolume/internal/models"
)

var ErrNotFound = errors.New("repo: not found")

type Measurement struct {
	db *bun.DB
}

func NewMeasurement(db *bun.DB) *Measurement {
	return &Measurement{db: db}
}

// NewID returns a lower-cased ULID, so ids sort by creation time.
func NewID() string {
	return strings.ToLower(ulid.Make().String())
}

func (r *Measurement) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.NewCreateTable().
		Model((*models.Measurement)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to create measurements table")
	}

	_, err := r.db.NewCreateIndex().
		Model((*models.Measurement)(nil)).
		Index("measurements_patient_id_idx").
		IfNotExists().
		Column("patient_id", "created_at").
		Exec(ctx)
	return errors.Wrap(err, "failed to create measurements index")
}

// Create assigns an id when m has none.
func (r *Measurement) Create(ctx context.Context, m *models.Measurement) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	_, err := r.db.NewInsert().
		Model(m).
		Exec(ctx)
	return errors.Wrap(err, "failed to insert measurement")
}

// ListByPatient returns the measurements of a patient, newest first.
func (r *Measurement) ListByPatient(ctx context.Context, patientID string, limit int) ([]*models.Measurement, error) {
	var measurements []*models.Measurement
	err := r.listByPatientQuery(patientID, limit, &measurements).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return measurements, nil
}

func (r *Measurement) listByPatientQuery(patientID string, limit int, dest *[]*models.Measurement) *bun.SelectQuery {
	q := r.db.NewSelect().
		Model(dest).
		Where("patient_id = ?", patientID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return q
}
