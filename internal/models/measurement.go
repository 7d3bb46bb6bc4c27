package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Measurement is one hippocampal volume measurement produced for a study.
type Measurement struct {
	bun.BaseModel `bun:"table:measurements,alias:m"`

	ID                string    `bun:"id,pk" json:"id"`
	PatientID         string    `bun:"patient_id,notnull" json:"patientId"`
	StudyInstanceUID  string    `bun:"study_instance_uid,notnull" json:"studyInstanceUid"`
	SeriesInstanceUID string    `bun:"series_instance_uid,notnull" json:"seriesInstanceUid"`
	ReportSOPUID      string    `bun:"report_sop_uid" json:"reportSopUid"`
	AnteriorVoxels    int       `bun:"anterior_voxels" json:"anteriorVoxels"`
	PosteriorVoxels   int       `bun:"posterior_voxels" json:"posteriorVoxels"`
	TotalVoxels       int       `bun:"total_voxels" json:"totalVoxels"`
	TotalMM3          *float64  `bun:"total_mm3" json:"totalMm3,omitempty"`
	ReportKey         string    `bun:"report_key" json:"reportKey,omitempty"`
	ModelName         string    `bun:"model_name" json:"modelName"`
	CreatedAt         time.Time `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
}

// MeasurementEvent is published once a report has been delivered.
type MeasurementEvent struct {
	ReportID          string  `json:"reportId"`
	PatientID         string  `json:"patientId"`
	StudyInstanceUID  string  `json:"studyInstanceUid"`
	SeriesInstanceUID string  `json:"seriesInstanceUid"`
	ReportSOPUID      string  `json:"reportSopUid"`
	Anterior          int     `json:"anterior"`
	Posterior         int     `json:"posterior"`
	Total             int     `json:"total"`
	TotalMM3          float64 `json:"totalMm3,omitempty"`
	CreatedAt         int64   `json:"createdAt"`
}
